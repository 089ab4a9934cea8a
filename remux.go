// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package remux converts RealMedia and raw DTS files into Matroska.
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"remux/pkg/log"
	"remux/pkg/storage"
	"remux/pkg/video/analyzer"
	"remux/pkg/video/mkvmuxer"
	"remux/pkg/video/packetizer"

	"golang.org/x/sync/errgroup"
)

// Run executes the command line until it finishes or a signal arrives.
func Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd().ExecuteContext(ctx)
}

// App shared state of one command.
type App struct {
	Config *storage.Config
	Logger *log.Logger
	fileIO storage.FileIO

	stop func()
}

// newApp starts the logger. Logs are printed to logOut and saved in the
// log database if one is configured. Close must be called.
func newApp(config *storage.Config, fileIO storage.FileIO, logOut io.Writer) *App {
	logger := log.NewLogger()
	loggerCtx, cancelLogger := context.WithCancel(context.Background())
	go logger.Start(loggerCtx)

	ctx, cancel := context.WithCancel(context.Background())
	printed := logger.LogToWriter(ctx, logOut, config.Level)

	wg := &sync.WaitGroup{}
	var saved <-chan struct{}
	if config.LogDB != "" {
		logDB := log.NewDB(config.LogDB, wg)
		if err := logDB.Init(ctx); err != nil {
			// Continue even if log database is corrupt.
			logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
		} else {
			saved = logDB.SaveLogs(ctx, logger)
		}
	}

	return &App{
		Config: config,
		Logger: logger,
		fileIO: fileIO,
		stop: func() {
			cancel()
			<-printed
			if saved != nil {
				<-saved
			}
			wg.Wait()
			cancelLogger()
		},
	}
}

// Close flushes pending logs and closes the log database.
func (app *App) Close() {
	app.stop()
}

func (app *App) openDemuxer(name string, opts Options) (packetizer.Demuxer, storage.File, error) {
	in, err := app.fileIO.Open(name, storage.ModeRead)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	demuxer, err := hooks.openReader(in, opts, app.Logger, filepath.Base(name))
	if err != nil {
		in.Close()
		return nil, nil, err
	}
	return demuxer, in, nil
}

// identify prints the container and tracks of every file.
func (app *App) identify(w io.Writer, names []string) error {
	var failed error
	for _, name := range names {
		demuxer, in, err := app.openDemuxer(name, Options{})
		if err != nil {
			fmt.Fprintf(w, "File '%s': %v\n", name, err)
			failed = err
			continue
		}
		fmt.Fprintf(w, "File '%s': container: %s\n", name, demuxer.ContainerName())
		for _, t := range demuxer.Identify() {
			fmt.Fprintln(w, t)
		}
		in.Close()
	}
	return failed
}

// muxFile demuxes input into a new Matroska file. Cancellation finalizes
// the frames written so far.
func (app *App) muxFile(ctx context.Context, input, output string, opts Options) error {
	demuxer, in, err := app.openDemuxer(input, opts)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := app.fileIO.Open(output, storage.ModeWrite)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	name := filepath.Base(input)
	app.Logger.Debug().Src("app").File(name).Msgf("track selection: %s", selection(opts.Selection))
	muxer := mkvmuxer.New(out, opts.ClusterDuration, app.Logger.Func("mkv", filepath.Base(output)))
	if err := demuxer.CreatePacketizers(muxer); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	app.Logger.Info().Src("app").File(name).
		Msgf("muxing %s input into '%s'", demuxer.ContainerName(), output)

	start := time.Now()
	readErr := readAll(ctx, demuxer, func(progress int) {
		app.Logger.Debug().Src("app").File(name).Msgf("progress: %d%%", progress)
	})
	if err := muxer.Close(); err != nil {
		return fmt.Errorf("finalize '%s': %w", output, err)
	}
	if readErr != nil {
		return fmt.Errorf("%s: %w", name, readErr)
	}

	size, err := out.Size()
	if err != nil {
		return err
	}
	app.Logger.Info().Src("app").File(name).Msgf("wrote %s, duration %v, took %v",
		storage.FormatSize(size), muxer.Duration(), time.Since(start).Round(time.Millisecond))
	return nil
}

// readAll drives the demuxer, onProgress is called every ten percent.
func readAll(ctx context.Context, demuxer packetizer.Demuxer, onProgress func(int)) error {
	lastProgress := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := demuxer.Read()
		if err != nil {
			return err
		}
		if status == packetizer.StatusDone {
			return nil
		}
		if progress := demuxer.Progress(); progress >= lastProgress+10 {
			lastProgress = progress - progress%10
			onProgress(lastProgress)
		}
	}
}

// ErrFilesFailed some files in a batch could not be muxed.
var ErrFilesFailed = errors.New("files failed")

// batch muxes inputs into outDir, jobs files at a time. Failed files are
// logged and do not stop the others.
func (app *App) batch(ctx context.Context, outDir string, inputs []string, opts Options) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(app.Config.Jobs)

	var failed atomic.Int32
	for _, input := range inputs {
		input := input
		base := filepath.Base(input)
		output := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".mkv")
		g.Go(func() error {
			err := app.muxFile(ctx, input, output, opts)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				failed.Add(1)
				app.Logger.Error().Src("app").File(base).Msgf("%v", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d %w", n, len(inputs), ErrFilesFailed)
	}
	return nil
}

// analyze prints the element index of a Matroska file.
func (app *App) analyze(w io.Writer, name string) error {
	f, err := app.fileIO.Open(name, storage.ModeRead)
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := analyzer.New(f)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintln(w, a.Segment)
	for _, e := range a.Elements {
		fmt.Fprintf(w, "  %v\n", e)
	}
	return nil
}

// ErrNoLogDB no log database is configured.
var ErrNoLogDB = errors.New("logDB is not set in the config")

// queryLogs prints stored logs, newest first.
func queryLogs(w io.Writer, config *storage.Config, q log.Query) error {
	if config.LogDB == "" {
		return ErrNoLogDB
	}
	if _, err := os.Stat(config.LogDB); err != nil {
		return fmt.Errorf("log database: %w", err)
	}

	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()

	logDB := log.NewDB(config.LogDB, wg)
	if err := logDB.Init(ctx); err != nil {
		return err
	}
	logs, err := logDB.Query(q)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	for _, l := range logs {
		t := time.UnixMicro(int64(l.Time)).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s %s\n", t, log.FormatLog(l))
	}
	return nil
}
