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

package remux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remux/pkg/log"
	"remux/pkg/storage"
	"remux/pkg/video/packetizer"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "remux",
		Short:        "Convert RealMedia and raw DTS files into Matroska",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")

	load := func(cmd *cobra.Command) (*App, error) {
		config, err := storage.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return newApp(config, storage.OSFileIO{}, cmd.ErrOrStderr()), nil
	}

	root.AddCommand(
		newIdentifyCmd(load),
		newMuxCmd(load),
		newBatchCmd(load),
		newAnalyzeCmd(load),
		newLogsCmd(&configPath),
	)
	return root
}

type loadFunc func(*cobra.Command) (*App, error)

func newIdentifyCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "identify FILE...",
		Short: "Print the container type and tracks of input files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := load(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.identify(cmd.OutOrStdout(), args)
		},
	}
}

// muxFlags command line options shared by mux and batch.
type muxFlags struct {
	audioTracks       []int
	videoTracks       []int
	aacIsSBR          []string
	aspectRatio       float64
	displayDimensions string
}

func (f *muxFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntSliceVarP(&f.audioTracks, "audio-tracks", "a", nil, "audio track ids to mux, all by default")
	flags.IntSliceVarP(&f.videoTracks, "video-tracks", "d", nil, "video track ids to mux, all by default")
	flags.StringSliceVar(&f.aacIsSBR, "aac-is-sbr", nil,
		"ID[:0|1] the AAC track contains SBR, -1 applies to all tracks")
	flags.Float64Var(&f.aspectRatio, "aspect-ratio", 0, "display aspect ratio of video tracks")
	flags.StringVar(&f.displayDimensions, "display-dimensions", "", "WxH display size of video tracks")
}

// options merges the flags over the config.
func (f *muxFlags) options(cmd *cobra.Command, config *storage.Config) (Options, error) {
	opts := Options{
		AACIsSBR:        map[int]bool{},
		AspectRatio:     config.AspectRatio,
		DisplayWidth:    config.DisplayWidth,
		DisplayHeight:   config.DisplayHeight,
		ClusterDuration: time.Duration(config.ClusterDuration) * time.Millisecond,
	}
	for id, sbr := range config.AACIsSBR {
		opts.AACIsSBR[id] = sbr
	}

	flags := cmd.Flags()
	if flags.Changed("audio-tracks") {
		opts.Selection.Audio = append([]int{}, f.audioTracks...)
	}
	if flags.Changed("video-tracks") {
		opts.Selection.Video = append([]int{}, f.videoTracks...)
	}
	if err := parseAACIsSBR(f.aacIsSBR, opts.AACIsSBR); err != nil {
		return Options{}, err
	}
	if flags.Changed("aspect-ratio") {
		if f.aspectRatio <= 0 {
			return Options{}, fmt.Errorf("aspect ratio %v: %w", f.aspectRatio, ErrInvalidFlag)
		}
		opts.AspectRatio = f.aspectRatio
	}
	if f.displayDimensions != "" {
		w, h, err := parseDimensions(f.displayDimensions)
		if err != nil {
			return Options{}, err
		}
		opts.DisplayWidth, opts.DisplayHeight = w, h
	}
	return opts, nil
}

// ErrInvalidFlag malformed flag value.
var ErrInvalidFlag = errors.New("invalid flag value")

// parseAACIsSBR parses "ID" or "ID:0|1" values into m.
func parseAACIsSBR(values []string, m map[int]bool) error {
	for _, v := range values {
		idStr, sbrStr, hasValue := strings.Cut(v, ":")
		id, err := strconv.Atoi(idStr)
		if err != nil || id < -1 {
			return fmt.Errorf("aac-is-sbr %q: %w", v, ErrInvalidFlag)
		}
		sbr := true
		if hasValue {
			switch sbrStr {
			case "0":
				sbr = false
			case "1":
			default:
				return fmt.Errorf("aac-is-sbr %q: %w", v, ErrInvalidFlag)
			}
		}
		m[id] = sbr
	}
	return nil
}

// parseDimensions parses "WxH".
func parseDimensions(v string) (int, int, error) {
	wStr, hStr, ok := strings.Cut(v, "x")
	if !ok {
		return 0, 0, fmt.Errorf("display dimensions %q: %w", v, ErrInvalidFlag)
	}
	w, err := strconv.Atoi(wStr)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("display width %q: %w", v, ErrInvalidFlag)
	}
	h, err := strconv.Atoi(hStr)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("display height %q: %w", v, ErrInvalidFlag)
	}
	return w, h, nil
}

func newMuxCmd(load loadFunc) *cobra.Command {
	var flags muxFlags
	cmd := &cobra.Command{
		Use:   "mux [flags] INPUT OUTPUT",
		Short: "Write the tracks of INPUT into the Matroska file OUTPUT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := load(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			opts, err := flags.options(cmd, app.Config)
			if err != nil {
				return err
			}
			return app.muxFile(cmd.Context(), args[0], args[1], opts)
		},
	}
	flags.register(cmd)
	return cmd
}

func newBatchCmd(load loadFunc) *cobra.Command {
	var flags muxFlags
	cmd := &cobra.Command{
		Use:   "batch [flags] OUTDIR INPUT...",
		Short: "Mux many inputs in parallel, outputs are named after the inputs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := load(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			opts, err := flags.options(cmd, app.Config)
			if err != nil {
				return err
			}
			return app.batch(cmd.Context(), args[0], args[1:], opts)
		},
	}
	flags.register(cmd)
	return cmd
}

func newAnalyzeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze FILE",
		Short: "Print the top level element index of a Matroska file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := load(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.analyze(cmd.OutOrStdout(), args[0])
		},
	}
}

func newLogsCmd(configPath *string) *cobra.Command {
	var (
		levels  []string
		sources []string
		files   []string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the log database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := storage.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			q := log.Query{
				Sources: sources,
				Files:   files,
				Limit:   limit,
			}
			for _, l := range levels {
				level, err := log.ParseLevel(l)
				if err != nil {
					return err
				}
				q.Levels = append(q.Levels, level)
			}
			return queryLogs(cmd.OutOrStdout(), config, q)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&levels, "level", nil, "only show these levels")
	flags.StringSliceVar(&sources, "src", nil, "only show these sources: "+strings.Join(hooks.logSource, ", "))
	flags.StringSliceVar(&files, "file", nil, "only show logs about these files")
	flags.IntVar(&limit, "limit", 100, "maximum number of logs")
	return cmd
}

// selection formats a track selection for logs.
func selection(s packetizer.Selection) string {
	format := func(ids []int) string {
		if ids == nil {
			return "all"
		}
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, strconv.Itoa(id))
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprintf("audio %s, video %s", format(s.Audio), format(s.Video))
}
