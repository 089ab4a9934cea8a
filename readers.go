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
	"io"
	"time"

	"remux/pkg/log"
	"remux/pkg/video/dtsreader"
	"remux/pkg/video/packetizer"
	"remux/pkg/video/realreader"
)

// Options per input file, built from the config and command line flags.
type Options struct {
	Selection packetizer.Selection

	// Forces or clears SBR per track id, -1 applies to every track.
	AACIsSBR map[int]bool

	AspectRatio   float64
	DisplayWidth  int
	DisplayHeight int

	ClusterDuration time.Duration
}

// OpenFunc opens a demuxer over an input that passed the probe.
type OpenFunc func(r io.ReadSeeker, opts Options, logf log.Func) (packetizer.Demuxer, error)

// ReaderFormat input container handled by a demuxer.
type ReaderFormat struct {
	// Log source of the demuxer.
	Src string

	Probe func(io.ReadSeeker) bool
	Open  OpenFunc
}

type hookList struct {
	readers   []ReaderFormat
	logSource []string
}

var hooks = &hookList{}

// RegisterReader adds an input format, formats are probed in
// registration order.
func RegisterReader(f ReaderFormat) {
	hooks.readers = append(hooks.readers, f)
	RegisterLogSource([]string{f.Src})
}

// RegisterLogSource adds log source.
func RegisterLogSource(s []string) {
	hooks.logSource = append(hooks.logSource, s...)
}

func init() {
	RegisterLogSource([]string{"app", "mkv"})
	RegisterReader(ReaderFormat{
		Src:   "real",
		Probe: realreader.Probe,
		Open: func(r io.ReadSeeker, opts Options, logf log.Func) (packetizer.Demuxer, error) {
			return realreader.New(r, realreader.Config{
				Selection:     opts.Selection,
				AACIsSBR:      opts.AACIsSBR,
				AspectRatio:   opts.AspectRatio,
				DisplayWidth:  opts.DisplayWidth,
				DisplayHeight: opts.DisplayHeight,
			}, logf)
		},
	})
	RegisterReader(ReaderFormat{
		Src:   "dts",
		Probe: dtsreader.Probe,
		Open: func(r io.ReadSeeker, opts Options, logf log.Func) (packetizer.Demuxer, error) {
			return dtsreader.New(r, opts.Selection, logf)
		},
	})
}

// ErrUnsupportedFormat no registered reader accepts the input.
var ErrUnsupportedFormat = errors.New("unsupported input format")

func (h *hookList) openReader(
	r io.ReadSeeker,
	opts Options,
	logger *log.Logger,
	name string,
) (packetizer.Demuxer, error) {
	for _, f := range h.readers {
		if !f.Probe(r) {
			continue
		}
		demuxer, err := f.Open(r, opts, logger.Func(f.Src, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return demuxer, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}
