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

// Package dtsreader demuxes raw DTS elementary streams.
package dtsreader

import (
	"errors"
	"fmt"
	"io"
	"time"

	"remux/pkg/log"
	"remux/pkg/video/dts"
	"remux/pkg/video/packetizer"
)

// ContainerName reported by Identify.
const ContainerName = "DTS"

const (
	// Bytes inspected by Probe.
	probeSize = 64 * 1024

	// Consecutive headers required to accept a stream.
	probeHeaders = 3

	readSize = 64 * 1024
	trackID  = 0
)

// ErrNotDTS input is not a DTS stream.
var ErrNotDTS = errors.New("source is not a valid DTS file")

// Probe reports whether r holds a DTS stream in any supported variant.
// The position is reset to the start.
func Probe(r io.ReadSeeker) bool {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	_, _, err := dts.DetectReader(r, probeSize, probeHeaders)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	return err == nil
}

// Reader raw DTS demuxer, every frame becomes one packet.
type Reader struct {
	r         io.Reader
	size      int64
	selection packetizer.Selection
	logf      log.Func

	format dts.Format
	first  *dts.Header
	last   *dts.Header

	buf      []byte
	raw      []byte
	consumed int64
	eof      bool
	synced   bool

	timecode int64
	sink     packetizer.Sink
	done     bool
}

// New detects the stream variant and decodes the first header.
func New(r io.ReadSeeker, selection packetizer.Selection, logf log.Func) (*Reader, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	head := make([]byte, probeSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read: %w", err)
	}
	head = head[:n]

	format, _, err := dts.Detect(head, probeHeaders)
	if err != nil {
		return nil, ErrNotDTS
	}
	_, first, err := dts.FindHeader(format.Decode(head))
	if err != nil {
		return nil, ErrNotDTS
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	logf(log.LevelDebug, "%s stream: %v", format, first)
	return &Reader{
		r:         r,
		size:      size,
		selection: selection,
		logf:      logf,
		format:    format,
		first:     first,
		last:      first,
	}, nil
}

// ContainerName returns the input format name.
func (r *Reader) ContainerName() string {
	return ContainerName
}

func (r *Reader) codec() string {
	if r.first.Extension != nil {
		return "DTS-HD " + r.first.Extension.Type.String()
	}
	return "DTS"
}

// Identify lists the single audio track.
func (r *Reader) Identify() []packetizer.TrackInfo {
	return []packetizer.TrackInfo{{
		ID:    trackID,
		Type:  packetizer.TrackAudio,
		Codec: r.codec(),
	}}
}

// CreatePacketizers adds the audio track.
func (r *Reader) CreatePacketizers(m packetizer.Muxer) error {
	if r.sink != nil {
		return nil
	}
	if !r.selection.Wants(packetizer.TrackAudio, trackID) {
		return packetizer.ErrNoTracks
	}

	sink, err := m.AddTrack(packetizer.TrackParams{
		ID:      trackID,
		Type:    packetizer.TrackAudio,
		CodecID: "A_DTS",
		Audio: packetizer.AudioParams{
			SampleRate: float64(r.first.CoreSamplingFrequency),
			Channels:   r.first.TotalChannels(),
			BitDepth:   r.first.SourcePCMResolution,
		},
		DefaultDuration: int64(r.first.Duration()),
	})
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	r.sink = sink
	r.logf(log.LevelInfo, "track %d: using the DTS output module (%s)", trackID, r.format)
	return nil
}

// fill reads and decodes the next block of input.
func (r *Reader) fill() error {
	block := make([]byte, readSize)
	n, err := io.ReadFull(r.r, block)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.eof = true
	case err != nil:
		return err
	}
	r.raw = append(r.raw, block[:n]...)
	r.consumed += int64(n)

	// Keep partial input blocks for the next call.
	whole := len(r.raw) - len(r.raw)%r.format.BlockSize()
	if r.eof {
		whole = len(r.raw)
	}
	r.buf = append(r.buf, r.format.Decode(r.raw[:whole])...)
	r.raw = append(r.raw[:0], r.raw[whole:]...)
	return nil
}

// Read emits one frame.
func (r *Reader) Read() (packetizer.Status, error) {
	if r.done {
		return packetizer.StatusDone, nil
	}
	for len(r.buf) < readSize && !r.eof {
		if err := r.fill(); err != nil {
			return packetizer.StatusDone, fmt.Errorf("read: %w", err)
		}
	}

	pos, _, err := dts.FindHeader(r.buf)
	if err != nil {
		if !r.eof {
			r.logf(log.LevelWarning, "lost sync, skipped %d bytes", len(r.buf)-3)
			r.buf = r.buf[len(r.buf)-3:]
			return packetizer.StatusMoreData, nil
		}
		if len(r.buf) > 3 {
			r.logf(log.LevelWarning, "no frame header found in the last %d bytes", len(r.buf))
		}
		return r.finish()
	}
	if pos > 0 {
		if r.synced {
			r.logf(log.LevelWarning, "lost sync, skipped %d bytes", pos)
		}
		r.buf = r.buf[pos:]
	}
	r.synced = true

	h, err := dts.ParseHeader(r.buf, true)
	if err != nil {
		r.buf = r.buf[1:]
		return packetizer.StatusMoreData, nil
	}
	size := h.TotalFrameSize()
	if size > len(r.buf) && !r.eof {
		if err := r.fill(); err != nil {
			return packetizer.StatusDone, fmt.Errorf("read: %w", err)
		}
		return packetizer.StatusMoreData, nil
	}
	if size > len(r.buf) {
		r.logf(log.LevelWarning, "last frame is truncated, %d of %d bytes", len(r.buf), size)
		return r.finish()
	}

	if !h.Equal(*r.last) {
		r.logf(log.LevelWarning, "stream parameters changed: %v", h)
		r.last = h
	}

	frame := make([]byte, size)
	copy(frame, r.buf[:size])
	r.buf = r.buf[size:]

	duration := int64(h.Duration())
	if r.sink != nil {
		err := r.sink.Process(packetizer.Packet{
			Data:     frame,
			Timecode: r.timecode,
			Duration: duration,
			BRef:     packetizer.NoReference,
		})
		if err != nil {
			return packetizer.StatusDone, fmt.Errorf("track %d: %w", trackID, err)
		}
	}
	r.timecode += duration
	return packetizer.StatusMoreData, nil
}

func (r *Reader) finish() (packetizer.Status, error) {
	r.done = true
	r.buf = nil
	return packetizer.StatusDone, nil
}

// Duration returns the timecode after the last emitted frame.
func (r *Reader) Duration() time.Duration {
	return time.Duration(r.timecode)
}

// Progress returns the percentage of input read.
func (r *Reader) Progress() int {
	if r.size == 0 {
		return 0
	}
	done := r.consumed - int64(len(r.buf))
	if done < 0 {
		done = 0
	}
	return int(100 * done / r.size)
}
