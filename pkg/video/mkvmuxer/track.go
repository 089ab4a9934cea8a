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

package mkvmuxer

import (
	"fmt"
	"time"

	"remux/pkg/video/packetizer"
)

// Track sink of one Matroska track.
type Track struct {
	m      *Muxer
	number uint64
	params packetizer.TrackParams

	displacement int64
	numPackets   int64
}

func (t *Track) entry() trackEntry {
	e := trackEntry{
		TrackNumber:     t.number,
		TrackUID:        t.number,
		Name:            t.params.Name,
		CodecID:         t.params.CodecID,
		CodecPrivate:    t.params.CodecPrivate,
		DefaultDuration: uint64(t.params.DefaultDuration),
	}
	switch t.params.Type {
	case packetizer.TrackVideo:
		v := t.params.Video
		e.TrackType = trackTypeVideo
		e.Video = []video{{
			PixelWidth:    uint64(v.PixelWidth),
			PixelHeight:   uint64(v.PixelHeight),
			DisplayWidth:  uint64(v.DisplayWidth),
			DisplayHeight: uint64(v.DisplayHeight),
		}}
	case packetizer.TrackAudio:
		a := t.params.Audio
		e.TrackType = trackTypeAudio
		e.Audio = []audio{{
			SamplingFrequency:       a.SampleRate,
			OutputSamplingFrequency: a.OutputSampleRate,
			Channels:                uint64(a.Channels),
			BitDepth:                uint64(a.BitDepth),
		}}
	}
	return e
}

// Process implements packetizer.Sink.
func (t *Track) Process(p packetizer.Packet) error {
	if p.Timecode == packetizer.UnknownTimecode {
		if err := t.deriveTimecode(&p); err != nil {
			return err
		}
	}
	if t.params.Audio.ByteSwapped {
		swapWords(p.Data)
	}
	t.numPackets++
	return t.m.addBlock(t, p)
}

// deriveTimecode counts samples from the displacement.
func (t *Track) deriveTimecode(p *packetizer.Packet) error {
	a := t.params.Audio
	if a.SampleRate <= 0 || a.SamplesPerPacket <= 0 {
		return fmt.Errorf("track %d: %w", t.params.ID, ErrNoSampleRate)
	}
	samples := t.numPackets * int64(a.SamplesPerPacket)
	p.Timecode = t.displacement + int64(float64(samples)*float64(time.Second)/a.SampleRate)
	p.Duration = int64(float64(a.SamplesPerPacket) * float64(time.Second) / a.SampleRate)
	return nil
}

// SetDisplacement implements packetizer.DisplacementSetter.
func (t *Track) SetDisplacement(timecode int64) {
	t.displacement = timecode
}

// SetDimensions implements packetizer.DimensionSetter. Tracks are
// rewritten if the header was already written.
func (t *Track) SetDimensions(pixelWidth, pixelHeight, displayWidth, displayHeight int) error {
	v := &t.params.Video
	v.PixelWidth = pixelWidth
	v.PixelHeight = pixelHeight
	v.DisplayWidth = displayWidth
	v.DisplayHeight = displayHeight

	if t.m.analyzer == nil {
		return nil
	}
	trackList := t.m.trackEntries()
	if err := t.m.updateElement(&trackList); err != nil {
		return fmt.Errorf("track %d: update tracks: %w", t.params.ID, err)
	}
	return nil
}

// swapWords swaps the bytes of every 16 bit word, a trailing odd byte
// is kept.
func swapWords(buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i], buf[i+1] = buf[i+1], buf[i]
	}
}
