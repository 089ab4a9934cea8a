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

package realreader

import (
	"fmt"

	"remux/pkg/log"
	"remux/pkg/video/bits"
	"remux/pkg/video/packetizer"
	"remux/pkg/video/rmff"
)

func (r *Reader) assembleVideoPacket(t *track, frame *rmff.Frame) error {
	if err := t.assembler.Add(frame); err != nil {
		r.warnTrack(t.id, "video packet assembly failed: %v", err)
		return nil
	}
	return r.deliverVideoFrames(t)
}

func (r *Reader) deliverVideoFrames(t *track) error {
	for assembled := t.assembler.Next(); assembled != nil; assembled = t.assembler.Next() {
		if !t.rvDimensions {
			if err := r.setDimensions(t, assembled.Data); err != nil {
				return err
			}
		}

		bref := packetizer.PFrameAuto
		if assembled.Keyframe() {
			bref = packetizer.NoReference
		}
		err := t.sink.Process(packetizer.Packet{
			Data:     assembled.Data,
			Timecode: int64(assembled.Timecode) * 1000000,
			BRef:     bref,
			FRef:     packetizer.NoBFrame,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// setDimensions compares the frame size coded in the bitstream with the
// header and updates the sink when they differ.
func (r *Reader) setDimensions(t *track, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	offset := 1 + 8*(int(buf[0])+1)
	if offset+10 >= len(buf) {
		return nil
	}

	width, height, ok := rvDimensions(buf[offset:])
	if !ok {
		return nil
	}

	if width != t.width || height != t.height {
		displayWidth, displayHeight := r.displayDimensions(t.width, t.height, width, height)
		t.width = width
		t.height = height

		r.logf(log.LevelDebug, "track %d: frame size %dx%d, display %dx%d",
			t.id, width, height, displayWidth, displayHeight)

		if ds, ok := t.sink.(packetizer.DimensionSetter); ok {
			if err := ds.SetDimensions(width, height, displayWidth, displayHeight); err != nil {
				return fmt.Errorf("set dimensions: %w", err)
			}
		}
	}

	t.rvDimensions = true
	return nil
}

// displayDimensions an aspect ratio wins over an explicit display size,
// without either the previous size is kept.
func (r *Reader) displayDimensions(oldWidth, oldHeight, width, height int) (int, int) {
	switch {
	case r.config.AspectRatio > 0:
		ar := r.config.AspectRatio
		if float64(width)/float64(height) < ar {
			return int(float64(height) * ar), height
		}
		return width, int(float64(width) / ar)
	case r.config.displayGiven():
		return r.config.DisplayWidth, r.config.DisplayHeight
	default:
		return oldWidth, oldHeight
	}
}

var (
	rvWidths   = [8]int{160, 176, 240, 320, 352, 640, 704, 0}
	rvHeights1 = [8]int{120, 132, 144, 240, 288, 480, 0, 0}
	rvHeights2 = [4]int{180, 360, 576, 0}
)

// rvDimensions decodes the frame size from a RealVideo 4 frame header.
func rvDimensions(buf []byte) (int, int, bool) {
	c := bits.NewCursor(buf)

	readEscaped := func() (int, error) {
		v := 0
		for {
			code, err := c.ReadBits(8)
			if err != nil {
				return 0, err
			}
			v += int(code) << 2
			if code != 255 {
				return v, nil
			}
		}
	}

	if err := c.SkipBits(26); err != nil {
		return 0, 0, false
	}

	code, err := c.ReadBits(3)
	if err != nil {
		return 0, 0, false
	}
	width := rvWidths[code]
	if width == 0 {
		if width, err = readEscaped(); err != nil {
			return 0, 0, false
		}
	}

	code, err = c.ReadBits(3)
	if err != nil {
		return 0, 0, false
	}
	height := rvHeights1[code]
	if height == 0 {
		bit, err := c.ReadBits(1)
		if err != nil {
			return 0, 0, false
		}
		height = rvHeights2[(code<<1|bit)&3]
		if height == 0 {
			if height, err = readEscaped(); err != nil {
				return 0, 0, false
			}
		}
	}
	return width, height, true
}
