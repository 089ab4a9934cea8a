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

package rmff

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packed video fragment header types, the two high bits of the first byte.
const (
	fragPartial  = 0x00
	fragWhole    = 0x40
	fragLast     = 0x80
	fragMultiple = 0xc0

	fragTypeMask = 0xc0

	packedShortFlag = 0x4000
	packedShortMask = 0x3fff
	maxPackedValue  = 1 << 30
)

// ErrPackedValue value does not fit the packed encoding.
var ErrPackedValue = errors.New("value too large for packed field")

// VideoAssembler joins video frames that are split across packets.
//
// Assembled frames start with a segment table.
//
//	numSegments uint8 // Minus one.
//	segments {
//	  one    uint32 // Little endian, always 1.
//	  offset uint32 // Little endian.
//	}
//	data []byte
type VideoAssembler struct {
	cur   *partialFrame
	ready []*Frame
}

type partialFrame struct {
	id       int
	seq      uint8
	timecode uint32
	flags    uint8
	data     []byte
	filled   int
	segments []uint32
}

// NewVideoAssembler creates an empty assembler.
func NewVideoAssembler() *VideoAssembler {
	return &VideoAssembler{}
}

type packedReader struct {
	buf []byte
	pos int
	err error
}

func (r *packedReader) uint8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.err = fmt.Errorf("%w: truncated fragment header", ErrCorrupt)
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *packedReader) uint16() uint32 {
	if r.err != nil {
		return 0
	}
	if r.pos+2 > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated fragment header", ErrCorrupt)
		return 0
	}
	v := uint32(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	return v
}

// value reads a 14 or 30 bit number.
func (r *packedReader) value() int {
	v := r.uint16()
	if v&packedShortFlag != 0 {
		return int(v & packedShortMask)
	}
	return int(v<<16 | r.uint16())
}

// Add splits the payload of a packet into fragments. Completed frames
// become available from Next.
func (a *VideoAssembler) Add(f *Frame) error {
	data := f.Data
	for len(data) > 2 {
		hdr := data[0]
		var length, offset int
		var seq uint8

		if hdr&fragTypeMask == fragWhole {
			a.flush()
			data = data[2:]
			length = len(data)
		} else {
			r := &packedReader{buf: data, pos: 1}
			if hdr&fragWhole == 0 {
				r.uint8() // Sub sequence.
			}
			length = r.value()
			field := r.value()
			seq = r.uint8()
			if r.err != nil {
				return r.err
			}
			data = data[r.pos:]

			switch hdr & fragTypeMask {
			case fragMultiple:
				// field is the timestamp.
			case fragLast:
				offset = length - field
			default:
				offset = field
			}
		}

		if length <= 0 || offset < 0 || offset >= length {
			return fmt.Errorf("%w: fragment offset %d length %d", ErrCorrupt, offset, length)
		}

		if a.cur != nil && (a.cur.seq != seq || len(a.cur.data) != length) {
			a.flush()
		}
		if a.cur == nil {
			a.cur = &partialFrame{
				id:       f.ID,
				seq:      seq,
				timecode: f.Timecode,
				flags:    f.Flags,
				data:     make([]byte, length),
			}
		}

		n := min(len(data), length-offset)
		copy(a.cur.data[offset:], data[:n])
		a.cur.segments = append(a.cur.segments, uint32(offset))
		a.cur.filled = max(a.cur.filled, offset+n)
		data = data[n:]

		if hdr&fragLast != 0 || offset+n >= length {
			a.flush()
		}
	}
	return nil
}

// Flush emits an incomplete frame, if any.
func (a *VideoAssembler) Flush() {
	a.flush()
}

func (a *VideoAssembler) flush() {
	p := a.cur
	if p == nil {
		return
	}
	a.cur = nil

	out := make([]byte, 1+8*len(p.segments)+p.filled)
	out[0] = uint8(len(p.segments) - 1)
	pos := 1
	for _, offset := range p.segments {
		binary.LittleEndian.PutUint32(out[pos:], 1)
		binary.LittleEndian.PutUint32(out[pos+4:], offset)
		pos += 8
	}
	copy(out[pos:], p.data[:p.filled])

	a.ready = append(a.ready, &Frame{
		ID:       p.id,
		Timecode: p.timecode,
		Flags:    p.flags,
		Data:     out,
	})
}

// Next returns the next assembled frame or nil.
func (a *VideoAssembler) Next() *Frame {
	if len(a.ready) == 0 {
		return nil
	}
	f := a.ready[0]
	a.ready[0] = nil
	a.ready = a.ready[1:]
	return f
}

func appendPacked(buf []byte, v int) ([]byte, error) {
	switch {
	case v < 0 || v >= maxPackedValue:
		return nil, fmt.Errorf("%w: %d", ErrPackedValue, v)
	case v < packedShortFlag:
		return binary.BigEndian.AppendUint16(buf, uint16(v)|packedShortFlag), nil
	default:
		return binary.BigEndian.AppendUint32(buf, uint32(v)), nil
	}
}

// PackVideoFrame splits a raw frame into packet payloads of at most
// maxFragment data bytes each.
func PackVideoFrame(frame []byte, timecode uint32, seq uint8, maxFragment int) ([][]byte, error) {
	if len(frame) == 0 || maxFragment <= 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrCorrupt)
	}
	length := len(frame)

	if length <= maxFragment {
		buf := []byte{fragMultiple}
		buf, err := appendPacked(buf, length)
		if err != nil {
			return nil, err
		}
		if buf, err = appendPacked(buf, int(timecode)%maxPackedValue); err != nil {
			return nil, err
		}
		buf = append(buf, seq)
		return [][]byte{append(buf, frame...)}, nil
	}

	numFragments := (length + maxFragment - 1) / maxFragment
	payloads := make([][]byte, 0, numFragments)
	for i := 0; i < numFragments; i++ {
		start := i * maxFragment
		end := min(start+maxFragment, length)

		hdr := uint8(fragPartial)
		field := start
		if i == numFragments-1 {
			hdr = fragLast
			field = end - start
		}

		buf := []byte{hdr, 0x80 | uint8(numFragments&0x7f)}
		buf, err := appendPacked(buf, length)
		if err != nil {
			return nil, err
		}
		if buf, err = appendPacked(buf, field); err != nil {
			return nil, err
		}
		buf = append(buf, seq)
		payloads = append(payloads, append(buf, frame[start:end]...))
	}
	return payloads, nil
}
