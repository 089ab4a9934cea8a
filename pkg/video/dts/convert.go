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

package dts

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/icza/bitio"
)

// ErrUnknownFormat no stream variant produced consecutive headers.
var ErrUnknownFormat = errors.New("no dts stream variant detected")

// Format stream variant as stored on disk.
type Format struct {
	// Swapped 16 bit words are little endian.
	Swapped bool

	// Packed14 each 16 bit word carries 14 data bits.
	Packed14 bool
}

func (f Format) String() string {
	s := "16 bit"
	if f.Packed14 {
		s = "14 bit"
	}
	if f.Swapped {
		s += " byte swapped"
	}
	return s
}

// BlockSize returns the input length that decodes to whole output bytes.
func (f Format) BlockSize() int {
	if f.Packed14 {
		return 16
	}
	return 2
}

// Decode converts buf into a native big endian 16 bit stream.
func (f Format) Decode(buf []byte) []byte {
	if f.Swapped {
		buf = SwapBytes(buf)
	}
	if f.Packed14 {
		buf = Convert14To16(buf)
	}
	return buf
}

// SwapBytes returns a copy of buf with each 16 bit word byte swapped.
// A trailing odd byte is copied unchanged.
func SwapBytes(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}

// Convert14To16 packs the low 14 bits of every big endian word of src into
// a contiguous stream. Eight input words yield fourteen output bytes.
// Trailing bits that do not fill a byte are dropped.
func Convert14To16(src []byte) []byte {
	words := len(src) / 2
	var buf bytes.Buffer
	buf.Grow(words * 14 / 8)

	w := bitio.NewWriter(&buf)
	for i := 0; i < words; i++ {
		v := uint64(src[2*i])<<8 | uint64(src[2*i+1])
		w.TryWriteBits(v&0x3fff, 14)
	}
	// Pending bits are padding, written only by Close.
	out := buf.Bytes()
	return out[:words*14/8]
}

// Convert16To14 is the reverse of Convert14To16. Every 14 bits of src become
// a big endian word sign extended from bit 13. A trailing partial group is
// padded with zero bits.
func Convert16To14(src []byte) []byte {
	total := len(src) * 8
	words := (total + 13) / 14
	out := make([]byte, 0, words*2)

	r := bitio.NewReader(bytes.NewReader(src))
	for remaining := total; remaining > 0; remaining -= 14 {
		n := 14
		if remaining < n {
			n = remaining
		}
		v, err := r.ReadBits(uint8(n))
		if err != nil {
			break
		}
		v <<= uint(14 - n)
		if v&0x2000 != 0 {
			v |= 0xc000
		}
		out = append(out, byte(v>>8), byte(v))
	}
	return out
}

// Detect tries every stream variant and returns the first one whose decoded
// form contains n consecutive matching headers, along with the offset of
// the first header in the decoded data.
func Detect(buf []byte, n int) (Format, int, error) {
	formats := []Format{
		{},
		{Swapped: true},
		{Packed14: true},
		{Swapped: true, Packed14: true},
	}
	for _, f := range formats {
		pos, err := FindConsecutiveHeaders(f.Decode(buf), n)
		if err == nil {
			return f, pos, nil
		}
	}
	return Format{}, -1, fmt.Errorf("%w: %d headers required", ErrUnknownFormat, n)
}

// DetectReader reads up to limit bytes from r and runs Detect on them.
func DetectReader(r io.Reader, limit int64, n int) (Format, int, error) {
	buf, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return Format{}, -1, err
	}
	return Detect(buf, n)
}
