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

// Package bits reads non-byte-aligned fields out of a fixed buffer.
package bits

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

// Errors.
var (
	ErrOutOfRange   = errors.New("read past end of buffer")
	ErrInvalidWidth = errors.New("invalid bit width")
)

// Cursor reads bits MSB first from a buffer.
// A failed read does not advance the position.
type Cursor struct {
	br   *bitio.Reader
	pos  int
	size int
}

// NewCursor returns a cursor positioned at the first bit of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{
		br:   bitio.NewReader(bytes.NewReader(buf)),
		size: len(buf) * 8,
	}
}

func (c *Cursor) check(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, n)
	}
	if c.pos+n > c.size {
		return fmt.Errorf("%w: bit %d + %d > %d", ErrOutOfRange, c.pos, n, c.size)
	}
	return nil
}

// ReadBits reads n bits, n <= 32.
func (c *Cursor) ReadBits(n int) (uint32, error) {
	if n > 32 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWidth, n)
	}
	if err := c.check(n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	v, err := c.br.ReadBits(uint8(n))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	c.pos += n

	return uint32(v), nil
}

// ReadFlag reads a single bit.
func (c *Cursor) ReadFlag() (bool, error) {
	v, err := c.ReadBits(1)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// SkipBits advances the position by n bits.
func (c *Cursor) SkipBits(n int) error {
	if err := c.check(n); err != nil {
		return err
	}
	for n > 0 {
		chunk := n
		if chunk > 32 {
			chunk = 32
		}
		if _, err := c.ReadBits(chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Pos returns the number of bits consumed.
func (c *Cursor) Pos() int {
	return c.pos
}

// Remaining returns the number of bits left.
func (c *Cursor) Remaining() int {
	return c.size - c.pos
}
