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

package analyzer

import (
	"errors"
	"fmt"
	"io"
)

// Errors.
var (
	ErrInvalidVint = errors.New("invalid variable length integer")
	ErrSizeTooLong = errors.New("data size does not fit the size field")
)

// UnknownSize data size of elements written without a size.
const UnknownSize = -1

// readID reads an element id, the length marker bits are kept.
func readID(r io.Reader) (uint32, int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, 0, err
	}
	n := vintLength(b[0])
	if n == 0 || n > 4 {
		return 0, 0, fmt.Errorf("%w: id %#x", ErrInvalidVint, b[0])
	}
	if _, err := io.ReadFull(r, b[1:n]); err != nil {
		return 0, 0, unexpected(err)
	}
	var id uint32
	for _, v := range b[:n] {
		id = id<<8 | uint32(v)
	}
	return id, n, nil
}

// readSize reads a data size, all ones means unknown.
func readSize(r io.Reader) (int64, int, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, 0, unexpected(err)
	}
	n := vintLength(b[0])
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: size %#x", ErrInvalidVint, b[0])
	}
	if _, err := io.ReadFull(r, b[1:n]); err != nil {
		return 0, 0, unexpected(err)
	}

	v := uint64(b[0]) & (0xff >> n)
	allOnes := v == 0xff>>n
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
		allOnes = allOnes && c == 0xff
	}
	if allOnes {
		return UnknownSize, n, nil
	}
	return int64(v), n, nil
}

func vintLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

// encodeSize encodes size in exactly n bytes.
func encodeSize(size int64, n int) ([]byte, error) {
	if size < 0 || uint64(size) >= 1<<(7*n)-1 {
		return nil, fmt.Errorf("%w: %d in %d bytes", ErrSizeTooLong, size, n)
	}
	b := make([]byte, n)
	v := uint64(size)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	b[0] |= 0x80 >> (n - 1)
	return b, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
