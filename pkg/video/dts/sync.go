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
	"encoding/binary"
)

// FindSyncWord returns the offset of the first core or extension sync word
// in buf, or -1. Sync words are not assumed to be aligned.
func FindSyncWord(buf []byte) int {
	for i := 0; i+4 <= len(buf); i++ {
		w := binary.BigEndian.Uint32(buf[i:])
		if w == SyncWordCore || w == SyncWordHD {
			return i
		}
	}
	return -1
}

func findCoreSyncWord(buf []byte, start int) int {
	for i := start; i+4 <= len(buf); i++ {
		if binary.BigEndian.Uint32(buf[i:]) == SyncWordCore {
			return i
		}
	}
	return -1
}

// FindHeader returns the offset and header of the first core frame that
// decodes without error. Extension substreams are not probed.
func FindHeader(buf []byte) (int, *Header, error) {
	for pos := findCoreSyncWord(buf, 0); pos >= 0; pos = findCoreSyncWord(buf, pos+1) {
		h, err := ParseHeader(buf[pos:], false)
		if err == nil {
			return pos, h, nil
		}
	}
	return -1, nil, ErrHeaderNotFound
}

// FindConsecutiveHeaders returns the offset of the first run of n headers
// where each frame ends exactly at the next sync word and every header
// carries the same stream parameters as the first.
// A lone sync word match is never trusted when n > 1.
func FindConsecutiveHeaders(buf []byte, n int) (int, error) {
	if n < 1 {
		n = 1
	}

	for base := findCoreSyncWord(buf, 0); base >= 0; base = findCoreSyncWord(buf, base+1) {
		first, err := ParseHeader(buf[base:], true)
		if err != nil {
			continue
		}
		if chainLength(buf, base, first, n) == n {
			return base, nil
		}
	}
	return -1, ErrHeaderNotFound
}

func chainLength(buf []byte, base int, first *Header, n int) int {
	count := 1
	pos := base + first.TotalFrameSize()
	for count < n {
		if pos >= len(buf) {
			return count
		}
		h, err := ParseHeader(buf[pos:], true)
		if err != nil || !first.Equal(*h) {
			return count
		}
		count++
		pos += h.TotalFrameSize()
	}
	return count
}
