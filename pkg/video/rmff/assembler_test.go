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
	"testing"

	"github.com/stretchr/testify/require"
)

func segmentTable(offsets ...uint32) []byte {
	out := []byte{uint8(len(offsets) - 1)}
	for _, o := range offsets {
		out = binary.LittleEndian.AppendUint32(out, 1)
		out = binary.LittleEndian.AppendUint32(out, o)
	}
	return out
}

func frameData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = uint8(i)
	}
	return out
}

func assembleAll(t *testing.T, a *VideoAssembler, frames ...*Frame) []*Frame {
	t.Helper()
	var got []*Frame
	for _, f := range frames {
		require.NoError(t, a.Add(f))
		for out := a.Next(); out != nil; out = a.Next() {
			got = append(got, out)
		}
	}
	return got
}

func TestVideoAssembler(t *testing.T) {
	t.Run("whole", func(t *testing.T) {
		a := NewVideoAssembler()
		got := assembleAll(t, a, &Frame{
			ID: 3, Timecode: 80, Flags: FlagKeyframe,
			Data: []byte{fragWhole, 0, 1, 2, 3},
		})
		require.Len(t, got, 1)
		require.Equal(t, &Frame{
			ID: 3, Timecode: 80, Flags: FlagKeyframe,
			Data: append(segmentTable(0), 1, 2, 3),
		}, got[0])
	})

	t.Run("multipleInOnePacket", func(t *testing.T) {
		a := NewVideoAssembler()
		p1, err := PackVideoFrame([]byte{1, 2}, 40, 1, 100)
		require.NoError(t, err)
		p2, err := PackVideoFrame([]byte{3, 4, 5}, 80, 2, 100)
		require.NoError(t, err)

		got := assembleAll(t, a, &Frame{Timecode: 40, Data: append(p1[0], p2[0]...)})
		require.Len(t, got, 2)
		require.Equal(t, append(segmentTable(0), 1, 2), got[0].Data)
		require.Equal(t, append(segmentTable(0), 3, 4, 5), got[1].Data)
	})

	t.Run("fragmented", func(t *testing.T) {
		a := NewVideoAssembler()
		data := frameData(250)
		payloads, err := PackVideoFrame(data, 120, 7, 100)
		require.NoError(t, err)
		require.Len(t, payloads, 3)

		var frames []*Frame
		for i, p := range payloads {
			var flags uint8
			if i == 0 {
				flags = FlagKeyframe
			}
			frames = append(frames, &Frame{Timecode: 120, Flags: flags, Data: p})
		}
		got := assembleAll(t, a, frames...)
		require.Len(t, got, 1)
		require.True(t, got[0].Keyframe())
		require.Equal(t, append(segmentTable(0, 100, 200), data...), got[0].Data)
	})

	t.Run("large", func(t *testing.T) {
		a := NewVideoAssembler()
		data := frameData(0x5000)
		payloads, err := PackVideoFrame(data, 0, 0, 0x3000)
		require.NoError(t, err)
		require.Len(t, payloads, 2)

		var frames []*Frame
		for _, p := range payloads {
			frames = append(frames, &Frame{Data: p})
		}
		got := assembleAll(t, a, frames...)
		require.Len(t, got, 1)
		require.Equal(t, append(segmentTable(0, 0x3000), data...), got[0].Data)
	})

	t.Run("newSequenceEmitsPartial", func(t *testing.T) {
		a := NewVideoAssembler()
		first, err := PackVideoFrame(frameData(200), 0, 1, 100)
		require.NoError(t, err)
		second, err := PackVideoFrame([]byte{9, 9, 9}, 40, 2, 100)
		require.NoError(t, err)

		got := assembleAll(t, a,
			&Frame{Timecode: 0, Data: first[0]},
			&Frame{Timecode: 40, Data: second[0]},
		)
		require.Len(t, got, 2)
		require.Equal(t, uint32(0), got[0].Timecode)
		require.Equal(t, append(segmentTable(0), frameData(100)...), got[0].Data)
		require.Equal(t, uint32(40), got[1].Timecode)
	})

	t.Run("flush", func(t *testing.T) {
		a := NewVideoAssembler()
		payloads, err := PackVideoFrame(frameData(200), 0, 1, 100)
		require.NoError(t, err)
		got := assembleAll(t, a, &Frame{Data: payloads[0]})
		require.Empty(t, got)

		a.Flush()
		f := a.Next()
		require.NotNil(t, f)
		require.Equal(t, append(segmentTable(0), frameData(100)...), f.Data)
		require.Nil(t, a.Next())
	})

	t.Run("truncatedHeader", func(t *testing.T) {
		a := NewVideoAssembler()
		err := a.Add(&Frame{Data: []byte{fragMultiple, 0x40, 0x10, 0x40}})
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("badOffset", func(t *testing.T) {
		a := NewVideoAssembler()
		// Length 4, offset 9.
		err := a.Add(&Frame{Data: []byte{fragPartial, 0x81, 0x40, 4, 0x40, 9, 0, 1}})
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestPackVideoFrameErrors(t *testing.T) {
	_, err := PackVideoFrame(nil, 0, 0, 10)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = appendPacked(nil, maxPackedValue)
	require.ErrorIs(t, err, ErrPackedValue)
}
