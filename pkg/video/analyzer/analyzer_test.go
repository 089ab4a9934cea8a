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
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"remux/pkg/storage"

	"github.com/at-wat/ebml-go"
	"github.com/stretchr/testify/require"
)

type testInfo struct {
	Title string `ebml:"Title"`
}

func marshalInfo(t *testing.T, title string) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := ebml.Marshal(&struct {
		Info testInfo `ebml:"Info"`
	}{Info: testInfo{Title: title}}, &buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func unmarshalInfo(t *testing.T, raw []byte) string {
	t.Helper()
	var v struct {
		Info testInfo `ebml:"Info"`
	}
	require.NoError(t, ebml.Unmarshal(bytes.NewReader(raw), &v))
	return v.Info.Title
}

func element(t *testing.T, id uint32, data []byte) []byte {
	t.Helper()
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], id)
	size, err := encodeSize(int64(len(data)), 2)
	require.NoError(t, err)
	out := append([]byte{}, idBytes[4-idLength(id):]...)
	out = append(out, size...)
	return append(out, data...)
}

type testFile struct {
	raw       []byte
	infoStart int64
	children  []uint32
}

// buildFile returns EBML header, Segment(Info, Tracks, Cluster, Tags).
func buildFile(t *testing.T, unknownSize bool) testFile {
	t.Helper()
	header := element(t, IDEBML, []byte{0x42, 0x82, 0x88, 'm', 'a', 't', 'r', 'o', 's', 'k', 'a'})

	var children []byte
	children = append(children, marshalInfo(t, "a")...)
	children = append(children, element(t, IDTracks, bytes.Repeat([]byte{0xae}, 20))...)
	children = append(children, element(t, IDCluster, bytes.Repeat([]byte{1}, 300))...)
	children = append(children, element(t, IDTags, bytes.Repeat([]byte{2}, 10))...)

	segmentSize, err := encodeSize(int64(len(children)), 8)
	require.NoError(t, err)
	if unknownSize {
		segmentSize = []byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	raw := append([]byte{}, header...)
	raw = append(raw, 0x18, 0x53, 0x80, 0x67)
	raw = append(raw, segmentSize...)
	infoStart := int64(len(raw))
	raw = append(raw, children...)

	return testFile{
		raw:       raw,
		infoStart: infoStart,
		children:  []uint32{IDInfo, IDTracks, IDCluster, IDTags},
	}
}

func openFile(t *testing.T, raw []byte) storage.File {
	t.Helper()
	fileIO := storage.NewMemFileIO()
	fileIO.Put("out.mkv", raw)
	f, err := fileIO.Open("out.mkv", storage.ModeModify)
	require.NoError(t, err)
	return f
}

func ids(a *Analyzer) []uint32 {
	var out []uint32
	for _, e := range a.Elements {
		out = append(out, e.ID)
	}
	return out
}

func offsets(a *Analyzer) []int64 {
	var out []int64
	for _, e := range a.Elements {
		out = append(out, e.Offset)
	}
	return out
}

func TestNew(t *testing.T) {
	for _, unknownSize := range []bool{false, true} {
		tf := buildFile(t, unknownSize)
		a, err := New(openFile(t, tf.raw))
		require.NoError(t, err)

		require.Equal(t, tf.children, ids(a))
		require.Equal(t, tf.infoStart, a.Elements[0].Offset)
		require.Equal(t, int64(len(tf.raw)), a.Elements[3].End())
		require.Equal(t, 12, a.Segment.HeaderSize)
		if unknownSize {
			require.Equal(t, int64(UnknownSize), a.Segment.DataSize)
		} else {
			require.Equal(t, int64(len(tf.raw))-tf.infoStart, a.Segment.DataSize)
		}

		for i := 1; i < len(a.Elements); i++ {
			require.Equal(t, a.Elements[i-1].End(), a.Elements[i].Offset)
		}
		require.Equal(t, 2, a.Find(IDCluster))
		require.Equal(t, -1, a.Find(IDCues))
	}
}

func TestNewErrors(t *testing.T) {
	t.Run("notEBML", func(t *testing.T) {
		_, err := New(openFile(t, []byte("RIFF....WAVE")))
		require.ErrorIs(t, err, ErrNotEBML)
	})
	t.Run("noSegment", func(t *testing.T) {
		raw := element(t, IDEBML, []byte{0x42, 0x82, 0x81, 'x'})
		_, err := New(openFile(t, raw))
		require.ErrorIs(t, err, ErrNoSegment)
	})
	t.Run("truncatedChild", func(t *testing.T) {
		tf := buildFile(t, true)
		a, err := New(openFile(t, tf.raw[:len(tf.raw)-5]))
		require.NoError(t, err)
		require.Equal(t, tf.children, ids(a))

		_, err = a.ReadElement(3)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestProbe(t *testing.T) {
	tf := buildFile(t, false)
	require.True(t, Probe(bytes.NewReader(tf.raw)))
	require.False(t, Probe(bytes.NewReader([]byte(".RMF"))))
	require.False(t, Probe(bytes.NewReader(nil)))
}

func TestReadElement(t *testing.T) {
	tf := buildFile(t, false)
	a, err := New(openFile(t, tf.raw))
	require.NoError(t, err)

	raw, err := a.ReadElement(a.Find(IDInfo))
	require.NoError(t, err)
	require.Equal(t, "a", unmarshalInfo(t, raw))

	_, err = a.ReadElement(4)
	require.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestUpdateElement(t *testing.T) {
	testCases := map[string]string{
		"sameSize": "b",
		"larger":   "a much longer title",
		"smaller":  "",
	}
	for name, title := range testCases {
		for _, unknownSize := range []bool{false, true} {
			t.Run(name, func(t *testing.T) {
				tf := buildFile(t, unknownSize)
				f := openFile(t, tf.raw)
				a, err := New(f)
				require.NoError(t, err)

				before := offsets(a)
				segmentSize := a.Segment.DataSize
				oldSize := a.Elements[0].Size()

				// Position inside the cluster.
				pos := a.Elements[2].Offset + 10
				_, err = f.Seek(pos, io.SeekStart)
				require.NoError(t, err)

				info := marshalInfo(t, title)
				require.NoError(t, a.UpdateElement(info))
				delta := int64(len(info)) - oldSize

				after := offsets(a)
				require.Equal(t, before[0], after[0])
				for i := 1; i < len(after); i++ {
					require.Equal(t, before[i]+delta, after[i])
				}

				size, err := f.Size()
				require.NoError(t, err)
				require.Equal(t, int64(len(tf.raw))+delta, size)

				cur, err := f.Tell()
				require.NoError(t, err)
				require.Equal(t, pos+delta, cur)

				if unknownSize {
					require.Equal(t, int64(UnknownSize), a.Segment.DataSize)
				} else {
					require.Equal(t, segmentSize+delta, a.Segment.DataSize)
				}

				// A fresh index of the rewritten file matches.
				reindexed, err := New(f)
				require.NoError(t, err)
				require.Equal(t, a.Elements, reindexed.Elements)
				require.Equal(t, a.Segment, reindexed.Segment)

				raw, err := reindexed.ReadElement(0)
				require.NoError(t, err)
				require.Equal(t, title, unmarshalInfo(t, raw))

				cluster, err := reindexed.ReadElement(2)
				require.NoError(t, err)
				require.Equal(t, element(t, IDCluster, bytes.Repeat([]byte{1}, 300)), cluster)
			})
		}
	}
}

func TestUpdateElementErrors(t *testing.T) {
	tf := buildFile(t, false)
	a, err := New(openFile(t, tf.raw))
	require.NoError(t, err)

	err = a.UpdateElement(element(t, IDCues, []byte{1, 2}))
	require.ErrorIs(t, err, ErrElementNotFound)

	info := marshalInfo(t, "b")
	err = a.UpdateElement(info[:len(info)-1])
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestVint(t *testing.T) {
	testCases := []struct {
		input []byte
		size  int64
		n     int
	}{
		{[]byte{0x81}, 1, 1},
		{[]byte{0x40, 0x02}, 2, 2},
		{[]byte{0x10, 0x00, 0x01, 0x00}, 256, 4},
		{[]byte{0xff}, UnknownSize, 1},
		{[]byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, UnknownSize, 8},
	}
	for _, tc := range testCases {
		size, n, err := readSize(bytes.NewReader(tc.input))
		require.NoError(t, err)
		require.Equal(t, tc.size, size)
		require.Equal(t, tc.n, n)

		if tc.size != UnknownSize {
			encoded, err := encodeSize(tc.size, tc.n)
			require.NoError(t, err)
			require.Equal(t, tc.input, encoded)
		}
	}

	_, _, err := readSize(bytes.NewReader([]byte{0x00}))
	require.ErrorIs(t, err, ErrInvalidVint)

	_, err = encodeSize(127, 1)
	require.ErrorIs(t, err, ErrSizeTooLong)
}

func TestSetSegmentSize(t *testing.T) {
	tf := buildFile(t, true)
	f := openFile(t, tf.raw)
	a, err := New(f)
	require.NoError(t, err)

	require.NoError(t, a.SetSegmentSize())
	require.Equal(t, int64(len(tf.raw))-tf.infoStart, a.Segment.DataSize)

	reindexed, err := New(f)
	require.NoError(t, err)
	require.Equal(t, a.Segment, reindexed.Segment)
	require.Equal(t, tf.children, ids(reindexed))
}
