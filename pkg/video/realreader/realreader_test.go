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
	"bytes"
	"fmt"
	"strings"
	"testing"

	"remux/pkg/log"
	"remux/pkg/storage"
	"remux/pkg/video/packetizer"
	"remux/pkg/video/rmff"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/require"
)

type testSink struct {
	params       packetizer.TrackParams
	packets      []packetizer.Packet
	displacement int64
	dimensions   [][4]int
}

func (s *testSink) Process(p packetizer.Packet) error {
	s.packets = append(s.packets, p)
	return nil
}

func (s *testSink) SetDisplacement(timecode int64) {
	s.displacement = timecode
}

func (s *testSink) SetDimensions(pw, ph, dw, dh int) error {
	s.dimensions = append(s.dimensions, [4]int{pw, ph, dw, dh})
	return nil
}

type testMuxer struct {
	sinks map[int]*testSink
}

func newTestMuxer() *testMuxer {
	return &testMuxer{sinks: map[int]*testSink{}}
}

func (m *testMuxer) AddTrack(p packetizer.TrackParams) (packetizer.Sink, error) {
	s := &testSink{params: p}
	m.sinks[p.ID] = s
	return s, nil
}

type testLog struct {
	msgs []string
}

func (l *testLog) logf(level log.Level, format string, a ...interface{}) {
	l.msgs = append(l.msgs, fmt.Sprintf("[%s] ", level)+fmt.Sprintf(format, a...))
}

func (l *testLog) contains(s string) bool {
	for _, msg := range l.msgs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func videoTrack(id int, fourcc string, width, height int) rmff.MediaProps {
	props := rmff.VideoProps{FourCC: fourcc, Width: width, Height: height, BPP: 12, FPS: 25}
	return rmff.MediaProps{
		StreamNumber: uint16(id),
		MimeType:     rmff.MimeVideo,
		TypeSpecific: props.Marshal(nil),
	}
}

func audioTrack(id int, props rmff.AudioProps) rmff.MediaProps {
	return rmff.MediaProps{
		StreamNumber: uint16(id),
		MimeType:     rmff.MimeAudio,
		TypeSpecific: props.Marshal(),
	}
}

func buildFile(t *testing.T, tracks []rmff.MediaProps, frames []rmff.Frame) []byte {
	t.Helper()
	return buildChunkedFile(t, tracks, [][]rmff.Frame{frames})
}

// buildChunkedFile writes every frame slice into its own DATA chunk.
func buildChunkedFile(t *testing.T, tracks []rmff.MediaProps, chunks [][]rmff.Frame) []byte {
	t.Helper()
	fileIO := storage.NewMemFileIO()
	file, err := fileIO.Open("test.rm", storage.ModeWrite)
	require.NoError(t, err)

	w, err := rmff.NewWriter(file, rmff.Content{}, tracks)
	require.NoError(t, err)
	for i, frames := range chunks {
		if i != 0 {
			require.NoError(t, w.NewDataChunk())
		}
		for _, f := range frames {
			require.NoError(t, w.WriteFrame(f))
		}
	}
	require.NoError(t, w.Close())

	buf, err := fileIO.Bytes("test.rm")
	require.NoError(t, err)
	return buf
}

// rvHeader returns a RealVideo 4 frame header coding the given size codes.
func rvHeader(t *testing.T, write func(w *bitio.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(0, 26)
	write(w)
	require.NoError(t, w.TryError)
	require.NoError(t, w.Close())
	return append(buf.Bytes(), make([]byte, 12)...)
}

func TestRVDimensions(t *testing.T) {
	cases := []struct {
		name   string
		write  func(w *bitio.Writer)
		width  int
		height int
	}{
		{"table", func(w *bitio.Writer) {
			w.TryWriteBits(3, 3)
			w.TryWriteBits(3, 3)
		}, 320, 240},
		{"secondTable", func(w *bitio.Writer) {
			w.TryWriteBits(5, 3)
			w.TryWriteBits(6, 3)
			w.TryWriteBits(1, 1)
		}, 640, 360},
		{"escaped", func(w *bitio.Writer) {
			w.TryWriteBits(7, 3)
			w.TryWriteBits(255, 8)
			w.TryWriteBits(5, 8)
			w.TryWriteBits(7, 3)
			w.TryWriteBits(1, 1)
			w.TryWriteBits(100, 8)
		}, 1040, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			width, height, ok := rvDimensions(rvHeader(t, tc.write))
			require.True(t, ok)
			require.Equal(t, tc.width, width)
			require.Equal(t, tc.height, height)
		})
	}

	t.Run("truncated", func(t *testing.T) {
		_, _, ok := rvDimensions([]byte{0, 0, 0, 0x1f, 0xff})
		require.False(t, ok)
	})
}

func TestAudioQueue(t *testing.T) {
	const ms = int64(1000000)

	t.Run("smoothing", func(t *testing.T) {
		sink := &testSink{}
		var q audioQueue
		for _, tc := range []int64{100, 100, 100, 150} {
			require.NoError(t, q.add(sink, []byte{1}, tc*ms, 0))
		}
		require.Len(t, sink.packets, 3)
		for _, p := range sink.packets {
			require.Equal(t, 100*ms, p.Timecode)
			require.Equal(t, 50*ms/3, p.Duration)
		}
		require.Equal(t, 3, q.numPackets)
		require.Len(t, q.segments, 1)
	})

	t.Run("endOfStream", func(t *testing.T) {
		sink := &testSink{}
		q := audioQueue{numPackets: 10}
		require.NoError(t, q.add(sink, []byte{1}, 500*ms, 0))
		require.NoError(t, q.add(sink, []byte{2}, 500*ms, 0))
		require.NoError(t, q.finish(sink))
		require.Len(t, sink.packets, 2)
		for _, p := range sink.packets {
			require.Equal(t, 500*ms, p.Timecode)
			require.Equal(t, 50*ms, p.Duration)
		}
		require.Empty(t, q.segments)
	})

	t.Run("noPackets", func(t *testing.T) {
		sink := &testSink{}
		var q audioQueue
		require.NoError(t, q.add(sink, []byte{1}, 500*ms, 0))
		require.NoError(t, q.finish(sink))
		require.Equal(t, int64(0), sink.packets[0].Duration)
	})

	t.Run("references", func(t *testing.T) {
		sink := &testSink{}
		var q audioQueue
		require.NoError(t, q.add(sink, []byte{1}, 0, rmff.FlagKeyframe))
		require.NoError(t, q.add(sink, []byte{2}, 100*ms, 0))
		require.NoError(t, q.add(sink, []byte{3}, 200*ms, rmff.FlagKeyframe))
		require.NoError(t, q.add(sink, []byte{4}, 300*ms, 0))

		brefs := []int64{}
		for _, p := range sink.packets {
			brefs = append(brefs, p.BRef)
		}
		require.Equal(t, []int64{packetizer.NoReference, 0, packetizer.NoReference}, brefs)
		require.NoError(t, q.finish(sink))
		require.Equal(t, 200*ms, sink.packets[3].BRef)
	})
}

func TestSplitAACPacket(t *testing.T) {
	cases := []struct {
		name     string
		input    []byte
		expected [][]byte
		err      error
	}{
		{
			"three",
			[]byte{0, 0x30, 0, 1, 0, 2, 0, 1, 0xa, 0xb, 0xb, 0xc},
			[][]byte{{0xa}, {0xb, 0xb}, {0xc}},
			nil,
		},
		{"empty", []byte{0, 0}, [][]byte{}, nil},
		{"short", []byte{0}, nil, ErrShortAACPacket},
		{"shortTable", []byte{0, 0x30, 0, 1}, nil, ErrShortAACPacket},
		{
			"sumTooLarge",
			[]byte{0, 0x30, 0, 1, 0, 2, 0, 2, 0xa, 0xb, 0xb, 0xc},
			nil,
			ErrInconsistentAACPacket,
		},
		{
			"sumTooSmall",
			[]byte{0, 0x30, 0, 1, 0, 2, 0, 1, 0xa, 0xb, 0xb, 0xc, 0xd},
			nil,
			ErrInconsistentAACPacket,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := splitAACPacket(tc.input)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.expected, got)
		})
	}
}

var (
	ascLC  = []byte{0x12, 0x10}       // LC 44100 Hz stereo.
	ascSBR = []byte{0x2b, 0x11, 0x88} // SBR 24000 Hz to 48000 Hz stereo.
)

func aacExtra(asc []byte) []byte {
	out := []byte{0, 0, 0, uint8(len(asc) + 1), 2}
	return append(out, asc...)
}

func TestSelectAACProfile(t *testing.T) {
	cases := []struct {
		name       string
		fourcc     string
		sampleRate int
		extra      []byte
		override   map[int]bool
		profile    int
		outputRate int
		parsed     bool
	}{
		{"noExtra", "raac", 44100, nil, nil, aacProfileLC, 0, false},
		{"lowRate", "raac", 22050, nil, nil, aacProfileSBR, 44100, false},
		{"racp", "racp", 44100, nil, nil, aacProfileSBR, 88200, false},
		{"configLC", "raac", 8000, aacExtra(ascLC), nil, aacProfileLC, 0, true},
		{"configSBR", "raac", 8000, aacExtra(ascSBR), nil, aacProfileSBR, 48000, true},
		{
			"forceTrack", "raac", 44100, aacExtra(ascLC),
			map[int]bool{1: true}, aacProfileSBR, 88200, true,
		},
		{
			"forceAllClearTrack", "raac", 44100, aacExtra(ascLC),
			map[int]bool{-1: true, 1: false}, aacProfileLC, 0, true,
		},
		{
			"clearWithoutDetectedProfile", "raac", 22050, nil,
			map[int]bool{1: false}, aacProfileSBR, 44100, false,
		},
		{
			"clearDetectedSBR", "raac", 44100, aacExtra(ascSBR),
			map[int]bool{1: false}, aacProfileSBR, 48000, true,
		},
		{
			"forceWithoutConfig", "raac", 48000, nil,
			map[int]bool{-1: true}, aacProfileSBR, 96000, false,
		},
		{
			"otherTrack", "raac", 44100, nil,
			map[int]bool{2: true}, aacProfileLC, 0, false,
		},
		{"lengthPastEnd", "raac", 44100, []byte{0, 0, 0, 9, 2, 0x12}, nil, aacProfileLC, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := selectAACProfile(1, tc.fourcc, tc.sampleRate, 2, tc.extra, tc.override)
			require.NoError(t, err)
			require.Equal(t, tc.profile, s.profile)
			require.Equal(t, tc.outputRate, s.outputSampleRate)
			require.Equal(t, tc.parsed, s.extraDataParsed)
		})
	}

	t.Run("configWithoutGASpecificFlags", func(t *testing.T) {
		s, err := selectAACProfile(1, "raac", 44100, 1, aacExtra(ascSBR), nil)
		require.NoError(t, err)
		require.Equal(t, aacSetup{
			profile:          aacProfileSBR,
			detectedProfile:  aacProfileSBR,
			sampleRate:       24000,
			outputSampleRate: 48000,
			channels:         2,
			extraDataParsed:  true,
		}, s)

		private, err := s.config().Marshal()
		require.NoError(t, err)
		require.Equal(t, []byte{0x2b, 0x11, 0x88, 0x00}, private)
	})
	t.Run("invalidConfig", func(t *testing.T) {
		_, err := selectAACProfile(1, "raac", 44100, 2, []byte{0, 0, 0, 2, 2, 0xff}, nil)
		require.ErrorIs(t, err, ErrAACExtraData)
	})
}

func testTracks() []rmff.MediaProps {
	return []rmff.MediaProps{
		videoTrack(0, "RV40", 320, 240),
		audioTrack(1, rmff.AudioProps{
			Version: 5, FourCC: "cook", SampleRate: 44100, SampleSize: 16, Channels: 2,
		}),
		audioTrack(2, rmff.AudioProps{
			Version: 5, FourCC: "raac", SampleRate: 44100, SampleSize: 16, Channels: 2,
			ExtraData: aacExtra(ascLC),
		}),
		audioTrack(3, rmff.AudioProps{
			Version: 4, FourCC: "dnet", SampleRate: 48000, SampleSize: 16, Channels: 2,
		}),
	}
}

func packedVideo(t *testing.T, data []byte, timecode uint32, seq uint8, flags uint8) rmff.Frame {
	t.Helper()
	payloads, err := rmff.PackVideoFrame(data, timecode, seq, 1000)
	require.NoError(t, err)
	return rmff.Frame{ID: 0, Timecode: timecode, Flags: flags, Data: payloads[0]}
}

func testFrames(t *testing.T) []rmff.Frame {
	header := rvHeader(t, func(w *bitio.Writer) {
		w.TryWriteBits(5, 3)
		w.TryWriteBits(6, 3)
		w.TryWriteBits(1, 1)
	})
	return []rmff.Frame{
		packedVideo(t, header, 0, 0, rmff.FlagKeyframe),
		{ID: 1, Timecode: 0, Data: []byte{1}},
		{ID: 2, Timecode: 20, Data: []byte{0, 0x20, 0, 1, 0, 2, 0xa, 0xb, 0xb}},
		{ID: 3, Timecode: 0, Data: []byte{0x0b, 0x77, 0, 0, 9 << 3}},
		{ID: 1, Timecode: 0, Data: []byte{2}},
		{ID: 1, Timecode: 100, Flags: rmff.FlagKeyframe, Data: []byte{3}},
		packedVideo(t, []byte{9, 9, 9}, 40, 1, 0),
		{ID: 1, Timecode: 100, Data: []byte{4}},
		{ID: 1, Timecode: 200, Data: []byte{5}},
	}
}

func readAll(t *testing.T, r *Reader) {
	t.Helper()
	for {
		status, err := r.Read()
		require.NoError(t, err)
		if status == packetizer.StatusDone {
			return
		}
	}
}

func TestReader(t *testing.T) {
	buf := buildFile(t, testTracks(), testFrames(t))
	require.True(t, Probe(bytes.NewReader(buf)))

	logs := &testLog{}
	r, err := New(bytes.NewReader(buf), Config{AspectRatio: 2}, logs.logf)
	require.NoError(t, err)
	require.Equal(t, "RealMedia", r.ContainerName())
	require.Equal(t, []packetizer.TrackInfo{
		{ID: 0, Type: packetizer.TrackVideo, Codec: "RV40"},
		{ID: 1, Type: packetizer.TrackAudio, Codec: "cook"},
		{ID: 2, Type: packetizer.TrackAudio, Codec: "AAC"},
		{ID: 3, Type: packetizer.TrackAudio, Codec: "dnet"},
	}, r.Identify())
	require.Equal(t, 0, r.Progress())

	m := newTestMuxer()
	require.NoError(t, r.CreatePacketizers(m))
	readAll(t, r)
	require.Equal(t, 100, r.Progress())
	require.False(t, logs.contains("fewer frames"))

	status, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, packetizer.StatusDone, status)

	const ms = int64(1000000)

	t.Run("video", func(t *testing.T) {
		s := m.sinks[0]
		require.Equal(t, "V_REAL/RV40", s.params.CodecID)
		require.Equal(t, 320, s.params.Video.PixelWidth)
		require.Equal(t, 480, s.params.Video.DisplayWidth)
		require.Equal(t, [][4]int{{640, 360, 720, 360}}, s.dimensions)

		require.Len(t, s.packets, 2)
		require.Equal(t, packetizer.NoReference, s.packets[0].BRef)
		require.Equal(t, packetizer.NoBFrame, s.packets[0].FRef)
		require.Equal(t, packetizer.PFrameAuto, s.packets[1].BRef)
		require.Equal(t, 40*ms, s.packets[1].Timecode)
		require.Equal(t, int64(0), s.packets[1].Duration)
	})

	t.Run("cook", func(t *testing.T) {
		s := m.sinks[1]
		require.Equal(t, "A_REAL/COOK", s.params.CodecID)
		require.Len(t, s.packets, 5)

		type result struct {
			data     byte
			timecode int64
			duration int64
			bref     int64
		}
		var got []result
		for _, p := range s.packets {
			got = append(got, result{p.Data[0], p.Timecode, p.Duration, p.BRef})
		}
		require.Equal(t, []result{
			{1, 0, 50 * ms, packetizer.NoReference},
			{2, 0, 50 * ms, packetizer.NoReference},
			{3, 100 * ms, 50 * ms, packetizer.NoReference},
			{4, 100 * ms, 50 * ms, 100 * ms},
			{5, 200 * ms, 50 * ms, 100 * ms},
		}, got)
	})

	t.Run("aac", func(t *testing.T) {
		s := m.sinks[2]
		require.Equal(t, "A_AAC", s.params.CodecID)
		require.Equal(t, 1024, s.params.Audio.SamplesPerPacket)
		require.Equal(t, 20*ms, s.displacement)
		require.Len(t, s.packets, 2)
		require.Equal(t, []byte{0xa}, s.packets[0].Data)
		require.Equal(t, []byte{0xb, 0xb}, s.packets[1].Data)
		require.Equal(t, packetizer.UnknownTimecode, s.packets[0].Timecode)
	})

	t.Run("dnet", func(t *testing.T) {
		s := m.sinks[3]
		require.Equal(t, "A_AC3/BSID9", s.params.CodecID)
		require.True(t, s.params.Audio.ByteSwapped)
		require.Len(t, s.packets, 1)
	})
}

func TestParseHeaders(t *testing.T) {
	tracks := []rmff.MediaProps{
		videoTrack(0, "RV30", 320, 240),
		audioTrack(1, rmff.AudioProps{Version: 5, FourCC: "sipr", SampleRate: 16000, Channels: 1}),
		{StreamNumber: 2, MimeType: "audio/x-other", TypeSpecific: rmff.AudioProps{Version: 3}.Marshal()},
		audioTrack(3, rmff.AudioProps{Version: 6}),
		{StreamNumber: 4, MimeType: rmff.MimeAudio},
		audioTrack(5, rmff.AudioProps{Version: 3}),
	}
	buf := buildFile(t, tracks, nil)

	ids := func(info []packetizer.TrackInfo) []int {
		out := []int{}
		for _, i := range info {
			out = append(out, i.ID)
		}
		return out
	}

	t.Run("all", func(t *testing.T) {
		logs := &testLog{}
		r, err := New(bytes.NewReader(buf), Config{}, logs.logf)
		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 5}, ids(r.Identify()))
		require.Equal(t, "14_4", r.Identify()[2].Codec)
		require.True(t, logs.contains("track 3: only audio header versions"))
	})
	t.Run("selection", func(t *testing.T) {
		config := Config{Selection: packetizer.Selection{Audio: []int{5}}}
		r, err := New(bytes.NewReader(buf), config, log.Discard)
		require.NoError(t, err)
		require.Equal(t, []int{0, 5}, ids(r.Identify()))
	})
	t.Run("noTracks", func(t *testing.T) {
		config := Config{Selection: packetizer.Selection{Audio: []int{}, Video: []int{}}}
		r, err := New(bytes.NewReader(buf), config, log.Discard)
		require.NoError(t, err)
		require.ErrorIs(t, r.CreatePacketizers(newTestMuxer()), packetizer.ErrNoTracks)
	})
	t.Run("notRealMedia", func(t *testing.T) {
		_, err := New(bytes.NewReader([]byte("RIFF1234")), Config{}, log.Discard)
		require.ErrorIs(t, err, ErrNotRealMedia)
	})
}

func TestReaderDNETInLaterDataChunk(t *testing.T) {
	tracks := []rmff.MediaProps{
		audioTrack(1, rmff.AudioProps{
			Version: 5, FourCC: "cook", SampleRate: 44100, SampleSize: 16, Channels: 2,
		}),
		audioTrack(3, rmff.AudioProps{
			Version: 4, FourCC: "dnet", SampleRate: 48000, SampleSize: 16, Channels: 2,
		}),
	}
	buf := buildChunkedFile(t, tracks, [][]rmff.Frame{
		{
			{ID: 1, Timecode: 0, Flags: rmff.FlagKeyframe, Data: []byte{1}},
			{ID: 1, Timecode: 100, Data: []byte{2}},
		},
		{
			{ID: 3, Timecode: 0, Data: []byte{0x0b, 0x77, 0, 0, 10 << 3}},
			{ID: 1, Timecode: 200, Data: []byte{3}},
		},
	})

	logs := &testLog{}
	r, err := New(bytes.NewReader(buf), Config{}, logs.logf)
	require.NoError(t, err)
	require.Equal(t, 0, r.Progress())

	m := newTestMuxer()
	require.NoError(t, r.CreatePacketizers(m))
	require.Equal(t, "A_AC3/BSID10", m.sinks[3].params.CodecID)

	readAll(t, r)
	require.Equal(t, 100, r.Progress())
	require.False(t, logs.contains("fewer frames"))
	require.Len(t, m.sinks[1].packets, 3)
	require.Len(t, m.sinks[3].packets, 1)
}

func TestReaderTruncated(t *testing.T) {
	frames := []rmff.Frame{
		{ID: 5, Timecode: 0, Data: []byte{1}},
		{ID: 5, Timecode: 100, Data: []byte{2}},
		{ID: 5, Timecode: 200, Data: []byte{3, 3, 3, 3}},
	}
	tracks := []rmff.MediaProps{audioTrack(5, rmff.AudioProps{Version: 3})}
	buf := buildFile(t, tracks, frames)

	logs := &testLog{}
	r, err := New(bytes.NewReader(buf[:len(buf)-2]), Config{}, logs.logf)
	require.NoError(t, err)
	m := newTestMuxer()
	require.NoError(t, r.CreatePacketizers(m))
	readAll(t, r)

	require.True(t, logs.contains("fewer frames than expected"))
	require.Len(t, m.sinks[5].packets, 2)
	require.Equal(t, int64(100000000), m.sinks[5].packets[1].Duration)
}

func TestDisplayDimensions(t *testing.T) {
	cases := []struct {
		name   string
		config Config
		width  int
		height int
	}{
		{"passthrough", Config{}, 320, 240},
		{"display", Config{DisplayWidth: 800, DisplayHeight: 450}, 800, 450},
		{"aspectWide", Config{AspectRatio: 3}, 960, 320},
		{"aspectNarrow", Config{AspectRatio: 1}, 640, 640},
		{"aspectWins", Config{AspectRatio: 3, DisplayWidth: 800, DisplayHeight: 450}, 960, 320},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Reader{config: tc.config}
			w, h := r.displayDimensions(320, 240, 640, 320)
			require.Equal(t, tc.width, w)
			require.Equal(t, tc.height, h)
		})
	}
}
