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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Chunk ids.
const (
	idRMF  = ".RMF"
	idPROP = "PROP"
	idCONT = "CONT"
	idMDPR = "MDPR"
	idDATA = "DATA"
)

const (
	chunkHeaderSize = 10
	rmfHeaderSize   = 18
	propHeaderSize  = 50
	dataHeaderSize  = 18

	packetHeaderSizeV0 = 12
	packetHeaderSizeV1 = 13
)

// Frame flags.
const (
	FlagReliable uint8 = 0x01
	FlagKeyframe uint8 = 0x02
)

// Errors.
var (
	ErrNotRMFF                  = errors.New("not a RealMedia file")
	ErrCorrupt                  = errors.New("corrupt file")
	ErrNoData                   = errors.New("no DATA chunk")
	ErrUnsupportedPacketVersion = errors.New("unsupported packet version")
)

// Props file properties from the PROP chunk.
type Props struct {
	MaxBitRate    uint32
	AvgBitRate    uint32
	MaxPacketSize uint32
	AvgPacketSize uint32
	NumPackets    uint32
	Duration      uint32
	Preroll       uint32
	IndexOffset   uint32
	DataOffset    uint32
	NumStreams    uint16
	Flags         uint16
}

// Content file description from the CONT chunk.
type Content struct {
	Title     string
	Author    string
	Copyright string
	Comment   string
}

// TrackType track type derived from the type specific data.
type TrackType int

// Track types.
const (
	TrackUnknown TrackType = iota
	TrackAudio
	TrackVideo
)

// MediaProps stream properties from a MDPR chunk.
type MediaProps struct {
	StreamNumber  uint16
	MaxBitRate    uint32
	AvgBitRate    uint32
	MaxPacketSize uint32
	AvgPacketSize uint32
	StartTime     uint32
	Preroll       uint32
	Duration      uint32
	Name          string
	MimeType      string
	TypeSpecific  []byte
}

// Track one stream of the file.
type Track struct {
	ID   int
	Type TrackType
	MediaProps
}

// Frame one packet of the DATA chunk.
type Frame struct {
	ID       int
	Timecode uint32 // Milliseconds.
	Group    uint8
	Flags    uint8
	Data     []byte
}

// Keyframe reports whether the keyframe flag is set.
func (f Frame) Keyframe() bool {
	return f.Flags&FlagKeyframe == FlagKeyframe
}

// DetectTrackType classifies type specific data.
func DetectTrackType(typeSpecific []byte) TrackType {
	switch {
	case len(typeSpecific) >= 4 && bytes.Equal(typeSpecific[:4], []byte(".ra\xfd")):
		return TrackAudio
	case len(typeSpecific) >= 8 && bytes.Equal(typeSpecific[4:8], []byte("VIDO")):
		return TrackVideo
	}
	return TrackUnknown
}

// Probe reports whether r starts with the RealMedia magic.
// The position is reset to the start.
func Probe(r io.ReadSeeker) bool {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	magic := make([]byte, 4)
	_, err := io.ReadFull(r, magic)
	if _, err2 := r.Seek(0, io.SeekStart); err2 != nil || err != nil {
		return false
	}
	return bytes.EqualFold(magic, []byte(idRMF))
}

// File RealMedia file opened for reading.
type File struct {
	r    io.ReadSeeker
	pos  int64
	size int64

	FileVersion uint32
	Props       Props
	Content     Content
	Tracks      []*Track

	// Packets declared by every DATA chunk reached so far.
	NumPacketsInChunk int
	NumPacketsRead    int

	chunk dataChunk
}

type dataChunk struct {
	end        int64 // 0 if unknown.
	numPackets int
	read       int
	next       uint32
}

// Open reads the headers up to the first packet.
func Open(r io.ReadSeeker) (*File, error) {
	if !Probe(r) {
		return nil, ErrNotRMFF
	}

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	f := &File{r: r, size: size}
	if err := f.readHeaders(); err != nil {
		return nil, err
	}
	return f, nil
}

type chunkHeader struct {
	id      string
	size    uint32
	version uint16
	start   int64
}

func (f *File) read(buf []byte) error {
	n, err := io.ReadFull(f.r, buf)
	f.pos += int64(n)
	return err
}

func (f *File) seek(pos int64) error {
	if _, err := f.r.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	f.pos = pos
	return nil
}

func (f *File) readChunkHeader() (*chunkHeader, error) {
	start := f.pos
	buf := make([]byte, chunkHeaderSize)
	if err := f.read(buf); err != nil {
		return nil, err
	}
	h := &chunkHeader{
		id:      string(buf[0:4]),
		size:    binary.BigEndian.Uint32(buf[4:8]),
		version: binary.BigEndian.Uint16(buf[8:10]),
		start:   start,
	}
	if h.size < chunkHeaderSize && h.id != idDATA {
		return nil, fmt.Errorf("%w: %s chunk size %d", ErrCorrupt, h.id, h.size)
	}
	return h, nil
}

func (f *File) readHeaders() error {
	h, err := f.readChunkHeader()
	if err != nil {
		return fmt.Errorf("read file header: %w", err)
	}
	if !bytes.EqualFold([]byte(h.id), []byte(idRMF)) {
		return ErrNotRMFF
	}
	buf := make([]byte, rmfHeaderSize-chunkHeaderSize)
	if err := f.read(buf); err != nil {
		return fmt.Errorf("read file header: %w", err)
	}
	f.FileVersion = binary.BigEndian.Uint32(buf[0:4])
	if err := f.seek(h.start + int64(h.size)); err != nil {
		return err
	}

	for {
		h, err := f.readChunkHeader()
		if errors.Is(err, io.EOF) {
			return ErrNoData
		}
		if err != nil {
			return fmt.Errorf("read chunk header: %w", err)
		}

		switch h.id {
		case idDATA:
			return f.readDataHeader(h)
		case idPROP:
			err = f.readProps(h)
		case idCONT:
			err = f.readContent(h)
		case idMDPR:
			err = f.readMediaProps(h)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", h.id, err)
		}

		if err := f.seek(h.start + int64(h.size)); err != nil {
			return err
		}
	}
}

func (f *File) body(h *chunkHeader) ([]byte, error) {
	if h.start+int64(h.size) > f.size {
		return nil, fmt.Errorf("%w: %s size %d past end of file", ErrCorrupt, h.id, h.size)
	}
	buf := make([]byte, int64(h.size)-chunkHeaderSize)
	if err := f.read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *File) readProps(h *chunkHeader) error {
	buf, err := f.body(h)
	if err != nil {
		return err
	}
	if len(buf) < propHeaderSize-chunkHeaderSize {
		return fmt.Errorf("%w: short PROP", ErrCorrupt)
	}
	f.Props.Unmarshal(buf)
	return nil
}

func (f *File) readContent(h *chunkHeader) error {
	buf, err := f.body(h)
	if err != nil {
		return err
	}
	return f.Content.Unmarshal(buf)
}

func (f *File) readMediaProps(h *chunkHeader) error {
	buf, err := f.body(h)
	if err != nil {
		return err
	}

	var mp MediaProps
	if err := mp.Unmarshal(buf); err != nil {
		return err
	}
	f.Tracks = append(f.Tracks, &Track{
		ID:         int(mp.StreamNumber),
		Type:       DetectTrackType(mp.TypeSpecific),
		MediaProps: mp,
	})
	return nil
}

func (f *File) readDataHeader(h *chunkHeader) error {
	buf := make([]byte, dataHeaderSize-chunkHeaderSize)
	if err := f.read(buf); err != nil {
		return fmt.Errorf("read DATA: %w", err)
	}

	f.chunk = dataChunk{
		numPackets: int(binary.BigEndian.Uint32(buf[0:4])),
		next:       binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.size >= dataHeaderSize {
		f.chunk.end = h.start + int64(h.size)
	}
	f.NumPacketsInChunk += f.chunk.numPackets
	return nil
}

func (f *File) chunkDone() bool {
	if f.chunk.end > 0 && f.pos >= f.chunk.end {
		return true
	}
	return f.chunk.numPackets > 0 && f.chunk.read >= f.chunk.numPackets
}

// ReadFrame reads the next packet, following chained DATA chunks.
// io.EOF is returned after the last packet.
func (f *File) ReadFrame() (*Frame, error) {
	for f.chunkDone() {
		if f.chunk.next == 0 {
			return nil, io.EOF
		}
		if err := f.seek(int64(f.chunk.next)); err != nil {
			return nil, err
		}
		h, err := f.readChunkHeader()
		if err != nil {
			return nil, fmt.Errorf("read next DATA: %w", err)
		}
		if h.id != idDATA {
			return nil, fmt.Errorf("%w: expected DATA got %q", ErrCorrupt, h.id)
		}
		if err := f.readDataHeader(h); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, packetHeaderSizeV1)
	if err := f.read(buf[:packetHeaderSizeV0]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated packet header", ErrCorrupt)
		}
		return nil, err
	}

	version := binary.BigEndian.Uint16(buf[0:2])
	headerSize := packetHeaderSizeV0
	switch version {
	case 0:
	case 1:
		headerSize = packetHeaderSizeV1
		if err := f.read(buf[packetHeaderSizeV0:]); err != nil {
			return nil, fmt.Errorf("%w: truncated packet header", ErrCorrupt)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPacketVersion, version)
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length < headerSize {
		return nil, fmt.Errorf("%w: packet length %d", ErrCorrupt, length)
	}

	frame := &Frame{
		ID:       int(binary.BigEndian.Uint16(buf[4:6])),
		Timecode: binary.BigEndian.Uint32(buf[6:10]),
	}
	if version == 0 {
		frame.Group = buf[10]
		frame.Flags = buf[11]
	} else if buf[12]&FlagKeyframe != 0 {
		frame.Flags = FlagKeyframe
	}

	frame.Data = make([]byte, length-headerSize)
	if err := f.read(frame.Data); err != nil {
		return nil, fmt.Errorf("%w: truncated packet", ErrCorrupt)
	}

	f.chunk.read++
	f.NumPacketsRead++
	return frame, nil
}

// Position saved read position and packet counters.
type Position struct {
	pos               int64
	chunk             dataChunk
	numPacketsInChunk int
	numPacketsRead    int
}

// Tell returns the current read position.
func (f *File) Tell() Position {
	return Position{
		pos:               f.pos,
		chunk:             f.chunk,
		numPacketsInChunk: f.NumPacketsInChunk,
		numPacketsRead:    f.NumPacketsRead,
	}
}

// Seek restores a position returned by Tell. DATA chunks reached after
// Tell are counted again when they are read again.
func (f *File) Seek(p Position) error {
	if err := f.seek(p.pos); err != nil {
		return err
	}
	f.chunk = p.chunk
	f.NumPacketsInChunk = p.numPacketsInChunk
	f.NumPacketsRead = p.numPacketsRead
	return nil
}

// FindTrack returns the track with id or nil.
func (f *File) FindTrack(id int) *Track {
	for _, t := range f.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Unmarshal decodes the PROP body after the chunk header.
func (p *Props) Unmarshal(buf []byte) {
	p.MaxBitRate = binary.BigEndian.Uint32(buf[0:4])
	p.AvgBitRate = binary.BigEndian.Uint32(buf[4:8])
	p.MaxPacketSize = binary.BigEndian.Uint32(buf[8:12])
	p.AvgPacketSize = binary.BigEndian.Uint32(buf[12:16])
	p.NumPackets = binary.BigEndian.Uint32(buf[16:20])
	p.Duration = binary.BigEndian.Uint32(buf[20:24])
	p.Preroll = binary.BigEndian.Uint32(buf[24:28])
	p.IndexOffset = binary.BigEndian.Uint32(buf[28:32])
	p.DataOffset = binary.BigEndian.Uint32(buf[32:36])
	p.NumStreams = binary.BigEndian.Uint16(buf[36:38])
	p.Flags = binary.BigEndian.Uint16(buf[38:40])
}

// Marshal encodes the complete PROP chunk.
func (p Props) Marshal() []byte {
	out := make([]byte, propHeaderSize)
	putChunkHeader(out, idPROP, propHeaderSize)
	buf := out[chunkHeaderSize:]
	binary.BigEndian.PutUint32(buf[0:4], p.MaxBitRate)
	binary.BigEndian.PutUint32(buf[4:8], p.AvgBitRate)
	binary.BigEndian.PutUint32(buf[8:12], p.MaxPacketSize)
	binary.BigEndian.PutUint32(buf[12:16], p.AvgPacketSize)
	binary.BigEndian.PutUint32(buf[16:20], p.NumPackets)
	binary.BigEndian.PutUint32(buf[20:24], p.Duration)
	binary.BigEndian.PutUint32(buf[24:28], p.Preroll)
	binary.BigEndian.PutUint32(buf[28:32], p.IndexOffset)
	binary.BigEndian.PutUint32(buf[32:36], p.DataOffset)
	binary.BigEndian.PutUint16(buf[36:38], p.NumStreams)
	binary.BigEndian.PutUint16(buf[38:40], p.Flags)
	return out
}

func putChunkHeader(out []byte, id string, size int) {
	copy(out[0:4], id)
	binary.BigEndian.PutUint32(out[4:8], uint32(size))
	binary.BigEndian.PutUint16(out[8:10], 0)
}

// field reader over a chunk body.
type fields struct {
	buf []byte
	pos int
	err error
}

func (r *fields) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("%w: field past end of chunk", ErrCorrupt)
		return nil
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *fields) uint8() uint8 {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *fields) uint16() uint16 {
	if v := r.take(2); v != nil {
		return binary.BigEndian.Uint16(v)
	}
	return 0
}

func (r *fields) uint32() uint32 {
	if v := r.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

// Unmarshal decodes the CONT body after the chunk header.
func (c *Content) Unmarshal(buf []byte) error {
	r := &fields{buf: buf}
	c.Title = string(r.take(int(r.uint16())))
	c.Author = string(r.take(int(r.uint16())))
	c.Copyright = string(r.take(int(r.uint16())))
	c.Comment = string(r.take(int(r.uint16())))
	return r.err
}

// Marshal encodes the complete CONT chunk.
func (c Content) Marshal() []byte {
	size := chunkHeaderSize + 8 + len(c.Title) + len(c.Author) + len(c.Copyright) + len(c.Comment)
	out := make([]byte, size)
	putChunkHeader(out, idCONT, size)
	pos := chunkHeaderSize
	for _, s := range []string{c.Title, c.Author, c.Copyright, c.Comment} {
		binary.BigEndian.PutUint16(out[pos:pos+2], uint16(len(s)))
		pos += 2
		pos += copy(out[pos:], s)
	}
	return out
}

// Unmarshal decodes the MDPR body after the chunk header.
func (m *MediaProps) Unmarshal(buf []byte) error {
	r := &fields{buf: buf}
	m.StreamNumber = r.uint16()
	m.MaxBitRate = r.uint32()
	m.AvgBitRate = r.uint32()
	m.MaxPacketSize = r.uint32()
	m.AvgPacketSize = r.uint32()
	m.StartTime = r.uint32()
	m.Preroll = r.uint32()
	m.Duration = r.uint32()
	m.Name = string(r.take(int(r.uint8())))
	m.MimeType = string(r.take(int(r.uint8())))
	if ts := r.take(int(r.uint32())); ts != nil {
		m.TypeSpecific = append([]byte(nil), ts...)
	}
	return r.err
}

// Marshal encodes the complete MDPR chunk.
func (m MediaProps) Marshal() []byte {
	size := chunkHeaderSize + 2 + 7*4 + 1 + len(m.Name) + 1 + len(m.MimeType) + 4 + len(m.TypeSpecific)
	out := make([]byte, size)
	putChunkHeader(out, idMDPR, size)

	pos := chunkHeaderSize
	binary.BigEndian.PutUint16(out[pos:], m.StreamNumber)
	pos += 2
	for _, v := range []uint32{
		m.MaxBitRate, m.AvgBitRate, m.MaxPacketSize, m.AvgPacketSize,
		m.StartTime, m.Preroll, m.Duration,
	} {
		binary.BigEndian.PutUint32(out[pos:], v)
		pos += 4
	}
	out[pos] = uint8(len(m.Name))
	pos++
	pos += copy(out[pos:], m.Name)
	out[pos] = uint8(len(m.MimeType))
	pos++
	pos += copy(out[pos:], m.MimeType)
	binary.BigEndian.PutUint32(out[pos:], uint32(len(m.TypeSpecific)))
	pos += 4
	copy(out[pos:], m.TypeSpecific)
	return out
}
