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
	"io"
)

// ErrPacketTooLarge frame does not fit in a packet.
var ErrPacketTooLarge = errors.New("packet too large")

const maxPacketData = 0xffff - packetHeaderSizeV0

// Writer writes a RealMedia file with version 0 packets.
type Writer struct {
	w   io.WriteSeeker
	pos int64

	props     Props
	propsPos  int64
	chunks    []writtenChunk
	lastFrame uint32
}

type writtenChunk struct {
	start      int64
	numPackets int
}

// NewWriter writes the headers and opens the first DATA chunk.
func NewWriter(w io.WriteSeeker, content Content, tracks []MediaProps) (*Writer, error) {
	wr := &Writer{
		w: w,
		props: Props{
			NumStreams: uint16(len(tracks)),
		},
	}

	header := make([]byte, rmfHeaderSize)
	putChunkHeader(header, idRMF, rmfHeaderSize)
	binary.BigEndian.PutUint32(header[14:18], uint32(len(tracks)+3))
	if err := wr.write(header); err != nil {
		return nil, fmt.Errorf("write file header: %w", err)
	}

	wr.propsPos = wr.pos
	if err := wr.write(wr.props.Marshal()); err != nil {
		return nil, fmt.Errorf("write PROP: %w", err)
	}
	if err := wr.write(content.Marshal()); err != nil {
		return nil, fmt.Errorf("write CONT: %w", err)
	}
	for _, t := range tracks {
		if err := wr.write(t.Marshal()); err != nil {
			return nil, fmt.Errorf("write MDPR: %w", err)
		}
	}

	wr.props.DataOffset = uint32(wr.pos)
	if err := wr.NewDataChunk(); err != nil {
		return nil, err
	}
	return wr, nil
}

func (w *Writer) write(buf []byte) error {
	n, err := w.w.Write(buf)
	w.pos += int64(n)
	return err
}

func (w *Writer) writeAt(pos int64, buf []byte) error {
	if _, err := w.w.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	_, err := w.w.Seek(w.pos, io.SeekStart)
	return err
}

// NewDataChunk closes the current DATA chunk and chains a new one.
func (w *Writer) NewDataChunk() error {
	start := w.pos
	if n := len(w.chunks); n != 0 {
		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, uint32(start))
		if err := w.writeAt(w.chunks[n-1].start+14, next); err != nil {
			return fmt.Errorf("link DATA: %w", err)
		}
	}

	header := make([]byte, dataHeaderSize)
	putChunkHeader(header, idDATA, dataHeaderSize)
	if err := w.write(header); err != nil {
		return fmt.Errorf("write DATA: %w", err)
	}
	w.chunks = append(w.chunks, writtenChunk{start: start})
	return nil
}

// WriteFrame appends a packet to the current DATA chunk.
func (w *Writer) WriteFrame(f Frame) error {
	if len(f.Data) > maxPacketData {
		return fmt.Errorf("%w: %d", ErrPacketTooLarge, len(f.Data))
	}

	size := packetHeaderSizeV0 + len(f.Data)
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[2:4], uint16(size))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.ID))
	binary.BigEndian.PutUint32(buf[6:10], f.Timecode)
	buf[10] = f.Group
	buf[11] = f.Flags
	copy(buf[packetHeaderSizeV0:], f.Data)
	if err := w.write(buf); err != nil {
		return err
	}

	w.chunks[len(w.chunks)-1].numPackets++
	w.props.NumPackets++
	if uint32(size) > w.props.MaxPacketSize {
		w.props.MaxPacketSize = uint32(size)
	}
	if f.Timecode > w.lastFrame {
		w.lastFrame = f.Timecode
	}
	return nil
}

// Close patches the chunk sizes and the file properties.
func (w *Writer) Close() error {
	for i, c := range w.chunks {
		end := w.pos
		if i+1 < len(w.chunks) {
			end = w.chunks[i+1].start
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(end-c.start))
		if err := w.writeAt(c.start+4, buf); err != nil {
			return fmt.Errorf("patch DATA size: %w", err)
		}
		binary.BigEndian.PutUint32(buf, uint32(c.numPackets))
		if err := w.writeAt(c.start+chunkHeaderSize, buf); err != nil {
			return fmt.Errorf("patch DATA packets: %w", err)
		}
	}

	if w.props.NumPackets != 0 {
		dataSize := w.pos - int64(w.props.DataOffset)
		w.props.AvgPacketSize = uint32(dataSize / int64(w.props.NumPackets))
	}
	w.props.Duration = w.lastFrame
	if err := w.writeAt(w.propsPos, w.props.Marshal()); err != nil {
		return fmt.Errorf("patch PROP: %w", err)
	}
	return nil
}
