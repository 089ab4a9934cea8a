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

// Package analyzer indexes the top level of a Matroska file and rewrites
// single elements in place.
package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Element ids.
const (
	IDEBML        uint32 = 0x1a45dfa3
	IDSegment     uint32 = 0x18538067
	IDSeekHead    uint32 = 0x114d9b74
	IDInfo        uint32 = 0x1549a966
	IDTracks      uint32 = 0x1654ae6b
	IDCluster     uint32 = 0x1f43b675
	IDCues        uint32 = 0x1c53bb6b
	IDChapters    uint32 = 0x1043a770
	IDTags        uint32 = 0x1254c367
	IDAttachments uint32 = 0x1941a469
	IDVoid        uint32 = 0xec
)

var elementNames = map[uint32]string{
	IDEBML:        "EBML",
	IDSegment:     "Segment",
	IDSeekHead:    "SeekHead",
	IDInfo:        "Info",
	IDTracks:      "Tracks",
	IDCluster:     "Cluster",
	IDCues:        "Cues",
	IDChapters:    "Chapters",
	IDTags:        "Tags",
	IDAttachments: "Attachments",
	IDVoid:        "Void",
}

// Errors.
var (
	ErrNotEBML          = errors.New("not an EBML file")
	ErrNoSegment        = errors.New("no segment found")
	ErrElementNotFound  = errors.New("element not found")
	ErrUnknownSize      = errors.New("element has an unknown size")
	ErrIndexOutOfBounds = errors.New("element index out of bounds")
	ErrSizeMismatch     = errors.New("element size does not match its data")
)

// File is the file access the analyzer needs.
type File interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
	Size() (int64, error)
}

// Element one indexed element.
type Element struct {
	ID uint32

	// Offset of the id from the start of the file.
	Offset     int64
	HeaderSize int

	// Length of the data, UnknownSize if not written.
	DataSize int64
}

// Size returns the length of the element including the header.
func (e Element) Size() int64 {
	return int64(e.HeaderSize) + e.DataSize
}

// End returns the offset after the element.
func (e Element) End() int64 {
	return e.Offset + e.Size()
}

// Name returns the element name, or the id in hex.
func (e Element) Name() string {
	if name, ok := elementNames[e.ID]; ok {
		return name
	}
	return fmt.Sprintf("%#x", e.ID)
}

func (e Element) String() string {
	size := fmt.Sprintf("%d", e.DataSize)
	if e.DataSize == UnknownSize {
		size = "unknown"
	}
	return fmt.Sprintf("%s at %d, header %d, size %s", e.Name(), e.Offset, e.HeaderSize, size)
}

// Analyzer index of the children of the first segment.
type Analyzer struct {
	f File

	Segment  Element
	Elements []Element
}

// Probe reports whether r starts with the EBML magic.
// The position is reset to the start.
func Probe(r io.ReadSeeker) bool {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	id, _, err := readID(r)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	return err == nil && id == IDEBML
}

// New indexes f. Indexing stops at the first child with an unknown size
// or one that extends past the end of the file.
func New(f File) (*Analyzer, error) {
	a := &Analyzer{f: f}
	if err := a.process(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Analyzer) readHeader(pos int64) (Element, error) {
	if _, err := a.f.Seek(pos, io.SeekStart); err != nil {
		return Element{}, err
	}
	id, idLen, err := readID(a.f)
	if err != nil {
		return Element{}, err
	}
	size, sizeLen, err := readSize(a.f)
	if err != nil {
		return Element{}, err
	}
	return Element{
		ID:         id,
		Offset:     pos,
		HeaderSize: idLen + sizeLen,
		DataSize:   size,
	}, nil
}

func (a *Analyzer) process() error {
	fileSize, err := a.f.Size()
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}

	head, err := a.readHeader(0)
	if err != nil || head.ID != IDEBML || head.DataSize == UnknownSize {
		return ErrNotEBML
	}

	pos := head.End()
	for {
		if pos >= fileSize {
			return ErrNoSegment
		}
		e, err := a.readHeader(pos)
		if err != nil {
			return ErrNoSegment
		}
		if e.ID == IDSegment {
			a.Segment = e
			break
		}
		if e.DataSize == UnknownSize {
			return ErrNoSegment
		}
		pos = e.End()
	}

	end := fileSize
	if a.Segment.DataSize != UnknownSize && a.Segment.End() < end {
		end = a.Segment.End()
	}

	pos = a.Segment.Offset + int64(a.Segment.HeaderSize)
	for pos < end {
		e, err := a.readHeader(pos)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("element at %d: %w", pos, err)
		}
		a.Elements = append(a.Elements, e)
		if e.DataSize == UnknownSize || e.End() > end {
			break
		}
		pos = e.End()
	}
	return nil
}

// Find returns the index of the first element with id, or -1.
func (a *Analyzer) Find(id uint32) int {
	for i, e := range a.Elements {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// ReadElement returns the raw bytes of element i including the header.
func (a *Analyzer) ReadElement(i int) ([]byte, error) {
	if i < 0 || i >= len(a.Elements) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfBounds, i)
	}
	e := a.Elements[i]
	if e.DataSize == UnknownSize {
		return nil, ErrUnknownSize
	}
	buf := make([]byte, e.Size())
	if _, err := a.f.Seek(e.Offset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(a.f, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Name(), err)
	}
	return buf, nil
}

// UpdateElement replaces the first indexed element with the same id by
// data, a complete serialized element. Data of a different size moves
// everything after the element, updates the offsets of the following
// elements and the size of the segment. The file position is kept
// relative to the data it pointed at.
func (a *Analyzer) UpdateElement(data []byte) error {
	updated, err := parseHeader(data)
	if err != nil {
		return err
	}
	i := a.Find(updated.ID)
	if i == -1 {
		return fmt.Errorf("%w: %#x", ErrElementNotFound, updated.ID)
	}
	old := a.Elements[i]
	if old.DataSize == UnknownSize {
		return ErrUnknownSize
	}

	pos, err := a.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	delta := int64(len(data)) - old.Size()
	if delta == 0 {
		if err := a.writeAt(old.Offset, data); err != nil {
			return err
		}
	} else if err := a.move(old, data, delta); err != nil {
		return err
	}

	updated.Offset = old.Offset
	a.Elements[i] = updated
	for j := i + 1; j < len(a.Elements); j++ {
		a.Elements[j].Offset += delta
	}

	if pos >= old.End() {
		pos += delta
	}
	_, err = a.f.Seek(pos, io.SeekStart)
	return err
}

func (a *Analyzer) move(old Element, data []byte, delta int64) error {
	fileSize, err := a.f.Size()
	if err != nil {
		return err
	}

	tail := make([]byte, fileSize-old.End())
	if _, err := a.f.Seek(old.End(), io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(a.f, tail); err != nil {
		return fmt.Errorf("read tail: %w", err)
	}

	buf := make([]byte, 0, len(data)+len(tail))
	buf = append(append(buf, data...), tail...)
	if err := a.writeAt(old.Offset, buf); err != nil {
		return err
	}
	if delta < 0 {
		if err := a.f.Truncate(fileSize + delta); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	if a.Segment.DataSize == UnknownSize {
		return nil
	}
	idLen := idLength(a.Segment.ID)
	size, err := encodeSize(a.Segment.DataSize+delta, a.Segment.HeaderSize-idLen)
	if err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	if err := a.writeAt(a.Segment.Offset+int64(idLen), size); err != nil {
		return err
	}
	a.Segment.DataSize += delta
	return nil
}

func (a *Analyzer) writeAt(offset int64, data []byte) error {
	if _, err := a.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := a.f.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// parseHeader decodes the header of a serialized element and checks the
// data size against its length.
func parseHeader(data []byte) (Element, error) {
	r := bytes.NewReader(data)
	id, idLen, err := readID(r)
	if err != nil {
		return Element{}, fmt.Errorf("element id: %w", err)
	}
	size, sizeLen, err := readSize(r)
	if err != nil {
		return Element{}, fmt.Errorf("element size: %w", err)
	}
	e := Element{ID: id, HeaderSize: idLen + sizeLen, DataSize: size}
	if size == UnknownSize || e.Size() != int64(len(data)) {
		return Element{}, fmt.Errorf("%w: %s is %d bytes", ErrSizeMismatch, e.Name(), len(data))
	}
	return e, nil
}

func idLength(id uint32) int {
	switch {
	case id > 0xffffff:
		return 4
	case id > 0xffff:
		return 3
	case id > 0xff:
		return 2
	}
	return 1
}

// SetSegmentSize writes the distance from the segment data to the end of
// the file into the segment size field. The field length is kept.
func (a *Analyzer) SetSegmentSize() error {
	fileSize, err := a.f.Size()
	if err != nil {
		return err
	}
	pos, err := a.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	dataSize := fileSize - a.Segment.Offset - int64(a.Segment.HeaderSize)
	idLen := idLength(a.Segment.ID)
	size, err := encodeSize(dataSize, a.Segment.HeaderSize-idLen)
	if err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	if err := a.writeAt(a.Segment.Offset+int64(idLen), size); err != nil {
		return err
	}
	a.Segment.DataSize = dataSize

	_, err = a.f.Seek(pos, io.SeekStart)
	return err
}
