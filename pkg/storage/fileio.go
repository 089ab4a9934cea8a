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

package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// OpenMode file open mode.
type OpenMode int

// Open modes.
const (
	// ModeRead opens an existing file for reading.
	ModeRead OpenMode = iota

	// ModeWrite creates or truncates a file for reading and writing.
	ModeWrite

	// ModeModify opens an existing file for reading and writing.
	ModeModify
)

// File is an open file.
type File interface {
	io.ReadWriteSeeker
	io.Closer

	// Tell returns the current position.
	Tell() (int64, error)

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Size returns the current size of the file.
	Size() (int64, error)

	Name() string
}

// FileIO opens files on some backing store.
type FileIO interface {
	Open(name string, mode OpenMode) (File, error)
}

// ErrInvalidMode unknown open mode.
var ErrInvalidMode = errors.New("invalid open mode")

// OSFileIO opens files on the local file system.
type OSFileIO struct{}

// Open opens name on the local file system.
func (OSFileIO) Open(name string, mode OpenMode) (File, error) {
	var flag int
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeWrite:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ModeModify:
		flag = os.O_RDWR
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}

	f, err := os.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, err
	}
	return &osFile{File: f}, nil
}

type osFile struct {
	*os.File
}

func (f *osFile) Tell() (int64, error) {
	return f.Seek(0, io.SeekCurrent)
}

func (f *osFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// MemFileIO stores named files in memory.
type MemFileIO struct {
	files map[string]*memData
	mu    sync.Mutex
}

// NewMemFileIO returns empty in-memory store.
func NewMemFileIO() *MemFileIO {
	return &MemFileIO{files: map[string]*memData{}}
}

// Put creates or replaces a file.
func (m *MemFileIO) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = &memData{buf: append([]byte(nil), data...)}
}

// Bytes returns a copy of the file contents.
func (m *MemFileIO) Bytes(name string) ([]byte, error) {
	m.mu.Lock()
	d, exist := m.files[name]
	m.mu.Unlock()
	if !exist {
		return nil, fmt.Errorf("%v: %w", name, fs.ErrNotExist)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buf...), nil
}

// Open opens name in memory.
func (m *MemFileIO) Open(name string, mode OpenMode) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, exist := m.files[name]
	switch mode {
	case ModeRead, ModeModify:
		if !exist {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
	case ModeWrite:
		d = &memData{}
		m.files[name] = d
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}

	return &memFile{name: name, data: d, readOnly: mode == ModeRead}, nil
}

// memData is shared by every handle of one file.
type memData struct {
	buf []byte
	mu  sync.Mutex
}

// Errors.
var (
	ErrNegativeResultPos = errors.New("negative result pos")
	ErrReadOnly          = errors.New("file opened read only")
	ErrClosed            = errors.New("file already closed")
)

// memFile is an in-memory io.ReadWriteSeeker with its own position.
type memFile struct {
	name     string
	data     *memData
	pos      int64
	readOnly bool
	closed   bool
}

func (f *memFile) Name() string { return f.name }

func (f *memFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()

	if f.pos >= int64(len(f.data.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.data.buf[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.readOnly {
		return 0, ErrReadOnly
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()

	// If the offset is past the end of the buffer, grow the buffer with null bytes.
	if extra := f.pos - int64(len(f.data.buf)); extra > 0 {
		f.data.buf = append(f.data.buf, make([]byte, extra)...)
	}

	// Overwrite what exists, append the rest.
	n := copy(f.data.buf[f.pos:], p)
	f.data.buf = append(f.data.buf, p[n:]...)

	f.pos += int64(len(p))
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	f.data.mu.Lock()
	size := int64(len(f.data.buf))
	f.data.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		newPos = size + offset
	}
	if newPos < 0 {
		return 0, ErrNegativeResultPos
	}
	f.pos = newPos
	return newPos, nil
}

func (f *memFile) Tell() (int64, error) {
	return f.pos, nil
}

func (f *memFile) Truncate(size int64) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if size < 0 {
		return ErrNegativeResultPos
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()

	if size <= int64(len(f.data.buf)) {
		f.data.buf = f.data.buf[:size]
	} else {
		f.data.buf = append(f.data.buf, make([]byte, size-int64(len(f.data.buf)))...)
	}
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	return int64(len(f.data.buf)), nil
}

func (f *memFile) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return nil
}
