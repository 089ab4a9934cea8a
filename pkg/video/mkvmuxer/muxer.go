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

// Package mkvmuxer writes packetizer output into a Matroska file.
package mkvmuxer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"remux/pkg/log"
	"remux/pkg/video/analyzer"
	"remux/pkg/video/packetizer"

	"github.com/at-wat/ebml-go"
)

// AppName written as muxing and writing application.
const AppName = "remux"

// Block timecodes are in milliseconds.
const timecodeScale = int64(time.Millisecond)

// Errors.
var (
	ErrHeaderWritten = errors.New("tracks can not be added after the first packet")
	ErrClosed        = errors.New("muxer is closed")
	ErrNoSampleRate  = errors.New("timecode unknown and no sample rate")
)

// Muxer Matroska writer. The header is written with the first packet.
type Muxer struct {
	f               analyzer.File
	clusterDuration int64
	logf            log.Func

	tracks   []*Track
	hasVideo bool

	// Index of the written header, set with the first packet.
	analyzer *analyzer.Analyzer

	cluster     *cluster
	numClusters int
	endTimecode int64
	closed      bool
}

// New creates a muxer writing to f from its start.
func New(f analyzer.File, clusterDuration time.Duration, logf log.Func) *Muxer {
	return &Muxer{
		f:               f,
		clusterDuration: int64(clusterDuration),
		logf:            logf,
	}
}

// AddTrack implements packetizer.Muxer.
func (m *Muxer) AddTrack(params packetizer.TrackParams) (packetizer.Sink, error) {
	if m.analyzer != nil {
		return nil, ErrHeaderWritten
	}
	t := &Track{
		m:      m,
		number: uint64(len(m.tracks) + 1),
		params: params,
	}
	m.tracks = append(m.tracks, t)
	if params.Type == packetizer.TrackVideo {
		m.hasVideo = true
	}
	return t, nil
}

func (m *Muxer) info() infoElement {
	return infoElement{Info: info{
		TimecodeScale: uint64(timecodeScale),
		Duration:      float64(m.endTimecode) / float64(timecodeScale),
		MuxingApp:     AppName,
		WritingApp:    AppName,
	}}
}

func (m *Muxer) trackEntries() tracksElement {
	entries := make([]trackEntry, 0, len(m.tracks))
	for _, t := range m.tracks {
		entries = append(entries, t.entry())
	}
	return tracksElement{Tracks: tracks{TrackEntry: entries}}
}

func (m *Muxer) writeHeader() error {
	if _, err := m.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := ebml.Marshal(&headerElement{Header: defaultHeader}, m.f); err != nil {
		return fmt.Errorf("write ebml header: %w", err)
	}
	if _, err := m.f.Write(segmentHeader); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	segmentInfo := m.info()
	if err := ebml.Marshal(&segmentInfo, m.f); err != nil {
		return fmt.Errorf("write info: %w", err)
	}
	trackList := m.trackEntries()
	if err := ebml.Marshal(&trackList, m.f); err != nil {
		return fmt.Errorf("write tracks: %w", err)
	}

	a, err := analyzer.New(m.f)
	if err != nil {
		return fmt.Errorf("index header: %w", err)
	}
	m.analyzer = a
	_, err = m.f.Seek(0, io.SeekEnd)
	return err
}

// updateElement re-renders an element of the written header.
func (m *Muxer) updateElement(v interface{}) error {
	var buf bytes.Buffer
	if err := ebml.Marshal(v, &buf); err != nil {
		return err
	}
	return m.analyzer.UpdateElement(buf.Bytes())
}

func (m *Muxer) addBlock(t *Track, p packetizer.Packet) error {
	if m.closed {
		return ErrClosed
	}
	if m.analyzer == nil {
		if err := m.writeHeader(); err != nil {
			return err
		}
	}

	timecode := p.Timecode / timecodeScale
	if m.cluster != nil && m.startsCluster(t, p, timecode) {
		if err := m.flushCluster(); err != nil {
			return err
		}
	}
	if m.cluster == nil {
		start := timecode
		if start < 0 {
			start = 0
		}
		m.cluster = &cluster{Timecode: uint64(start)}
	}

	m.cluster.SimpleBlock = append(m.cluster.SimpleBlock, ebml.Block{
		TrackNumber: t.number,
		Timecode:    int16(timecode - int64(m.cluster.Timecode)),
		Keyframe:    p.Keyframe(),
		Data:        [][]byte{p.Data},
	})

	if end := p.Timecode + p.Duration; end > m.endTimecode {
		m.endTimecode = end
	}
	return nil
}

// startsCluster reports whether the block must go into a new cluster.
// Clusters are split at video keyframes, or at any packet without video
// tracks, once clusterDuration is reached.
func (m *Muxer) startsCluster(t *Track, p packetizer.Packet, timecode int64) bool {
	relative := timecode - int64(m.cluster.Timecode)
	if relative > math.MaxInt16 || relative < math.MinInt16 {
		return true
	}
	if relative*timecodeScale < m.clusterDuration {
		return false
	}
	if !m.hasVideo {
		return true
	}
	return t.params.Type == packetizer.TrackVideo && p.Keyframe()
}

func (m *Muxer) flushCluster() error {
	if m.cluster == nil {
		return nil
	}
	if _, err := m.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if err := ebml.Marshal(&clusterElement{Cluster: *m.cluster}, m.f); err != nil {
		return fmt.Errorf("write cluster: %w", err)
	}
	m.cluster = nil
	m.numClusters++
	return nil
}

// Close writes the pending cluster and finalizes the header.
// The file itself is not closed.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	if m.analyzer == nil {
		if err := m.writeHeader(); err != nil {
			return err
		}
	}
	if err := m.flushCluster(); err != nil {
		return err
	}
	m.closed = true

	segmentInfo := m.info()
	if err := m.updateElement(&segmentInfo); err != nil {
		return fmt.Errorf("update duration: %w", err)
	}
	if err := m.analyzer.SetSegmentSize(); err != nil {
		return fmt.Errorf("update segment size: %w", err)
	}

	m.logf(log.LevelDebug, "wrote %d clusters, duration %v",
		m.numClusters, time.Duration(m.endTimecode))
	return nil
}

// Duration returns the end timecode of the last packet.
func (m *Muxer) Duration() time.Duration {
	return time.Duration(m.endTimecode)
}
