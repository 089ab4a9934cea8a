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

// Package realreader demuxes RealMedia files into packetizer sinks.
package realreader

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"remux/pkg/log"
	"remux/pkg/video/packetizer"
	"remux/pkg/video/rmff"
)

// ContainerName reported by Identify.
const ContainerName = "RealMedia"

// ErrNotRealMedia input is not a RealMedia file.
var ErrNotRealMedia = errors.New("source is not a valid RealMedia file")

// Config demuxer options.
type Config struct {
	Selection packetizer.Selection

	// Forces or clears SBR per track id, -1 applies to every track.
	AACIsSBR map[int]bool

	// Display overrides, AspectRatio wins over the explicit size.
	AspectRatio   float64
	DisplayWidth  int
	DisplayHeight int
}

func (c Config) displayGiven() bool {
	return c.DisplayWidth > 0 && c.DisplayHeight > 0
}

// codecKind selects how frames of a track are handled.
type codecKind int

const (
	kindVideo codecKind = iota
	kindRealAudio
	kindAAC
	kindDNET
)

type track struct {
	id     int
	kind   codecKind
	fourcc string

	// Complete type specific data.
	private []byte

	width  int
	height int
	fps    float64

	sampleRate    int
	channels      int
	bitsPerSample int
	extraData     []byte
	bsid          int

	sink packetizer.Sink

	assembler    *rmff.VideoAssembler
	rvDimensions bool

	cookAudioFix  bool
	forceKeyframe bool
	firstFrame    bool

	queue audioQueue
}

func (t *track) trackType() packetizer.TrackType {
	if t.kind == kindVideo {
		return packetizer.TrackVideo
	}
	return packetizer.TrackAudio
}

// Reader RealMedia demuxer.
type Reader struct {
	file   *rmff.File
	config Config
	logf   log.Func

	tracks []*track
	done   bool
}

// Probe reports whether r holds a RealMedia file.
func Probe(r io.ReadSeeker) bool {
	return rmff.Probe(r)
}

// New opens a RealMedia file and parses its tracks.
func New(r io.ReadSeeker, config Config, logf log.Func) (*Reader, error) {
	file, err := rmff.Open(r)
	if errors.Is(err, rmff.ErrNotRMFF) {
		return nil, ErrNotRealMedia
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the source file: %w", err)
	}

	reader := &Reader{
		file:   file,
		config: config,
		logf:   logf,
	}
	reader.parseHeaders()
	if err := reader.getInformationFromData(); err != nil {
		return nil, err
	}
	return reader, nil
}

func (r *Reader) warnTrack(id int, format string, a ...interface{}) {
	r.logf(log.LevelWarning, "track %d: "+format, append([]interface{}{id}, a...)...)
}

func (r *Reader) parseHeaders() {
	for _, t := range r.file.Tracks {
		if t.Type == rmff.TrackUnknown || len(t.TypeSpecific) == 0 {
			continue
		}
		if t.Type == rmff.TrackVideo && !r.config.Selection.Wants(packetizer.TrackVideo, t.ID) {
			continue
		}
		if t.Type == rmff.TrackAudio && !r.config.Selection.Wants(packetizer.TrackAudio, t.ID) {
			continue
		}
		if t.MimeType != rmff.MimeAudio && t.MimeType != rmff.MimeVideo {
			continue
		}

		var parsed *track
		if t.Type == rmff.TrackVideo {
			parsed = r.parseVideoTrack(t)
		} else {
			parsed = r.parseAudioTrack(t)
		}
		if parsed == nil {
			continue
		}
		parsed.id = t.ID
		parsed.private = t.TypeSpecific
		parsed.firstFrame = true
		parsed.bsid = -1
		r.tracks = append(r.tracks, parsed)
	}
}

func (r *Reader) parseVideoTrack(t *rmff.Track) *track {
	props, err := rmff.ParseVideoProps(t.TypeSpecific)
	if err != nil {
		r.warnTrack(t.ID, "invalid video header, skipping track: %v", err)
		return nil
	}
	return &track{
		kind:      kindVideo,
		fourcc:    props.FourCC,
		width:     props.Width,
		height:    props.Height,
		fps:       props.FPS,
		assembler: rmff.NewVideoAssembler(),
	}
}

func (r *Reader) parseAudioTrack(t *rmff.Track) *track {
	props, err := rmff.ParseAudioProps(t.TypeSpecific)
	switch {
	case errors.Is(err, rmff.ErrUnsupportedAudioVersion):
		r.warnTrack(t.ID, "only audio header versions 3, 4 and 5 are supported, skipping track: %v", err)
		return nil
	case errors.Is(err, rmff.ErrFourCCLength):
		r.warnTrack(t.ID, "couldn't find RealAudio FourCC, skipping track: %v", err)
		return nil
	case err != nil:
		r.warnTrack(t.ID, "invalid audio header, skipping track: %v", err)
		return nil
	}

	kind := kindRealAudio
	switch {
	case strings.EqualFold(props.FourCC, "dnet"):
		kind = kindDNET
	case isAAC(props.FourCC):
		kind = kindAAC
	}
	return &track{
		kind:          kind,
		fourcc:        props.FourCC,
		sampleRate:    props.SampleRate,
		channels:      props.Channels,
		bitsPerSample: props.SampleSize,
		extraData:     props.ExtraData,
		cookAudioFix:  kind == kindRealAudio && strings.EqualFold(props.FourCC, "cook"),
	}
}

func isAAC(fourcc string) bool {
	return strings.EqualFold(fourcc, "raac") || strings.EqualFold(fourcc, "racp")
}

func (r *Reader) findTrack(id int) *track {
	for _, t := range r.tracks {
		if t.id == id {
			return t
		}
	}
	return nil
}

// getInformationFromData reads the bitstream id of DNET tracks
// from their first frame and rewinds.
func (r *Reader) getInformationFromData() error {
	missing := func() bool {
		for _, t := range r.tracks {
			if t.kind == kindDNET && t.bsid == -1 {
				return true
			}
		}
		return false
	}
	if !missing() {
		return nil
	}

	pos := r.file.Tell()
	for missing() {
		frame, err := r.file.ReadFrame()
		if err != nil {
			r.logf(log.LevelWarning, "could not read the DNET bitstream id: %v", err)
			break
		}
		t := r.findTrack(frame.ID)
		if t == nil || t.kind != kindDNET || len(frame.Data) < 5 {
			continue
		}
		t.bsid = int(frame.Data[4] >> 3)
	}

	if err := r.file.Seek(pos); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	return nil
}

// ContainerName returns the input format name.
func (r *Reader) ContainerName() string {
	return ContainerName
}

// Identify lists the demuxed tracks.
func (r *Reader) Identify() []packetizer.TrackInfo {
	info := make([]packetizer.TrackInfo, 0, len(r.tracks))
	for _, t := range r.tracks {
		codec := t.fourcc
		if t.kind == kindAAC {
			codec = "AAC"
		}
		info = append(info, packetizer.TrackInfo{
			ID:    t.id,
			Type:  t.trackType(),
			Codec: codec,
		})
	}
	return info
}

// Read processes one frame.
func (r *Reader) Read() (packetizer.Status, error) {
	if r.done {
		return packetizer.StatusDone, nil
	}

	frame, err := r.file.ReadFrame()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.logf(log.LevelWarning, "%v", err)
		}
		if r.file.NumPacketsRead < r.file.NumPacketsInChunk {
			r.logf(log.LevelWarning,
				"file contains fewer frames than expected or is corrupt after frame %d",
				r.file.NumPacketsRead)
		}
		return r.Finish()
	}

	t := r.findTrack(frame.ID)
	if t == nil || t.sink == nil {
		return packetizer.StatusMoreData, nil
	}

	if t.cookAudioFix && t.firstFrame && !frame.Keyframe() {
		t.forceKeyframe = true
	}
	if t.forceKeyframe && frame.Keyframe() {
		t.forceKeyframe = false
	}
	if t.forceKeyframe {
		frame.Flags |= rmff.FlagKeyframe
	}

	timecode := int64(frame.Timecode) * 1000000
	switch t.kind {
	case kindVideo:
		err = r.assembleVideoPacket(t, frame)
	case kindAAC:
		if t.firstFrame {
			t.queue.refTimecode = timecode
			if ds, ok := t.sink.(packetizer.DisplacementSetter); ok {
				ds.SetDisplacement(timecode)
			}
		}
		err = r.deliverAACFrames(t, frame.Data)
	case kindRealAudio, kindDNET:
		err = t.queue.add(t.sink, frame.Data, timecode, frame.Flags)
	}
	if err != nil {
		return packetizer.StatusDone, fmt.Errorf("track %d: %w", t.id, err)
	}

	t.firstFrame = false
	return packetizer.StatusMoreData, nil
}

// Finish flushes pending frames. Read calls it at the end of the file.
func (r *Reader) Finish() (packetizer.Status, error) {
	for _, t := range r.tracks {
		if t.sink == nil {
			continue
		}
		switch t.kind {
		case kindVideo:
			t.assembler.Flush()
			if err := r.deliverVideoFrames(t); err != nil {
				return packetizer.StatusDone, fmt.Errorf("track %d: %w", t.id, err)
			}
		case kindRealAudio, kindDNET:
			if err := t.queue.finish(t.sink); err != nil {
				return packetizer.StatusDone, fmt.Errorf("track %d: %w", t.id, err)
			}
		case kindAAC:
		}
	}
	r.done = true
	return packetizer.StatusDone, nil
}

// Progress returns the percentage of frames read.
func (r *Reader) Progress() int {
	if r.file.NumPacketsInChunk == 0 {
		return 0
	}
	return 100 * r.file.NumPacketsRead / r.file.NumPacketsInChunk
}
