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

// Package packetizer defines how demuxers hand packets to an output container.
package packetizer

import (
	"errors"
	"fmt"
)

// Timecodes and durations are in nanoseconds.
const (
	// UnknownTimecode asks the sink to derive the timecode itself.
	UnknownTimecode int64 = -1
)

// Reference sentinels for Packet.BRef and Packet.FRef.
const (
	// NoReference marks a keyframe.
	NoReference int64 = -1

	// PFrameAuto predicted from the previous frame of the track.
	PFrameAuto int64 = -2

	// NoBFrame the frame is not referenced by a later frame.
	NoBFrame int64 = -3
)

// Packet one frame handed to a sink. The sink owns Data afterwards.
type Packet struct {
	Data     []byte
	Timecode int64
	Duration int64

	// Backward reference timecode or a sentinel.
	BRef int64

	// Forward reference timecode or a sentinel, video only.
	FRef int64
}

// Keyframe reports whether the packet can be decoded on its own.
func (p Packet) Keyframe() bool {
	return p.BRef == NoReference
}

// TrackType track media kind.
type TrackType int

// Track types.
const (
	TrackUnknown TrackType = iota
	TrackAudio
	TrackVideo
)

func (t TrackType) String() string {
	switch t {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	}
	return "unknown"
}

// AudioParams audio track parameters.
type AudioParams struct {
	SampleRate float64

	// Non-zero when the decoded rate differs, AAC with SBR.
	OutputSampleRate float64

	Channels int
	BitDepth int

	// Samples per packet, used to derive unknown timecodes.
	SamplesPerPacket int

	// 16 bit words in each packet are little endian and must be swapped.
	ByteSwapped bool
}

// VideoParams video track parameters.
type VideoParams struct {
	PixelWidth    int
	PixelHeight   int
	DisplayWidth  int
	DisplayHeight int
	FrameRate     float64
}

// TrackParams describes a track to the muxer.
type TrackParams struct {
	ID           int
	Type         TrackType
	CodecID      string
	CodecPrivate []byte
	Name         string

	Audio AudioParams
	Video VideoParams

	// Default frame duration, 0 if unknown.
	DefaultDuration int64
}

// Sink accepts the packets of one track.
type Sink interface {
	Process(Packet) error
}

// DisplacementSetter is implemented by sinks that derive timecodes and
// need the timecode of the first packet.
type DisplacementSetter interface {
	SetDisplacement(timecode int64)
}

// DimensionSetter is implemented by video sinks that can rewrite the
// declared frame size after packets were processed.
type DimensionSetter interface {
	SetDimensions(pixelWidth, pixelHeight, displayWidth, displayHeight int) error
}

// Muxer creates sinks.
type Muxer interface {
	AddTrack(TrackParams) (Sink, error)
}

// Status result of a Read call.
type Status int

// Statuses.
const (
	StatusMoreData Status = iota
	StatusDone
)

// TrackInfo track summary returned by Identify.
type TrackInfo struct {
	ID    int
	Type  TrackType
	Codec string
}

func (t TrackInfo) String() string {
	return fmt.Sprintf("Track ID %d: %s (%s)", t.ID, t.Type, t.Codec)
}

// Demuxer reads one input file and feeds the sinks it creates.
type Demuxer interface {
	// ContainerName human readable input format.
	ContainerName() string
	Identify() []TrackInfo
	CreatePacketizers(Muxer) error

	// Read processes one frame. StatusDone is returned once all pending
	// packets have been flushed.
	Read() (Status, error)

	// Progress in percent.
	Progress() int
}

// ErrNoTracks no track selected for muxing.
var ErrNoTracks = errors.New("no tracks to mux")

// Selection tracks requested by the user, nil selects every track.
type Selection struct {
	Audio []int
	Video []int
}

// Wants reports whether the track with id and type is selected.
func (s Selection) Wants(t TrackType, id int) bool {
	var ids []int
	switch t {
	case TrackAudio:
		ids = s.Audio
	case TrackVideo:
		ids = s.Video
	default:
		return false
	}
	if ids == nil {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
