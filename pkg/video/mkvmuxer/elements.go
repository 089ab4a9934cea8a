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

package mkvmuxer

import "github.com/at-wat/ebml-go"

// Matroska track types.
const (
	trackTypeVideo = 1
	trackTypeAudio = 2
)

type ebmlHeader struct {
	EBMLVersion            uint64 `ebml:"EBMLVersion"`
	EBMLReadVersion        uint64 `ebml:"EBMLReadVersion"`
	EBMLMaxIDLength        uint64 `ebml:"EBMLMaxIDLength"`
	EBMLMaxSizeLength      uint64 `ebml:"EBMLMaxSizeLength"`
	EBMLDocType            string `ebml:"EBMLDocType"`
	EBMLDocTypeVersion     uint64 `ebml:"EBMLDocTypeVersion"`
	EBMLDocTypeReadVersion uint64 `ebml:"EBMLDocTypeReadVersion"`
}

var defaultHeader = ebmlHeader{
	EBMLVersion:            1,
	EBMLReadVersion:        1,
	EBMLMaxIDLength:        4,
	EBMLMaxSizeLength:      8,
	EBMLDocType:            "matroska",
	EBMLDocTypeVersion:     2,
	EBMLDocTypeReadVersion: 2,
}

type headerElement struct {
	Header ebmlHeader `ebml:"EBML"`
}

// Duration is a float64 so the element keeps its size when patched.
type info struct {
	TimecodeScale uint64  `ebml:"TimecodeScale"`
	Duration      float64 `ebml:"Duration"`
	MuxingApp     string  `ebml:"MuxingApp"`
	WritingApp    string  `ebml:"WritingApp"`
}

type infoElement struct {
	Info info `ebml:"Info"`
}

type video struct {
	PixelWidth    uint64 `ebml:"PixelWidth"`
	PixelHeight   uint64 `ebml:"PixelHeight"`
	DisplayWidth  uint64 `ebml:"DisplayWidth,omitempty"`
	DisplayHeight uint64 `ebml:"DisplayHeight,omitempty"`
}

type audio struct {
	SamplingFrequency       float64 `ebml:"SamplingFrequency"`
	OutputSamplingFrequency float64 `ebml:"OutputSamplingFrequency,omitempty"`
	Channels                uint64  `ebml:"Channels"`
	BitDepth                uint64  `ebml:"BitDepth,omitempty"`
}

type trackEntry struct {
	TrackNumber     uint64  `ebml:"TrackNumber"`
	TrackUID        uint64  `ebml:"TrackUID"`
	TrackType       uint64  `ebml:"TrackType"`
	Name            string  `ebml:"Name,omitempty"`
	CodecID         string  `ebml:"CodecID"`
	CodecPrivate    []byte  `ebml:"CodecPrivate,omitempty"`
	DefaultDuration uint64  `ebml:"DefaultDuration,omitempty"`
	Video           []video `ebml:"Video,omitempty"`
	Audio           []audio `ebml:"Audio,omitempty"`
}

type tracks struct {
	TrackEntry []trackEntry `ebml:"TrackEntry"`
}

type tracksElement struct {
	Tracks tracks `ebml:"Tracks"`
}

type cluster struct {
	Timecode    uint64       `ebml:"Timecode"`
	SimpleBlock []ebml.Block `ebml:"SimpleBlock"`
}

type clusterElement struct {
	Cluster cluster `ebml:"Cluster"`
}

// segmentHeader is the segment id followed by an unknown size, the size
// is written when the muxer is closed.
var segmentHeader = []byte{
	0x18, 0x53, 0x80, 0x67,
	0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}
