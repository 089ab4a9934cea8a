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
)

// Mime types of the supported streams.
const (
	MimeAudio = "audio/x-pn-realaudio"
	MimeVideo = "video/x-pn-realvideo"
)

const (
	videoPropsSize   = 34
	audioV4PropsSize = 56
	audioV5PropsSize = 70
)

// Errors.
var (
	ErrShortProps              = errors.New("type specific data too short")
	ErrUnsupportedAudioVersion = errors.New("unsupported audio header version")
	ErrFourCCLength            = errors.New("unexpected fourcc description length")
)

// VideoProps type specific data of a video stream.
//
//	size    uint32
//	fourcc1 [4]byte // "VIDO"
//	fourcc2 [4]byte // Codec.
//	width   uint16
//	height  uint16
//	bpp     uint16
//	unknown uint32
//	fps     uint32 // 16.16 fixed point.
//	type1   uint32
//	type2   uint32
type VideoProps struct {
	FourCC string
	Width  int
	Height int
	BPP    int
	FPS    float64
	Type1  uint32
	Type2  uint32
}

// ParseVideoProps decodes video type specific data.
func ParseVideoProps(buf []byte) (*VideoProps, error) {
	if len(buf) < videoPropsSize {
		return nil, fmt.Errorf("%w: %d", ErrShortProps, len(buf))
	}
	fps := binary.BigEndian.Uint32(buf[22:26])
	return &VideoProps{
		FourCC: string(buf[8:12]),
		Width:  int(binary.BigEndian.Uint16(buf[12:14])),
		Height: int(binary.BigEndian.Uint16(buf[14:16])),
		BPP:    int(binary.BigEndian.Uint16(buf[16:18])),
		FPS:    float64(fps>>16) + float64(fps&0xffff)/65536,
		Type1:  binary.BigEndian.Uint32(buf[26:30]),
		Type2:  binary.BigEndian.Uint32(buf[30:34]),
	}, nil
}

// Marshal encodes the properties followed by codec data.
func (p VideoProps) Marshal(codecData []byte) []byte {
	out := make([]byte, videoPropsSize+len(codecData))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(out)))
	copy(out[4:8], "VIDO")
	copy(out[8:12], p.FourCC)
	binary.BigEndian.PutUint16(out[12:14], uint16(p.Width))
	binary.BigEndian.PutUint16(out[14:16], uint16(p.Height))
	binary.BigEndian.PutUint16(out[16:18], uint16(p.BPP))
	binary.BigEndian.PutUint32(out[22:26], uint32(p.FPS*65536))
	binary.BigEndian.PutUint32(out[26:30], p.Type1)
	binary.BigEndian.PutUint32(out[30:34], p.Type2)
	copy(out[videoPropsSize:], codecData)
	return out
}

// AudioProps type specific data of an audio stream.
//
// Version 3 carries no parameters. Version 4 stores the rate, sample size
// and channels at 48, 52 and 54 followed after byte 56 by a length prefixed
// description and a length prefixed fourcc. Version 5 stores them at 54, 58
// and 60 with the fourcc at 66, codec data starts 4 bytes after byte 70.
type AudioProps struct {
	Version    int
	FourCC     string
	SampleRate int
	SampleSize int
	Channels   int
	Flavor     int
	FrameSize  int

	// Codec specific data after the fixed header.
	ExtraData []byte
}

// ParseAudioProps decodes audio type specific data.
func ParseAudioProps(buf []byte) (*AudioProps, error) {
	if len(buf) < 6 {
		return nil, fmt.Errorf("%w: %d", ErrShortProps, len(buf))
	}
	p := &AudioProps{Version: int(binary.BigEndian.Uint16(buf[4:6]))}

	switch p.Version {
	case 3:
		p.SampleRate = 8000
		p.Channels = 1
		p.SampleSize = 16
		p.FourCC = "14_4"

	case 4:
		if len(buf) < audioV4PropsSize+1 {
			return nil, fmt.Errorf("%w: %d", ErrShortProps, len(buf))
		}
		p.parseCommon(buf)
		p.SampleRate = int(binary.BigEndian.Uint16(buf[48:50]))
		p.SampleSize = int(binary.BigEndian.Uint16(buf[52:54]))
		p.Channels = int(binary.BigEndian.Uint16(buf[54:56]))

		pos := audioV4PropsSize
		pos += 1 + int(buf[pos])
		if pos >= len(buf) {
			return nil, fmt.Errorf("%w: description", ErrShortProps)
		}
		n := int(buf[pos])
		pos++
		if n != 4 {
			return nil, fmt.Errorf("%w: %d", ErrFourCCLength, n)
		}
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("%w: fourcc", ErrShortProps)
		}
		p.FourCC = string(buf[pos : pos+4])
		pos += 4
		if pos < len(buf) {
			p.ExtraData = append([]byte(nil), buf[pos:]...)
		}

	case 5:
		if len(buf) < audioV5PropsSize {
			return nil, fmt.Errorf("%w: %d", ErrShortProps, len(buf))
		}
		p.parseCommon(buf)
		p.SampleRate = int(binary.BigEndian.Uint16(buf[54:56]))
		p.SampleSize = int(binary.BigEndian.Uint16(buf[58:60]))
		p.Channels = int(binary.BigEndian.Uint16(buf[60:62]))
		p.FourCC = string(buf[66:70])
		if audioV5PropsSize+4 < len(buf) {
			p.ExtraData = append([]byte(nil), buf[audioV5PropsSize+4:]...)
		}

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAudioVersion, p.Version)
	}
	return p, nil
}

func (p *AudioProps) parseCommon(buf []byte) {
	p.Flavor = int(binary.BigEndian.Uint16(buf[22:24]))
	p.FrameSize = int(binary.BigEndian.Uint16(buf[42:44]))
}

// Marshal encodes the properties for p.Version.
func (p AudioProps) Marshal() []byte {
	var out []byte
	switch p.Version {
	case 3:
		out = make([]byte, 6)

	case 4:
		out = make([]byte, audioV4PropsSize, audioV4PropsSize+2+4+len(p.ExtraData))
		p.putCommon(out)
		binary.BigEndian.PutUint16(out[48:50], uint16(p.SampleRate))
		binary.BigEndian.PutUint16(out[52:54], uint16(p.SampleSize))
		binary.BigEndian.PutUint16(out[54:56], uint16(p.Channels))
		out = append(out, 0, 4)
		out = append(out, p.FourCC...)
		out = append(out, p.ExtraData...)

	default:
		out = make([]byte, audioV5PropsSize+4, audioV5PropsSize+4+len(p.ExtraData))
		p.putCommon(out)
		binary.BigEndian.PutUint16(out[54:56], uint16(p.SampleRate))
		binary.BigEndian.PutUint16(out[58:60], uint16(p.SampleSize))
		binary.BigEndian.PutUint16(out[60:62], uint16(p.Channels))
		copy(out[62:66], "genr")
		copy(out[66:70], p.FourCC)
		out = append(out, p.ExtraData...)
	}

	copy(out[0:4], ".ra\xfd")
	binary.BigEndian.PutUint16(out[4:6], uint16(p.Version))
	return out
}

func (p AudioProps) putCommon(out []byte) {
	copy(out[8:12], fmt.Sprintf(".ra%d", p.Version))
	binary.BigEndian.PutUint16(out[16:18], uint16(p.Version))
	binary.BigEndian.PutUint16(out[22:24], uint16(p.Flavor))
	binary.BigEndian.PutUint16(out[42:44], uint16(p.FrameSize))
}
