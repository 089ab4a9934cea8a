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
	"encoding/binary"
	"errors"
	"fmt"

	"remux/pkg/video/packetizer"
	"remux/pkg/video/rmff"
)

// audioQueue spreads frames that share one container timecode evenly
// over the time until the next timecode.
type audioQueue struct {
	segments     []segment
	lastTimecode int64
	refTimecode  int64
	numPackets   int
}

type segment struct {
	data  []byte
	flags uint8
}

// add queues a frame, delivering the pending group when the timecode changes.
func (q *audioQueue) add(sink packetizer.Sink, data []byte, timecode int64, flags uint8) error {
	if len(q.segments) != 0 && q.lastTimecode != timecode {
		duration := (timecode - q.lastTimecode) / int64(len(q.segments))
		if err := q.deliver(sink, duration); err != nil {
			return err
		}
	}
	q.segments = append(q.segments, segment{data: data, flags: flags})
	q.lastTimecode = timecode
	return nil
}

func (q *audioQueue) deliver(sink packetizer.Sink, duration int64) error {
	for i, s := range q.segments {
		bref := q.refTimecode
		if s.flags&rmff.FlagKeyframe != 0 {
			bref = packetizer.NoReference
		}
		err := sink.Process(packetizer.Packet{
			Data:     s.data,
			Timecode: q.lastTimecode,
			Duration: duration,
			BRef:     bref,
		})
		if err != nil {
			return err
		}
		q.segments[i].data = nil
		if s.flags&rmff.FlagKeyframe != 0 {
			q.refTimecode = q.lastTimecode
		}
	}
	q.numPackets += len(q.segments)
	q.segments = q.segments[:0]
	return nil
}

// finish delivers the last group with the average duration of the stream.
func (q *audioQueue) finish(sink packetizer.Sink) error {
	if len(q.segments) == 0 {
		return nil
	}
	var duration int64
	if q.numPackets != 0 {
		duration = q.lastTimecode / int64(q.numPackets)
	}
	return q.deliver(sink, duration)
}

// Errors.
var (
	ErrShortAACPacket        = errors.New("short AAC audio packet")
	ErrInconsistentAACPacket = errors.New("inconsistent AAC audio packet")
)

// splitAACPacket returns the sub packets of a RealAudio AAC packet.
//
//	unknown       uint8
//	numSubPackets uint8 // High nibble.
//	lengths       []uint16
//	data          []byte
func splitAACPacket(chunk []byte) ([][]byte, error) {
	length := len(chunk)
	if length < 2 {
		return nil, fmt.Errorf("%w: length %d < 2", ErrShortAACPacket, length)
	}

	numSubPackets := int(chunk[1] >> 4)
	headerSize := 2 + numSubPackets*2
	if headerSize > length {
		return nil, fmt.Errorf("%w: length %d < %d", ErrShortAACPacket, length, headerSize)
	}

	lengthCheck := headerSize
	for i := 0; i < numSubPackets; i++ {
		lengthCheck += int(binary.BigEndian.Uint16(chunk[2+i*2:]))
	}
	if lengthCheck != length {
		return nil, fmt.Errorf("%w: length %d != %d", ErrInconsistentAACPacket, length, lengthCheck)
	}

	out := make([][]byte, 0, numSubPackets)
	pos := headerSize
	for i := 0; i < numSubPackets; i++ {
		n := int(binary.BigEndian.Uint16(chunk[2+i*2:]))
		out = append(out, chunk[pos:pos+n])
		pos += n
	}
	return out, nil
}

func (r *Reader) deliverAACFrames(t *track, chunk []byte) error {
	packets, err := splitAACPacket(chunk)
	if err != nil {
		r.warnTrack(t.id, "%v", err)
		return nil
	}
	for _, p := range packets {
		err := t.sink.Process(packetizer.Packet{
			Data:     p,
			Timecode: packetizer.UnknownTimecode,
			BRef:     packetizer.NoReference,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
