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
	"strings"

	"remux/pkg/log"
	"remux/pkg/video/packetizer"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// CreatePacketizers adds a sink for every demuxed track.
func (r *Reader) CreatePacketizers(m packetizer.Muxer) error {
	if len(r.tracks) == 0 {
		return packetizer.ErrNoTracks
	}
	for _, t := range r.tracks {
		if t.sink != nil {
			continue
		}

		params := packetizer.TrackParams{
			ID:           t.id,
			Type:         t.trackType(),
			CodecPrivate: t.private,
		}
		module := "RealAudio"
		switch t.kind {
		case kindVideo:
			module = "video"
			r.videoParams(t, &params)
		case kindDNET:
			module = "AC3"
			dnetParams(t, &params)
		case kindAAC:
			module = "AAC"
			if err := r.aacParams(t, &params); err != nil {
				r.warnTrack(t.id, "this AAC track does not contain valid headers, skipping track: %v", err)
				continue
			}
		case kindRealAudio:
			params.CodecID = "A_REAL/" + strings.ToUpper(t.fourcc)
			params.Audio = packetizer.AudioParams{
				SampleRate: float64(t.sampleRate),
				Channels:   t.channels,
				BitDepth:   t.bitsPerSample,
			}
		}

		sink, err := m.AddTrack(params)
		if err != nil {
			return fmt.Errorf("track %d: add track: %w", t.id, err)
		}
		t.sink = sink
		r.logf(log.LevelInfo, "track %d: using the %s output module (FourCC: %s)", t.id, module, t.fourcc)
	}
	return nil
}

func (r *Reader) videoParams(t *track, params *packetizer.TrackParams) {
	displayWidth, displayHeight := r.displayDimensions(t.width, t.height, t.width, t.height)
	params.CodecID = "V_REAL/" + t.fourcc
	params.Video = packetizer.VideoParams{
		PixelWidth:    t.width,
		PixelHeight:   t.height,
		DisplayWidth:  displayWidth,
		DisplayHeight: displayHeight,
		FrameRate:     t.fps,
	}
	// Only RealVideo 4 headers can be probed for the frame size.
	t.rvDimensions = t.fourcc != "RV40"
}

func dnetParams(t *track, params *packetizer.TrackParams) {
	params.CodecID = "A_AC3"
	if t.bsid == 9 || t.bsid == 10 {
		params.CodecID = fmt.Sprintf("A_AC3/BSID%d", t.bsid)
	}
	params.CodecPrivate = nil
	params.Audio = packetizer.AudioParams{
		SampleRate:  float64(t.sampleRate),
		Channels:    t.channels,
		ByteSwapped: true,
	}
}

func (r *Reader) aacParams(t *track, params *packetizer.TrackParams) error {
	aac, err := selectAACProfile(t.id, t.fourcc, t.sampleRate, t.channels, t.extraData, r.config.AACIsSBR)
	if err != nil {
		return err
	}
	t.sampleRate = aac.sampleRate
	t.channels = aac.channels

	config := aac.config()
	private, err := config.Marshal()
	if err != nil {
		return fmt.Errorf("marshal audio specific config: %w", err)
	}

	params.CodecID = "A_AAC"
	params.CodecPrivate = private
	params.Audio = packetizer.AudioParams{
		SampleRate:       float64(aac.sampleRate),
		Channels:         aac.channels,
		SamplesPerPacket: aacSamplesPerPacket,
	}
	if aac.profile == aacProfileSBR {
		params.Audio.OutputSampleRate = float64(aac.outputSampleRate)
	} else if !aac.extraDataParsed {
		r.logf(log.LevelWarning,
			"track %d: RealMedia files may contain HE-AAC / AAC+ / SBR AAC audio. "+
				"This can not always be detected automatically. Specify '--aac-is-sbr %d' "+
				"if the track actually contains SBR AAC, it will be muxed the wrong way otherwise",
			t.id, t.id)
	}
	return nil
}

const aacSamplesPerPacket = 1024

// AAC profiles, the MPEG-4 audio object type minus one.
const (
	aacProfileUnknown = -1
	aacProfileMain    = 0
	aacProfileLC      = 1
	aacProfileSSR     = 2
	aacProfileLTP     = 3
	aacProfileSBR     = 4
)

// ErrAACExtraData audio specific config in the extra data is invalid.
var ErrAACExtraData = errors.New("invalid AAC extra data")

type aacSetup struct {
	profile          int
	detectedProfile  int
	sampleRate       int
	outputSampleRate int
	channels         int
	extraDataParsed  bool
}

// selectAACProfile combines the audio specific config from the extra data,
// the codec tag and the user SBR overrides.
//
// Extra data layout.
//
//	length uint32 // Big endian.
//	unknown uint8
//	config []byte // AudioSpecificConfig, length-1 bytes.
func selectAACProfile(
	id int,
	fourcc string,
	sampleRate int,
	channels int,
	extra []byte,
	sbrOverride map[int]bool,
) (aacSetup, error) {
	s := aacSetup{profile: aacProfileUnknown}
	sbr := false

	if len(extra) > 4 {
		length := int(binary.BigEndian.Uint32(extra[0:4]))
		if 4+length <= len(extra) {
			s.extraDataParsed = true
			if length < 1 {
				return s, fmt.Errorf("%w: length %d", ErrAACExtraData, length)
			}

			// Missing trailing GASpecificConfig flags read as zero.
			asc := make([]byte, length-1, length+1)
			copy(asc, extra[5:4+length])
			asc = append(asc, 0, 0)

			var config mpeg4audio.AudioSpecificConfig
			if err := config.Unmarshal(asc); err != nil {
				return s, fmt.Errorf("%w: %v", ErrAACExtraData, err)
			}
			s.profile = int(config.Type) - 1
			s.channels = config.ChannelCount
			s.sampleRate = config.SampleRate
			if config.ExtensionType == mpeg4audio.ObjectTypeSBR {
				sbr = true
				s.outputSampleRate = config.ExtensionSampleRate
				s.profile = aacProfileSBR
			}
		}
	}

	if s.profile == aacProfileUnknown {
		s.channels = channels
		s.sampleRate = sampleRate
		if strings.EqualFold(fourcc, "racp") || sampleRate < 44100 {
			s.outputSampleRate = 2 * sampleRate
			sbr = true
		}
	}

	s.detectedProfile = s.profile
	if sbr {
		s.profile = aacProfileSBR
	}

	forced, hasTrack := sbrOverride[id]
	forcedAll, hasAll := sbrOverride[-1]
	if (hasTrack && forced) || (hasAll && forcedAll) {
		s.profile = aacProfileSBR
	}
	if s.detectedProfile != aacProfileUnknown && ((hasTrack && !forced) || (hasAll && !forcedAll)) {
		s.profile = s.detectedProfile
	}

	if s.profile == aacProfileUnknown {
		s.profile = aacProfileLC
	}
	if s.profile == aacProfileSBR && s.outputSampleRate == 0 {
		s.outputSampleRate = 2 * s.sampleRate
	}
	return s, nil
}

func (s aacSetup) config() mpeg4audio.AudioSpecificConfig {
	config := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(s.profile + 1),
		SampleRate:   s.sampleRate,
		ChannelCount: s.channels,
	}
	if s.profile == aacProfileSBR {
		config.Type = mpeg4audio.ObjectTypeAACLC
		if s.detectedProfile >= aacProfileMain && s.detectedProfile <= aacProfileLTP {
			config.Type = mpeg4audio.ObjectType(s.detectedProfile + 1)
		}
		config.ExtensionType = mpeg4audio.ObjectTypeSBR
		config.ExtensionSampleRate = s.outputSampleRate
	}
	return config
}
