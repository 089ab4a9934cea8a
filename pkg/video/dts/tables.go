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

package dts

// Sync words.
const (
	SyncWordCore uint32 = 0x7ffe8001
	SyncWordHD   uint32 = 0x64582025

	// Lossless extension asset, marks DTS-HD Master Audio.
	syncWordXLL uint32 = 0x41a29547
)

// MaxPacketSize largest core frame plus extension a packetizer will accept.
const MaxPacketSize = 15384

// Transmission bitrate sentinels.
const (
	BitrateOpen     = -1
	BitrateVariable = -2
	BitrateLossless = -3
)

type channelMode struct {
	channels    int
	arrangement string
}

// Indexed by AMODE. Codes 16-63 are user defined and rejected.
var channelModes = [16]channelMode{
	{1, "A (mono)"},
	{2, "A, B (dual mono)"},
	{2, "L, R (left, right)"},
	{2, "L+R, L-R (sum, difference)"},
	{2, "LT, RT (left and right total)"},
	{3, "C, L, R (center, left, right)"},
	{3, "L, R, S (left, right, surround)"},
	{4, "C, L, R, S (center, left, right, surround)"},
	{4, "L, R, SL, SR (left, right, surround-left, surround-right)"},
	{5, "C, L, R, SL, SR (center, left, right, surround-left, surround-right)"},
	{6, "CL, CR, L, R, SL, SR (center-left, center-right, left, right, surround-left, surround-right)"},
	{6, "C, L, R, LR, RR, OV (center, left, right, left-rear, right-rear, overhead)"},
	{6, "CF, CR, LF, RF, LR, RR (center-front, center-rear, left-front, right-front, left-rear, right-rear)"},
	{7, "CL, C, CR, L, R, SL, SR (center-left, center, center-right, left, right, surround-left, surround-right)"},
	{8, "CL, CR, L, R, SL1, SL2, SR1, SR2 (center-left, center-right, left, right, surround-left1, surround-left2, surround-right1, surround-right2)"},
	{8, "CL, C, CR, L, R, SL, S, SR (center-left, center, center-right, left, right, surround-left, surround, surround-right)"},
}

// Indexed by SFREQ, 0 is invalid.
var coreSampleRates = [16]int{
	0, 8000, 16000, 32000, 0, 0, 11025, 22050,
	44100, 0, 0, 12000, 24000, 48000, 0, 0,
}

// Indexed by RATE.
var transmissionBitrates = [32]int{
	32000, 56000, 64000, 96000, 112000, 128000, 192000, 224000,
	256000, 320000, 384000, 448000, 512000, 576000, 640000, 768000,
	960000, 1024000, 1152000, 1280000, 1344000, 1408000, 1411200, 1472000,
	1536000, 1920000, 2048000, 3072000, 3840000,
	BitrateOpen, BitrateVariable, BitrateLossless,
}

type pcmResolution struct {
	bits int
	es   bool
}

// Indexed by PCMR, 0 bits is invalid.
var sourcePCMResolutions = [8]pcmResolution{
	{16, false},
	{16, true},
	{20, false},
	{20, true},
	{0, false},
	{24, true},
	{24, false},
	{0, false},
}

func channelModeCode(channels int, arrangement string) (int, bool) {
	for i, m := range channelModes {
		if m.channels == channels && m.arrangement == arrangement {
			return i, true
		}
	}
	return 0, false
}

func sampleRateCode(rate int) (int, bool) {
	if rate <= 0 {
		return 0, false
	}
	for i, r := range coreSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}

func bitrateCode(rate int) (int, bool) {
	for i, r := range transmissionBitrates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}

func pcmResolutionCode(bits int, es bool) (int, bool) {
	if bits == 0 {
		return 0, false
	}
	for i, r := range sourcePCMResolutions {
		if r.bits == bits && r.es == es {
			return i, true
		}
	}
	return 0, false
}
