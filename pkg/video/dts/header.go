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

// Package dts locates and decodes DTS core frame headers.
package dts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"remux/pkg/video/bits"

	"github.com/icza/bitio"
)

// Errors.
var (
	ErrNoSyncWord        = errors.New("no core sync word")
	ErrTruncated         = errors.New("truncated header")
	ErrInvalidBlockCount = errors.New("invalid number of pcm sample blocks")
	ErrInvalidFrameSize  = errors.New("invalid frame byte size")
	ErrInvalidChannels   = errors.New("invalid channel arrangement code")
	ErrInvalidSampleRate = errors.New("invalid sampling frequency code")
	ErrInvalidLFE        = errors.New("invalid lfe type")
	ErrInvalidResolution = errors.New("invalid source pcm resolution code")
	ErrInvalidExtension  = errors.New("invalid extension substream header")
	ErrInvalidDialNorm   = errors.New("dialog normalization gain not representable")
	ErrHeaderNotFound    = errors.New("no valid header found")
)

// Frame size bounds of a core frame.
const (
	MinFrameByteSize = 96
	MaxFrameByteSize = 16384

	minSampleBlocks = 6
)

// FrameType core frame type.
type FrameType int

// Frame types.
const (
	// FrameTypeTermination ends the stream with single sample precision.
	FrameTypeTermination FrameType = 0
	FrameTypeNormal      FrameType = 1
)

// ExtensionAudioDescriptor type of the extended coding data.
type ExtensionAudioDescriptor int

// Extension audio descriptors.
const (
	ExtensionXCh     ExtensionAudioDescriptor = 0
	ExtensionX96k    ExtensionAudioDescriptor = 2
	ExtensionXChX96k ExtensionAudioDescriptor = 3
)

// LFEType low frequency effects channel flag.
type LFEType int

// LFE types. The number is the interpolation factor.
const (
	LFENone LFEType = iota
	LFE128
	LFE64
	lfeInvalid
)

// MultirateInterpolator FIR coefficient set for sub-band reconstruction.
type MultirateInterpolator int

// Interpolators.
const (
	InterpolatorNonPerfect MultirateInterpolator = iota
	InterpolatorPerfect
)

// HDType kind of extension substream.
type HDType int

// HD types.
const (
	HDNone HDType = iota
	HDHighResolution
	HDMasterAudio
)

func (t HDType) String() string {
	switch t {
	case HDHighResolution:
		return "high resolution"
	case HDMasterAudio:
		return "master audio"
	}
	return "none"
}

// ExtensionHeader extension substream header following a core frame.
type ExtensionHeader struct {
	Type           HDType
	SubstreamIndex int

	// Wide selects 12/20 bit header and part size fields instead of 8/16.
	Wide       bool
	HeaderSize int
	PartSize   int
}

// Header decoded DTS core frame header.
type Header struct {
	FrameType FrameType

	// Number of samples a termination frame is shorter than normal.
	DeficitSampleCount int
	CRCPresent         bool

	// Each block holds 32 core samples.
	NumPCMSampleBlocks int

	// Size of the core frame including the header.
	FrameByteSize int

	AudioChannels      int
	ChannelArrangement string

	CoreSamplingFrequency int

	// Bits per second or one of the Bitrate sentinels.
	TransmissionBitrate int

	EmbeddedDownMix          bool
	EmbeddedDynamicRange     bool
	EmbeddedTimeStamp        bool
	AuxiliaryData            bool
	HDCDMaster               bool
	ExtensionAudioDescriptor ExtensionAudioDescriptor
	ExtendedCoding           bool
	AudioSyncWordInSubSub    bool
	LFEType                  LFEType

	// False marks a frame usable as a jump point.
	PredictorHistory bool

	MultirateInterpolator   MultirateInterpolator
	EncoderSoftwareRevision int
	CopyHistory             int

	SourcePCMResolution int
	SourceSurroundInES  bool

	FrontSumDifference    bool
	SurroundSumDifference bool

	// Gain in dB, non-zero only for encoder revisions 6 and 7.
	DialogNormalizationGain int

	Extension *ExtensionHeader
}

// CoreSamples returns the frame length in core samples.
func (h Header) CoreSamples() int {
	n := h.NumPCMSampleBlocks * 32
	if h.FrameType == FrameTypeTermination {
		n -= h.DeficitSampleCount
	}
	return n
}

// Duration returns the playback duration of the frame.
func (h Header) Duration() time.Duration {
	if h.CoreSamplingFrequency <= 0 {
		return 0
	}
	return time.Duration(int64(h.CoreSamples()) * int64(time.Second) / int64(h.CoreSamplingFrequency))
}

// TotalFrameSize returns the core frame size plus the extension part.
func (h Header) TotalFrameSize() int {
	if h.Extension == nil {
		return h.FrameByteSize
	}
	return h.FrameByteSize + h.Extension.PartSize
}

// TotalChannels returns the channel count including LFE.
func (h Header) TotalChannels() int {
	if h.LFEType == LFE128 || h.LFEType == LFE64 {
		return h.AudioChannels + 1
	}
	return h.AudioChannels
}

// Equal reports whether two headers describe the same stream parameters.
// Per frame fields (frame type, deficit, block count, byte size, predictor
// history and extension part size) are not compared.
func (h Header) Equal(o Header) bool {
	if (h.Extension == nil) != (o.Extension == nil) {
		return false
	}
	if h.Extension != nil && (h.Extension.Type != o.Extension.Type ||
		h.Extension.SubstreamIndex != o.Extension.SubstreamIndex) {
		return false
	}
	return h.CRCPresent == o.CRCPresent &&
		h.AudioChannels == o.AudioChannels &&
		h.ChannelArrangement == o.ChannelArrangement &&
		h.CoreSamplingFrequency == o.CoreSamplingFrequency &&
		h.TransmissionBitrate == o.TransmissionBitrate &&
		h.EmbeddedDownMix == o.EmbeddedDownMix &&
		h.EmbeddedDynamicRange == o.EmbeddedDynamicRange &&
		h.EmbeddedTimeStamp == o.EmbeddedTimeStamp &&
		h.AuxiliaryData == o.AuxiliaryData &&
		h.HDCDMaster == o.HDCDMaster &&
		h.ExtensionAudioDescriptor == o.ExtensionAudioDescriptor &&
		h.ExtendedCoding == o.ExtendedCoding &&
		h.AudioSyncWordInSubSub == o.AudioSyncWordInSubSub &&
		h.LFEType == o.LFEType &&
		h.MultirateInterpolator == o.MultirateInterpolator &&
		h.EncoderSoftwareRevision == o.EncoderSoftwareRevision &&
		h.CopyHistory == o.CopyHistory &&
		h.SourcePCMResolution == o.SourcePCMResolution &&
		h.SourceSurroundInES == o.SourceSurroundInES &&
		h.FrontSumDifference == o.FrontSumDifference &&
		h.SurroundSumDifference == o.SurroundSumDifference &&
		h.DialogNormalizationGain == o.DialogNormalizationGain
}

func (h Header) String() string {
	s := fmt.Sprintf("%d Hz, %d channels (%s), %d bytes, %d samples",
		h.CoreSamplingFrequency, h.TotalChannels(), h.ChannelArrangement,
		h.FrameByteSize, h.CoreSamples())
	if h.Extension != nil {
		s += ", HD " + h.Extension.Type.String()
	}
	return s
}

// ParseHeader decodes the core header at the start of buf.
// If probeExtension is set and an extension substream sync word directly
// follows the core frame, its header is decoded into Extension.
func ParseHeader(buf []byte, probeExtension bool) (*Header, error) {
	h, err := parseCore(buf)
	if err != nil {
		return nil, err
	}

	if probeExtension {
		h.Extension = parseExtension(buf, h.FrameByteSize)
	}
	return h, nil
}

func parseCore(buf []byte) (*Header, error) { //nolint:funlen
	if len(buf) < 4 || binary.BigEndian.Uint32(buf) != SyncWordCore {
		return nil, ErrNoSyncWord
	}

	r := &fieldReader{c: bits.NewCursor(buf)}
	r.skip(32)

	h := &Header{}
	if r.flag() {
		h.FrameType = FrameTypeNormal
	} else {
		h.FrameType = FrameTypeTermination
	}
	h.DeficitSampleCount = int((r.read(5) + 1) % 32)
	h.CRCPresent = r.flag()
	h.NumPCMSampleBlocks = int(r.read(7)) + 1
	h.FrameByteSize = int(r.read(14)) + 1
	amode := r.read(6)
	sfreq := r.read(4)
	rate := r.read(5)
	h.EmbeddedDownMix = r.flag()
	h.EmbeddedDynamicRange = r.flag()
	h.EmbeddedTimeStamp = r.flag()
	h.AuxiliaryData = r.flag()
	h.HDCDMaster = r.flag()
	h.ExtensionAudioDescriptor = ExtensionAudioDescriptor(r.read(3))
	h.ExtendedCoding = r.flag()
	h.AudioSyncWordInSubSub = r.flag()
	h.LFEType = LFEType(r.read(2))
	h.PredictorHistory = r.flag()
	if h.CRCPresent {
		r.skip(16)
	}
	h.MultirateInterpolator = MultirateInterpolator(r.read(1))
	h.EncoderSoftwareRevision = int(r.read(4))
	h.CopyHistory = int(r.read(2))
	pcmr := r.read(3)
	h.FrontSumDifference = r.flag()
	h.SurroundSumDifference = r.flag()
	dialNorm := int(r.read(4))

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, r.err)
	}

	if h.NumPCMSampleBlocks < minSampleBlocks {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockCount, h.NumPCMSampleBlocks)
	}
	if h.FrameByteSize < MinFrameByteSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameSize, h.FrameByteSize)
	}

	if int(amode) >= len(channelModes) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannels, amode)
	}
	h.AudioChannels = channelModes[amode].channels
	h.ChannelArrangement = channelModes[amode].arrangement

	h.CoreSamplingFrequency = coreSampleRates[sfreq]
	if h.CoreSamplingFrequency == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleRate, sfreq)
	}

	h.TransmissionBitrate = transmissionBitrates[rate]

	if h.LFEType == lfeInvalid {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLFE, h.LFEType)
	}

	res := sourcePCMResolutions[pcmr]
	if res.bits == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidResolution, pcmr)
	}
	h.SourcePCMResolution = res.bits
	h.SourceSurroundInES = res.es

	switch h.EncoderSoftwareRevision {
	case 6:
		h.DialogNormalizationGain = -(16 + dialNorm)
	case 7:
		h.DialogNormalizationGain = -dialNorm
	}

	return h, nil
}

// parseExtension returns nil if no complete extension header follows the core.
func parseExtension(buf []byte, offset int) *ExtensionHeader {
	if len(buf) < offset+4 || binary.BigEndian.Uint32(buf[offset:]) != SyncWordHD {
		return nil
	}

	r := &fieldReader{c: bits.NewCursor(buf[offset:])}
	r.skip(32)
	r.skip(8) // User defined.

	ext := &ExtensionHeader{Type: HDHighResolution}
	ext.SubstreamIndex = int(r.read(2))
	ext.Wide = r.flag()
	if ext.Wide {
		ext.HeaderSize = int(r.read(12)) + 1
		ext.PartSize = int(r.read(20)) + 1
	} else {
		ext.HeaderSize = int(r.read(8)) + 1
		ext.PartSize = int(r.read(16)) + 1
	}
	if r.err != nil || ext.PartSize < ext.HeaderSize {
		return nil
	}

	end := offset + ext.PartSize
	if end > len(buf) {
		end = len(buf)
	}
	body := buf[offset:end]
	if ext.HeaderSize < len(body) && bytes.Contains(body[ext.HeaderSize:], syncWordBytes(syncWordXLL)) {
		ext.Type = HDMasterAudio
	}
	return ext
}

func syncWordBytes(w uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, w)
	return b
}

// fieldReader keeps the first cursor error so a header can be decoded
// without checking every field.
type fieldReader struct {
	c   *bits.Cursor
	err error
}

func (r *fieldReader) read(n int) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.c.ReadBits(n)
	r.err = err
	return v
}

func (r *fieldReader) flag() bool {
	return r.read(1) == 1
}

func (r *fieldReader) skip(n int) {
	if r.err != nil {
		return
	}
	r.err = r.c.SkipBits(n)
}

// Marshal encodes the header into a complete frame: the core header padded
// with zeros to FrameByteSize, followed by the extension part if present.
func (h Header) Marshal() ([]byte, error) { //nolint:funlen
	amode, ok := channelModeCode(h.AudioChannels, h.ChannelArrangement)
	if !ok {
		return nil, fmt.Errorf("%w: %d %q", ErrInvalidChannels, h.AudioChannels, h.ChannelArrangement)
	}
	sfreq, ok := sampleRateCode(h.CoreSamplingFrequency)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleRate, h.CoreSamplingFrequency)
	}
	rate, ok := bitrateCode(h.TransmissionBitrate)
	if !ok {
		return nil, fmt.Errorf("invalid bitrate: %d", h.TransmissionBitrate)
	}
	pcmr, ok := pcmResolutionCode(h.SourcePCMResolution, h.SourceSurroundInES)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidResolution, h.SourcePCMResolution)
	}
	if h.LFEType < LFENone || h.LFEType >= lfeInvalid {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLFE, h.LFEType)
	}
	if h.NumPCMSampleBlocks < minSampleBlocks || h.NumPCMSampleBlocks > 128 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockCount, h.NumPCMSampleBlocks)
	}
	if h.FrameByteSize < MinFrameByteSize || h.FrameByteSize > MaxFrameByteSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameSize, h.FrameByteSize)
	}
	dialNorm, err := h.dialNormCode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(uint64(SyncWordCore), 32)
	w.TryWriteBool(h.FrameType == FrameTypeNormal)
	w.TryWriteBits(uint64((h.DeficitSampleCount+31)%32), 5)
	w.TryWriteBool(h.CRCPresent)
	w.TryWriteBits(uint64(h.NumPCMSampleBlocks-1), 7)
	w.TryWriteBits(uint64(h.FrameByteSize-1), 14)
	w.TryWriteBits(uint64(amode), 6)
	w.TryWriteBits(uint64(sfreq), 4)
	w.TryWriteBits(uint64(rate), 5)
	w.TryWriteBool(h.EmbeddedDownMix)
	w.TryWriteBool(h.EmbeddedDynamicRange)
	w.TryWriteBool(h.EmbeddedTimeStamp)
	w.TryWriteBool(h.AuxiliaryData)
	w.TryWriteBool(h.HDCDMaster)
	w.TryWriteBits(uint64(h.ExtensionAudioDescriptor)&0x07, 3)
	w.TryWriteBool(h.ExtendedCoding)
	w.TryWriteBool(h.AudioSyncWordInSubSub)
	w.TryWriteBits(uint64(h.LFEType), 2)
	w.TryWriteBool(h.PredictorHistory)
	if h.CRCPresent {
		w.TryWriteBits(0, 16)
	}
	w.TryWriteBits(uint64(h.MultirateInterpolator)&0x01, 1)
	w.TryWriteBits(uint64(h.EncoderSoftwareRevision)&0x0f, 4)
	w.TryWriteBits(uint64(h.CopyHistory)&0x03, 2)
	w.TryWriteBits(uint64(pcmr), 3)
	w.TryWriteBool(h.FrontSumDifference)
	w.TryWriteBool(h.SurroundSumDifference)
	w.TryWriteBits(uint64(dialNorm), 4)
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, h.FrameByteSize)
	copy(out, buf.Bytes())

	if h.Extension != nil {
		ext, err := h.Extension.marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, ext...)
	}
	return out, nil
}

func (h Header) dialNormCode() (int, error) {
	var code int
	switch h.EncoderSoftwareRevision {
	case 6:
		code = -h.DialogNormalizationGain - 16
	case 7:
		code = -h.DialogNormalizationGain
	default:
		if h.DialogNormalizationGain != 0 {
			return 0, fmt.Errorf("%w: revision %d gain %d",
				ErrInvalidDialNorm, h.EncoderSoftwareRevision, h.DialogNormalizationGain)
		}
	}
	if code < 0 || code > 15 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDialNorm, h.DialogNormalizationGain)
	}
	return code, nil
}

func (e ExtensionHeader) marshal() ([]byte, error) {
	headerBits, sizeBits, partBits := 8, 8, 16
	if e.Wide {
		sizeBits, partBits = 12, 20
	}
	minHeader := (32 + headerBits + 2 + 1 + sizeBits + partBits + 7) / 8
	switch {
	case e.HeaderSize < minHeader || e.HeaderSize > 1<<sizeBits:
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidExtension, e.HeaderSize)
	case e.PartSize < e.HeaderSize || e.PartSize > 1<<partBits:
		return nil, fmt.Errorf("%w: part size %d", ErrInvalidExtension, e.PartSize)
	case e.Type == HDMasterAudio && e.PartSize-e.HeaderSize < 4:
		return nil, fmt.Errorf("%w: no room for lossless asset", ErrInvalidExtension)
	}

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(uint64(SyncWordHD), 32)
	w.TryWriteBits(0, uint8(headerBits))
	w.TryWriteBits(uint64(e.SubstreamIndex)&0x03, 2)
	w.TryWriteBool(e.Wide)
	w.TryWriteBits(uint64(e.HeaderSize-1), uint8(sizeBits))
	w.TryWriteBits(uint64(e.PartSize-1), uint8(partBits))
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, e.PartSize)
	copy(out, buf.Bytes())
	if e.Type == HDMasterAudio {
		binary.BigEndian.PutUint32(out[e.HeaderSize:], syncWordXLL)
	}
	return out, nil
}
