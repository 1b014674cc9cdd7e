package device

import (
	"fmt"

	"github.com/smazurov/cxcap/internal/mailbox"
)

// Bitrate bounds in bits per second.
const (
	MaxBitrate     uint32 = 27000000
	ClampedBitrate uint32 = 15000000
)

// Codec holds the encoder parameters sent on the first capture.
type Codec struct {
	// StreamType selects the multiplex: 0 program stream up to 14.
	StreamType uint32 `json:"stream_type" toml:"stream_type"`
	// Framerate is 0 for 30 fps and 1 for 25 fps.
	Framerate   uint32 `json:"framerate" toml:"framerate"`
	Width       uint32 `json:"width" toml:"width"`
	Height      uint32 `json:"height" toml:"height"`
	Aspect      uint32 `json:"aspect" toml:"aspect"`
	BitrateMode uint32 `json:"bitrate_mode" toml:"bitrate_mode"`
	Bitrate     uint32 `json:"bitrate" toml:"bitrate"`
	PeakBitrate uint32 `json:"peak_bitrate" toml:"peak_bitrate"`
	GOPSize     uint32 `json:"gop_size" toml:"gop_size"`
	BFrames     uint32 `json:"b_frames" toml:"b_frames"`
	Pulldown    uint32 `json:"pulldown" toml:"pulldown"`
	GOPClosure  uint32 `json:"gop_closure" toml:"gop_closure"`
	// Audio is the AUDIO_PROPERTIES bitmask.
	Audio       uint32 `json:"audio" toml:"audio"`
	DNRMode     uint32 `json:"dnr_mode" toml:"dnr_mode"`
	DNRType     uint32 `json:"dnr_type" toml:"dnr_type"`
	DNRSpatial  uint32 `json:"dnr_spatial" toml:"dnr_spatial"`
	DNRTemporal uint32 `json:"dnr_temporal" toml:"dnr_temporal"`
}

// DefaultCodec is a 720x480 program stream at 6 Mbit/s.
func DefaultCodec() Codec {
	return Codec{
		Width:       720,
		Height:      480,
		Aspect:      2,
		Bitrate:     6000000,
		PeakBitrate: 8000000,
		GOPSize:     15,
		BFrames:     2,
		GOPClosure:  1,
		Audio:       0x00e9,
		DNRTemporal: 8,
	}
}

// audioMask covers the defined AUDIO_PROPERTIES bits.
const audioMask uint32 = 0x0000ffff

type bound struct {
	name     string
	value    uint32
	min, max uint32
}

// Validate checks every field and returns the codec as it will be sent:
// bitrates above ClampedBitrate are lowered and temporal filtering is
// switched off for scaled capture.
func (c Codec) Validate() (Codec, error) {
	bFramesMax := uint32(0)
	if c.GOPSize > 0 {
		bFramesMax = c.GOPSize - 1
	}
	checks := []bound{
		{"stream_type", c.StreamType, 0, 14},
		{"framerate", c.Framerate, 0, 1},
		{"width", c.Width, 2, 720},
		{"height", c.Height, 2, 576},
		{"aspect", c.Aspect, 1, 4},
		{"bitrate_mode", c.BitrateMode, 0, 1},
		{"bitrate", c.Bitrate, 0, MaxBitrate},
		{"peak_bitrate", c.PeakBitrate, 0, MaxBitrate},
		{"gop_size", c.GOPSize, 1, 34},
		{"b_frames", c.BFrames, 0, bFramesMax},
		{"pulldown", c.Pulldown, 0, 1},
		{"gop_closure", c.GOPClosure, 0, 1},
		{"audio", c.Audio, 0, audioMask},
		{"dnr_mode", c.DNRMode, 0, 15},
		{"dnr_type", c.DNRType, 0, 15},
		{"dnr_spatial", c.DNRSpatial, 0, 15},
		{"dnr_temporal", c.DNRTemporal, 0, 31},
	}
	for _, b := range checks {
		if b.value < b.min || b.value > b.max {
			return c, NewError(CodeRange, fmt.Sprintf("%s %d outside %d..%d", b.name, b.value, b.min, b.max), nil)
		}
	}

	c.Bitrate = min(c.Bitrate, ClampedBitrate)
	c.PeakBitrate = min(c.PeakBitrate, ClampedBitrate)
	if c.Scaled() {
		c.DNRTemporal = 0
	}
	return c, nil
}

// Scaled reports whether the frame is smaller than full D1.
func (c Codec) Scaled() bool {
	fullHeight := uint32(480)
	if c.Framerate == 1 {
		fullHeight = 576
	}
	return c.Width != 720 || c.Height != fullHeight
}

type command struct {
	cmd  mailbox.Command
	args []uint32
}

// commands is the codec setup in the order the firmware expects it.
func (c Codec) commands() []command {
	return []command{
		{mailbox.CmdAssignStreamType, []uint32{c.StreamType}},
		{mailbox.CmdAssignOutputPort, []uint32{0}},
		{mailbox.CmdAssignFramerate, []uint32{c.Framerate}},
		{mailbox.CmdAssignFrameSize, []uint32{c.Height, c.Width}},
		{mailbox.CmdAssignAspectRatio, []uint32{c.Aspect}},
		{mailbox.CmdAssignBitrates, []uint32{c.BitrateMode, c.Bitrate, c.PeakBitrate / 400}},
		{mailbox.CmdAssignGOPProperties, []uint32{c.GOPSize, c.BFrames + 1}},
		{mailbox.CmdAssign32Pulldown, []uint32{c.Pulldown}},
		{mailbox.CmdAssignGOPClosure, []uint32{c.GOPClosure}},
		{mailbox.CmdAssignAudioProperties, []uint32{c.Audio}},
		{mailbox.CmdAssignDNRFilterMode, []uint32{c.DNRMode, c.DNRType}},
		{mailbox.CmdAssignDNRFilterProps, []uint32{c.DNRSpatial, c.DNRTemporal}},
		{mailbox.CmdAssignCoringLevels, []uint32{0, 255, 0, 255}},
		{mailbox.CmdAssignSpatialFilterType, []uint32{1, 1}},
		{mailbox.CmdAssignFrameDropRate, []uint32{0}},
	}
}
