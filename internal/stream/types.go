// Package stream holds the per-stream state of an encoder: claim ownership,
// named status flags and the queued, active and completed buffer lists.
package stream

import (
	"fmt"
	"strings"
)

// Type identifies an encoder output channel.
type Type int

// Encoder stream types. The value doubles as the DMA transfer kind for the
// types that move data.
const (
	MPG Type = iota
	YUV
	PCM
	VBI
	RAD
)

// Count is the number of stream types.
const Count = 5

var typeNames = [Count]string{"mpg", "yuv", "pcm", "vbi", "rad"}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type%d", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is a known stream type.
func (t Type) Valid() bool {
	return t >= MPG && t <= RAD
}

// HasDMA reports whether the stream moves data through the DMA engine.
// Radio only tunes.
func (t Type) HasDMA() bool {
	return t.Valid() && t != RAD
}

// Kind is the firmware DMA transfer type of the stream.
func (t Type) Kind() uint32 {
	return uint32(t)
}

// TypeForKind maps a firmware transfer type back to its stream.
func TypeForKind(kind uint32) (Type, bool) {
	t := Type(kind)
	if !t.HasDMA() {
		return 0, false
	}
	return t, true
}

// Capture returns the BEGIN_CAPTURE type and subtype of the stream.
func (t Type) Capture() (captype, subtype uint32) {
	switch t {
	case MPG:
		return 0, 0x03
	case YUV:
		return 1, 0x11
	case PCM:
		return 1, 0x12
	case VBI:
		return 1, 0x14
	}
	return 0, 0
}

// ParseType accepts a stream name such as "mpg" or "VBI".
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidType, s)
}
