//go:build !linux

package hw

import "errors"

// ErrNoMMIO means BAR mapping is not available on this platform.
var ErrNoMMIO = errors.New("hw: BAR mapping needs linux")

// BAR is a memory mapped PCI BAR of a cx23416 card.
type BAR struct{}

// Window is a 32-bit view into part of a mapped BAR.
type Window struct{}

// MapBAR always fails off linux.
func MapBAR(path string) (*BAR, error) {
	return nil, ErrNoMMIO
}

// Encoder returns the encoder SDRAM window.
func (b *BAR) Encoder() *Window { return &Window{} }

// Registers returns the register window.
func (b *BAR) Registers() *Window { return &Window{} }

// Close unmaps the BAR.
func (b *BAR) Close() error { return nil }

// Read32 reads nothing.
func (w *Window) Read32(off uint32) uint32 { return 0 }

// Write32 writes nothing.
func (w *Window) Write32(off, v uint32) {}

// Size is zero.
func (w *Window) Size() uint32 { return 0 }
