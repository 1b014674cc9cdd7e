//go:build linux

package hw

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BAR is a memory mapped PCI BAR of a cx23416 card.
type BAR struct {
	data    []byte
	encoder *Window
	regs    *Window
}

// Window is a 32-bit view into part of a mapped BAR.
type Window struct {
	data []byte
}

// MapBAR maps a sysfs PCI resource file, e.g.
// /sys/bus/pci/devices/0000:03:00.0/resource0.
func MapBAR(path string) (*BAR, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open BAR: %w", err)
	}
	defer f.Close()

	length := int(RegOffset + RegSize)
	data, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap BAR %s: %w", path, err)
	}

	return &BAR{
		data:    data,
		encoder: &Window{data: data[EncoderOffset : EncoderOffset+EncoderSize]},
		regs:    &Window{data: data[RegOffset : RegOffset+RegSize]},
	}, nil
}

// Encoder returns the encoder SDRAM window.
func (b *BAR) Encoder() *Window { return b.encoder }

// Registers returns the register window.
func (b *BAR) Registers() *Window { return b.regs }

// Close unmaps the BAR.
func (b *BAR) Close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return err
}

func (w *Window) word(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(w.data) {
		panic(fmt.Sprintf("hw: unaligned or out of range access at 0x%x", off))
	}
	return (*uint32)(unsafe.Pointer(&w.data[off]))
}

// Read32 implements Bus.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32(w.word(off))
}

// Write32 implements Bus.
func (w *Window) Write32(off, v uint32) {
	atomic.StoreUint32(w.word(off), v)
}

// Size implements Memory.
func (w *Window) Size() uint32 {
	return uint32(len(w.data))
}
