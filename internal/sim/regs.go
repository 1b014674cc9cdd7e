package sim

import (
	"sync"

	"github.com/smazurov/cxcap/internal/hw"
)

// Registers is the emulated register window. Interrupt status bits are
// cleared by writing them back, a set mask bit disables its source and a zero
// written to DMAXFER cancels the running transfer.
type Registers struct {
	mu     sync.Mutex
	values map[uint32]uint32
	status uint32
	mask   uint32
	dma    uint32

	line chan struct{}

	// onUnit runs after a functional unit register changed, outside the lock.
	onUnit func(reg, old, v uint32)
	// onCancel runs after a transfer cancel, outside the lock.
	onCancel func()
}

// NewRegisters returns a register file in its power-on state: all interrupts
// masked, the DMA engine idle and the SPU held in reset.
func NewRegisters() *Registers {
	return &Registers{
		values: map[uint32]uint32{
			hw.RegSPU: hw.CmdSPUStop,
			hw.RegVPU: hw.CmdVPUStop16,
		},
		mask: hw.IRQMaskAll,
		dma:  hw.DMAStatusWriteDone,
		line: make(chan struct{}, 1),
	}
}

// Interrupts delivers a wakeup whenever an unmasked interrupt is pending.
func (r *Registers) Interrupts() <-chan struct{} {
	return r.line
}

// Read32 reads a register.
func (r *Registers) Read32(off uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch off {
	case hw.RegIRQStatus:
		return r.status
	case hw.RegIRQMask:
		return r.mask
	case hw.RegDMAStatus:
		return r.dma
	}
	return r.values[off]
}

// Write32 writes a register and applies its side effect.
func (r *Registers) Write32(off, v uint32) {
	r.mu.Lock()
	switch off {
	case hw.RegIRQStatus:
		r.status &^= v
		r.mu.Unlock()
		return
	case hw.RegIRQMask:
		r.mask = v
		r.signalLocked()
		r.mu.Unlock()
		return
	case hw.RegDMAStatus:
		r.dma = v
		r.mu.Unlock()
		return
	}

	old := r.values[off]
	r.values[off] = v
	onUnit, onCancel := r.onUnit, r.onCancel
	r.mu.Unlock()

	switch off {
	case hw.RegDMAXfer:
		if v == 0 && onCancel != nil {
			onCancel()
		}
	case hw.RegSPU, hw.RegVPU, hw.RegAPU, hw.RegVDM, hw.RegAO, hw.RegHWBlocks:
		if onUnit != nil {
			onUnit(off, old, v)
		}
	}
}

// Raise sets interrupt status bits and pulses the line if any is unmasked.
func (r *Registers) Raise(bits uint32) {
	r.mu.Lock()
	r.status |= bits
	r.signalLocked()
	r.mu.Unlock()
}

func (r *Registers) setDMAStatus(v uint32) {
	r.mu.Lock()
	r.dma = v
	r.mu.Unlock()
}

func (r *Registers) signalLocked() {
	if r.status&^r.mask == 0 {
		return
	}
	select {
	case r.line <- struct{}{}:
	default:
	}
}
