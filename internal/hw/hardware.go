// Package hw exposes the cx23416 register file as a capability object.
//
// Callers express intent (stop a unit, mask an interrupt, check DMA readiness)
// and the Hardware type owns the offsets, command values and settle delays.
package hw

import (
	"log/slog"
	"time"

	"github.com/smazurov/cxcap/internal/logging"
)

// Bus is a 32-bit register window.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off, v uint32)
}

// Memory is a 32-bit window onto encoder SDRAM.
type Memory interface {
	Bus
	Size() uint32
}

// Unit names a functional block of the encoder.
type Unit string

// Functional units in halt order.
const (
	UnitVDM      Unit = "vdm"
	UnitAO       Unit = "ao"
	UnitAPU      Unit = "apu"
	UnitVPU      Unit = "vpu"
	UnitHWBlocks Unit = "hw_blocks"
	UnitSPU      Unit = "spu"
)

type unitCommand struct {
	reg  uint32
	stop uint32
}

var unitCommands = map[Unit]unitCommand{
	UnitVDM:      {RegVDM, CmdVDMStop},
	UnitAO:       {RegAO, CmdAOStop},
	UnitAPU:      {RegAPU, CmdAPUPing},
	UnitVPU:      {RegVPU, CmdVPUStop16},
	UnitHWBlocks: {RegHWBlocks, CmdHWBlocksRst},
	UnitSPU:      {RegSPU, CmdSPUStop},
}

// HaltOrder is the fixed order in which units are stopped.
var HaltOrder = []Unit{UnitVDM, UnitAO, UnitAPU, UnitVPU, UnitHWBlocks, UnitSPU}

// Timing holds the settle delays real hardware depends on.
type Timing struct {
	HaltSettle  time.Duration
	UnitStart   time.Duration
	SDRAMSettle time.Duration

	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// DefaultTiming returns the delays the chip needs.
func DefaultTiming() Timing {
	return Timing{
		HaltSettle:  10 * time.Millisecond,
		UnitStart:   100 * time.Millisecond,
		SDRAMSettle: 600 * time.Millisecond,
	}
}

// NoDelay returns a Timing that never sleeps. Only useful against simulated hardware.
func NoDelay() Timing {
	return Timing{Sleep: func(time.Duration) {}}
}

func (t Timing) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if t.Sleep != nil {
		t.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Hardware is the register-level capability object for one encoder.
// It is not safe for concurrent read-modify-write sequences; the DMA engine
// lock serializes those.
type Hardware struct {
	regs   Bus
	timing Timing
	logger *slog.Logger
}

// New wraps a register window.
func New(regs Bus, timing Timing) *Hardware {
	return &Hardware{
		regs:   regs,
		timing: timing,
		logger: logging.GetLogger("hw"),
	}
}

// Timing returns the configured delays.
func (h *Hardware) Timing() Timing {
	return h.timing
}

// Sleep waits for d using the configured sleeper.
func (h *Hardware) Sleep(d time.Duration) {
	h.timing.sleep(d)
}

// IRQStatus reads the raw interrupt status register.
func (h *Hardware) IRQStatus() uint32 {
	return h.regs.Read32(RegIRQStatus)
}

// AckIRQ clears the given status bits.
func (h *Hardware) AckIRQ(bits uint32) {
	h.regs.Write32(RegIRQStatus, bits)
}

// IRQMask reads the interrupt mask. A set bit means the source is disabled.
func (h *Hardware) IRQMask() uint32 {
	return h.regs.Read32(RegIRQMask)
}

// Pending returns the status bits that are both raised and enabled.
func (h *Hardware) Pending() uint32 {
	return ^h.IRQMask() & h.IRQStatus()
}

// MaskIRQ disables the given interrupt sources.
func (h *Hardware) MaskIRQ(bits uint32) {
	h.writeMask(h.IRQMask() | bits)
}

// UnmaskIRQ enables the given interrupt sources.
func (h *Hardware) UnmaskIRQ(bits uint32) {
	h.writeMask(h.IRQMask() &^ bits)
}

func (h *Hardware) writeMask(mask uint32) {
	h.regs.Write32(RegIRQMask, mask)
	// flush posted PCI write
	_ = h.regs.Read32(RegIRQMask)
}

// DMAStatus reads the DMA status register.
func (h *Hardware) DMAStatus() uint32 {
	return h.regs.Read32(RegDMAStatus)
}

// DMAReady reports whether the engine finished its last write and shows no error.
func (h *Hardware) DMAReady() bool {
	status := h.DMAStatus()
	return status&DMAStatusWriteDone != 0 && status&DMAStatusErrMask == 0
}

// DMAError reports whether the status register shows an uncorrectable error.
func (h *Hardware) DMAError() bool {
	return h.DMAStatus()&DMAStatusErrMask != 0
}

// CancelDMA aborts the current hardware transfer.
func (h *Hardware) CancelDMA() {
	h.regs.Write32(RegDMAXfer, 0)
}

// StopUnit writes the stop command of a single unit.
func (h *Hardware) StopUnit(u Unit) {
	cmd, ok := unitCommands[u]
	if !ok {
		h.logger.Warn("Unknown functional unit", "unit", string(u))
		return
	}
	h.logger.Debug("Stopping unit", "unit", string(u))
	h.regs.Write32(cmd.reg, cmd.stop)
}

// HaltUnits stops every functional unit. settleFirst adds the post-halt-command
// delay used when the firmware acknowledged a halt request.
func (h *Hardware) HaltUnits(settleFirst bool) {
	if settleFirst {
		h.timing.sleep(h.timing.HaltSettle)
	}
	for _, u := range HaltOrder {
		h.StopUnit(u)
	}
	h.timing.sleep(h.timing.HaltSettle)
}

// StartUnits releases the SPU and VPU from reset.
func (h *Hardware) StartUnits() {
	h.regs.Write32(RegSPU, h.regs.Read32(RegSPU)&MaskSPUEnable)
	h.timing.sleep(h.timing.UnitStart)

	h.regs.Write32(RegVPU, h.regs.Read32(RegVPU)&MaskVPUEnable16)
	h.timing.sleep(h.timing.UnitStart)
}

// InitSDRAM programs the encoder SDRAM controller and waits for it to settle.
func (h *Hardware) InitSDRAM() {
	h.regs.Write32(RegEncSDRAMPrecharge, SDRAMPrechargeInit)
	h.regs.Write32(RegEncSDRAMRefresh, SDRAMRefreshInit)
	h.timing.sleep(h.timing.SDRAMSettle)
}
