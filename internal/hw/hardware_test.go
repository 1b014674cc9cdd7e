package hw

import (
	"testing"
	"time"
)

type write struct {
	off uint32
	val uint32
}

// recordingBus is a register file that remembers every write.
type recordingBus struct {
	regs   map[uint32]uint32
	writes []write
	reads  int
}

func newRecordingBus() *recordingBus {
	return &recordingBus{regs: make(map[uint32]uint32)}
}

func (b *recordingBus) Read32(off uint32) uint32 {
	b.reads++
	return b.regs[off]
}

func (b *recordingBus) Write32(off, v uint32) {
	b.regs[off] = v
	b.writes = append(b.writes, write{off, v})
}

func TestHaltUnitsOrderAndDelays(t *testing.T) {
	bus := newRecordingBus()
	var slept []time.Duration
	timing := DefaultTiming()
	timing.Sleep = func(d time.Duration) { slept = append(slept, d) }

	h := New(bus, timing)
	h.HaltUnits(true)

	expected := []write{
		{RegVDM, CmdVDMStop},
		{RegAO, CmdAOStop},
		{RegAPU, CmdAPUPing},
		{RegVPU, CmdVPUStop16},
		{RegHWBlocks, CmdHWBlocksRst},
		{RegSPU, CmdSPUStop},
	}
	if len(bus.writes) != len(expected) {
		t.Fatalf("Expected %d writes, got %d", len(expected), len(bus.writes))
	}
	for i, w := range expected {
		if bus.writes[i] != w {
			t.Errorf("write %d: expected %#x=%#x, got %#x=%#x", i, w.off, w.val, bus.writes[i].off, bus.writes[i].val)
		}
	}

	if len(slept) != 2 || slept[0] != 10*time.Millisecond || slept[1] != 10*time.Millisecond {
		t.Errorf("Expected two 10ms settles, got %v", slept)
	}

	slept = nil
	h.HaltUnits(false)
	if len(slept) != 1 {
		t.Errorf("Expected one settle without halt command, got %v", slept)
	}
}

func TestStartUnitsReadModifyWrite(t *testing.T) {
	bus := newRecordingBus()
	bus.regs[RegSPU] = 0xffffffff
	bus.regs[RegVPU] = 0xffffffff
	var slept []time.Duration
	timing := DefaultTiming()
	timing.Sleep = func(d time.Duration) { slept = append(slept, d) }

	New(bus, timing).StartUnits()

	if bus.regs[RegSPU] != 0xfffffffe {
		t.Errorf("Expected SPU 0xfffffffe, got %#x", bus.regs[RegSPU])
	}
	if bus.regs[RegVPU] != 0xfffffffb {
		t.Errorf("Expected VPU 0xfffffffb, got %#x", bus.regs[RegVPU])
	}
	if len(slept) != 2 || slept[0] != 100*time.Millisecond {
		t.Errorf("Expected two 100ms settles, got %v", slept)
	}
}

func TestIRQMaskSemantics(t *testing.T) {
	bus := newRecordingBus()
	h := New(bus, NoDelay())

	h.MaskIRQ(IRQMaskAll)
	h.UnmaskIRQ(IRQMaskInit)
	if got := h.IRQMask(); got != ^IRQMaskInit {
		t.Errorf("Expected mask %#x, got %#x", ^IRQMaskInit, got)
	}

	bus.regs[RegIRQStatus] = IRQEncDMAComplete | IRQEncStartCap
	if got := h.Pending(); got != IRQEncDMAComplete {
		t.Errorf("Expected only enabled bits pending, got %#x", got)
	}

	h.UnmaskIRQ(IRQMaskCapture)
	if got := h.Pending(); got != IRQEncDMAComplete|IRQEncStartCap {
		t.Errorf("Expected capture bit to become pending, got %#x", got)
	}

	before := bus.reads
	h.MaskIRQ(IRQEncEOS)
	// one read for the current mask, one read back after the write
	if bus.reads-before != 2 {
		t.Errorf("Expected mask write to be read back, got %d reads", bus.reads-before)
	}
}

func TestDMAReady(t *testing.T) {
	tests := []struct {
		status uint32
		ready  bool
		err    bool
	}{
		{0, false, false},
		{DMAStatusWriteDone, true, false},
		{DMAStatusWriteDone | DMAStatusErrList, false, true},
		{DMAStatusErrWrite, false, true},
		{DMAStatusWriteDone | DMAStatusErrRead, true, false},
	}

	bus := newRecordingBus()
	h := New(bus, NoDelay())
	for _, tt := range tests {
		bus.regs[RegDMAStatus] = tt.status
		if got := h.DMAReady(); got != tt.ready {
			t.Errorf("status %#x: expected ready=%v, got %v", tt.status, tt.ready, got)
		}
		if got := h.DMAError(); got != tt.err {
			t.Errorf("status %#x: expected error=%v, got %v", tt.status, tt.err, got)
		}
	}
}

func TestInitSDRAM(t *testing.T) {
	bus := newRecordingBus()
	var slept time.Duration
	timing := DefaultTiming()
	timing.Sleep = func(d time.Duration) { slept += d }

	New(bus, timing).InitSDRAM()

	if bus.regs[RegEncSDRAMPrecharge] != SDRAMPrechargeInit {
		t.Errorf("Expected precharge %#x, got %#x", SDRAMPrechargeInit, bus.regs[RegEncSDRAMPrecharge])
	}
	if bus.regs[RegEncSDRAMRefresh] != SDRAMRefreshInit {
		t.Errorf("Expected refresh %#x, got %#x", SDRAMRefreshInit, bus.regs[RegEncSDRAMRefresh])
	}
	if slept != 600*time.Millisecond {
		t.Errorf("Expected 600ms settle, got %v", slept)
	}
}
