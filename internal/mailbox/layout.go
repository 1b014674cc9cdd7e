// Package mailbox implements the cx23416 firmware mailbox protocol.
//
// The mailbox is an array of fixed-size slots in encoder memory. Ownership of a
// slot is purely advisory through its flags word, so every access goes through
// Region (raw layout), Pool (slot ownership) or Client (command semantics).
package mailbox

import (
	"errors"
	"fmt"

	"github.com/smazurov/cxcap/internal/hw"
)

// Flags is the handshake word of a slot.
type Flags uint32

// Slot flag bits.
const (
	FlagFree         Flags = 0
	FlagDriverBusy   Flags = 1 << 0
	FlagDriverDone   Flags = 1 << 1
	FlagFirmwareDone Flags = 1 << 2
)

// Slot layout in bytes.
const (
	offFlags   uint32 = 0
	offCmd     uint32 = 4
	offRetVal  uint32 = 8
	offTimeout uint32 = 12
	offData    uint32 = 16

	MaxData  = 16
	SlotSize = offData + MaxData*4
)

// Fixed boxes.
const (
	BoxCount      = 10
	PoolSize      = 3
	BoxDMASchedA  = 5
	BoxDMASchedB  = 6
	BoxDMADone    = 8
	BoxDMARequest = 9
)

// Firmware timeout words written into a slot.
const (
	StdTimeout uint32 = 0x02000000
	DMATimeout uint32 = 0x00050000
)

// Signature precedes the mailbox array in encoder memory.
var Signature = [4]uint32{0x12345678, 0x34567812, 0x56781234, 0x78123456}

// Search bounds for the signature scan.
const (
	SearchStride uint32 = 0x100
	SearchEnd    uint32 = 0x00800000
)

var (
	// ErrNoMailbox means the signature could not be found or the mailbox was detached.
	ErrNoMailbox = errors.New("mailbox: not located")
	// ErrBusy means no slot was available or the firmware did not answer in time.
	ErrBusy = errors.New("mailbox: busy")
	// ErrFirmware means the firmware completed a command with a non-zero return value.
	ErrFirmware = errors.New("mailbox: firmware error")
	// ErrInvalid means the call itself was malformed.
	ErrInvalid = errors.New("mailbox: invalid argument")
)

// Result is the contents of a slot after the firmware answered.
type Result struct {
	Command Command
	RetVal  uint32
	Data    [MaxData]uint32
}

// Region is the located mailbox array.
type Region struct {
	mem  hw.Memory
	base uint32
}

// NewRegion returns a Region starting at base.
func NewRegion(mem hw.Memory, base uint32) Region {
	return Region{mem: mem, base: base}
}

// Base is the encoder memory offset of box 0.
func (r Region) Base() uint32 {
	return r.base
}

func (r Region) addr(box int, field uint32) uint32 {
	return r.base + uint32(box)*SlotSize + field
}

// Flags reads the flags word of a box.
func (r Region) Flags(box int) Flags {
	return Flags(r.mem.Read32(r.addr(box, offFlags)))
}

// SetFlags writes the flags word of a box.
func (r Region) SetFlags(box int, f Flags) {
	r.mem.Write32(r.addr(box, offFlags), uint32(f))
}

// write fills in a command without ringing the doorbell.
func (r Region) write(box int, cmd Command, timeout uint32, args []uint32) {
	r.mem.Write32(r.addr(box, offCmd), uint32(cmd))
	r.mem.Write32(r.addr(box, offTimeout), timeout)
	for i := 0; i < MaxData; i++ {
		var v uint32
		if i < len(args) {
			v = args[i]
		}
		r.mem.Write32(r.addr(box, offData+uint32(i)*4), v)
	}
}

// Send writes command, timeout and arguments, then marks the slot driver-done and
// driver-busy. The last write is the doorbell to firmware.
func (r Region) Send(box int, cmd Command, timeout uint32, args []uint32) {
	r.write(box, cmd, timeout, args)
	r.SetFlags(box, FlagDriverDone|FlagDriverBusy)
}

// Read returns the current contents of a box without waiting.
func (r Region) Read(box int) Result {
	res := Result{
		Command: Command(r.mem.Read32(r.addr(box, offCmd))),
		RetVal:  r.mem.Read32(r.addr(box, offRetVal)),
	}
	for i := range res.Data {
		res.Data[i] = r.mem.Read32(r.addr(box, offData+uint32(i)*4))
	}
	return res
}

// clear zeroes the return value and the flags so the slot reads as free.
func (r Region) clear(box int) {
	r.mem.Write32(r.addr(box, offRetVal), 0)
	r.SetFlags(box, FlagFree)
}

// Locate scans encoder memory for the signature and returns the region that follows it.
func Locate(mem hw.Memory) (Region, error) {
	end := SearchEnd
	if size := mem.Size(); size < end {
		end = size
	}
	sigLen := uint32(len(Signature) * 4)
	for off := uint32(0); off+sigLen+SlotSize*BoxCount <= end; off += SearchStride {
		if matchSignature(mem, off) {
			return NewRegion(mem, off+sigLen), nil
		}
	}
	return Region{}, fmt.Errorf("%w: signature not found below 0x%x", ErrNoMailbox, end)
}

func matchSignature(mem hw.Memory, off uint32) bool {
	for i, want := range Signature {
		if mem.Read32(off+uint32(i)*4) != want {
			return false
		}
	}
	return true
}
