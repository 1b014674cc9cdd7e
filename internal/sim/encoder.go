package sim

import (
	"encoding/binary"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/smazurov/cxcap/internal/dma"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/stream"
)

// Slot field offsets, as the firmware writes them.
const (
	slotRetVal uint32 = 8
	slotData   uint32 = 16
)

// Encoder memory areas the emulated firmware fills with stream data.
var areas = [stream.Count]uint32{
	stream.MPG: 0x00100000,
	stream.YUV: 0x00200000,
	stream.PCM: 0x00300000,
	stream.VBI: 0x00380000,
}

const (
	uvOffset    uint32 = 0x00080000
	ptsPerFrame uint64 = 3003
	vbiMagic    uint32 = 0x54534256
)

// Stats counts what the emulated firmware did.
type Stats struct {
	Boots     int            `json:"boots"`
	Running   bool           `json:"running"`
	Commands  map[string]int `json:"commands"`
	Requests  int            `json:"requests"`
	Transfers int            `json:"transfers"`
	Bytes     uint64         `json:"bytes"`
	Errors    int            `json:"errors"`
	Dropped   int            `json:"dropped"`
	Stale     int            `json:"stale"`
}

type announce struct {
	t     stream.Type
	pts   uint64
	ticks int
}

// encoder is the firmware running on the emulated chip.
type encoder struct {
	cfg    Config
	header [4]uint32
	regs   *Registers
	sdram  *SDRAM
	host   *Host
	logger *slog.Logger

	doorbell chan struct{}

	mu          sync.Mutex
	running     bool
	wedged      bool
	broken      bool
	paused      bool
	region      mailbox.Region
	vbiFPI      uint32
	vbiEncSize  uint32
	capturing   [stream.Count]bool
	frames      [stream.Count]uint64
	next        int
	outstanding *announce
	failNext    bool
	dropNext    bool
	stats       Stats
}

func newEncoder(cfg Config, regs *Registers, sdram *SDRAM, host *Host, logger *slog.Logger) *encoder {
	e := &encoder{
		cfg:      cfg,
		regs:     regs,
		sdram:    sdram,
		host:     host,
		logger:   logger,
		doorbell: make(chan struct{}, 1),
		stats:    Stats{Commands: make(map[string]int)},
	}
	for i := range e.header {
		e.header[i] = binary.LittleEndian.Uint32(cfg.Image[i*4:])
	}
	sdram.watch = e.watch
	regs.onUnit = e.unitWritten
	regs.onCancel = e.cancel
	return e
}

// watch rings the doorbell when the host hands a slot to the firmware.
func (e *encoder) watch(_, v uint32) {
	if mailbox.Flags(v) != mailbox.FlagDriverDone|mailbox.FlagDriverBusy {
		return
	}
	select {
	case e.doorbell <- struct{}{}:
	default:
	}
}

func (e *encoder) run(dying <-chan struct{}) error {
	ticker := time.NewTicker(e.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-dying:
			return nil
		case <-e.doorbell:
			e.service()
		case <-ticker.C:
			e.service()
			e.produce()
		}
	}
}

func (e *encoder) unitWritten(reg, old, v uint32) {
	if reg != hw.RegSPU {
		return
	}
	switch {
	case v&1 != 0:
		e.mu.Lock()
		if e.running {
			e.logger.Debug("Units halted")
		}
		e.stopLocked()
		e.mu.Unlock()
	case old&1 != 0:
		e.boot()
	}
}

func (e *encoder) boot() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	if e.broken {
		e.logger.Debug("Firmware failed to boot")
		return
	}
	for i, want := range e.header {
		if got := e.sdram.get(uint32(i * 4)); got != want {
			e.logger.Debug("No valid firmware image in SDRAM", "word", i, "got", got)
			return
		}
	}

	sig := e.cfg.MailboxOffset
	for i, w := range mailbox.Signature {
		e.sdram.put(sig+uint32(i*4), w)
	}
	base := sig + uint32(len(mailbox.Signature)*4)
	for off := uint32(0); off < mailbox.SlotSize*mailbox.BoxCount; off += 4 {
		e.sdram.put(base+off, 0)
	}
	e.region = mailbox.NewRegion(e.sdram, base)
	e.running = true
	e.wedged = false
	e.stats.Boots++
	e.logger.Debug("Firmware booted", "mailbox", base)
}

func (e *encoder) stopLocked() {
	e.running = false
	e.paused = false
	e.capturing = [stream.Count]bool{}
	e.outstanding = nil
}

func (e *encoder) cancel() {
	e.regs.setDMAStatus(hw.DMAStatusWriteDone)
}

func (e *encoder) slot(box int, field uint32) uint32 {
	return e.region.Base() + uint32(box)*mailbox.SlotSize + field
}

// service answers every slot the host rang.
func (e *encoder) service() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.wedged {
		return
	}
	for box := 0; box < mailbox.BoxCount; box++ {
		if box == mailbox.BoxDMADone || box == mailbox.BoxDMARequest {
			continue
		}
		flags := e.region.Flags(box)
		if flags&mailbox.FlagDriverDone == 0 || flags&mailbox.FlagFirmwareDone != 0 {
			continue
		}
		e.execLocked(box, flags)
		if !e.running {
			return
		}
	}
}

type sched struct {
	handle uint32
	size   uint32
	kind   uint32
}

func (e *encoder) execLocked(box int, flags mailbox.Flags) {
	req := e.region.Read(box)
	args := req.Data
	e.stats.Commands[req.Command.String()]++

	var (
		retval   uint32
		data     [mailbox.MaxData]uint32
		halt     bool
		eos      bool
		transfer *sched
	)
	switch req.Command {
	case mailbox.CmdGetVersion:
		data[0] = e.cfg.Version
	case mailbox.CmdHaltFW:
		halt = true
	case mailbox.CmdBeginCapture:
		t, ok := captureType(args[0], args[1])
		if !ok {
			retval = 1
			break
		}
		e.capturing[t] = true
	case mailbox.CmdEndCapture:
		if t, ok := captureType(args[1], args[2]); ok {
			e.capturing[t] = false
			if e.outstanding != nil && e.outstanding.t == t {
				e.outstanding = nil
			}
		}
		eos = args[0] == 1
	case mailbox.CmdConfigVBI:
		e.vbiFPI, e.vbiEncSize = args[1], args[2]
	case mailbox.CmdPauseEncoder:
		e.paused = args[0] == 1
	case mailbox.CmdSchedDMAToHost:
		transfer = &sched{handle: args[0], size: args[1], kind: args[2]}
	}

	e.sdram.put(e.slot(box, slotRetVal), retval)
	for i, v := range data {
		e.sdram.put(e.slot(box, slotData+uint32(i)*4), v)
	}
	e.sdram.put(e.slot(box, 0), uint32(flags|mailbox.FlagFirmwareDone))

	switch {
	case halt:
		e.stopLocked()
	case eos:
		e.regs.Raise(hw.IRQEncEOS)
	case transfer != nil:
		e.transferLocked(*transfer)
	}
}

// transferLocked copies encoder memory into host pages along a mapped list.
func (e *encoder) transferLocked(s sched) {
	var pts uint64
	if e.outstanding != nil {
		pts = e.outstanding.pts
	}
	e.regs.setDMAStatus(0)

	if e.dropNext {
		e.dropNext = false
		e.stats.Dropped++
		e.outstanding = nil
		e.regs.setDMAStatus(hw.DMAStatusWriteDone)
		return
	}
	list, ok := e.host.list(s.handle)
	if !ok || list.Bytes() != s.size {
		e.failLocked(s.kind, hw.DMAStatusErrList)
		return
	}
	if e.failNext {
		e.failNext = false
		e.failLocked(s.kind, hw.DMAStatusErrWrite)
		return
	}
	for _, el := range list {
		b, ok := e.sdram.readBytes(el.Src, el.Len())
		if !ok {
			e.failLocked(s.kind, hw.DMAStatusErrRead)
			return
		}
		if err := e.host.write(el.Dst, b); err != nil {
			e.logger.Debug("Transfer fault", "error", err)
			e.failLocked(s.kind, hw.DMAStatusErrWrite)
			return
		}
	}

	e.stats.Transfers++
	e.stats.Bytes += uint64(s.size)
	e.outstanding = nil
	e.regs.setDMAStatus(hw.DMAStatusWriteDone)
	e.doneLocked(hw.DMAStatusWriteDone, s.kind, pts)
	e.regs.Raise(hw.IRQEncDMAComplete)
}

func (e *encoder) failLocked(kind, bits uint32) {
	e.stats.Errors++
	e.outstanding = nil
	e.regs.setDMAStatus(bits)
	e.doneLocked(hw.DMAStatusWriteDone|bits, kind, 0)
	e.regs.Raise(hw.IRQDMAErr)
}

func (e *encoder) doneLocked(status, kind uint32, pts uint64) {
	d := []uint32{status, kind, uint32(pts >> 32), uint32(pts)}
	for i, v := range d {
		e.sdram.put(e.slot(mailbox.BoxDMADone, slotData+uint32(i)*4), v)
	}
}

// produce announces the next block of a capturing stream once the previous
// request was served. A request the host never answers is given up after
// RequestPatience ticks.
func (e *encoder) produce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.wedged || e.paused {
		return
	}
	if e.outstanding != nil {
		e.outstanding.ticks++
		if e.outstanding.ticks < e.cfg.RequestPatience {
			return
		}
		e.stats.Stale++
		e.outstanding = nil
	}
	for i := 0; i < stream.Count; i++ {
		t := stream.Type((e.next + i) % stream.Count)
		if !e.capturing[t] || !t.HasDMA() {
			continue
		}
		if t == stream.VBI && e.vbiFPI == 0 {
			continue
		}
		e.next = int(t) + 1
		e.announceLocked(t)
		return
	}
}

func (e *encoder) announceLocked(t stream.Type) {
	e.frames[t]++
	frame := e.frames[t]
	pts := (frame * ptsPerFrame) & dma.PTSMask
	area := areas[t]

	var d [7]uint32
	d[0], d[1] = t.Kind(), area
	bits := hw.IRQEncStartCap

	switch t {
	case stream.MPG:
		payload := Pattern(t, frame, e.cfg.MPGBlock)
		e.sdram.writeBytes(area, payload)
		d[2] = uint32(len(payload))
	case stream.YUV:
		y := Pattern(t, frame, e.cfg.YUVBlock)
		uv := Pattern(t, frame<<1, e.cfg.UVBlock)
		e.sdram.writeBytes(area, y)
		e.sdram.writeBytes(area+uvOffset, uv)
		d[2], d[3], d[4] = uint32(len(y)), area+uvOffset, uint32(len(uv))
	case stream.PCM:
		payload := Pattern(t, frame, e.cfg.PCMBlock)
		e.sdram.writeBytes(area, make([]byte, 12))
		e.sdram.writeBytes(area+12, payload)
		d[2] = uint32(len(payload)) + 12
	case stream.VBI:
		size := (e.vbiEncSize+16)*e.vbiFPI - 16
		e.sdram.put(area, vbiMagic)
		e.sdram.put(area+4, uint32(pts>>32))
		e.sdram.put(area+8, uint32(pts))
		e.sdram.writeBytes(area+12, Pattern(t, frame, int(size)))
		d[2] = size
		bits = hw.IRQEncVBICap
	}
	d[5], d[6] = uint32(pts>>32), uint32(pts)
	for i, v := range d {
		e.sdram.put(e.slot(mailbox.BoxDMARequest, slotData+uint32(i)*4), v)
	}

	e.outstanding = &announce{t: t, pts: pts}
	e.stats.Requests++
	e.regs.Raise(bits)
}

func (e *encoder) snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Running = e.running && !e.wedged
	s.Commands = maps.Clone(e.stats.Commands)
	return s
}

// captureType maps BEGIN_CAPTURE arguments back to a stream. The 0x04
// subtype bit only says whether VBI rides along.
func captureType(captype, subtype uint32) (stream.Type, bool) {
	for _, t := range []stream.Type{stream.MPG, stream.YUV, stream.PCM, stream.VBI} {
		c, s := t.Capture()
		if c == captype && (s == subtype || s == subtype&^0x04) {
			return t, true
		}
	}
	return 0, false
}

// Pattern is the deterministic payload of block frame of stream t. MPEG
// blocks start with a pack header.
func Pattern(t stream.Type, frame uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(uint64(i)*7 + frame*13 + uint64(t))
	}
	if t == stream.MPG && n >= 4 {
		copy(b, []byte{0x00, 0x00, 0x01, 0xba})
	}
	return b
}
