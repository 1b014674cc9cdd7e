// Package sim emulates a cx23416 encoder card behind its PCI BAR: the
// register window, encoder SDRAM, a firmware that answers the mailbox,
// produces stream data and runs host transfers, and the interrupt line.
// Faults can be injected to exercise recovery.
package sim

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/smazurov/cxcap/internal/dma"
	"github.com/smazurov/cxcap/internal/firmware"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
)

// DefaultVersion is the firmware version GETVER reports.
const DefaultVersion uint32 = 0x02060039

// Config describes the emulated card.
type Config struct {
	Label string
	// SDRAMSize defaults to the full encoder window.
	SDRAMSize uint32
	PageSize  uint32
	// MaxPages caps host buffer memory. Zero means no cap.
	MaxPages int
	// MailboxOffset is where the firmware writes the mailbox signature.
	MailboxOffset uint32
	// FrameInterval is the time between produced blocks.
	FrameInterval time.Duration
	// RequestPatience is the number of frame ticks the firmware waits for a
	// request to be served before announcing a new one.
	RequestPatience int
	Version         uint32
	// Image is the firmware image the card accepts. Defaults to Image().
	Image []byte

	MPGBlock int
	YUVBlock int
	UVBlock  int
	PCMBlock int
}

// DefaultConfig returns a card producing small blocks every 5ms.
func DefaultConfig(label string) Config {
	return Config{
		Label:           label,
		SDRAMSize:       hw.EncoderSize,
		PageSize:        4096,
		MailboxOffset:   0x00070000,
		FrameInterval:   5 * time.Millisecond,
		RequestPatience: 200,
		Version:         DefaultVersion,
		MPGBlock:        32768,
		YUVBlock:        16384,
		UVBlock:         8192,
		PCMBlock:        4608,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Label)
	if c.SDRAMSize == 0 {
		c.SDRAMSize = d.SDRAMSize
	}
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.MailboxOffset == 0 {
		c.MailboxOffset = d.MailboxOffset
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.RequestPatience <= 0 {
		c.RequestPatience = d.RequestPatience
	}
	if c.Version == 0 {
		c.Version = d.Version
	}
	if len(c.Image) < 16 {
		c.Image = Image()
	}
	if c.MPGBlock <= 0 {
		c.MPGBlock = d.MPGBlock
	}
	if c.YUVBlock <= 0 {
		c.YUVBlock = d.YUVBlock
	}
	if c.UVBlock <= 0 {
		c.UVBlock = d.UVBlock
	}
	if c.PCMBlock <= 0 {
		c.PCMBlock = d.PCMBlock
	}
	return c
}

var (
	imageOnce sync.Once
	image     []byte
)

// Image returns the synthetic firmware image the simulator boots from.
func Image() []byte {
	imageOnce.Do(func() {
		image = make([]byte, firmware.Size)
		seed := uint32(0x23416000)
		for off := 0; off < len(image); off += 4 {
			seed = seed*1664525 + 1013904223
			binary.LittleEndian.PutUint32(image[off:], seed)
		}
	})
	return append([]byte(nil), image...)
}

// Sim is one emulated card.
type Sim struct {
	cfg   Config
	regs  *Registers
	sdram *SDRAM
	host  *Host
	enc   *encoder

	mu      sync.Mutex
	started bool
	tomb    tomb.Tomb

	logger *slog.Logger
}

// New builds a powered-off card. Start runs its firmware goroutine.
func New(cfg Config) *Sim {
	cfg = cfg.withDefaults()
	logger := logging.GetLogger("sim").With("device", cfg.Label)
	s := &Sim{
		cfg:    cfg,
		regs:   NewRegisters(),
		sdram:  NewSDRAM(cfg.SDRAMSize),
		host:   NewHost(cfg.PageSize, cfg.MaxPages),
		logger: logger,
	}
	s.enc = newEncoder(cfg, s.regs, s.sdram, s.host, logger)
	return s
}

// Start runs the firmware goroutine.
func (s *Sim) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.tomb.Go(func() error {
		return s.enc.run(s.tomb.Dying())
	})
}

// Stop ends the firmware goroutine and waits for it.
func (s *Sim) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// Config returns the effective configuration.
func (s *Sim) Config() Config { return s.cfg }

// Registers is the register window.
func (s *Sim) Registers() hw.Bus { return s.regs }

// Memory is the encoder SDRAM window.
func (s *Sim) Memory() hw.Memory { return s.sdram }

// Host is the host page memory.
func (s *Sim) Host() *Host { return s.host }

// Mapper maps descriptor lists for the engine.
func (s *Sim) Mapper() dma.Mapper { return s.host }

// Interrupts is the interrupt line.
func (s *Sim) Interrupts() <-chan struct{} { return s.regs.Interrupts() }

// Raise asserts interrupt status bits directly.
func (s *Sim) Raise(bits uint32) { s.regs.Raise(bits) }

// Stats returns what the firmware did so far.
func (s *Sim) Stats() Stats { return s.enc.snapshot() }

// KillFirmware wedges the running firmware. It stops answering until the
// units are restarted.
func (s *Sim) KillFirmware() {
	s.enc.mu.Lock()
	s.enc.wedged = true
	s.enc.mu.Unlock()
	s.logger.Info("Firmware killed")
}

// BreakFirmware makes every boot fail while on is set.
func (s *Sim) BreakFirmware(on bool) {
	s.enc.mu.Lock()
	s.enc.broken = on
	s.enc.mu.Unlock()
}

// CorruptImage damages the image in SDRAM so only a reload can boot it.
func (s *Sim) CorruptImage() {
	s.sdram.put(0, ^s.enc.header[0])
}

// FailNextDMA makes the next transfer end with a write error.
func (s *Sim) FailNextDMA() {
	s.enc.mu.Lock()
	s.enc.failNext = true
	s.enc.mu.Unlock()
}

// DropNextDMA makes the next transfer vanish without a completion.
func (s *Sim) DropNextDMA() {
	s.enc.mu.Lock()
	s.enc.dropNext = true
	s.enc.mu.Unlock()
}
