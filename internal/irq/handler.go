// Package irq demultiplexes the encoder interrupt line.
package irq

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/stream"
)

// Result tells the line whether the interrupt was ours.
type Result int

// Handler results.
const (
	None Result = iota
	Handled
)

func (r Result) String() string {
	if r == Handled {
		return "handled"
	}
	return "none"
}

// Hardware is the interrupt half of the register file.
type Hardware interface {
	IRQStatus() uint32
	IRQMask() uint32
	AckIRQ(bits uint32)
}

// Engine is the DMA engine as seen from the interrupt goroutine.
type Engine interface {
	Lock()
	Unlock()
	StartLocked(vbiPath bool)
	FinishLocked()
	ErrorLocked()
}

// Mailbox sends without sleeping.
type Mailbox interface {
	CallNoWait(cmd mailbox.Command, args ...uint32) error
}

// Config wires a Handler.
type Config struct {
	Label    string
	Hardware Hardware
	Engine   Engine
	Mailbox  Mailbox
	Streams  *stream.Registry
	Events   events.Publisher
	// OnDMAError runs after a hardware DMA error, still on the interrupt goroutine.
	OnDMAError func()
}

// Handler serves one device's interrupts. Handle is not reentrant; the engine
// lock is held for the whole call.
type Handler struct {
	cfg    Config
	vbi    atomic.Uint64
	logger *slog.Logger
}

// New creates a handler.
func New(cfg Config) *Handler {
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	return &Handler{
		cfg:    cfg,
		logger: logging.GetLogger("irq").With("device", cfg.Label),
	}
}

// VBIInterrupts counts VBI capture interrupts seen so far.
func (h *Handler) VBIInterrupts() uint64 {
	return h.vbi.Load()
}

// Handle reads, acknowledges and dispatches the pending interrupt sources in
// fixed priority order.
func (h *Handler) Handle() Result {
	h.cfg.Engine.Lock()
	defer h.cfg.Engine.Unlock()

	status := h.cfg.Hardware.IRQStatus()
	combo := ^h.cfg.Hardware.IRQMask() & status
	if combo == 0 {
		return None
	}
	h.cfg.Hardware.AckIRQ(combo)
	h.logger.Debug("Interrupt", "bits", fmt.Sprintf("0x%08x", combo))

	if combo&(hw.IRQDMARead|hw.IRQDecDMAComplete) != 0 {
		h.count("dma_read")
		h.logger.Debug("DMA read done")
	}

	if combo&hw.IRQEncDMAComplete != 0 {
		h.count("enc_dma_complete")
		h.cfg.Engine.FinishLocked()
	}

	if combo&hw.IRQDMAErr != 0 {
		h.count("dma_error")
		h.cfg.Engine.ErrorLocked()
		h.cfg.Hardware.AckIRQ(combo & hw.IRQDMAErr)
		if h.cfg.OnDMAError != nil {
			h.cfg.OnDMAError()
		}
	}

	if combo&hw.IRQEncStartCap != 0 {
		h.count("enc_start_cap")
		h.cfg.Engine.StartLocked(false)
	}

	if combo&hw.IRQEncVIMReset != 0 {
		h.count("enc_vim_reset")
		if err := h.cfg.Mailbox.CallNoWait(mailbox.CmdRefreshInput, 0); err != nil {
			h.logger.Warn("Cannot refresh input after VIM reset", "error", err)
		}
	}

	if combo&hw.IRQEncVBICap != 0 {
		h.count("enc_vbi_cap")
		h.vbi.Add(1)
		h.cfg.Engine.StartLocked(true)
	}

	if combo&hw.IRQEncEOS != 0 {
		h.count("enc_eos")
		h.endOfStream()
	}

	return Handled
}

func (h *Handler) endOfStream() {
	h.logger.Info("Encoder end of stream")
	for _, st := range h.cfg.Streams.All() {
		if st.Flags().InUse {
			st.SetEOS()
		}
	}
	h.cfg.Events.Publish(events.EndOfStreamEvent{
		Device:    h.cfg.Label,
		Timestamp: events.Now(),
	})
}

func (h *Handler) count(source string) {
	metrics.IncIRQ(h.cfg.Label, source)
}
