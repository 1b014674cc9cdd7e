// Package reset recovers a stalled encoder by halting it, optionally reloading
// the firmware image and re-priming the streams that were capturing.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/firmware"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/poll"
	"github.com/smazurov/cxcap/internal/stream"
)

// Mode selects how much of the firmware is restarted.
type Mode int

// Reset modes.
const (
	// Quick halts and restarts the units.
	Quick Mode = iota
	// Soft also searches the mailbox again.
	Soft
	// Full also uploads the firmware image.
	Full
)

func (m Mode) String() string {
	switch m {
	case Quick:
		return "quick"
	case Soft:
		return "soft"
	case Full:
		return "full"
	}
	return fmt.Sprintf("mode%d", int(m))
}

// ParseMode accepts quick, soft or full.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Quick, Soft, Full} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("reset: unknown mode %q", s)
}

// MaxFailures is the number of consecutive failed restarts after which Reset
// gives up.
const MaxFailures = 3

// DMA_BLOCKLEN arguments used when capture is primed.
const (
	BlockLen      uint32 = 131072
	BlockLenUnits uint32 = 0
)

var (
	// ErrExhausted means MaxFailures restarts in a row failed.
	ErrExhausted = errors.New("reset: retries exhausted")
	// ErrFirmwareDead means the firmware did not answer after a restart.
	ErrFirmwareDead = errors.New("reset: firmware not responding")
	// ErrBusy means another reset kept running past the wait.
	ErrBusy = errors.New("reset: reset in progress")
	// ErrAborted fails buffers caught in flight by a reset.
	ErrAborted = errors.New("reset: transfer aborted by firmware reset")
)

// Mailbox is the process-context mailbox.
type Mailbox interface {
	Call(ctx context.Context, cmd mailbox.Command, args ...uint32) (mailbox.Result, error)
	Locate(mem hw.Memory) error
	Detach()
	Base() (uint32, bool)
	Cache() *mailbox.Cache
}

// Hardware is the unit control half of the register file.
type Hardware interface {
	InitSDRAM()
	HaltUnits(settleFirst bool)
	StartUnits()
	MaskIRQ(bits uint32)
	UnmaskIRQ(bits uint32)
}

// Engine is the DMA engine as seen by a reset.
type Engine interface {
	DMAErrorPending() bool
	ClearDMAError()
	AbortAll(err error) int
	Poll()
}

// Config wires a Controller.
type Config struct {
	Label    string
	Mailbox  Mailbox
	Hardware Hardware
	Memory   hw.Memory
	Engine   Engine
	Streams  *stream.Registry
	Loader   firmware.Loader
	Events   events.Publisher
	// Reprime programs the encoder again before captures are restarted. When
	// nil only DMA_BLOCKLEN is sent.
	Reprime func(ctx context.Context) error
	// Wait bounds how long a second caller waits for a running reset.
	Wait poll.Options
}

type request int32

const (
	requestNone request = iota
	requestSoft
	requestHard
)

// Controller is the single recovery entry point of a device.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	failures atomic.Int32
	version  atomic.Uint32
	pending  atomic.Int32

	logger *slog.Logger
}

// New creates a controller. A zero Wait polls every second for 3 seconds.
func New(cfg Config) *Controller {
	if cfg.Wait.Attempts == 0 {
		cfg.Wait = poll.Every(time.Second, 4)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	return &Controller{
		cfg:    cfg,
		logger: logging.GetLogger("reset").With("device", cfg.Label),
	}
}

// Failures returns the consecutive failed restart count.
func (c *Controller) Failures() int {
	return int(c.failures.Load())
}

// Rearm clears the failure counter so a new firmware image gets fresh
// attempts.
func (c *Controller) Rearm() {
	c.failures.Store(0)
	metrics.SetFirmwareFailures(c.cfg.Label, 0)
}

// Version returns the firmware version read after the last successful start.
func (c *Controller) Version() uint32 {
	return c.version.Load()
}

// Boot brings the encoder up from power-on: SDRAM init, halt, image upload,
// start, mailbox search and liveness check.
func (c *Controller) Boot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.Hardware.InitSDRAM()
	c.halt(ctx)
	if err := c.upload(); err != nil {
		return err
	}
	c.cfg.Hardware.StartUnits()
	if err := c.cfg.Mailbox.Locate(c.cfg.Memory); err != nil {
		return fmt.Errorf("reset: mailbox not found after boot: %w", err)
	}
	if err := c.ping(ctx); err != nil {
		c.cfg.Mailbox.Detach()
		return fmt.Errorf("%w: %w", ErrFirmwareDead, err)
	}
	c.readVersion(ctx)
	return nil
}

// Reset recovers the firmware. Without force a live firmware with no DMA
// error pending is left alone. A caller arriving during another reset waits
// for it and gets nil if it finished in time.
func (c *Controller) Reset(ctx context.Context, force bool, mode Mode) error {
	if !c.mu.TryLock() {
		return c.waitRunning(ctx)
	}
	defer c.mu.Unlock()

	outcome, err := c.reset(ctx, force, mode)
	metrics.ObserveReset(c.cfg.Label, mode.String(), outcome)
	metrics.SetFirmwareFailures(c.cfg.Label, c.Failures())
	ev := events.FirmwareResetEvent{
		Device:    c.cfg.Label,
		Mode:      mode.String(),
		Forced:    force,
		Outcome:   outcome,
		Failures:  c.Failures(),
		Timestamp: events.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
		c.logger.Error("Firmware reset failed", "mode", mode.String(), "forced", force, "outcome", outcome, "error", err)
	} else if outcome != "alive" {
		c.logger.Info("Firmware reset", "mode", mode.String(), "forced", force, "version", fmt.Sprintf("0x%08x", c.Version()))
	}
	c.cfg.Events.Publish(ev)
	return err
}

func (c *Controller) waitRunning(ctx context.Context) error {
	c.logger.Debug("Reset already running, waiting")
	err := poll.Until(ctx, func() bool {
		if c.mu.TryLock() {
			c.mu.Unlock()
			return true
		}
		return false
	}, c.cfg.Wait)
	if errors.Is(err, poll.ErrTimeout) {
		return ErrBusy
	}
	return err
}

func (c *Controller) reset(ctx context.Context, force bool, mode Mode) (string, error) {
	if !force && c.ping(ctx) == nil && !c.cfg.Engine.DMAErrorPending() {
		c.failures.Store(0)
		return "alive", nil
	}
	if c.Failures() >= MaxFailures {
		return "exhausted", fmt.Errorf("%w: %d failed restarts", ErrExhausted, c.Failures())
	}

	streams := c.cfg.Streams
	streams.MarkResetPending(true)
	if n := c.cfg.Engine.AbortAll(ErrAborted); n > 0 {
		c.logger.Warn("Transfers aborted by reset", "count", n)
	}

	capturing := streams.Capturing()
	if len(capturing) > 0 {
		c.quiet(ctx, mailbox.CmdMuteAudio, 1)
		c.quiet(ctx, mailbox.CmdPauseEncoder, 1)
		c.cfg.Hardware.MaskIRQ(hw.IRQMaskCapture)
	}

	c.cfg.Mailbox.Cache().InvalidateAll()
	c.halt(ctx)

	if mode == Full {
		if err := c.upload(); err != nil {
			c.failures.Add(1)
			c.wake()
			return "failed", err
		}
	}
	c.cfg.Hardware.StartUnits()

	located := false
	if _, attached := c.cfg.Mailbox.Base(); mode >= Soft || !attached {
		if err := c.locate(); err != nil {
			return "fatal", err
		}
		located = true
	}

	err := c.ping(ctx)
	if err != nil && !located {
		c.logger.Debug("No answer at the old mailbox, searching again", "error", err)
		if err := c.locate(); err != nil {
			return "fatal", err
		}
		err = c.ping(ctx)
	}
	if err != nil {
		c.cfg.Mailbox.Detach()
		c.failures.Add(1)
		c.wake()
		return "failed", fmt.Errorf("%w: %w", ErrFirmwareDead, err)
	}
	c.failures.Store(0)
	c.readVersion(ctx)

	if len(capturing) > 0 {
		if c.cfg.Reprime != nil {
			if err := c.cfg.Reprime(ctx); err != nil {
				c.logger.Warn("Cannot program encoder after reset", "error", err)
			}
		} else {
			c.quiet(ctx, mailbox.CmdAssignDMABlockLen, BlockLen, BlockLenUnits)
		}
		for _, st := range capturing {
			captype, subtype := st.Capture()
			if _, err := c.cfg.Mailbox.Call(ctx, mailbox.CmdBeginCapture, captype, subtype); err != nil {
				c.logger.Warn("Cannot restart capture", "stream", st.Type.String(), "error", err)
			}
		}
		c.quiet(ctx, mailbox.CmdPauseEncoder, 0)
		c.quiet(ctx, mailbox.CmdMuteAudio, 0)
		c.cfg.Hardware.UnmaskIRQ(hw.IRQMaskCapture)
	}

	streams.MarkResetPending(false)
	c.cfg.Engine.ClearDMAError()
	c.wake()
	c.cfg.Engine.Poll()
	return "ok", nil
}

// locate searches encoder memory for the mailbox. Failing to find it is
// counted as a failed restart.
func (c *Controller) locate() error {
	if err := c.cfg.Mailbox.Locate(c.cfg.Memory); err != nil {
		c.failures.Add(1)
		c.wake()
		return fmt.Errorf("reset: mailbox lost: %w", err)
	}
	return nil
}

// halt asks the firmware to stop if a mailbox is attached, then stops the units.
func (c *Controller) halt(ctx context.Context) {
	acked := false
	if _, ok := c.cfg.Mailbox.Base(); ok {
		if _, err := c.cfg.Mailbox.Call(ctx, mailbox.CmdHaltFW); err != nil {
			c.logger.Debug("Firmware did not acknowledge halt", "error", err)
		} else {
			acked = true
		}
	}
	c.cfg.Hardware.HaltUnits(acked)
}

func (c *Controller) upload() error {
	if c.cfg.Loader == nil {
		return fmt.Errorf("reset: %w: no loader", firmware.ErrNotFound)
	}
	image, err := c.cfg.Loader.Load()
	if err != nil {
		return fmt.Errorf("reset: load firmware: %w", err)
	}
	if err := firmware.Copy(c.cfg.Memory, image); err != nil {
		return fmt.Errorf("reset: upload firmware: %w", err)
	}
	return nil
}

func (c *Controller) ping(ctx context.Context) error {
	_, err := c.cfg.Mailbox.Call(ctx, mailbox.CmdPing)
	return err
}

func (c *Controller) readVersion(ctx context.Context) {
	res, err := c.cfg.Mailbox.Call(ctx, mailbox.CmdGetVersion)
	if err != nil {
		c.logger.Warn("Cannot read firmware version", "error", err)
		return
	}
	c.version.Store(res.Data[0])
}

// quiet sends a command whose failure only matters to the log.
func (c *Controller) quiet(ctx context.Context, cmd mailbox.Command, args ...uint32) {
	if _, err := c.cfg.Mailbox.Call(ctx, cmd, args...); err != nil {
		c.logger.Debug("Command failed during reset", "cmd", cmd.String(), "error", err)
	}
}

func (c *Controller) wake() {
	for _, st := range c.cfg.Streams.All() {
		st.Wake()
	}
}

// RequestReset records that the firmware needs attention. It never blocks and
// is safe from the interrupt goroutine; a hard request wins over a soft one.
func (c *Controller) RequestReset(hard bool) {
	want := requestSoft
	if hard {
		want = requestHard
	}
	for {
		cur := request(c.pending.Load())
		if cur >= want {
			return
		}
		if c.pending.CompareAndSwap(int32(cur), int32(want)) {
			c.logger.Debug("Reset requested", "hard", hard)
			return
		}
	}
}

// Pending reports whether a reset was requested and not yet serviced.
func (c *Controller) Pending() bool {
	return request(c.pending.Load()) != requestNone
}

// Service runs a requested reset: a soft request gets a non-forced Quick
// reset, a hard one a forced Full reset.
func (c *Controller) Service(ctx context.Context) error {
	switch request(c.pending.Swap(int32(requestNone))) {
	case requestSoft:
		return c.Reset(ctx, false, Quick)
	case requestHard:
		return c.Reset(ctx, true, Full)
	}
	return nil
}
