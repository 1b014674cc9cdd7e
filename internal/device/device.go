// Package device assembles one encoder card out of the register file,
// mailbox, DMA engine, interrupt handler, reset controller and stream
// registry, and exposes the operations capture consumers use.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/smazurov/cxcap/internal/dma"
	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/firmware"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/irq"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/poll"
	"github.com/smazurov/cxcap/internal/reset"
	"github.com/smazurov/cxcap/internal/stream"
)

// ErrClosed fails buffers still held when the device closes.
var ErrClosed = errors.New("device: closed")

// Line delivers a wakeup for every interrupt assertion.
type Line interface {
	Interrupts() <-chan struct{}
}

// Platform is the bus side of a card.
type Platform interface {
	Line
	Registers() hw.Bus
	Memory() hw.Memory
	Mapper() dma.Mapper
}

// Allocator provides host buffer pages.
type Allocator interface {
	AllocPages(size int) ([]stream.Page, error)
	FreePages(pages []stream.Page)
	ReadPages(pages []stream.Page, n int) []byte
}

// Config describes one device.
type Config struct {
	Name    string
	Streams []stream.Type
	Codec   Codec
	// VBI sizes the sliced VBI blocks. A zero FramesPerInterrupt leaves VBI
	// unconfigured.
	VBI          dma.VBIConfig
	VBIInsertion bool

	Timing    hw.Timing
	Mailbox   mailbox.Options
	DMA       dma.Options
	ResetWait poll.Options
	// StopWait bounds how long StopCapture waits for an in-flight transfer.
	StopWait poll.Options

	Loader    firmware.Loader
	Allocator Allocator
	Events    events.Publisher
}

// DefaultConfig returns the timings of real hardware for a device called name.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Streams:   []stream.Type{stream.MPG, stream.YUV, stream.PCM, stream.VBI, stream.RAD},
		Codec:     DefaultCodec(),
		Timing:    hw.DefaultTiming(),
		Mailbox:   mailbox.DefaultOptions(name),
		DMA:       dma.DefaultOptions(name),
		ResetWait: poll.Every(time.Second, 4),
		StopWait:  poll.Every(10*time.Millisecond, 100),
		Loader:    firmware.FileLoader{Dirs: firmware.DefaultDirs, Name: firmware.Name},
	}
}

// Device is one probed encoder card.
type Device struct {
	cfg Config

	hw      *hw.Hardware
	mem     hw.Memory
	mbox    *mailbox.Client
	engine  *dma.Engine
	irq     *irq.Handler
	reset   *reset.Controller
	streams *stream.Registry
	alloc   Allocator
	bus     events.Publisher

	// mu serializes capture start and stop across streams.
	mu        sync.Mutex
	capturing int
	codec     Codec

	serveMu sync.Mutex
	serving bool
	tomb    tomb.Tomb

	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger
}

// Probe brings up the card behind platform: SDRAM init, firmware upload, mailbox
// search, liveness check and interrupt setup. The returned device is serving
// its interrupt line.
func Probe(ctx context.Context, platform Platform, cfg Config) (*Device, error) {
	if cfg.Name == "" {
		return nil, NewError(CodeInvalid, "device name required", nil)
	}
	codec, err := cfg.Codec.Validate()
	if err != nil {
		return nil, err
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = DefaultConfig(cfg.Name).Streams
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	cfg.Mailbox.Label = cfg.Name
	cfg.DMA.Label = cfg.Name

	d := &Device{
		cfg:     cfg,
		hw:      hw.New(platform.Registers(), cfg.Timing),
		mem:     platform.Memory(),
		mbox:    mailbox.NewClient(cfg.Mailbox),
		streams: stream.NewRegistry(cfg.Name, cfg.Streams...),
		alloc:   cfg.Allocator,
		bus:     cfg.Events,
		codec:   codec,
		closed:  make(chan struct{}),
		logger:  logging.GetLogger("device").With("device", cfg.Name),
	}
	d.streams.SetVBIInsertion(cfg.VBIInsertion)

	dmaOpts := cfg.DMA
	dmaOpts.OnTimeout = func(t stream.Type) {
		d.logger.Warn("Transfer timed out, requesting firmware check", "stream", t.String())
		d.reset.RequestReset(false)
	}
	d.engine = dma.New(dma.Deps{
		Hardware: d.hw,
		Mailbox:  d.mbox,
		Memory:   d.mem,
		Mapper:   platform.Mapper(),
		Streams:  d.streams,
		Events:   d.bus,
	}, dmaOpts)
	vbi := cfg.VBI
	vbi.Started = false
	d.engine.SetVBI(vbi)

	d.irq = irq.New(irq.Config{
		Label:    cfg.Name,
		Hardware: d.hw,
		Engine:   d.engine,
		Mailbox:  d.mbox,
		Streams:  d.streams,
		Events:   d.bus,
		OnDMAError: func() {
			d.reset.RequestReset(false)
		},
	})
	d.reset = reset.New(reset.Config{
		Label:    cfg.Name,
		Mailbox:  d.mbox,
		Hardware: d.hw,
		Memory:   d.mem,
		Engine:   d.engine,
		Streams:  d.streams,
		Loader:   cfg.Loader,
		Events:   d.bus,
		Reprime:  d.reprime,
		Wait:     cfg.ResetWait,
	})

	d.hw.MaskIRQ(hw.IRQMaskAll)
	if err := d.reset.Boot(ctx); err != nil {
		return nil, wrap("firmware did not start", err)
	}
	d.hw.MaskIRQ(hw.IRQMaskAll)
	d.hw.UnmaskIRQ(hw.IRQMaskInit)
	d.Serve(platform)

	base, _ := d.mbox.Base()
	d.logger.Info("Encoder ready",
		"firmware", fmt.Sprintf("0x%08x", d.reset.Version()),
		"mailbox", fmt.Sprintf("0x%08x", base))
	return d, nil
}

// Name is the device label.
func (d *Device) Name() string { return d.cfg.Name }

// Serve runs the interrupt handler for every assertion of line until Close.
// Only the first call starts a goroutine.
func (d *Device) Serve(line Line) {
	d.serveMu.Lock()
	defer d.serveMu.Unlock()
	if d.serving {
		return
	}
	d.serving = true
	d.tomb.Go(func() error {
		for {
			select {
			case <-d.tomb.Dying():
				return nil
			case <-line.Interrupts():
				d.irq.Handle()
			}
		}
	})
}

// service runs a reset the interrupt path asked for.
func (d *Device) service(ctx context.Context) {
	if !d.reset.Pending() {
		return
	}
	if err := d.reset.Service(ctx); err != nil {
		d.logger.Error("Requested reset failed", "error", err)
	}
}

func (d *Device) checkOpen() error {
	select {
	case <-d.closed:
		return NewError(CodeIO, "device closed", ErrClosed)
	default:
		return nil
	}
}

func (d *Device) stream(t stream.Type) (*stream.Stream, error) {
	st, err := d.streams.Get(t)
	if err != nil {
		return nil, wrap("unknown stream", err)
	}
	return st, nil
}

// Streams returns the stream registry.
func (d *Device) Streams() *stream.Registry { return d.streams }

// Engine returns the DMA engine.
func (d *Device) Engine() *dma.Engine { return d.engine }

// Reload forces a full firmware reload.
func (d *Device) Reload(ctx context.Context) error {
	return d.Reset(ctx, true, reset.Full)
}

// Reset runs the reset controller.
func (d *Device) Reset(ctx context.Context, force bool, mode reset.Mode) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return wrap("firmware reset", d.reset.Reset(ctx, force, mode))
}

// Rearm clears the reset failure counter, used when a new image appears.
func (d *Device) Rearm() { d.reset.Rearm() }

// Info is a device summary.
type Info struct {
	Name            string `json:"name"`
	Firmware        string `json:"firmware"`
	MailboxBase     string `json:"mailbox_base,omitempty"`
	MailboxAttached bool   `json:"mailbox_attached"`
	IRQMask         string `json:"irq_mask"`
	ResetFailures   int    `json:"reset_failures"`
	ResetPending    bool   `json:"reset_pending"`
	Capturing       int    `json:"capturing"`
	DMABusy         bool   `json:"dma_busy"`
	Invariant       string `json:"invariant"`
	Closed          bool   `json:"closed"`
}

// Info summarizes the device.
func (d *Device) Info() Info {
	info := Info{
		Name:          d.cfg.Name,
		Firmware:      fmt.Sprintf("0x%08x", d.reset.Version()),
		IRQMask:       fmt.Sprintf("0x%08x", d.hw.IRQMask()),
		ResetFailures: d.reset.Failures(),
		ResetPending:  d.reset.Pending(),
		Invariant:     "ok",
		Closed:        d.checkOpen() != nil,
	}
	if base, ok := d.mbox.Base(); ok {
		info.MailboxBase = fmt.Sprintf("0x%08x", base)
		info.MailboxAttached = true
	}
	d.mu.Lock()
	info.Capturing = d.capturing
	d.mu.Unlock()
	info.DMABusy, _ = d.engine.Busy()
	if err := d.engine.CheckInvariant(); err != nil {
		info.Invariant = err.Error()
	}
	return info
}

// StreamStatus is the state of one stream.
type StreamStatus struct {
	Type       string            `json:"type"`
	Owner      int64             `json:"owner"`
	Flags      stream.Flags      `json:"flags"`
	DMA        dma.ChannelStatus `json:"dma"`
	Last       stream.Completion `json:"last_completion"`
	Queued     int               `json:"queued"`
	Active     int               `json:"active"`
	Done       int               `json:"done"`
	LastID     uint64            `json:"last_request_id"`
	CaptureArg [2]uint32         `json:"capture_args"`
}

// Status reports the state of stream t.
func (d *Device) Status(t stream.Type) (StreamStatus, error) {
	st, err := d.stream(t)
	if err != nil {
		return StreamStatus{}, err
	}
	return d.statusOf(st), nil
}

// StatusAll reports every stream in type order.
func (d *Device) StatusAll() []StreamStatus {
	var out []StreamStatus
	for _, st := range d.streams.All() {
		out = append(out, d.statusOf(st))
	}
	return out
}

func (d *Device) statusOf(st *stream.Stream) StreamStatus {
	queued, active, done := st.Counts()
	captype, subtype := st.Capture()
	return StreamStatus{
		Type:       st.Type.String(),
		Owner:      st.Owner(),
		Flags:      st.Flags(),
		DMA:        d.engine.Status(st.Type),
		Last:       st.LastCompletion(),
		Queued:     queued,
		Active:     active,
		Done:       done,
		LastID:     d.engine.LastRequestID(st.Type),
		CaptureArg: [2]uint32{captype, subtype},
	}
}

// Close stops every capture, halts the firmware, masks the interrupts, stops
// serving the line and fails whatever buffers remain.
func (d *Device) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		for _, st := range d.streams.Capturing() {
			if stopErr := d.StopCapture(ctx, st.Type); stopErr != nil {
				d.logger.Warn("Capture stop failed during close", "stream", st.Type.String(), "error", stopErr)
			}
		}
		if _, ok := d.mbox.Base(); ok {
			if _, haltErr := d.mbox.Call(ctx, mailbox.CmdHaltFW); haltErr != nil {
				d.logger.Debug("Firmware did not acknowledge halt", "error", haltErr)
			}
		}
		d.hw.HaltUnits(true)
		d.hw.MaskIRQ(hw.IRQMaskAll)
		close(d.closed)

		d.tomb.Kill(nil)
		d.serveMu.Lock()
		serving := d.serving
		d.serveMu.Unlock()
		if serving {
			err = d.tomb.Wait()
		}

		d.engine.AbortAll(ErrClosed)
		d.streams.AbortAll(ErrClosed)
		metrics.DeleteDeviceMetrics(d.cfg.Name)
		d.logger.Info("Device closed")
	})
	return err
}
