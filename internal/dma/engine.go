// Package dma moves encoder output into host buffers.
//
// The firmware announces a finished block through the DMA request box, the
// engine answers with a scatter-gather list over the next queued buffer and
// the firmware reports completion through the DMA done box. At most one
// transfer is in flight per device; every other request waits in
// RequestPending until a trigger runs the deferred schedule.
//
// Methods ending in Locked expect the caller to hold the engine lock, which
// the interrupt handler keeps for its whole run.
package dma

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/stream"
)

// Hardware is the part of the register file the engine drives.
type Hardware interface {
	DMAStatus() uint32
	DMAReady() bool
	CancelDMA()
}

// Mailbox is the non-sleeping part of the firmware mailbox.
type Mailbox interface {
	Peek(box int) (mailbox.Result, error)
	ScheduleDMA(kind, sgAddr, size uint32) (uint32, error)
}

// Mapper makes a descriptor list visible to the device.
type Mapper interface {
	Map(sg List) (uint32, error)
	Unmap(handle uint32)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Hardware Hardware
	Mailbox  Mailbox
	// Memory is the encoder SDRAM window, needed for VBI timestamps.
	Memory  hw.Memory
	Mapper  Mapper
	Streams *stream.Registry
	Events  events.Publisher
}

// Options tunes an Engine.
type Options struct {
	Label    string
	PageSize uint32
	// Timeout bounds a transfer from submission to completion.
	Timeout time.Duration
	Now     func() time.Time
	// OnTransition observes every state change. Called with the engine lock held.
	OnTransition func(t stream.Type, from, to State)
	// OnTimeout runs after a transfer timed out, outside the engine lock.
	OnTimeout func(t stream.Type)
}

// DefaultOptions returns 4 KiB pages and a one second transfer timeout.
func DefaultOptions(label string) Options {
	return Options{
		Label:    label,
		PageSize: 4096,
		Timeout:  time.Second,
	}
}

type channel struct {
	state  State
	req    Request
	nextID uint64
	sg     List
	used   uint32
	handle uint32
	mapped bool
	timer  *time.Timer
	gen    uint64
	err    error
}

// ChannelStatus is a snapshot of one stream's transfer state.
type ChannelStatus struct {
	State   State   `json:"state"`
	Request Request `json:"request"`
	SG      int     `json:"sg_elements"`
	Mapped  bool    `json:"mapped"`
	Error   string  `json:"error,omitempty"`
}

// Engine schedules and completes encoder to host transfers.
type Engine struct {
	mu sync.Mutex

	opts    Options
	hw      Hardware
	mbox    Mailbox
	mem     hw.Memory
	mapper  Mapper
	streams *stream.Registry
	bus     events.Publisher

	ch         [stream.Count]channel
	busy       bool
	busyStream stream.Type
	queued     bool
	dmaErr     bool
	vbi        VBIConfig

	warn   *rate.Limiter
	logger *slog.Logger
}

// New creates an engine over deps.
func New(deps Deps, opts Options) *Engine {
	if opts.PageSize == 0 {
		opts.PageSize = 4096
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	bus := deps.Events
	if bus == nil {
		bus = events.Discard{}
	}
	return &Engine{
		opts:    opts,
		hw:      deps.Hardware,
		mbox:    deps.Mailbox,
		mem:     deps.Memory,
		mapper:  deps.Mapper,
		streams: deps.Streams,
		bus:     bus,
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
		logger:  logging.GetLogger("dma").With("device", opts.Label),
	}
}

// Lock takes the engine lock.
func (e *Engine) Lock() { e.mu.Lock() }

// Unlock releases the engine lock.
func (e *Engine) Unlock() { e.mu.Unlock() }

// SetVBI replaces the VBI block description.
func (e *Engine) SetVBI(cfg VBIConfig) {
	e.mu.Lock()
	e.vbi = cfg
	e.mu.Unlock()
}

// VBI returns the VBI block description.
func (e *Engine) VBI() VBIConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vbi
}

// State returns the transfer state of stream t.
func (e *Engine) State(t stream.Type) State {
	if !t.Valid() {
		return Idle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch[t].state
}

// Status returns a snapshot of stream t.
func (e *Engine) Status(t stream.Type) ChannelStatus {
	if !t.Valid() {
		return ChannelStatus{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := &e.ch[t]
	st := ChannelStatus{State: ch.state, Request: ch.req, SG: len(ch.sg), Mapped: ch.mapped}
	if ch.err != nil {
		st.Error = ch.err.Error()
	}
	return st
}

// LastRequestID returns the id of the newest accepted request of stream t.
func (e *Engine) LastRequestID(t stream.Type) uint64 {
	if !t.Valid() {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch[t].nextID
}

// Busy reports whether a transfer is in flight and for which stream.
func (e *Engine) Busy() (bool, stream.Type) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy, e.busyStream
}

// Queued reports whether a request is waiting for a deferred schedule.
func (e *Engine) Queued() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// DMAErrorPending reports a hardware DMA error not yet handled by a reset.
func (e *Engine) DMAErrorPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dmaErr
}

// ClearDMAError forgets a handled hardware DMA error.
func (e *Engine) ClearDMAError() {
	e.mu.Lock()
	e.dmaErr = false
	e.mu.Unlock()
}

// StartLocked handles a DMA-ready event. vbiPath is set for the VBI capture
// interrupt.
func (e *Engine) StartLocked(vbiPath bool) {
	box, err := e.mbox.Peek(mailbox.BoxDMARequest)
	if err != nil {
		e.warnf("Cannot read DMA request", "error", err)
		return
	}
	req, err := DecodeRequest(box, vbiPath, e.vbi, e.mem, e.opts.PageSize)
	if err != nil {
		if errors.Is(err, ErrVBIInactive) {
			e.logger.Debug("VBI request before VBI capture started")
			return
		}
		e.warnf("Ignoring DMA request", "error", err)
		metrics.IncDMAError(e.opts.Label, "invalid")
		return
	}
	st, err := e.streams.Get(req.Stream)
	if err != nil {
		e.warnf("No stream for DMA request", "stream", req.Stream.String(), "error", err)
		metrics.IncDMAError(e.opts.Label, "invalid")
		return
	}

	ch := &e.ch[req.Stream]
	if ch.state.Pending() {
		e.logger.Debug("DMA request while another is pending, finishing first",
			"stream", req.Stream.String(), "pending", ch.req.String(), "new", req.String())
		e.FinishLocked()
		if ch.state.Pending() {
			e.warnf("Dropping DMA request, previous one still pending",
				"stream", req.Stream.String(), "pending", ch.req.String(), "dropped", req.String())
			metrics.IncDropped(e.opts.Label, req.Stream.String())
			e.queued = true
			e.bus.Publish(events.DMAErrorEvent{
				Device:    e.opts.Label,
				Stream:    req.Stream.String(),
				Reason:    "dropped",
				Timestamp: events.Now(),
			})
			return
		}
	}

	ch.nextID++
	req.ID = ch.nextID
	ch.req = req
	ch.err = nil
	e.transition(req.Stream, RequestPending)
	e.logger.Debug("DMA request", "request", req.String(), "bytes", req.Bytes, "pts", req.PTS)
	e.trySchedule(st)
}

// trySchedule moves a pending request of st onto the hardware if the stream,
// the device and the encoder are all ready. It reports whether the transfer
// was submitted.
func (e *Engine) trySchedule(st *stream.Stream) bool {
	t := st.Type
	ch := &e.ch[t]
	if ch.state != RequestPending {
		return false
	}

	flags := st.Flags()
	switch {
	case flags.DMAPending || e.busy:
		e.deferLocked(t, "transfer in flight")
		return false
	case !e.hw.DMAReady():
		e.deferLocked(t, fmt.Sprintf("encoder busy, status 0x%08x", e.hw.DMAStatus()))
		return false
	case flags.ResetPending:
		e.deferLocked(t, "reset pending")
		return false
	case !flags.InUse && !flags.Capturing:
		e.warnf("Dropping DMA request for idle stream", "request", ch.req.String())
		metrics.IncDropped(e.opts.Label, t.String())
		e.transition(t, Idle)
		return false
	}

	e.transition(t, Scheduled)
	buf, ok := st.Activate()
	if !ok {
		e.transition(t, RequestPending)
		e.deferLocked(t, "no buffer queued")
		return false
	}

	sg, used, truncated := Build(ch.req, buf.Pages)
	if truncated {
		st.Update(func(f *stream.Flags) { f.Overflow = true })
		e.warnf("Buffer smaller than transfer, truncating",
			"request", ch.req.String(), "buffer", buf.Index, "capacity", buf.Size(), "needed", ch.req.Bytes)
	}
	if len(sg) == 0 {
		st.Requeue()
		e.transition(t, RequestPending)
		e.deferLocked(t, "empty buffer")
		return false
	}

	handle, err := e.mapper.Map(sg)
	if err != nil {
		st.Requeue()
		e.transition(t, RequestPending)
		e.deferLocked(t, "descriptor mapping failed: "+err.Error())
		return false
	}
	ch.sg, ch.used, ch.handle, ch.mapped = sg, used, handle, true
	e.setBusyLocked(st, true)

	retval, err := e.mbox.ScheduleDMA(ch.req.Kind, handle, sg.Bytes())
	if err == nil && retval != 0 {
		err = fmt.Errorf("%w: firmware returned 0x%08x", mailbox.ErrFirmware, retval)
	}
	if err != nil {
		e.unmapLocked(ch)
		st.Requeue()
		e.setBusyLocked(st, false)
		e.transition(t, RequestPending)
		metrics.IncDMAError(e.opts.Label, "schedule")
		e.deferLocked(t, "schedule failed: "+err.Error())
		return false
	}

	ch.gen++
	gen := ch.gen
	ch.timer = time.AfterFunc(e.opts.Timeout, func() { e.expire(t, gen) })
	e.transition(t, Active)
	e.logger.Debug("DMA scheduled", "request", ch.req.String(), "buffer", buf.Index,
		"elements", len(sg), "bytes", sg.Bytes(), "handle", fmt.Sprintf("0x%08x", handle))
	return true
}

func (e *Engine) deferLocked(t stream.Type, reason string) {
	e.queued = true
	metrics.IncDeferred(e.opts.Label)
	e.logger.Debug("DMA deferred", "stream", t.String(), "reason", reason)
}

// FinishLocked handles the encoder DMA complete event.
func (e *Engine) FinishLocked() {
	e.finishLocked(false)
}

// finishLocked collects the completion record. With cancelled set the
// hardware aborted the transfer, so the record may be left over from the
// previous one and the buffer is failed whatever it reports.
func (e *Engine) finishLocked(cancelled bool) {
	box, err := e.mbox.Peek(mailbox.BoxDMADone)
	if err != nil {
		e.warnf("Cannot read DMA done info", "error", err)
		return
	}
	done := DecodeDone(box)
	t, ok := stream.TypeForKind(done.Kind)
	if !ok {
		e.warnf("DMA done for unknown transfer type", "kind", done.Kind, "status", fmt.Sprintf("0x%08x", done.Status))
		metrics.IncDMAError(e.opts.Label, "invalid")
		return
	}
	ch := &e.ch[t]
	if ch.state != Active || !e.busy || e.busyStream != t {
		e.warnf("DMA done with nothing in flight", "stream", t.String(), "state", ch.state.String(),
			"status", fmt.Sprintf("0x%08x", done.Status))
		metrics.IncDMAError(e.opts.Label, "spurious")
		return
	}
	if !done.Complete() {
		e.logger.Debug("DMA done but transfer still busy", "stream", t.String(), "status", fmt.Sprintf("0x%08x", done.Status))
		return
	}

	e.transition(t, Completing)
	if done.Failed() || cancelled {
		reason := "transfer"
		if done.Failed() {
			metrics.IncDMAError(e.opts.Label, reason)
		} else {
			reason = "hardware"
		}
		e.warnf("DMA transfer failed", "request", ch.req.String(), "status", fmt.Sprintf("0x%08x", done.Status),
			"reason", reason)
		e.bus.Publish(events.DMAErrorEvent{
			Device:    e.opts.Label,
			Stream:    t.String(),
			Status:    done.Status,
			Reason:    reason,
			Timestamp: events.Now(),
		})
		e.completeLocked(t, done, ErrTransfer)
		return
	}
	e.completeLocked(t, done, nil)
}

// ErrorLocked handles the DMA error interrupt: the hardware transfer is
// cancelled and the transfer in flight is failed, even when the done box
// reports completion.
func (e *Engine) ErrorLocked() {
	status := e.hw.DMAStatus()
	e.hw.CancelDMA()
	e.dmaErr = true
	metrics.IncDMAError(e.opts.Label, "hardware")
	e.warnf("Hardware DMA error, cancelling transfer", "status", fmt.Sprintf("0x%08x", status))

	e.finishLocked(true)
	if !e.busy {
		return
	}
	t := e.busyStream
	if !e.ch[t].state.InFlight() {
		return
	}
	e.bus.Publish(events.DMAErrorEvent{
		Device:    e.opts.Label,
		Stream:    t.String(),
		Status:    status,
		Reason:    "hardware",
		Timestamp: events.Now(),
	})
	e.completeLocked(t, Done{Status: status, Kind: t.Kind()}, ErrTransfer)
}

// completeLocked ends the transfer of stream t. A nil err marks the buffer Done.
func (e *Engine) completeLocked(t stream.Type, done Done, err error) {
	ch := &e.ch[t]
	st, gerr := e.streams.Get(t)
	if gerr != nil {
		return
	}
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	ch.gen++
	e.unmapLocked(ch)

	used := int(ch.used)
	if err != nil {
		used = 0
	}
	buf := st.Finish(stream.Completion{
		Status:    done.Status,
		Kind:      done.Kind,
		PTS:       ch.req.PTS,
		Bytes:     used,
		Failed:    err != nil,
		Timestamp: e.opts.Now(),
	}, err)
	e.setBusyLocked(st, false)
	ch.err = err
	ch.used = 0

	if err != nil {
		e.transition(t, Error)
	} else {
		e.transition(t, Idle)
		metrics.ObserveTransfer(e.opts.Label, t.String(), used)
	}

	if buf != nil {
		ev := events.BufferDoneEvent{
			Device:    e.opts.Label,
			Stream:    t.String(),
			Index:     buf.Index,
			RequestID: ch.req.ID,
			Bytes:     used,
			PTS:       ch.req.PTS,
			Failed:    err != nil,
			Timestamp: events.Now(),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		e.bus.Publish(ev)
	} else {
		e.warnf("Transfer finished without an active buffer", "request", ch.req.String())
	}

	e.runDeferredLocked()
}

func (e *Engine) unmapLocked(ch *channel) {
	if ch.mapped {
		e.mapper.Unmap(ch.handle)
	}
	ch.mapped = false
	ch.handle = 0
	ch.sg = nil
}

func (e *Engine) setBusyLocked(st *stream.Stream, on bool) {
	st.Update(func(f *stream.Flags) { f.DMAPending = on })
	e.busy = on
	e.busyStream = st.Type
}

// runDeferredLocked schedules the first pending request in stream order.
func (e *Engine) runDeferredLocked() {
	if !e.queued || e.busy {
		return
	}
	e.queued = false
	for _, st := range e.streams.All() {
		if !st.Type.HasDMA() || e.ch[st.Type].state != RequestPending {
			continue
		}
		if e.trySchedule(st) || e.busy {
			return
		}
	}
}

// Poll runs a deferred schedule. It is the trigger for buffer availability and
// explicit retries.
func (e *Engine) Poll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runDeferredLocked()
}

func (e *Engine) expire(t stream.Type, gen uint64) {
	e.mu.Lock()
	ch := &e.ch[t]
	if ch.gen != gen || ch.state != Active {
		e.mu.Unlock()
		return
	}
	id := ch.req.ID
	e.warnf("DMA transfer timed out", "request", ch.req.String(), "timeout", e.opts.Timeout,
		"status", fmt.Sprintf("0x%08x", e.hw.DMAStatus()))
	metrics.IncDMAError(e.opts.Label, "timeout")
	e.hw.CancelDMA()
	e.completeLocked(t, Done{Kind: t.Kind()}, ErrTimeout)
	e.mu.Unlock()

	e.bus.Publish(events.DMATimeoutEvent{
		Device:    e.opts.Label,
		Stream:    t.String(),
		RequestID: id,
		Timestamp: events.Now(),
	})
	if e.opts.OnTimeout != nil {
		e.opts.OnTimeout(t)
	}
}

// ForceFinish ends whatever stream t has outstanding. An in-flight buffer is
// failed with err, a request not yet submitted is discarded. It reports
// whether anything was outstanding.
func (e *Engine) ForceFinish(t stream.Type, err error) bool {
	if !t.Valid() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forceFinishLocked(t, err)
}

func (e *Engine) forceFinishLocked(t stream.Type, err error) bool {
	ch := &e.ch[t]
	switch {
	case ch.state.InFlight():
		e.logger.Info("Force finishing transfer", "request", ch.req.String(), "error", err)
		e.completeLocked(t, Done{Kind: t.Kind()}, err)
		return true
	case ch.state == RequestPending:
		e.logger.Debug("Discarding pending request", "request", ch.req.String())
		e.transition(t, Idle)
		return true
	}
	return false
}

// AbortAll force-finishes every stream and forgets deferred work. Used when
// the firmware is reset.
func (e *Engine) AbortAll(err error) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for t := range stream.Count {
		if e.forceFinishLocked(stream.Type(t), err) {
			n++
		}
	}
	e.queued = false
	return n
}

// CheckInvariant verifies that stream DMA-pending flags and the device busy
// flag pair up.
func (e *Engine) CheckInvariant() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var pending []stream.Type
	for _, st := range e.streams.All() {
		f := st.Flags()
		if f.DMAPending {
			pending = append(pending, st.Type)
		}
		if f.DMAPending != e.ch[st.Type].state.InFlight() {
			return fmt.Errorf("dma: %s pending=%t but state %s", st.Type, f.DMAPending, e.ch[st.Type].state)
		}
	}
	switch {
	case len(pending) > 1:
		return fmt.Errorf("dma: %d streams pending at once: %v", len(pending), pending)
	case e.busy && len(pending) == 0:
		return errors.New("dma: device busy with no stream pending")
	case !e.busy && len(pending) == 1:
		return fmt.Errorf("dma: %s pending while device idle", pending[0])
	case e.busy && pending[0] != e.busyStream:
		return fmt.Errorf("dma: device busy for %s but %s pending", e.busyStream, pending[0])
	}
	if e.busy && !e.ch[e.busyStream].mapped && e.ch[e.busyStream].state != Scheduled {
		return fmt.Errorf("dma: %s in flight without a mapped descriptor", e.busyStream)
	}
	return nil
}

func (e *Engine) transition(t stream.Type, to State) {
	ch := &e.ch[t]
	from := ch.state
	ch.state = to
	if e.opts.OnTransition != nil && from != to {
		e.opts.OnTransition(t, from, to)
	}
}

// warnf rate-limits warnings raised from the interrupt path.
func (e *Engine) warnf(msg string, args ...any) {
	if e.warn.Allow() {
		e.logger.Warn(msg, args...)
		return
	}
	e.logger.Debug(msg, args...)
}
