package dma

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/stream"
)

type fakeHardware struct {
	status  uint32
	cancels int
}

func (h *fakeHardware) DMAStatus() uint32 { return h.status }
func (h *fakeHardware) DMAReady() bool {
	return h.status&hw.DMAStatusWriteDone != 0 && h.status&hw.DMAStatusErrMask == 0
}
func (h *fakeHardware) CancelDMA() { h.cancels++ }

type scheduled struct {
	kind, sg, size uint32
}

type fakeMailbox struct {
	request mailbox.Result
	done    mailbox.Result
	retval  uint32
	err     error
	sched   []scheduled
}

func (m *fakeMailbox) Peek(box int) (mailbox.Result, error) {
	switch box {
	case mailbox.BoxDMARequest:
		return m.request, nil
	case mailbox.BoxDMADone:
		return m.done, nil
	}
	return mailbox.Result{}, mailbox.ErrInvalid
}

func (m *fakeMailbox) ScheduleDMA(kind, sg, size uint32) (uint32, error) {
	m.sched = append(m.sched, scheduled{kind, sg, size})
	return m.retval, m.err
}

func (m *fakeMailbox) ask(kind, offset, size uint32) {
	m.request.Data = [mailbox.MaxData]uint32{kind, offset, size, 0, 0, 0, 90000}
}

func (m *fakeMailbox) complete(kind, status uint32) {
	m.done.Data = [mailbox.MaxData]uint32{status, kind, 0, 90000}
}

type fakeMapper struct {
	next   uint32
	lists  map[uint32]List
	unmaps int
	err    error
}

func (m *fakeMapper) Map(sg List) (uint32, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.lists == nil {
		m.lists = make(map[uint32]List)
		m.next = 0x10000
	}
	m.next += 0x1000
	m.lists[m.next] = sg
	return m.next, nil
}

func (m *fakeMapper) Unmap(handle uint32) {
	delete(m.lists, handle)
	m.unmaps++
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) timeouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if _, ok := ev.(events.DMATimeoutEvent); ok {
			n++
		}
	}
	return n
}

type transition struct {
	t        stream.Type
	from, to State
}

type harness struct {
	hw      *fakeHardware
	mbox    *fakeMailbox
	mapper  *fakeMapper
	bus     *recordingBus
	streams *stream.Registry
	engine  *Engine
	trace   []transition
}

func newHarness(t *testing.T, label string) *harness {
	t.Helper()
	metrics.DeleteDeviceMetrics(label)
	t.Cleanup(func() { metrics.DeleteDeviceMetrics(label) })

	h := &harness{
		hw:      &fakeHardware{status: hw.DMAStatusWriteDone},
		mbox:    &fakeMailbox{},
		mapper:  &fakeMapper{},
		bus:     &recordingBus{},
		streams: stream.NewRegistry(label, stream.MPG, stream.YUV, stream.PCM, stream.VBI),
	}
	opts := DefaultOptions(label)
	opts.Timeout = time.Hour
	opts.OnTransition = func(st stream.Type, from, to State) {
		h.trace = append(h.trace, transition{st, from, to})
	}
	h.engine = New(Deps{
		Hardware: h.hw,
		Mailbox:  h.mbox,
		Mapper:   h.mapper,
		Streams:  h.streams,
		Events:   h.bus,
	}, opts)
	return h
}

func (h *harness) open(t *testing.T, st stream.Type, buffers, pagesEach int) []*stream.Buffer {
	t.Helper()
	if err := h.streams.Claim(1, st); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	s, _ := h.streams.Get(st)
	var bufs []*stream.Buffer
	for i := range buffers {
		b := stream.NewBuffer(i, testPages(pagesEach, uint32(0x100000*(i+1))))
		if err := s.Queue(b); err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
		bufs = append(bufs, b)
	}
	return bufs
}

func (h *harness) start(vbi bool) {
	h.engine.Lock()
	h.engine.StartLocked(vbi)
	h.engine.Unlock()
}

func (h *harness) finish() {
	h.engine.Lock()
	h.engine.FinishLocked()
	h.engine.Unlock()
}

func (h *harness) mustHold(t *testing.T) {
	t.Helper()
	if err := h.engine.CheckInvariant(); err != nil {
		t.Errorf("Expected invariant to hold, got %v", err)
	}
}

func TestScheduleMPEGRequest(t *testing.T) {
	h := newHarness(t, "dma-mpeg")
	bufs := h.open(t, stream.MPG, 1, 50)

	h.mbox.ask(0, 0x1000, 200000)
	h.start(false)

	want := []transition{
		{stream.MPG, Idle, RequestPending},
		{stream.MPG, RequestPending, Scheduled},
		{stream.MPG, Scheduled, Active},
	}
	if len(h.trace) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), h.trace)
	}
	for i := range want {
		if h.trace[i] != want[i] {
			t.Errorf("Expected transition %d to be %v, got %v", i, want[i], h.trace[i])
		}
	}

	if len(h.mbox.sched) != 1 {
		t.Fatalf("Expected one SCHED_DMA_TO_HOST, got %d", len(h.mbox.sched))
	}
	sg := h.mapper.lists[h.mbox.sched[0].sg]
	if len(sg) != 49 {
		t.Fatalf("Expected 49 elements, got %d", len(sg))
	}
	for i, el := range sg[:48] {
		if el.Last() {
			t.Errorf("Expected element %d without final bit", i)
		}
	}
	if !sg[48].Last() {
		t.Error("Expected final bit on last element")
	}
	if sg[0].Src != 0x1000 || sg[1].Src != 0x2000 {
		t.Errorf("Expected source to advance by page, got 0x%x 0x%x", sg[0].Src, sg[1].Src)
	}
	if h.mbox.sched[0].size != sg.Bytes() || h.mbox.sched[0].kind != 0 {
		t.Errorf("Unexpected schedule arguments %+v", h.mbox.sched[0])
	}
	if bufs[0].State() != stream.BufferActive {
		t.Errorf("Expected buffer active, got %s", bufs[0].State())
	}
	if busy, st := h.engine.Busy(); !busy || st != stream.MPG {
		t.Errorf("Expected device busy for mpg, got %t %s", busy, st)
	}
	h.mustHold(t)

	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.finish()

	res := bufs[0].Result()
	if res.State != stream.BufferDone || res.BytesUsed != 200000 || res.PTS != 90000 {
		t.Errorf("Unexpected result %+v", res)
	}
	if h.engine.State(stream.MPG) != Idle {
		t.Errorf("Expected idle, got %s", h.engine.State(stream.MPG))
	}
	if h.mapper.unmaps != 1 || len(h.mapper.lists) != 0 {
		t.Errorf("Expected descriptor unmapped, got %d unmaps", h.mapper.unmaps)
	}
	h.mustHold(t)

	stats := metrics.GetStreamStats("dma-mpeg", "mpg")
	if stats == nil || stats.Transfers != 1 || stats.Bytes != 200000 {
		t.Errorf("Expected transfer metrics, got %+v", stats)
	}
}

func TestTransferError(t *testing.T) {
	h := newHarness(t, "dma-err")
	bufs := h.open(t, stream.MPG, 1, 4)

	h.mbox.ask(0, 0, 8192)
	h.start(false)
	h.mbox.complete(0, hw.DMAStatusWriteDone|hw.DMAStatusErrWrite)
	h.finish()

	if bufs[0].State() != stream.BufferError {
		t.Errorf("Expected buffer error, got %s", bufs[0].State())
	}
	if !errors.Is(bufs[0].Result().Err, ErrTransfer) {
		t.Errorf("Expected ErrTransfer, got %v", bufs[0].Result().Err)
	}
	if h.engine.State(stream.MPG) != Error {
		t.Errorf("Expected error state, got %s", h.engine.State(stream.MPG))
	}
	h.mustHold(t)

	// Error absorbs only the failed transfer.
	s, _ := h.streams.Get(stream.MPG)
	_, _ = s.TryDequeue()
	if err := s.Queue(bufs[0]); err != nil {
		t.Fatal(err)
	}
	h.start(false)
	if h.engine.State(stream.MPG) != Active {
		t.Errorf("Expected new request to be accepted, got %s", h.engine.State(stream.MPG))
	}
}

func TestCompletionStillBusyStaysActive(t *testing.T) {
	h := newHarness(t, "dma-busy-done")
	h.open(t, stream.MPG, 1, 4)

	h.mbox.ask(0, 0, 4096)
	h.start(false)
	h.mbox.complete(0, 0)
	h.finish()

	if h.engine.State(stream.MPG) != Active {
		t.Errorf("Expected active, got %s", h.engine.State(stream.MPG))
	}
	h.mustHold(t)
}

func TestSpuriousCompletion(t *testing.T) {
	h := newHarness(t, "dma-spurious")
	h.open(t, stream.MPG, 1, 4)

	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.finish()

	if h.engine.State(stream.MPG) != Idle {
		t.Errorf("Expected idle, got %s", h.engine.State(stream.MPG))
	}
	h.mustHold(t)
}

func TestRequestIDsAndNoOverwrite(t *testing.T) {
	h := newHarness(t, "dma-ids")
	bufs := h.open(t, stream.MPG, 3, 4)

	h.mbox.ask(0, 0x1000, 4096)
	h.start(false)
	if id := h.engine.LastRequestID(stream.MPG); id != 1 {
		t.Fatalf("Expected id 1, got %d", id)
	}

	// The firmware has not finished, so the new request must not replace the old one.
	h.mbox.complete(0, 0)
	h.mbox.ask(0, 0x9000, 8192)
	h.start(false)

	st := h.engine.Status(stream.MPG)
	if st.Request.ID != 1 || st.Request.Offset != 0x1000 {
		t.Errorf("Expected pending request 1 at 0x1000, got %+v", st.Request)
	}
	if h.engine.LastRequestID(stream.MPG) != 1 {
		t.Errorf("Expected id to stay 1, got %d", h.engine.LastRequestID(stream.MPG))
	}
	if !h.engine.Queued() {
		t.Error("Expected queued flag after dropped request")
	}
	if stats := metrics.GetStreamStats("dma-ids", "mpg"); stats == nil || stats.Dropped != 1 {
		t.Errorf("Expected one dropped request, got %+v", stats)
	}

	// A completion found by the retry lets the new request through.
	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.mbox.ask(0, 0x9000, 8192)
	h.start(false)

	if id := h.engine.LastRequestID(stream.MPG); id != 2 {
		t.Errorf("Expected id 2, got %d", id)
	}
	if bufs[0].State() != stream.BufferDone || bufs[1].State() != stream.BufferActive {
		t.Errorf("Expected first done and second active, got %s %s", bufs[0].State(), bufs[1].State())
	}
	h.mustHold(t)

	var last uint64
	for i := 0; i < 3; i++ {
		h.mbox.complete(0, hw.DMAStatusWriteDone)
		h.finish()
		s, _ := h.streams.Get(stream.MPG)
		for {
			b, err := s.TryDequeue()
			if err != nil {
				break
			}
			_ = s.Queue(b)
		}
		h.start(false)
		id := h.engine.LastRequestID(stream.MPG)
		if id <= last {
			t.Errorf("Expected increasing ids, got %d after %d", id, last)
		}
		last = id
	}
}

func TestDeferredWhileDeviceBusy(t *testing.T) {
	h := newHarness(t, "dma-defer")
	mpg := h.open(t, stream.MPG, 1, 4)
	yuv := h.open(t, stream.YUV, 1, 8)

	h.mbox.ask(0, 0, 4096)
	h.start(false)

	h.mbox.request.Data = [mailbox.MaxData]uint32{1, 0x4000, 4096, 0x8000, 2048}
	h.start(false)

	if h.engine.State(stream.YUV) != RequestPending {
		t.Fatalf("Expected yuv deferred, got %s", h.engine.State(stream.YUV))
	}
	if !h.engine.Queued() {
		t.Error("Expected queued flag")
	}
	h.mustHold(t)

	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.finish()

	if mpg[0].State() != stream.BufferDone {
		t.Errorf("Expected mpg done, got %s", mpg[0].State())
	}
	if h.engine.State(stream.YUV) != Active {
		t.Errorf("Expected deferred yuv to run, got %s", h.engine.State(stream.YUV))
	}
	if yuv[0].State() != stream.BufferActive {
		t.Errorf("Expected yuv buffer active, got %s", yuv[0].State())
	}
	sg := h.mapper.lists[h.mbox.sched[1].sg]
	if len(sg) != 2 || sg[1].Src != 0x8000 || sg[1].Len() != 2048 {
		t.Errorf("Expected Y page then UV chunk, got %+v", sg)
	}
	h.mustHold(t)
}

func TestDeferredUntilBufferQueued(t *testing.T) {
	h := newHarness(t, "dma-nobuf")
	h.open(t, stream.MPG, 0, 0)

	h.mbox.ask(0, 0, 4096)
	h.start(false)
	if h.engine.State(stream.MPG) != RequestPending {
		t.Fatalf("Expected request pending, got %s", h.engine.State(stream.MPG))
	}
	h.mustHold(t)

	s, _ := h.streams.Get(stream.MPG)
	b := stream.NewBuffer(0, testPages(1, 0x200000))
	if err := s.Queue(b); err != nil {
		t.Fatal(err)
	}
	h.engine.Poll()

	if h.engine.State(stream.MPG) != Active {
		t.Errorf("Expected active after poll, got %s", h.engine.State(stream.MPG))
	}
	if h.engine.Queued() {
		t.Error("Expected queued flag cleared")
	}
	h.mustHold(t)
}

func TestDeferredByEncoderAndReset(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"encoder not ready", func(h *harness) { h.hw.status = 0 }},
		{"encoder error", func(h *harness) { h.hw.status = hw.DMAStatusWriteDone | hw.DMAStatusErrList }},
		{"reset pending", func(h *harness) { h.streams.MarkResetPending(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "dma-defer-"+tt.name)
			h.open(t, stream.MPG, 1, 4)
			tt.setup(h)

			h.mbox.ask(0, 0, 4096)
			h.start(false)

			if h.engine.State(stream.MPG) != RequestPending {
				t.Errorf("Expected request pending, got %s", h.engine.State(stream.MPG))
			}
			if len(h.mbox.sched) != 0 {
				t.Errorf("Expected nothing scheduled, got %d", len(h.mbox.sched))
			}
			h.mustHold(t)

			h.hw.status = hw.DMAStatusWriteDone
			h.streams.MarkResetPending(false)
			h.engine.Poll()
			if h.engine.State(stream.MPG) != Active {
				t.Errorf("Expected active after poll, got %s", h.engine.State(stream.MPG))
			}
		})
	}
}

func TestScheduleFailureRequeues(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"firmware retval", func(h *harness) { h.mbox.retval = 1 }},
		{"mailbox detached", func(h *harness) { h.mbox.err = mailbox.ErrNoMailbox }},
		{"map failure", func(h *harness) { h.mapper.err = errors.New("no iommu space") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "dma-schedfail-"+tt.name)
			bufs := h.open(t, stream.MPG, 1, 4)
			tt.setup(h)

			h.mbox.ask(0, 0, 4096)
			h.start(false)

			if bufs[0].State() != stream.BufferQueued {
				t.Errorf("Expected buffer back in queue, got %s", bufs[0].State())
			}
			if h.engine.State(stream.MPG) != RequestPending {
				t.Errorf("Expected request pending, got %s", h.engine.State(stream.MPG))
			}
			if len(h.mapper.lists) != 0 {
				t.Errorf("Expected no descriptor left mapped, got %d", len(h.mapper.lists))
			}
			if busy, _ := h.engine.Busy(); busy {
				t.Error("Expected device not busy")
			}
			h.mustHold(t)
		})
	}
}

func TestOverflowTruncates(t *testing.T) {
	h := newHarness(t, "dma-overflow")
	bufs := h.open(t, stream.MPG, 1, 1)

	h.mbox.ask(0, 0, 10000)
	h.start(false)

	s, _ := h.streams.Get(stream.MPG)
	if !s.Flags().Overflow {
		t.Error("Expected overflow flag")
	}
	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.finish()
	if got := bufs[0].Result().BytesUsed; got != 4096 {
		t.Errorf("Expected 4096 bytes used, got %d", got)
	}
}

func TestIdleStreamRequestDropped(t *testing.T) {
	h := newHarness(t, "dma-idle")

	h.mbox.ask(0, 0, 4096)
	h.start(false)

	if h.engine.State(stream.MPG) != Idle {
		t.Errorf("Expected idle, got %s", h.engine.State(stream.MPG))
	}
	if stats := metrics.GetStreamStats("dma-idle", "mpg"); stats == nil || stats.Dropped != 1 {
		t.Errorf("Expected dropped request, got %+v", stats)
	}
}

func TestTimeoutFailsBuffer(t *testing.T) {
	h := newHarness(t, "dma-timeout")
	h.engine.opts.Timeout = 10 * time.Millisecond
	timedOut := make(chan stream.Type, 1)
	h.engine.opts.OnTimeout = func(st stream.Type) { timedOut <- st }
	bufs := h.open(t, stream.MPG, 1, 4)

	h.mbox.ask(0, 0, 4096)
	h.start(false)

	select {
	case st := <-timedOut:
		if st != stream.MPG {
			t.Errorf("Expected mpg timeout, got %s", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout never fired")
	}

	if !errors.Is(bufs[0].Result().Err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", bufs[0].Result().Err)
	}
	if h.engine.State(stream.MPG) != Error {
		t.Errorf("Expected error state, got %s", h.engine.State(stream.MPG))
	}
	if len(h.mapper.lists) != 0 {
		t.Error("Expected descriptor unmapped")
	}
	if h.bus.timeouts() != 1 {
		t.Errorf("Expected one timeout event, got %d", h.bus.timeouts())
	}
	h.engine.Lock()
	cancels := h.hw.cancels
	h.engine.Unlock()
	if cancels != 1 {
		t.Errorf("Expected hardware cancelled once after timeout, got %d", cancels)
	}
	h.mustHold(t)
}

func TestStaleTimerIsNoop(t *testing.T) {
	h := newHarness(t, "dma-stale")
	bufs := h.open(t, stream.MPG, 2, 4)

	h.mbox.ask(0, 0, 4096)
	h.start(false)
	h.engine.Lock()
	gen := h.engine.ch[stream.MPG].gen
	h.engine.Unlock()

	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.finish()
	h.start(false)

	h.engine.expire(stream.MPG, gen)

	if bufs[1].State() != stream.BufferActive {
		t.Errorf("Expected second transfer untouched, got %s", bufs[1].State())
	}
	if h.bus.timeouts() != 0 {
		t.Errorf("Expected no timeout event, got %d", h.bus.timeouts())
	}
}

func TestErrorInterruptCancels(t *testing.T) {
	h := newHarness(t, "dma-irqerr")
	bufs := h.open(t, stream.MPG, 1, 4)

	h.mbox.ask(0, 0, 4096)
	h.start(false)
	h.mbox.complete(0, 0)
	h.hw.status = hw.DMAStatusErrList

	h.engine.Lock()
	h.engine.ErrorLocked()
	h.engine.Unlock()

	if h.hw.cancels != 1 {
		t.Errorf("Expected one cancel, got %d", h.hw.cancels)
	}
	if !errors.Is(bufs[0].Result().Err, ErrTransfer) {
		t.Errorf("Expected ErrTransfer, got %v", bufs[0].Result().Err)
	}
	if !h.engine.DMAErrorPending() {
		t.Error("Expected DMA error pending")
	}
	h.engine.ClearDMAError()
	if h.engine.DMAErrorPending() {
		t.Error("Expected DMA error cleared")
	}
	h.mustHold(t)
}

func TestErrorInterruptIgnoresPreviousCompletion(t *testing.T) {
	h := newHarness(t, "dma-irqerr-stale")
	bufs := h.open(t, stream.MPG, 2, 4)

	h.mbox.ask(0, 0, 4096)
	h.start(false)
	h.mbox.complete(0, hw.DMAStatusWriteDone)
	h.finish()
	if bufs[0].State() != stream.BufferDone {
		t.Fatalf("Expected first buffer done, got %s", bufs[0].State())
	}

	// The done box still holds the first transfer's record.
	h.start(false)
	if bufs[1].State() != stream.BufferActive {
		t.Fatalf("Expected second buffer active, got %s", bufs[1].State())
	}
	h.hw.status = hw.DMAStatusErrList
	h.engine.Lock()
	h.engine.ErrorLocked()
	h.engine.Unlock()

	res := bufs[1].Result()
	if res.State != stream.BufferError {
		t.Errorf("Expected second buffer in error, got %s", res.State)
	}
	if !errors.Is(res.Err, ErrTransfer) {
		t.Errorf("Expected ErrTransfer, got %v", res.Err)
	}
	if res.BytesUsed != 0 {
		t.Errorf("Expected no bytes delivered, got %d", res.BytesUsed)
	}
	if h.engine.State(stream.MPG) != Error {
		t.Errorf("Expected error state, got %s", h.engine.State(stream.MPG))
	}
	h.mustHold(t)
}

func TestForceFinishAndAbortAll(t *testing.T) {
	h := newHarness(t, "dma-force")
	mpg := h.open(t, stream.MPG, 1, 4)
	h.open(t, stream.YUV, 1, 4)

	h.mbox.ask(0, 0, 4096)
	h.start(false)
	h.mbox.request.Data = [mailbox.MaxData]uint32{1, 0, 4096}
	h.start(false)

	if !h.engine.ForceFinish(stream.MPG, stream.ErrAborted) {
		t.Fatal("Expected mpg to have been outstanding")
	}
	if !errors.Is(mpg[0].Result().Err, stream.ErrAborted) {
		t.Errorf("Expected aborted buffer, got %v", mpg[0].Result().Err)
	}
	// The deferred yuv request runs once mpg is gone.
	if h.engine.State(stream.YUV) != Active {
		t.Errorf("Expected yuv active, got %s", h.engine.State(stream.YUV))
	}
	h.mustHold(t)

	if n := h.engine.AbortAll(stream.ErrAborted); n != 1 {
		t.Errorf("Expected one stream aborted, got %d", n)
	}
	if busy, _ := h.engine.Busy(); busy {
		t.Error("Expected device idle")
	}
	if h.engine.ForceFinish(stream.PCM, stream.ErrAborted) {
		t.Error("Expected nothing outstanding on pcm")
	}
	h.mustHold(t)
}

func TestVBIRequest(t *testing.T) {
	h := newHarness(t, "dma-vbi")
	mem := newSparseMemory()
	h.engine.mem = mem
	h.open(t, stream.VBI, 1, 16)

	h.mbox.request.Data = [mailbox.MaxData]uint32{0, 0x4000 - 12}
	mem.Write32(0x4000-8, 0x1)
	mem.Write32(0x4000-4, 0x2345)

	h.start(true)
	if h.engine.State(stream.VBI) != Idle {
		t.Fatalf("Expected VBI ignored before start, got %s", h.engine.State(stream.VBI))
	}

	h.engine.SetVBI(VBIConfig{EncSize: 1456, FramesPerInterrupt: 4, Started: true})
	h.start(true)

	st := h.engine.Status(stream.VBI)
	if st.State != Active {
		t.Fatalf("Expected VBI active, got %s", st.State)
	}
	if st.Request.Offset != 0x4000 || st.Request.Size != (1456+16)*4-16 {
		t.Errorf("Unexpected VBI request %+v", st.Request)
	}
	if st.Request.PTS != 0x1_0000_2345 {
		t.Errorf("Expected PTS 0x100002345, got 0x%x", st.Request.PTS)
	}
}
