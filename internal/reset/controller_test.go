package reset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/firmware"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/poll"
	"github.com/smazurov/cxcap/internal/stream"
)

type fakeMailbox struct {
	mu        sync.Mutex
	alive     bool
	attached  bool
	locateErr error
	locates   int
	// reviveOnLocate makes the firmware answer once the mailbox is searched.
	reviveOnLocate bool
	calls          []string
	cache          *mailbox.Cache
}

func (m *fakeMailbox) Call(_ context.Context, cmd mailbox.Command, args ...uint32) (mailbox.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return mailbox.Result{}, mailbox.ErrNoMailbox
	}
	m.calls = append(m.calls, fmt.Sprint(cmd, args))
	if !m.alive {
		return mailbox.Result{}, mailbox.ErrBusy
	}
	res := mailbox.Result{Command: cmd}
	if cmd == mailbox.CmdGetVersion {
		res.Data[0] = 0x02050032
	}
	return res, nil
}

func (m *fakeMailbox) Locate(hw.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locates++
	if m.locateErr != nil {
		m.attached = false
		return m.locateErr
	}
	m.attached = true
	if m.reviveOnLocate {
		m.alive = true
	}
	return nil
}

func (m *fakeMailbox) Detach() {
	m.mu.Lock()
	m.attached = false
	m.mu.Unlock()
}

func (m *fakeMailbox) Base() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return 0x1000, m.attached
}

func (m *fakeMailbox) Cache() *mailbox.Cache { return m.cache }

func (m *fakeMailbox) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

type fakeHardware struct {
	ops     []string
	onStart func()
}

func (h *fakeHardware) InitSDRAM() { h.ops = append(h.ops, "sdram") }
func (h *fakeHardware) HaltUnits(acked bool) {
	h.ops = append(h.ops, fmt.Sprintf("halt(%t)", acked))
}
func (h *fakeHardware) StartUnits() {
	h.ops = append(h.ops, "start")
	if h.onStart != nil {
		h.onStart()
	}
}
func (h *fakeHardware) MaskIRQ(bits uint32) { h.ops = append(h.ops, fmt.Sprintf("mask(0x%x)", bits)) }
func (h *fakeHardware) UnmaskIRQ(bits uint32) {
	h.ops = append(h.ops, fmt.Sprintf("unmask(0x%x)", bits))
}

type fakeEngine struct {
	dmaErr bool
	aborts int
	polls  int
}

func (e *fakeEngine) DMAErrorPending() bool { return e.dmaErr }
func (e *fakeEngine) ClearDMAError()        { e.dmaErr = false }
func (e *fakeEngine) AbortAll(error) int    { e.aborts++; return 0 }
func (e *fakeEngine) Poll()                 { e.polls++ }

type wordMemory struct {
	mu    sync.Mutex
	words map[uint32]uint32
}

func (m *wordMemory) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[off]
}

func (m *wordMemory) Write32(off, v uint32) {
	m.mu.Lock()
	m.words[off] = v
	m.mu.Unlock()
}

func (m *wordMemory) Size() uint32 { return 0x00800000 }

type recordingBus struct {
	mu     sync.Mutex
	resets []events.FirmwareResetEvent
}

func (b *recordingBus) Publish(ev events.Event) {
	if r, ok := ev.(events.FirmwareResetEvent); ok {
		b.mu.Lock()
		b.resets = append(b.resets, r)
		b.mu.Unlock()
	}
}

type harness struct {
	mbox    *fakeMailbox
	hw      *fakeHardware
	engine  *fakeEngine
	mem     *wordMemory
	streams *stream.Registry
	bus     *recordingBus
	ctrl    *Controller
}

func newHarness(label string) *harness {
	h := &harness{
		mbox:    &fakeMailbox{alive: true, attached: true, cache: mailbox.NewCache(time.Minute, nil)},
		hw:      &fakeHardware{},
		engine:  &fakeEngine{},
		mem:     &wordMemory{words: make(map[uint32]uint32)},
		streams: stream.NewRegistry(label, stream.MPG, stream.YUV, stream.PCM),
		bus:     &recordingBus{},
	}
	image := make([]byte, firmware.Size)
	image[0] = 0xa5
	h.ctrl = New(Config{
		Label:    label,
		Mailbox:  h.mbox,
		Hardware: h.hw,
		Memory:   h.mem,
		Engine:   h.engine,
		Streams:  h.streams,
		Loader:   firmware.Static(image),
		Events:   h.bus,
		Wait:     poll.Every(time.Millisecond, 5),
	})
	return h
}

func TestResetLeavesLiveFirmwareAlone(t *testing.T) {
	h := newHarness("reset-alive")
	h.ctrl.failures.Store(2)

	if err := h.ctrl.Reset(context.Background(), false, Full); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}
	if len(h.hw.ops) != 0 {
		t.Errorf("Expected no hardware access, got %v", h.hw.ops)
	}
	if h.ctrl.Failures() != 0 {
		t.Errorf("Expected healthy exit to clear failures, got %d", h.ctrl.Failures())
	}
	if got := h.mbox.sent(); !slices.Equal(got, []string{"PING_FW []"}) {
		t.Errorf("Expected a single ping, got %v", got)
	}
	if len(h.bus.resets) != 1 || h.bus.resets[0].Outcome != "alive" {
		t.Errorf("Expected alive event, got %+v", h.bus.resets)
	}
}

func TestResetWhenDMAErrorPending(t *testing.T) {
	h := newHarness("reset-dmaerr")
	h.engine.dmaErr = true

	if err := h.ctrl.Reset(context.Background(), false, Quick); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}
	if !slices.Equal(h.hw.ops, []string{"halt(true)", "start"}) {
		t.Errorf("Expected halt and start, got %v", h.hw.ops)
	}
	if h.engine.dmaErr {
		t.Error("Expected DMA error cleared")
	}
	if h.mbox.locates != 0 {
		t.Errorf("Expected quick reset to keep the mailbox, got %d locates", h.mbox.locates)
	}
	if h.engine.polls != 1 {
		t.Errorf("Expected deferred DMA to be polled, got %d", h.engine.polls)
	}
}

func TestForcedFullResetRevivesFirmware(t *testing.T) {
	h := newHarness("reset-revive")
	h.mbox.alive = false
	h.hw.onStart = func() { h.mbox.alive = true }
	h.mbox.cache.Mark(mailbox.CmdAssignBitrates, []uint32{1})

	if err := h.ctrl.Reset(context.Background(), true, Full); err != nil {
		t.Fatalf("Expected revived firmware, got %v", err)
	}
	if h.mem.Read32(0) != 0xa5 {
		t.Errorf("Expected image uploaded, got 0x%x", h.mem.Read32(0))
	}
	if !slices.Equal(h.hw.ops, []string{"halt(false)", "start"}) {
		t.Errorf("Unexpected hardware sequence %v", h.hw.ops)
	}
	if h.mbox.locates != 1 {
		t.Errorf("Expected mailbox search, got %d", h.mbox.locates)
	}
	if h.mbox.cache.Len() != 0 {
		t.Error("Expected command cache invalidated")
	}
	if h.ctrl.Version() != 0x02050032 {
		t.Errorf("Expected version read, got 0x%08x", h.ctrl.Version())
	}
	if h.engine.aborts != 1 {
		t.Errorf("Expected in-flight transfers aborted, got %d", h.engine.aborts)
	}
	for _, st := range h.streams.All() {
		if st.Flags().ResetPending {
			t.Errorf("Expected reset-pending cleared on %s", st.Type)
		}
	}
}

func TestResetExhaustedAfterThreeFailures(t *testing.T) {
	h := newHarness("reset-dead")
	h.mbox.alive = false

	for i := 1; i <= MaxFailures; i++ {
		err := h.ctrl.Reset(context.Background(), true, Full)
		if !errors.Is(err, ErrFirmwareDead) {
			t.Fatalf("Attempt %d: expected ErrFirmwareDead, got %v", i, err)
		}
		if h.ctrl.Failures() != i {
			t.Errorf("Attempt %d: expected %d failures, got %d", i, i, h.ctrl.Failures())
		}
	}

	ops := len(h.hw.ops)
	err := h.ctrl.Reset(context.Background(), true, Full)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got %v", err)
	}
	if len(h.hw.ops) != ops {
		t.Errorf("Expected no hardware access once exhausted, got %v", h.hw.ops[ops:])
	}
	mpg, _ := h.streams.Get(stream.MPG)
	if !mpg.Flags().ResetPending {
		t.Error("Expected reset-pending to stay set while firmware is dead")
	}

	h.ctrl.Rearm()
	h.hw.onStart = func() { h.mbox.alive = true }
	if err := h.ctrl.Reset(context.Background(), true, Full); err != nil {
		t.Errorf("Expected rearmed reset to succeed, got %v", err)
	}
}

func TestResetReprimesCapturingStreams(t *testing.T) {
	h := newHarness("reset-reprime")
	mpg, _ := h.streams.Get(stream.MPG)
	mpg.SetCapture(stream.MPG.Capture())
	mpg.Update(func(f *stream.Flags) { f.InUse, f.Capturing = true, true })

	if err := h.ctrl.Reset(context.Background(), true, Quick); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}

	want := []string{
		"MUTE_AUDIO [1]",
		"PAUSE_ENCODER [1]",
		"HALT_FW []",
		"PING_FW []",
		"GETVER []",
		"ASSIGN_DMA_BLOCKLEN [131072 0]",
		"BEGIN_CAPTURE [0 3]",
		"PAUSE_ENCODER [0]",
		"MUTE_AUDIO [0]",
	}
	if got := h.mbox.sent(); !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	mask := fmt.Sprintf("mask(0x%x)", hw.IRQMaskCapture)
	unmask := fmt.Sprintf("unmask(0x%x)", hw.IRQMaskCapture)
	if !slices.Equal(h.hw.ops, []string{mask, "halt(true)", "start", unmask}) {
		t.Errorf("Unexpected hardware sequence %v", h.hw.ops)
	}
}

func TestResetRunsReprimeHook(t *testing.T) {
	h := newHarness("reset-reprime-hook")
	mpg, _ := h.streams.Get(stream.MPG)
	mpg.SetCapture(stream.MPG.Capture())
	mpg.Update(func(f *stream.Flags) { f.InUse, f.Capturing = true, true })
	h.ctrl.cfg.Reprime = func(ctx context.Context) error {
		for _, cmd := range []mailbox.Command{mailbox.CmdAssignDMABlockLen, mailbox.CmdAssignBitrates, mailbox.CmdConfigVBI} {
			if _, err := h.mbox.Call(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	}

	if err := h.ctrl.Reset(context.Background(), true, Full); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}

	want := []string{
		"MUTE_AUDIO [1]",
		"PAUSE_ENCODER [1]",
		"HALT_FW []",
		"PING_FW []",
		"GETVER []",
		"ASSIGN_DMA_BLOCKLEN []",
		"ASSIGN_BITRATES []",
		"CONFIG_VBI []",
		"BEGIN_CAPTURE [0 3]",
		"PAUSE_ENCODER [0]",
		"MUTE_AUDIO [0]",
	}
	if got := h.mbox.sent(); !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestQuickResetSearchesMailboxAgain(t *testing.T) {
	tests := []struct {
		name     string
		revive   bool
		wantErr  error
		failures int
		outcome  string
	}{
		{"firmware moved", true, nil, 0, "ok"},
		{"firmware dead", false, ErrFirmwareDead, 1, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("reset-relocate")
			h.engine.dmaErr = true
			h.mbox.alive = false
			h.mbox.reviveOnLocate = tt.revive

			err := h.ctrl.Reset(context.Background(), false, Quick)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if h.mbox.locates != 1 {
				t.Errorf("Expected one mailbox search, got %d", h.mbox.locates)
			}
			if h.ctrl.Failures() != tt.failures {
				t.Errorf("Expected %d failures, got %d", tt.failures, h.ctrl.Failures())
			}
			if len(h.bus.resets) != 1 || h.bus.resets[0].Outcome != tt.outcome {
				t.Errorf("Expected %s outcome, got %+v", tt.outcome, h.bus.resets)
			}
		})
	}
}

func TestResetMailboxLostIsFatal(t *testing.T) {
	h := newHarness("reset-nombox")
	h.mbox.locateErr = mailbox.ErrNoMailbox

	err := h.ctrl.Reset(context.Background(), true, Soft)
	if !errors.Is(err, mailbox.ErrNoMailbox) {
		t.Fatalf("Expected ErrNoMailbox, got %v", err)
	}
	for _, call := range h.mbox.sent() {
		if call == "PING_FW []" {
			t.Error("Expected no command after the mailbox was lost")
		}
	}
	if h.ctrl.Failures() != 1 {
		t.Errorf("Expected one failure, got %d", h.ctrl.Failures())
	}
	if h.bus.resets[0].Outcome != "fatal" {
		t.Errorf("Expected fatal outcome, got %s", h.bus.resets[0].Outcome)
	}
}

func TestResetLoaderFailure(t *testing.T) {
	h := newHarness("reset-noimage")
	h.ctrl.cfg.Loader = firmware.LoaderFunc(func() ([]byte, error) {
		return nil, firmware.ErrNotFound
	})

	err := h.ctrl.Reset(context.Background(), true, Full)
	if !errors.Is(err, firmware.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if slices.Contains(h.hw.ops, "start") {
		t.Error("Expected units left halted without an image")
	}
}

func TestConcurrentResetWaits(t *testing.T) {
	tests := []struct {
		name    string
		wait    poll.Options
		release bool
		wantErr error
	}{
		{"finishes in time", poll.Every(time.Millisecond, 2000), true, nil},
		{"still running", poll.Every(time.Millisecond, 3), false, ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("reset-concurrent")
			h.ctrl.cfg.Wait = tt.wait
			entered := make(chan struct{})
			release := make(chan struct{})
			h.hw.onStart = func() {
				close(entered)
				<-release
			}

			done := make(chan error, 1)
			go func() { done <- h.ctrl.Reset(context.Background(), true, Quick) }()
			<-entered

			second := make(chan error, 1)
			go func() { second <- h.ctrl.Reset(context.Background(), true, Quick) }()
			if tt.release {
				time.Sleep(5 * time.Millisecond)
				close(release)
			}

			err := <-second
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if !tt.release {
				close(release)
			}
			if err := <-done; err != nil {
				t.Errorf("Expected first reset to succeed, got %v", err)
			}
		})
	}
}

func TestRequestAndService(t *testing.T) {
	h := newHarness("reset-service")

	if err := h.ctrl.Service(context.Background()); err != nil || len(h.mbox.sent()) != 0 {
		t.Fatalf("Expected nothing to service, got %v %v", err, h.mbox.sent())
	}

	h.ctrl.RequestReset(false)
	h.ctrl.RequestReset(true)
	h.ctrl.RequestReset(false)
	if !h.ctrl.Pending() {
		t.Fatal("Expected pending request")
	}
	if err := h.ctrl.Service(context.Background()); err != nil {
		t.Fatalf("Service failed: %v", err)
	}
	if h.ctrl.Pending() {
		t.Error("Expected request consumed")
	}
	if h.mbox.locates != 1 || h.mem.Read32(0) != 0xa5 {
		t.Error("Expected hard request to run a forced full reset")
	}

	h.ctrl.RequestReset(false)
	before := len(h.hw.ops)
	if err := h.ctrl.Service(context.Background()); err != nil {
		t.Fatalf("Service failed: %v", err)
	}
	if len(h.hw.ops) != before {
		t.Error("Expected soft request on live firmware to skip the restart")
	}
}

func TestBoot(t *testing.T) {
	h := newHarness("reset-boot")
	h.mbox.attached = false

	if err := h.ctrl.Boot(context.Background()); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if !slices.Equal(h.hw.ops, []string{"sdram", "halt(false)", "start"}) {
		t.Errorf("Unexpected boot sequence %v", h.hw.ops)
	}
	if h.ctrl.Version() == 0 {
		t.Error("Expected version read at boot")
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Quick, Soft, Full} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("Expected %s, got %s %v", m, got, err)
		}
	}
	if _, err := ParseMode("warm"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
