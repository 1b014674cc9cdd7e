package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStream() *Stream {
	return newStream("test", MPG)
}

func pages(n int) []Page {
	out := make([]Page, n)
	for i := range out {
		out[i] = Page{Addr: uint32(0x100000 + i*4096), Len: 4096}
	}
	return out
}

func TestBufferLifecycle(t *testing.T) {
	s := newTestStream()
	b := NewBuffer(0, pages(2))

	if b.State() != BufferIdle {
		t.Fatalf("Expected idle, got %s", b.State())
	}
	if b.Size() != 8192 {
		t.Errorf("Expected size 8192, got %d", b.Size())
	}
	if err := s.Queue(b); err != nil {
		t.Fatal(err)
	}
	if err := s.Queue(b); !errors.Is(err, ErrBufferState) {
		t.Errorf("Expected ErrBufferState on double queue, got %v", err)
	}

	got, ok := s.Activate()
	if !ok || got != b {
		t.Fatal("Expected buffer to become active")
	}
	if _, ok := s.Activate(); ok {
		t.Error("Expected a single active buffer")
	}
	if b.State() != BufferActive {
		t.Errorf("Expected active, got %s", b.State())
	}

	s.Finish(Completion{Status: 0x2, Bytes: 6000, PTS: 90000}, nil)
	res := b.Result()
	if res.State != BufferDone || res.BytesUsed != 6000 || res.PTS != 90000 || res.Sequence != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Errorf("Expected wait to return nil, got %v", err)
	}

	d, err := s.TryDequeue()
	if err != nil || d != b {
		t.Fatalf("Expected dequeued buffer, got %v %v", d, err)
	}
	if err := s.Queue(b); err != nil {
		t.Errorf("Expected completed buffer to be requeued, got %v", err)
	}
}

func TestFinishWithoutActive(t *testing.T) {
	s := newTestStream()
	if b := s.Finish(Completion{Status: 0x2}, nil); b != nil {
		t.Errorf("Expected nil when nothing active")
	}
	if s.LastCompletion().Status != 0x2 {
		t.Errorf("Expected completion recorded anyway")
	}
}

func TestDequeueBlocksUntilFinish(t *testing.T) {
	s := newTestStream()
	b := NewBuffer(0, pages(1))
	s.Queue(b)
	s.Activate()

	got := make(chan *Buffer, 1)
	go func() {
		d, err := s.Dequeue(context.Background())
		if err != nil {
			t.Errorf("dequeue failed: %v", err)
		}
		got <- d
	}()

	time.Sleep(10 * time.Millisecond)
	s.Finish(Completion{Bytes: 100}, errors.New("dma error"))

	select {
	case d := <-got:
		if d != b {
			t.Error("Expected the finished buffer")
		}
		if d.State() != BufferError {
			t.Errorf("Expected error state, got %s", d.State())
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue was not woken")
	}
}

func TestDequeueEndOfStream(t *testing.T) {
	s := newTestStream()

	done := make(chan error, 1)
	go func() {
		_, err := s.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.SetEOS()

	select {
	case err := <-done:
		if !errors.Is(err, ErrEndOfStream) {
			t.Errorf("Expected ErrEndOfStream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by EOS")
	}
	if _, err := s.TryDequeue(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected ErrEndOfStream from TryDequeue, got %v", err)
	}
}

func TestDequeueContextCancel(t *testing.T) {
	s := newTestStream()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if _, err := s.TryDequeue(); !errors.Is(err, ErrNoBuffer) {
		t.Errorf("Expected ErrNoBuffer, got %v", err)
	}
}

func TestAbortFailsInFlightBuffers(t *testing.T) {
	s := newTestStream()
	a, b, c := NewBuffer(0, pages(1)), NewBuffer(1, pages(1)), NewBuffer(2, pages(1))
	s.Queue(a)
	s.Queue(b)
	s.Queue(c)
	s.Activate()

	if n := s.Abort(ErrAborted); n != 3 {
		t.Fatalf("Expected 3 aborted buffers, got %d", n)
	}
	for _, buf := range []*Buffer{a, b, c} {
		if err := buf.Wait(context.Background()); !errors.Is(err, ErrAborted) {
			t.Errorf("buffer %d: Expected ErrAborted, got %v", buf.Index, err)
		}
	}
	queued, active, done := s.Counts()
	if queued != 0 || active != 0 || done != 3 {
		t.Errorf("Expected 0/0/3, got %d/%d/%d", queued, active, done)
	}
}

func TestBufferWaitContext(t *testing.T) {
	s := newTestStream()
	b := NewBuffer(0, pages(1))
	s.Queue(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDiscardForgetsBuffers(t *testing.T) {
	s := newTestStream()
	a, b, c := NewBuffer(0, pages(1)), NewBuffer(1, pages(1)), NewBuffer(2, pages(1))
	s.Queue(a)
	s.Activate()
	s.Finish(Completion{Bytes: 100}, nil)
	s.Queue(b)
	s.Queue(c)
	s.SetEOS()

	dropped := s.Discard(ErrAborted)
	if len(dropped) != 3 {
		t.Fatalf("Expected 3 dropped buffers, got %d", len(dropped))
	}
	if a.State() != BufferDone {
		t.Errorf("Expected finished buffer to stay done, got %s", a.State())
	}
	for _, buf := range []*Buffer{b, c} {
		if !errors.Is(buf.Result().Err, ErrAborted) {
			t.Errorf("buffer %d: Expected ErrAborted, got %v", buf.Index, buf.Result().Err)
		}
	}
	queued, active, done := s.Counts()
	if queued != 0 || active != 0 || done != 0 {
		t.Errorf("Expected 0/0/0, got %d/%d/%d", queued, active, done)
	}
	if s.Flags().EOS {
		t.Error("Expected EOS cleared")
	}
	if _, err := s.TryDequeue(); !errors.Is(err, ErrNoBuffer) {
		t.Errorf("Expected ErrNoBuffer, got %v", err)
	}
}
