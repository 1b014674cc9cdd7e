package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BufferState is the position of a buffer in its stream's lists.
type BufferState int

// Buffer states.
const (
	BufferIdle BufferState = iota
	BufferQueued
	BufferActive
	BufferDone
	BufferError
)

var bufferStateNames = map[BufferState]string{
	BufferIdle:   "idle",
	BufferQueued: "queued",
	BufferActive: "active",
	BufferDone:   "done",
	BufferError:  "error",
}

func (s BufferState) String() string {
	if name, ok := bufferStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state%d", int(s))
}

// Page is one host memory page of a capture buffer, by bus address.
type Page struct {
	Addr uint32
	Len  uint32
}

// Result describes a completed buffer.
type Result struct {
	State     BufferState
	BytesUsed int
	PTS       uint64
	Sequence  uint64
	Timestamp time.Time
	Err       error
}

// Buffer is a capture buffer made of host pages.
type Buffer struct {
	Index int
	Pages []Page

	mu     sync.Mutex
	result Result
	done   chan struct{}
}

// NewBuffer creates an idle buffer.
func NewBuffer(index int, pages []Page) *Buffer {
	done := make(chan struct{})
	close(done)
	return &Buffer{Index: index, Pages: pages, done: done}
}

// Size is the capacity of the buffer in bytes.
func (b *Buffer) Size() int {
	n := 0
	for _, p := range b.Pages {
		n += int(p.Len)
	}
	return n
}

// State returns the current state.
func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result.State
}

// Result returns the completion record of the last transfer.
func (b *Buffer) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// Wait blocks until the buffer is done or failed, or ctx ends.
func (b *Buffer) Wait(ctx context.Context) error {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		return b.Result().Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer) queue() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.result.State {
	case BufferQueued, BufferActive:
		return fmt.Errorf("%w: buffer %d is %s", ErrBufferState, b.Index, b.result.State)
	}
	b.result = Result{State: BufferQueued}
	b.done = make(chan struct{})
	return nil
}

func (b *Buffer) activate() {
	b.mu.Lock()
	b.result.State = BufferActive
	b.mu.Unlock()
}

func (b *Buffer) finish(res Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res.Err != nil {
		res.State = BufferError
	} else {
		res.State = BufferDone
	}
	b.result = res
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
