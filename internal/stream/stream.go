package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/cxcap/internal/metrics"
)

var (
	// ErrBusy means the stream is claimed by another owner.
	ErrBusy = errors.New("stream: busy")
	// ErrNotOwner means a release by someone who does not hold the claim.
	ErrNotOwner = errors.New("stream: not owner")
	// ErrInvalidType means the stream type is unknown or not supported by the device.
	ErrInvalidType = errors.New("stream: invalid type")
	// ErrEndOfStream means capture ended and no completed buffer remains.
	ErrEndOfStream = errors.New("stream: end of stream")
	// ErrNoBuffer means a non-blocking dequeue found nothing completed.
	ErrNoBuffer = errors.New("stream: no completed buffer")
	// ErrBufferState means a buffer was queued while still in flight.
	ErrBufferState = errors.New("stream: buffer in flight")
	// ErrAborted fails buffers caught by a stop, reset or close.
	ErrAborted = errors.New("stream: transfer aborted")
)

// NoOwner is the owner of an unclaimed stream.
const NoOwner int64 = -1

// Flags are the status fields of a stream.
type Flags struct {
	InUse        bool `json:"in_use"`
	Capturing    bool `json:"capturing"`
	InternalUse  bool `json:"internal_use"`
	DMAPending   bool `json:"dma_pending"`
	Overflow     bool `json:"overflow"`
	ResetPending bool `json:"reset_pending"`
	StreamOff    bool `json:"stream_off"`
	EOS          bool `json:"eos"`
}

// Completion is the metadata of the last finished transfer.
type Completion struct {
	Status    uint32    `json:"status"`
	Kind      uint32    `json:"kind"`
	PTS       uint64    `json:"pts"`
	Bytes     int       `json:"bytes"`
	Failed    bool      `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream is one encoder output channel.
//
// mu guards the flags and buffer lists and nests inside the DMA engine lock.
// config excludes capture start and stop while the stream is reconfigured.
type Stream struct {
	Type   Type
	device string

	config sync.Mutex

	mu       sync.Mutex
	owner    int64
	flags    Flags
	queued   []*Buffer
	active   *Buffer
	done     []*Buffer
	last     Completion
	captype  uint32
	subtype  uint32
	sequence uint64
	notify   chan struct{}
}

func newStream(device string, t Type) *Stream {
	return &Stream{
		Type:   t,
		device: device,
		owner:  NoOwner,
		notify: make(chan struct{}),
	}
}

// Owner returns the claiming owner or NoOwner.
func (s *Stream) Owner() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Flags returns a snapshot of the status fields.
func (s *Stream) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// Update changes status fields under the stream lock.
func (s *Stream) Update(fn func(f *Flags)) {
	s.mu.Lock()
	fn(&s.flags)
	s.mu.Unlock()
}

// LockConfig takes the configuration mutex. It may be held across mailbox calls.
func (s *Stream) LockConfig() { s.config.Lock() }

// UnlockConfig releases the configuration mutex.
func (s *Stream) UnlockConfig() { s.config.Unlock() }

// SetCapture saves the BEGIN_CAPTURE arguments used to re-prime after a reset.
func (s *Stream) SetCapture(captype, subtype uint32) {
	s.mu.Lock()
	s.captype, s.subtype = captype, subtype
	s.mu.Unlock()
}

// Capture returns the saved BEGIN_CAPTURE arguments.
func (s *Stream) Capture() (captype, subtype uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captype, s.subtype
}

// LastCompletion returns the record of the last finished transfer.
func (s *Stream) LastCompletion() Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// SetCompletion records a completion without touching buffers.
func (s *Stream) SetCompletion(c Completion) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
}

// Queue hands an idle or completed buffer to the stream.
func (s *Stream) Queue(b *Buffer) error {
	if err := b.queue(); err != nil {
		return err
	}
	s.mu.Lock()
	s.queued = append(s.queued, b)
	n := len(s.queued)
	s.mu.Unlock()
	metrics.SetQueuedBuffers(s.device, s.Type.String(), n)
	return nil
}

// Activate moves the first queued buffer to active. It fails when nothing is
// queued or a transfer is already active.
func (s *Stream) Activate() (*Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || len(s.queued) == 0 {
		return nil, false
	}
	b := s.queued[0]
	s.queued[0] = nil
	s.queued = s.queued[1:]
	b.activate()
	s.active = b
	metrics.SetQueuedBuffers(s.device, s.Type.String(), len(s.queued))
	return b, true
}

// Requeue puts the active buffer back at the head of the queue after a
// transfer could not be scheduled.
func (s *Stream) Requeue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.active
	if b == nil {
		return false
	}
	s.active = nil
	b.mu.Lock()
	b.result.State = BufferQueued
	b.mu.Unlock()
	s.queued = append([]*Buffer{b}, s.queued...)
	metrics.SetQueuedBuffers(s.device, s.Type.String(), len(s.queued))
	return true
}

// Active returns the buffer currently being filled.
func (s *Stream) Active() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Finish completes the active buffer with c.Bytes, or fails it with err, records the
// completion and wakes waiters. It returns the finished buffer, nil when
// nothing was active.
func (s *Stream) Finish(c Completion, err error) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = c
	b := s.active
	if b == nil {
		return nil
	}
	s.active = nil
	s.sequence++
	b.finish(Result{
		BytesUsed: c.Bytes,
		PTS:       c.PTS,
		Sequence:  s.sequence,
		Timestamp: c.Timestamp,
		Err:       err,
	})
	s.done = append(s.done, b)
	s.broadcastLocked()
	return b
}

// Abort fails the active buffer and every queued buffer with err.
func (s *Stream) Abort(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*Buffer
	if s.active != nil {
		victims = append(victims, s.active)
		s.active = nil
	}
	victims = append(victims, s.queued...)
	s.queued = nil

	for _, b := range victims {
		s.sequence++
		b.finish(Result{Sequence: s.sequence, Timestamp: time.Now(), Err: err})
		s.done = append(s.done, b)
	}
	if len(victims) > 0 {
		s.broadcastLocked()
	}
	metrics.SetQueuedBuffers(s.device, s.Type.String(), 0)
	return len(victims)
}

// Discard fails the queued buffers with err and forgets them along with the
// finished ones. The active transfer is left to the engine.
func (s *Stream) Discard(err error) []*Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append(s.done, s.queued...)
	for _, b := range s.queued {
		s.sequence++
		b.finish(Result{Sequence: s.sequence, Timestamp: time.Now(), Err: err})
	}
	s.queued = nil
	s.done = nil
	s.flags.EOS = false
	metrics.SetQueuedBuffers(s.device, s.Type.String(), 0)
	return out
}

// SetEOS marks the end of the stream and wakes blocked readers.
func (s *Stream) SetEOS() {
	s.mu.Lock()
	s.flags.EOS = true
	s.broadcastLocked()
	s.mu.Unlock()
}

// Dequeue blocks until a completed or failed buffer is available. It returns
// ErrEndOfStream once EOS is set and nothing remains.
func (s *Stream) Dequeue(ctx context.Context) (*Buffer, error) {
	for {
		s.mu.Lock()
		if b, ok := s.popDoneLocked(); ok {
			s.mu.Unlock()
			return b, nil
		}
		if s.flags.EOS {
			s.mu.Unlock()
			return nil, ErrEndOfStream
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryDequeue is the non-blocking form of Dequeue.
func (s *Stream) TryDequeue() (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.popDoneLocked(); ok {
		return b, nil
	}
	if s.flags.EOS {
		return nil, ErrEndOfStream
	}
	return nil, ErrNoBuffer
}

// Counts returns the queued, active and completed buffer counts.
func (s *Stream) Counts() (queued, active, done int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		active = 1
	}
	return len(s.queued), active, len(s.done)
}

// Wake unblocks every reader so it rechecks the stream.
func (s *Stream) Wake() {
	s.mu.Lock()
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Stream) popDoneLocked() (*Buffer, bool) {
	if len(s.done) == 0 {
		return nil, false
	}
	b := s.done[0]
	s.done[0] = nil
	s.done = s.done[1:]
	return b, true
}

func (s *Stream) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) String() string {
	return fmt.Sprintf("%s/%s", s.device, s.Type)
}
