package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/cxcap/internal/logging"
)

// Registry holds the streams of one device and arbitrates claims.
type Registry struct {
	device  string
	streams [Count]*Stream

	// mu serializes claim and release across the MPG and VBI pair.
	mu           sync.Mutex
	vbiInsertion bool

	logger *slog.Logger
}

// NewRegistry allocates the given stream types for device.
func NewRegistry(device string, types ...Type) *Registry {
	r := &Registry{
		device: device,
		logger: logging.GetLogger("stream").With("device", device),
	}
	for _, t := range types {
		if t.Valid() {
			r.streams[t] = newStream(device, t)
		}
	}
	return r
}

// Get returns the stream of type t.
func (r *Registry) Get(t Type) (*Stream, error) {
	if !t.Valid() || r.streams[t] == nil {
		return nil, fmt.Errorf("%w: %s not supported by %s", ErrInvalidType, t, r.device)
	}
	return r.streams[t], nil
}

// All returns every allocated stream in type order.
func (r *Registry) All() []*Stream {
	var all []*Stream
	for _, s := range r.streams {
		if s != nil {
			all = append(all, s)
		}
	}
	return all
}

// Capturing returns the streams currently capturing.
func (r *Registry) Capturing() []*Stream {
	var out []*Stream
	for _, s := range r.All() {
		if s.Flags().Capturing {
			out = append(out, s)
		}
	}
	return out
}

// SetVBIInsertion selects whether claiming MPG also claims VBI internally to
// embed sliced VBI into the program stream.
func (r *Registry) SetVBIInsertion(on bool) {
	r.mu.Lock()
	r.vbiInsertion = on
	r.mu.Unlock()
}

// VBIInsertion reports the current VBI insertion setting.
func (r *Registry) VBIInsertion() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vbiInsertion
}

// Claim gives stream t to owner. A second owner gets ErrBusy, except that a VBI
// stream held only internally can also be claimed for external reading.
func (r *Registry) Claim(owner int64, t Type) error {
	if owner < 0 {
		return fmt.Errorf("%w: owner %d", ErrNotOwner, owner)
	}
	s, err := r.Get(t)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	if s.flags.InUse {
		switch {
		case s.owner == owner:
			s.mu.Unlock()
			return nil
		case s.owner == NoOwner && t == VBI:
			s.owner = owner
			s.mu.Unlock()
			r.logger.Debug("VBI stream also claimed for external reading", "owner", owner)
			return nil
		}
		holder := s.owner
		s.mu.Unlock()
		r.logger.Debug("Stream busy", "stream", t.String(), "owner", owner, "holder", holder)
		return fmt.Errorf("%w: %s held by %d", ErrBusy, t, holder)
	}
	s.flags.InUse = true
	s.owner = owner
	s.mu.Unlock()

	if t != MPG || !r.vbiInsertion {
		return nil
	}
	vbi := r.streams[VBI]
	if vbi == nil {
		return nil
	}
	vbi.mu.Lock()
	vbi.flags.InUse = true
	vbi.flags.InternalUse = true
	vbi.mu.Unlock()
	return nil
}

// Release drops owner's claim on stream t. The stream is only freed when no
// claimant remains.
func (r *Registry) Release(owner int64, t Type) error {
	s, err := r.Get(t)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	if s.owner != owner {
		holder := s.owner
		s.mu.Unlock()
		return fmt.Errorf("%w: %s held by %d, not %d", ErrNotOwner, t, holder, owner)
	}
	s.owner = NoOwner
	if t == VBI && s.flags.InternalUse {
		s.mu.Unlock()
		return nil
	}
	if !s.flags.InUse {
		s.mu.Unlock()
		r.logger.Warn("Release of stream not in use", "stream", t.String())
		return nil
	}
	s.flags.InUse = false
	s.mu.Unlock()

	if t != MPG {
		return nil
	}
	vbi := r.streams[VBI]
	if vbi == nil {
		return nil
	}
	vbi.mu.Lock()
	defer vbi.mu.Unlock()
	if !vbi.flags.InternalUse {
		return nil
	}
	vbi.flags.InternalUse = false
	if vbi.owner == NoOwner {
		vbi.flags.InUse = false
	}
	return nil
}

// MarkResetPending sets or clears reset-pending on every stream.
func (r *Registry) MarkResetPending(pending bool) {
	for _, s := range r.All() {
		s.Update(func(f *Flags) { f.ResetPending = pending })
	}
}

// AbortAll fails every in-flight and queued buffer and wakes all readers.
func (r *Registry) AbortAll(err error) int {
	n := 0
	for _, s := range r.All() {
		n += s.Abort(err)
		s.Wake()
	}
	return n
}
