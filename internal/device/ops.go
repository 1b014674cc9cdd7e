package device

import (
	"context"
	"fmt"

	"github.com/smazurov/cxcap/internal/stream"
)

// Claim gives stream t to owner.
func (d *Device) Claim(ctx context.Context, owner int64, t stream.Type) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.service(ctx)
	if err := d.streams.Claim(owner, t); err != nil {
		return wrap(fmt.Sprintf("cannot claim %s", t), err)
	}
	d.logger.Debug("Stream claimed", "stream", t.String(), "owner", owner)
	return nil
}

// ErrReleased fails buffers still queued when their stream is released.
var ErrReleased = fmt.Errorf("device: %w by release", stream.ErrAborted)

// Release stops a running capture owned by owner and drops the claim. Once no
// claimant remains the queued and finished buffers are discarded.
func (d *Device) Release(ctx context.Context, owner int64, t stream.Type) error {
	st, err := d.stream(t)
	if err != nil {
		return err
	}
	if st.Owner() != owner {
		return wrap(fmt.Sprintf("cannot release %s", t), stream.ErrNotOwner)
	}
	if st.Flags().Capturing && !st.Flags().InternalUse {
		if err := d.StopCapture(ctx, t); err != nil {
			return err
		}
	}
	if err := d.streams.Release(owner, t); err != nil {
		return wrap(fmt.Sprintf("cannot release %s", t), err)
	}
	if !st.Flags().InUse {
		if n := len(st.Discard(ErrReleased)); n > 0 {
			d.logger.Debug("Buffers discarded", "stream", t.String(), "count", n)
		}
	}
	d.logger.Debug("Stream released", "stream", t.String(), "owner", owner)
	return nil
}

// AllocBuffer allocates a host buffer of at least size bytes.
func (d *Device) AllocBuffer(index, size int) (*stream.Buffer, error) {
	if size <= 0 {
		return nil, NewError(CodeInvalid, fmt.Sprintf("buffer size %d", size), nil)
	}
	if d.alloc == nil {
		return nil, NewError(CodeNoMemory, "no host allocator", nil)
	}
	pages, err := d.alloc.AllocPages(size)
	if err != nil {
		return nil, NewError(CodeNoMemory, fmt.Sprintf("cannot allocate %d bytes", size), err)
	}
	return stream.NewBuffer(index, pages), nil
}

// FreeBuffer returns the pages of an idle or completed buffer.
func (d *Device) FreeBuffer(b *stream.Buffer) error {
	switch b.State() {
	case stream.BufferQueued, stream.BufferActive:
		return wrap("cannot free buffer", stream.ErrBufferState)
	}
	if d.alloc != nil {
		d.alloc.FreePages(b.Pages)
	}
	return nil
}

// Bytes returns the payload of a completed buffer.
func (d *Device) Bytes(b *stream.Buffer) []byte {
	res := b.Result()
	if d.alloc == nil || res.State != stream.BufferDone {
		return nil
	}
	return d.alloc.ReadPages(b.Pages, res.BytesUsed)
}

// Queue hands b to stream t and runs any transfer that was waiting for a buffer.
func (d *Device) Queue(ctx context.Context, owner int64, t stream.Type, b *stream.Buffer) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.service(ctx)
	st, err := d.stream(t)
	if err != nil {
		return err
	}
	if st.Owner() != owner {
		return wrap(fmt.Sprintf("cannot queue on %s", t), stream.ErrNotOwner)
	}
	if err := st.Queue(b); err != nil {
		return wrap("cannot queue buffer", err)
	}
	d.engine.Poll()
	return nil
}

// Dequeue returns the next finished buffer of stream t. With wait false it
// returns stream.ErrNoBuffer instead of blocking. After end of stream it
// returns stream.ErrEndOfStream once every finished buffer was taken.
func (d *Device) Dequeue(ctx context.Context, owner int64, t stream.Type, wait bool) (*stream.Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	d.service(ctx)
	st, err := d.stream(t)
	if err != nil {
		return nil, err
	}
	if st.Owner() != owner {
		return nil, wrap(fmt.Sprintf("cannot dequeue from %s", t), stream.ErrNotOwner)
	}
	var b *stream.Buffer
	if wait {
		b, err = st.Dequeue(ctx)
	} else {
		b, err = st.TryDequeue()
	}
	if err != nil {
		return nil, wrap("dequeue failed", err)
	}
	return b, nil
}
