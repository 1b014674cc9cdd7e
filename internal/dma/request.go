package dma

import (
	"errors"
	"fmt"

	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/stream"
)

var (
	// ErrInvalidRequest means the firmware described a transfer the engine cannot serve.
	ErrInvalidRequest = errors.New("dma: invalid request")
	// ErrVBIInactive means a VBI request arrived before VBI capture was started.
	ErrVBIInactive = errors.New("dma: vbi capture not started")
	// ErrTransfer fails a buffer whose transfer reported an error.
	ErrTransfer = errors.New("dma: transfer error")
	// ErrTimeout fails a buffer whose transfer never completed.
	ErrTimeout = errors.New("dma: transfer timed out")
)

// Firmware prefixes PCM and VBI blocks with a 12 byte header.
const headerLen = 12

// PTSMask keeps the 33 bits of an MPEG presentation timestamp.
const PTSMask uint64 = 1<<33 - 1

// Request is a transfer the encoder asked for through the DMA request box.
type Request struct {
	ID       uint64      `json:"id"`
	Stream   stream.Type `json:"stream"`
	Kind     uint32      `json:"kind"`
	Offset   uint32      `json:"offset"`
	Size     uint32      `json:"size"`
	UVOffset uint32      `json:"uv_offset,omitempty"`
	UVSize   uint32      `json:"uv_size,omitempty"`
	PTS      uint64      `json:"pts"`
	Bytes    uint32      `json:"bytes"`
}

func (r Request) String() string {
	if r.UVSize > 0 {
		return fmt.Sprintf("%s#%d y=0x%08x+%d uv=0x%08x+%d", r.Stream, r.ID, r.Offset, r.Size, r.UVOffset, r.UVSize)
	}
	return fmt.Sprintf("%s#%d 0x%08x+%d", r.Stream, r.ID, r.Offset, r.Size)
}

// VBIConfig describes the sliced VBI blocks the encoder produces.
type VBIConfig struct {
	// EncSize is the encoded VBI bytes per frame.
	EncSize uint32 `json:"enc_size"`
	// FramesPerInterrupt is the number of frames gathered per VBI interrupt.
	FramesPerInterrupt uint32 `json:"frames_per_interrupt"`
	// Started is set once VBI capture was started on the encoder.
	Started bool `json:"started"`
}

// Size is the transfer length of one VBI interrupt's worth of frames.
func (c VBIConfig) Size() uint32 {
	return (c.EncSize+16)*c.FramesPerInterrupt - 16
}

// DecodeRequest turns the DMA request box into a Request. On the VBI path the
// kind is implied by the interrupt and the PTS is read from encoder memory
// in front of the block.
func DecodeRequest(box mailbox.Result, vbiPath bool, vbi VBIConfig, mem hw.Memory, pageSize uint32) (Request, error) {
	d := box.Data
	kind := d[0]
	if vbiPath {
		kind = stream.VBI.Kind()
	}
	t, ok := stream.TypeForKind(kind)
	if !ok {
		return Request{}, fmt.Errorf("%w: kind %d", ErrInvalidRequest, kind)
	}

	req := Request{
		Stream: t,
		Kind:   kind,
		Offset: d[1],
		Size:   d[2],
		PTS:    (uint64(d[5])<<32 | uint64(d[6])) & PTSMask,
	}

	switch t {
	case stream.YUV:
		req.UVOffset = d[3]
		req.UVSize = d[4]
	case stream.PCM:
		if req.Size < headerLen {
			return Request{}, fmt.Errorf("%w: pcm block of %d bytes", ErrInvalidRequest, req.Size)
		}
		req.Offset += headerLen
		req.Size -= headerLen
	case stream.VBI:
		if !vbi.Started {
			return Request{}, ErrVBIInactive
		}
		if mem == nil || vbi.FramesPerInterrupt == 0 {
			return Request{}, fmt.Errorf("%w: vbi not configured", ErrInvalidRequest)
		}
		req.Offset += headerLen
		req.Size = vbi.Size()
		req.PTS = (uint64(mem.Read32(req.Offset-8))<<32 | uint64(mem.Read32(req.Offset-4))) & PTSMask
	}

	if req.Size == 0 {
		return Request{}, fmt.Errorf("%w: empty %s transfer", ErrInvalidRequest, t)
	}
	if req.UVSize > 0 && pageSize > 0 {
		req.Size = (req.Size + pageSize - 1) / pageSize * pageSize
	}
	req.Bytes = req.Size + req.UVSize
	return req, nil
}

// Done is the completion record the firmware leaves in the DMA done box.
type Done struct {
	Status uint32
	Kind   uint32
	PTS    uint64
}

// DecodeDone reads the DMA done box.
func DecodeDone(box mailbox.Result) Done {
	d := box.Data
	return Done{
		Status: d[0],
		Kind:   d[1],
		PTS:    (uint64(d[2])<<32 | uint64(d[3])) & PTSMask,
	}
}

// Complete reports whether the transfer finished writing.
func (d Done) Complete() bool {
	return d.Status&hw.DMAStatusWriteDone != 0
}

// Failed reports whether the transfer hit a write or list error.
func (d Done) Failed() bool {
	return d.Status&hw.DMAStatusErrMask != 0
}
