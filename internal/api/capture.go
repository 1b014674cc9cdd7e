package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/cxcap/internal/api/models"
	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/stream"
)

const (
	defaultBuffers    = 4
	defaultBufferSize = 64 * 1024
	// maxSkips bounds how many failed buffers one read passes over.
	maxSkips = 64
)

type captureKey struct {
	device string
	stream stream.Type
}

// capture is a stream started through the API together with the host
// buffers the API allocated for it.
type capture struct {
	dev     *device.Device
	owner   int64
	stream  stream.Type
	buffers []*stream.Buffer
}

func (s *Server) registerCaptureRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "start-capture",
		Method:        http.MethodPost,
		Path:          "/api/devices/{device}/streams/{stream}/capture",
		Summary:       "Start Capture",
		Description:   "Claim the stream for owner, queue host buffers and start the encoder",
		Tags:          []string{"streams"},
		Security:      withAuth(),
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 404, 409, 503},
	}, func(ctx context.Context, input *models.CaptureRequest) (*models.CaptureResponse, error) {
		d, t, err := s.lookupStream(input.Device, input.Stream)
		if err != nil {
			return nil, err
		}
		c, started, err := s.startCapture(ctx, d, t, input.Body)
		if err != nil {
			return nil, toHumaError(err)
		}
		msg := "Capture started"
		if !started {
			msg = "Capture already running"
		}
		return &models.CaptureResponse{Body: models.CaptureData{
			Device:  d.Name(),
			Stream:  t.String(),
			Owner:   c.owner,
			Buffers: len(c.buffers),
			Message: msg,
		}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-capture",
		Method:      http.MethodDelete,
		Path:        "/api/devices/{device}/streams/{stream}/capture",
		Summary:     "Stop Capture",
		Description: "Stop the encoder, release the claim and free the host buffers",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *models.CaptureStopRequest) (*models.CaptureResponse, error) {
		d, t, err := s.lookupStream(input.Device, input.Stream)
		if err != nil {
			return nil, err
		}
		n, err := s.stopCapture(ctx, d, t, input.Owner)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.CaptureResponse{Body: models.CaptureData{
			Device:  d.Name(),
			Stream:  t.String(),
			Owner:   input.Owner,
			Buffers: n,
			Message: "Capture stopped",
		}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "read-buffer",
		Method:      http.MethodGet,
		Path:        "/api/devices/{device}/streams/{stream}/data",
		Summary:     "Read Buffer",
		Description: "Return the payload of the oldest completed buffer and queue the buffer again. 204 when nothing completed yet, 410 after end of stream.",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 410},
	}, func(ctx context.Context, input *models.ReadRequest) (*models.ReadResponse, error) {
		d, t, err := s.lookupStream(input.Device, input.Stream)
		if err != nil {
			return nil, err
		}
		resp, err := s.read(ctx, d, t, input.Owner)
		if err != nil {
			return nil, toHumaError(err)
		}
		return resp, nil
	})
}

func (s *Server) startCapture(ctx context.Context, d *device.Device, t stream.Type, req models.CaptureRequestData) (*capture, bool, error) {
	key := captureKey{device: d.Name(), stream: t}
	n, size := req.Buffers, req.BufferSize
	if n <= 0 {
		n = defaultBuffers
	}
	if size <= 0 {
		size = defaultBufferSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.captures[key]; ok && c.owner == req.Owner {
		return c, false, nil
	}
	if err := d.Claim(ctx, req.Owner, t); err != nil {
		return nil, false, err
	}

	c := &capture{dev: d, owner: req.Owner, stream: t}
	fail := func(err error) (*capture, bool, error) {
		s.teardown(ctx, c)
		return nil, false, err
	}
	for i := range n {
		b, err := d.AllocBuffer(i, size)
		if err != nil {
			return fail(err)
		}
		c.buffers = append(c.buffers, b)
		if err := d.Queue(ctx, req.Owner, t, b); err != nil {
			return fail(err)
		}
	}
	if err := d.StartCapture(ctx, req.Owner, t); err != nil {
		return fail(err)
	}
	s.captures[key] = c
	s.logger.Info("API capture started", "device", d.Name(), "stream", t.String(), "owner", req.Owner, "buffers", n)
	return c, true, nil
}

func (s *Server) stopCapture(ctx context.Context, d *device.Device, t stream.Type, owner int64) (int, error) {
	key := captureKey{device: d.Name(), stream: t}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.captures[key]
	if !ok {
		return 0, huma.Error404NotFound(fmt.Sprintf("no API capture on %s/%s", d.Name(), t))
	}
	if c.owner != owner {
		return 0, device.NewError(device.CodeInvalid, fmt.Sprintf("%s/%s not owned by %d", d.Name(), t, owner), stream.ErrNotOwner)
	}
	delete(s.captures, key)
	n := len(c.buffers)
	if err := s.teardown(ctx, c); err != nil {
		return 0, err
	}
	s.logger.Info("API capture stopped", "device", d.Name(), "stream", t.String(), "owner", owner)
	return n, nil
}

// teardown stops and releases the stream, then frees the buffers.
func (s *Server) teardown(ctx context.Context, c *capture) error {
	err := c.dev.Release(ctx, c.owner, c.stream)
	for _, b := range c.buffers {
		if freeErr := c.dev.FreeBuffer(b); freeErr != nil {
			s.logger.Warn("Buffer not freed", "device", c.dev.Name(), "stream", c.stream.String(), "index", b.Index, "error", freeErr)
		}
	}
	c.buffers = nil
	return err
}

func (s *Server) read(ctx context.Context, d *device.Device, t stream.Type, owner int64) (*models.ReadResponse, error) {
	for range maxSkips {
		b, err := d.Dequeue(ctx, owner, t, false)
		if errors.Is(err, stream.ErrNoBuffer) {
			return &models.ReadResponse{Status: http.StatusNoContent}, nil
		}
		if err != nil {
			return nil, err
		}

		res := b.Result()
		var payload []byte
		if res.Err == nil {
			payload = d.Bytes(b)
		}
		if err := d.Queue(ctx, owner, t, b); err != nil {
			s.logger.Warn("Buffer not requeued", "device", d.Name(), "stream", t.String(), "index", b.Index, "error", err)
		}
		if res.Err != nil {
			s.logger.Debug("Skipping failed buffer", "device", d.Name(), "stream", t.String(), "error", res.Err)
			continue
		}
		return &models.ReadResponse{
			Status:      http.StatusOK,
			ContentType: contentType(t),
			Sequence:    strconv.FormatUint(res.Sequence, 10),
			PTS:         strconv.FormatUint(res.PTS, 10),
			Body:        payload,
		}, nil
	}
	return &models.ReadResponse{Status: http.StatusNoContent}, nil
}

func contentType(t stream.Type) string {
	if t == stream.MPG {
		return "video/mpeg"
	}
	return "application/octet-stream"
}

func (s *Server) releaseAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.captures {
		if err := s.teardown(ctx, c); err != nil {
			s.logger.Warn("API capture release failed", "device", key.device, "stream", key.stream.String(), "error", err)
		}
		delete(s.captures, key)
	}
}
