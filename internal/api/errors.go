package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/stream"
)

// toHumaError maps a device error to its HTTP status.
func toHumaError(err error) error {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, device.ErrUnknownDevice),
		errors.Is(err, stream.ErrInvalidType):
		return huma.Error404NotFound(err.Error(), err)
	case errors.Is(err, stream.ErrEndOfStream):
		return huma.Error410Gone(err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error(), err)
	}

	var de *device.Error
	if !errors.As(err, &de) {
		return huma.Error500InternalServerError(err.Error(), err)
	}
	switch de.Code {
	case device.CodeBusy:
		return huma.Error409Conflict(de.Error(), err)
	case device.CodeIO:
		return huma.Error503ServiceUnavailable(de.Error(), err)
	case device.CodeInvalid, device.CodeRange:
		return huma.Error400BadRequest(de.Error(), err)
	}
	return huma.Error500InternalServerError(de.Error(), err)
}
