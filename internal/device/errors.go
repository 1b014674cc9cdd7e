package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/smazurov/cxcap/internal/dma"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/reset"
	"github.com/smazurov/cxcap/internal/stream"
)

// Code classifies a device error for callers.
type Code string

// Error codes.
const (
	CodeBusy     Code = "BUSY"
	CodeNoMemory Code = "NO_MEMORY"
	CodeIO       Code = "IO"
	CodeInvalid  Code = "INVALID"
	CodeRange    Code = "RANGE"
)

// Error is the error type returned by Device operations.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the bare code sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Cause != nil {
		return false
	}
	return t.Code == e.Code
}

// Code sentinels for errors.Is.
var (
	ErrBusy     = &Error{Code: CodeBusy}
	ErrNoMemory = &Error{Code: CodeNoMemory}
	ErrIO       = &Error{Code: CodeIO}
	ErrInvalid  = &Error{Code: CodeInvalid}
	ErrRange    = &Error{Code: CodeRange}
)

// ErrUnknownDevice means a registry lookup found nothing.
var ErrUnknownDevice = errors.New("device: unknown device")

// NewError creates a device error.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// wrap turns a component error into a device error. End of stream, an empty
// non-blocking dequeue and context errors pass through untouched.
func wrap(message string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, stream.ErrEndOfStream),
		errors.Is(err, stream.ErrNoBuffer),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return NewError(codeOf(err), message, err)
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, reset.ErrFirmwareDead),
		errors.Is(err, reset.ErrExhausted):
		return CodeIO
	case errors.Is(err, stream.ErrBusy),
		errors.Is(err, mailbox.ErrBusy),
		errors.Is(err, reset.ErrBusy):
		return CodeBusy
	case errors.Is(err, stream.ErrInvalidType),
		errors.Is(err, stream.ErrNotOwner),
		errors.Is(err, stream.ErrBufferState),
		errors.Is(err, dma.ErrInvalidRequest),
		errors.Is(err, mailbox.ErrInvalid):
		return CodeInvalid
	}
	return CodeIO
}
