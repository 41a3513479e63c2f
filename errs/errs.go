// Package errs provides structured error types and helpers for Caseplane services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an event-subsystem error category.
type Code string

const (
	// CodeConfig indicates that messaging connection info could not be resolved.
	CodeConfig Code = "config"
	// CodeChannel indicates a failure constructing or addressing a remote event channel.
	CodeChannel Code = "channel"
	// CodeTransport indicates a send failure on an already-open channel.
	CodeTransport Code = "transport"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the subsystem is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Caseplane stack.
type E struct {
	Op      string
	Code    Code
	Channel string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Channel: "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithChannel records the event channel the failure relates to.
func WithChannel(channel string) Option {
	trimmed := strings.TrimSpace(channel)
	return func(e *E) {
		e.Channel = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Channel != "" {
		parts = append(parts, "channel="+strconv.Quote(e.Channel))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasCode reports whether err carries the given error code.
func HasCode(err error, code Code) bool {
	var envelope *E
	if !errors.As(err, &envelope) {
		return false
	}
	return envelope.Code == code
}

// IsConfig reports whether err stems from unresolvable connection info.
func IsConfig(err error) bool { return HasCode(err, CodeConfig) }

// IsChannel reports whether err stems from opening or addressing a channel.
func IsChannel(err error) bool { return HasCode(err, CodeChannel) }

// IsTransport reports whether err stems from a send on an open channel.
func IsTransport(err error) bool { return HasCode(err, CodeTransport) }
