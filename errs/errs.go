// Package errs provides structured error types and helpers for the settlement core.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a settlement error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnauthorized indicates the acting identity is not permitted to perform the operation.
	CodeUnauthorized Code = "unauthorized"
	// CodeState indicates the target order, batch, or market is not in a state that permits the operation.
	CodeState Code = "state_conflict"
	// CodeInsufficientBalance indicates an escrow or vault balance cannot cover the requested transfer.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeArithmetic indicates an overflow in fee or value multiplication.
	CodeArithmetic Code = "arithmetic"
	// CodePolicy indicates a certificate or market policy rejection.
	CodePolicy Code = "policy"
	// CodeNotFound indicates a missing order, batch, or pricing config.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict (stale version).
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unable to serve the request.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the settlement stack.
type E struct {
	Op          string
	Code        Code
	Message     string
	Remediation string
	Meta        map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		Message:     "",
		Remediation: "",
		Meta:        nil,
		cause:       nil,
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

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMeta appends a single metadata key/value pair.
func WithMeta(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, 1)
		}
		e.Meta[trimmedKey] = strings.TrimSpace(value)
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

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Meta) > 0 {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Meta[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the settlement error code from err, or empty when err is not an envelope.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*E); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
