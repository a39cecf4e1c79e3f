// Package errs provides structured error types and helpers for EventFlow.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeNotInitialized indicates the bus was used before Initialize or after Shutdown.
	CodeNotInitialized Code = "not_initialized"
	// CodeInvalidTopic indicates an empty topic or one containing characters outside the topic alphabet.
	CodeInvalidTopic Code = "invalid_topic"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInvalidConfig indicates an out-of-range channel configuration.
	CodeInvalidConfig Code = "invalid_config"
	// CodeTypeMismatch indicates a delivered payload does not satisfy the subscriber's declared type.
	CodeTypeMismatch Code = "type_mismatch"
	// CodeHandlerPanic indicates a subscriber callback panicked while handling a payload.
	CodeHandlerPanic Code = "handler_panic"
	// CodeChannelStopped indicates the target channel has been stopped.
	CodeChannelStopped Code = "channel_stopped"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the EventFlow stack.
type E struct {
	Op       string
	Code     Code
	Topic    string
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:       strings.TrimSpace(op),
		Code:     code,
		Topic:    "",
		Message:  "",
		Metadata: nil,
		cause:    nil,
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

// WithTopic records the topic the failing operation addressed.
func WithTopic(topic string) Option {
	return func(e *E) {
		e.Topic = topic
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
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

	if e.Topic != "" {
		parts = append(parts, "topic="+strconv.Quote(e.Topic))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code.
// A target with an empty code matches any envelope.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == "" || other.Code == e.Code
}

// IsCode reports whether err, or any error it wraps, is an envelope with the given code.
func IsCode(err error, code Code) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// CodeOf returns the code of the outermost envelope in err's chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// NotInitialized returns the standard rejection for use of an uninitialised bus.
func NotInitialized(op string) *E {
	return New(op, CodeNotInitialized, WithMessage("eventflow is not initialized"))
}

// InvalidTopic returns the standard rejection for a malformed topic.
func InvalidTopic(op, topic string) *E {
	return New(op, CodeInvalidTopic, WithTopic(topic), WithMessage("topic must be non-empty and match [A-Za-z0-9._/-]"))
}
