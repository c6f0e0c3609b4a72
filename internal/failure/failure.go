// Package failure defines the error taxonomy shared by the scheduler, the
// worker pool and the run controller.
//
// Only ConfigError (and ConfigErrors) and ProtocolViolation are fatal to a
// run. Every Failure is scoped to the iteration that produced it.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed iteration.
type Kind string

const (
	// KindProducerError means the request for an iteration could not be built.
	KindProducerError Kind = "producer_error"

	// KindNetworkError covers transport-level errors (dial, reset, DNS).
	KindNetworkError Kind = "network_error"

	// KindTimeout means the per-request timeout elapsed before a response.
	KindTimeout Kind = "timeout"

	// KindProtocolError means a response arrived but could not be understood.
	KindProtocolError Kind = "protocol_error"

	// KindUnexpectedStatus means the response status was not an accepted one.
	KindUnexpectedStatus Kind = "unexpected_status"
)

// Kinds returns every failure kind in display order.
func Kinds() []Kind {
	return []Kind{
		KindProducerError,
		KindNetworkError,
		KindTimeout,
		KindProtocolError,
		KindUnexpectedStatus,
	}
}

// Failure is the error returned for a single failed iteration.
type Failure struct {
	Kind       Kind
	StatusCode int
	Err        error
}

// New creates a Failure of the given kind wrapping err.
func New(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// Newf creates a Failure of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the Kind carried by err, or ok=false if err is not a Failure.
func KindOf(err error) (Kind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// ErrPoolExhausted is returned by the worker pool when no slot is idle.
var ErrPoolExhausted = errors.New("worker pool exhausted")

// ProtocolViolation reports misuse of the worker pool API. It means the
// concurrency invariant is broken and the run cannot continue.
type ProtocolViolation struct {
	SlotID  int
	Message string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation on slot %d: %s", e.SlotID, e.Message)
}

// ConfigError represents one invalid run parameter.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// ConfigErrors collects every ConfigError found while validating.
type ConfigErrors struct {
	Errors []*ConfigError
}

func (e *ConfigErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no config errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d config errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ConfigErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ConfigError{Field: field, Message: message})
}

// Merge appends every error of other, prefixing the field names.
func (e *ConfigErrors) Merge(prefix string, other *ConfigErrors) {
	if other == nil {
		return
	}
	for _, err := range other.Errors {
		field := err.Field
		if prefix != "" {
			if field != "" {
				field = prefix + "." + field
			} else {
				field = prefix
			}
		}
		e.Add(field, err.Message)
	}
}

// HasErrors returns true if there are any errors.
func (e *ConfigErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e *ConfigErrors) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsConfigError reports whether err is a ConfigError or ConfigErrors.
func IsConfigError(err error) bool {
	var single *ConfigError
	var many *ConfigErrors
	return errors.As(err, &single) || errors.As(err, &many)
}
