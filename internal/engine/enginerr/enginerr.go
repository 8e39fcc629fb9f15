// Package enginerr classifies engine errors by propagation policy:
// transient failures retry on the next cycle, malformed input is dropped
// and counted, invariant violations abort the single item, configuration
// errors abort the cycle, internal errors exit the process.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind is the propagation class of an error.
type Kind string

const (
	KindTransient Kind = "transient_external"
	KindMalformed Kind = "malformed_input"
	KindInvariant Kind = "invariant_violation"
	KindConfig    Kind = "configuration_error"
	KindInternal  Kind = "unrecoverable_internal"
)

// Error wraps an underlying error with its propagation kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as recoverable by retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Transientf formats a transient error.
func Transientf(format string, args ...interface{}) error {
	return &Error{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Malformed marks err as unparseable input to be dropped.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindMalformed, Err: err}
}

// Malformedf formats a malformed-input error.
func Malformedf(format string, args ...interface{}) error {
	return &Error{Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// Invariant marks err as a data invariant violation.
func Invariant(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInvariant, Err: err}
}

// Invariantf formats an invariant-violation error.
func Invariantf(format string, args ...interface{}) error {
	return &Error{Kind: KindInvariant, Err: fmt.Errorf(format, args...)}
}

// Config marks err as a configuration error that aborts the cycle.
func Config(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindConfig, Err: err}
}

// Configf formats a configuration error.
func Configf(format string, args ...interface{}) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// Internal marks err as unrecoverable.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf extracts the kind of err, defaulting to transient so unknown
// failures are retried rather than escalated.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the operator CLI exit code: 0 success,
// 1 configuration error, 2 transient external failure, 3 invariant violation.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfig:
		return 1
	case KindInvariant:
		return 3
	default:
		return 2
	}
}
