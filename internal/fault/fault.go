// Package fault defines the error taxonomy shared by every outbound
// gateway and pipeline. Gateways translate raw transport errors into
// these types; everything above the service layer branches on them.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned without invoking the operation while a
	// service's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrIdempotencyConflict signals that an equivalent submission already
	// exists. Callers treat it as success.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrModerationRejected signals content-level rejection by the
	// embedding provider. Never retried.
	ErrModerationRejected = errors.New("content rejected by moderation")
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, rate limits, upstream 5xx.
type TransientError struct {
	Service string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Service, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(service string, err error) error {
	return &TransientError{Service: service, Err: err}
}

// TerminalError marks a failure that will not succeed on retry, like a
// rejected payload or a permission problem.
type TerminalError struct {
	Service string
	Err     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: terminal failure: %v", e.Service, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

func Terminal(service string, err error) error {
	return &TerminalError{Service: service, Err: err}
}

// IntegrityError marks a malformed record from an upstream source. The
// record is quarantined; siblings keep processing.
type IntegrityError struct {
	Source string
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: bad record: %v", e.Source, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func Integrity(source string, err error) error {
	return &IntegrityError{Source: source, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
