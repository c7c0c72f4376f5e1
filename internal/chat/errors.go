package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("store closed")
	ErrNotRetryable = errors.New("message is not in failed state")
	ErrDisconnected = errors.New("channel disconnected")
	ErrForbidden    = errors.New("not a participant")

	// ErrReconciliationAmbiguity marks an incoming message that could not be
	// matched confidently to a local pending entry. The message is appended.
	ErrReconciliationAmbiguity = errors.New("reconciliation ambiguity")
)

// TransportError reports a failed channel or request call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError rejects a draft before anything is inserted locally.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Transport wraps err as a TransportError for op. A nil err stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
