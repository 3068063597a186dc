package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, rate limits, server-side errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient rpc error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying will not fix: bad contract
// ids, rejected requests, auth failures. It fails the current poll cycle
// but never the process.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent rpc error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps err as transient or permanent based on its nature.
// Anything network-shaped is transient; everything else defaults to
// permanent so that malformed requests are not retried forever.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	return &PermanentError{Err: err}
}

// classifyStatus maps an HTTP status code to the error taxonomy.
func classifyStatus(status int, body string) error {
	err := fmt.Errorf("unexpected status code %d: %s", status, body)
	if status >= 500 || status == 429 {
		return &TransientError{Err: err}
	}
	return &PermanentError{Err: err}
}
