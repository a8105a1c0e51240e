package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the networking stack. Component packages wrap
// these sentinels so callers can classify failures with errors.Is.
var (
	// ErrNetwork indicates a socket or send failure.
	ErrNetwork = errors.New("meshsync: network error")
	// ErrSerialization indicates a payload encode or decode failure.
	ErrSerialization = errors.New("meshsync: serialization error")
	// ErrCrypto indicates a security configuration or validation failure.
	ErrCrypto = errors.New("meshsync: crypto error")
	// ErrTimeout indicates an RPC deadline was exceeded.
	ErrTimeout = errors.New("meshsync: timeout")
	// ErrInternal indicates an unexpected internal failure.
	ErrInternal = errors.New("meshsync: internal error")
)

// TimeoutError carries elapsed-time context for an expired remote call.
type TimeoutError struct {
	Method  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote call %q timed out after %s", e.Method, e.Elapsed)
}

// Unwrap lets errors.Is match against ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// IsTimeout reports whether the error originated from an RPC deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
