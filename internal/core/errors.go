package core

import (
	"errors"
	"fmt"
)

// AuthError indicates the long-lived credential was rejected by the remote
// side. It is not retryable without new user input.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenRefreshError indicates a transient failure in the TOTP/token-exchange
// sequence after bounded retries.
type TokenRefreshError struct {
	Attempts int
	Err      error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// TransportError indicates a network-level failure after bounded retries.
// HTTP-level errors (4xx/5xx) are not transport errors.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed or unexpected payload shape. It is
// never retried; the previous good state is preserved by the caller.
type ProtocolError struct {
	What string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.What)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CommandError indicates a playback command was rejected by the remote side.
type CommandError struct {
	Endpoint string
	Status   int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q rejected with status %d", e.Endpoint, e.Status)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
