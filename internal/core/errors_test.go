package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "direct auth error", err: &AuthError{Reason: "cookie rejected"}, expected: true},
		{name: "wrapped auth error", err: fmt.Errorf("startup: %w", &AuthError{Reason: "anonymous grant"}), expected: true},
		{name: "token refresh wrapping auth error", err: &TokenRefreshError{Attempts: 3, Err: &AuthError{Reason: "x"}}, expected: true},
		{name: "plain error", err: errors.New("boom"), expected: false},
		{name: "transport error", err: &TransportError{Attempts: 3, Err: errors.New("refused")}, expected: false},
		{name: "nil", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthError(tt.err); got != tt.expected {
				t.Errorf("IsAuthError() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")

	for _, err := range []error{
		&AuthError{Reason: "r", Err: cause},
		&TokenRefreshError{Attempts: 2, Err: cause},
		&TransportError{Attempts: 2, Err: cause},
		&ProtocolError{What: "w", Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}
