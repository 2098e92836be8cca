// Package auth owns the client-side session lifecycle: credential storage,
// claim decoding, the token endpoints and the SessionManager state machine.
package auth

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session errors so callers can decide whether a
// failure is recoverable without inspecting messages.
type ErrorCode string

const (
	// CodeInvalidCredentials means the server rejected email/password. Non-fatal.
	CodeInvalidCredentials ErrorCode = "AUTH_INVALID_CREDENTIALS"

	// CodeRefreshFailed means the credential could not be renewed. Fatal: the
	// session has been cleared.
	CodeRefreshFailed ErrorCode = "TOKEN_REFRESH_FAILED"

	// CodeNetworkUnavailable means the server could not be reached.
	CodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
)

// Error is a coded session error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so errors.Is works against
// the sentinels below regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrTokenRefreshFailed = &Error{Code: CodeRefreshFailed, Message: "token refresh failed"}
	ErrNetworkUnavailable = &Error{Code: CodeNetworkUnavailable, Message: "network unavailable"}

	ErrInvalidToken     = errors.New("invalid token")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionEnded     = errors.New("session ended before the operation completed")
)

// InvalidCredentials wraps a credential rejection.
func InvalidCredentials(detail string) *Error {
	if detail == "" {
		detail = "invalid credentials"
	}
	return &Error{Code: CodeInvalidCredentials, Message: detail}
}

// RefreshFailed wraps the cause of a failed token renewal.
func RefreshFailed(message string, err error) *Error {
	return &Error{Code: CodeRefreshFailed, Message: message, Err: err}
}

// NetworkUnavailable wraps a transport failure.
func NetworkUnavailable(message string, err error) *Error {
	return &Error{Code: CodeNetworkUnavailable, Message: message, Err: err}
}

// IsFatal reports whether err ended the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTokenRefreshFailed)
}
