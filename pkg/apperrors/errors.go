// Package apperrors defines the structured errors raised by the authentication core.
// Every error that crosses a package boundary carries a Kind so it can be classified
// without looking at its message.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies a structured failure.
type Kind string

// Configuration kinds.
const (
	KindConfigFileNotFound  Kind = "config_file_not_found"
	KindConfigInvalidFormat Kind = "config_invalid_format"
	KindConfigMissingKeys   Kind = "config_missing_required_keys"
)

// Authentication kinds.
const (
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindTokenExchangeFailed Kind = "token_exchange_failed"
	KindMissingCode         Kind = "missing_code"
	KindStateMismatch       Kind = "state_mismatch"
	KindAlreadySignedIn     Kind = "already_signed_in"
	KindUserNotSignedIn     Kind = "user_not_signed_in"
)

// Token kinds.
const (
	KindTokenExpired             Kind = "token_expired"
	KindTokenValidationFailed    Kind = "token_validation_failed"
	KindTokenProviderUnavailable Kind = "token_provider_unavailable"
	KindNoRefreshToken           Kind = "no_refresh_token"
)

// Network kinds.
const (
	KindNetworkTimeout     Kind = "network_timeout"
	KindNetworkUnavailable Kind = "network_unavailable"
)

// User kinds.
const (
	KindUserCancelled Kind = "user_cancelled"
	KindSuperseded    Kind = "superseded"
)

// Error is the structured error used throughout the module.
type Error struct {
	Op      string // The operation that failed
	Kind    Kind   // Structured failure kind
	Code    string // Provider error code, if the provider returned one
	Message string // Diagnostic message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	prefix := "auth"
	if e.Op != "" {
		prefix = "auth " + e.Op
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets the sentinel
// values below be used with errors.Is regardless of Op, Message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error.
func New(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// Wrap creates an Error around an underlying cause.
func Wrap(err error, op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel values for errors.Is checks.
var (
	ErrConfigFileNotFound  = &Error{Kind: KindConfigFileNotFound}
	ErrConfigInvalidFormat = &Error{Kind: KindConfigInvalidFormat}
	ErrConfigMissingKeys   = &Error{Kind: KindConfigMissingKeys}

	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials}
	ErrTokenExchangeFailed = &Error{Kind: KindTokenExchangeFailed}
	ErrMissingCode         = &Error{Kind: KindMissingCode}
	ErrStateMismatch       = &Error{Kind: KindStateMismatch}
	ErrAlreadySignedIn     = &Error{Kind: KindAlreadySignedIn}
	ErrUserNotSignedIn     = &Error{Kind: KindUserNotSignedIn}

	ErrTokenExpired             = &Error{Kind: KindTokenExpired}
	ErrTokenValidationFailed    = &Error{Kind: KindTokenValidationFailed}
	ErrTokenProviderUnavailable = &Error{Kind: KindTokenProviderUnavailable}
	ErrNoRefreshToken           = &Error{Kind: KindNoRefreshToken}

	ErrNetworkTimeout     = &Error{Kind: KindNetworkTimeout}
	ErrNetworkUnavailable = &Error{Kind: KindNetworkUnavailable}

	ErrUserCancelled = &Error{Kind: KindUserCancelled}
	ErrSuperseded    = &Error{Kind: KindSuperseded}
)
