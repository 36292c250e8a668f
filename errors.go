package claimsx

import (
	"errors"
	"fmt"
)

// ErrorCode represents verification failure categories.
type ErrorCode string

const (
	ErrCodeInvalidAudience     ErrorCode = "invalid_audience"
	ErrCodeExpiredSignature    ErrorCode = "expired_signature"
	ErrCodeInvalidIssuedAt     ErrorCode = "invalid_issued_at"
	ErrCodeInvalidIssuer       ErrorCode = "invalid_issuer"
	ErrCodeInvalidJTI          ErrorCode = "invalid_jti"
	ErrCodeImmatureSignature   ErrorCode = "immature_signature"
	ErrCodeInvalidSubject      ErrorCode = "invalid_subject"
	ErrCodeInvalidToken        ErrorCode = "invalid_token"
	ErrCodeIssuerNotRegistered ErrorCode = "issuer_not_registered"
	ErrCodeJWKSUnavailable     ErrorCode = "jwks_unavailable"
	ErrCodeInternal            ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeInvalidAudience:     "Invalid audience",
	ErrCodeExpiredSignature:    "Signature has expired",
	ErrCodeInvalidIssuedAt:     "Invalid iat",
	ErrCodeInvalidIssuer:       "Invalid issuer",
	ErrCodeInvalidJTI:          "Invalid jti",
	ErrCodeImmatureSignature:   "Signature nbf has not been reached",
	ErrCodeInvalidSubject:      "Invalid subject",
	ErrCodeInvalidToken:        "Invalid token",
	ErrCodeIssuerNotRegistered: "Issuer not registered",
	ErrCodeJWKSUnavailable:     "JWKS unavailable",
	ErrCodeInternal:            "Internal error",
}

// Sentinels for errors.Is. They match any *Error carrying the same code,
// regardless of message.
var (
	ErrInvalidAudience   = &Error{Code: ErrCodeInvalidAudience}
	ErrExpiredSignature  = &Error{Code: ErrCodeExpiredSignature}
	ErrInvalidIssuedAt   = &Error{Code: ErrCodeInvalidIssuedAt}
	ErrInvalidIssuer     = &Error{Code: ErrCodeInvalidIssuer}
	ErrInvalidJTI        = &Error{Code: ErrCodeInvalidJTI}
	ErrImmatureSignature = &Error{Code: ErrCodeImmatureSignature}
	ErrInvalidSubject    = &Error{Code: ErrCodeInvalidSubject}
)

// Error wraps verification errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = errorMessages[e.Code]
	}
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error found in err's tree.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Code, true
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func claimError(code ErrorCode, format string, args ...any) error {
	msg := errorMessages[code]
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Message: msg}
}
