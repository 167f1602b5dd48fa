package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error leaving a service wraps exactly one of these.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrCorruption  = errors.New("reconciliation corruption")
	ErrUnavailable = errors.New("external service unavailable")
)

// Stable error codes exposed to API clients.
const (
	CodeInvalid         = "INVALID"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyRedeemed = "ALREADY_REDEEMED"
	CodeExpired         = "EXPIRED"
	CodeStaleToken      = "STALE_TOKEN"
	CodeAlreadySettled  = "ALREADY_SETTLED"
	CodeRefundNotOpen   = "REFUND_NOT_OPEN"
	CodeNothingToRefund = "NOTHING_TO_REFUND"
	CodeConflict        = "CONFLICT"
	CodeCorruption      = "CORRUPTION"
	CodeUnavailable     = "UNAVAILABLE"
)

type Error struct {
	Kind error
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func Invalid(msg string, err error) error {
	return &Error{Kind: ErrValidation, Code: CodeInvalid, Msg: msg, Err: err}
}

func NotFound(msg string) error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Msg: msg}
}

func Conflict(code, msg string) error {
	return &Error{Kind: ErrConflict, Code: code, Msg: msg}
}

func Corruption(msg string, err error) error {
	return &Error{Kind: ErrCorruption, Code: CodeCorruption, Msg: msg, Err: err}
}

func Unavailable(msg string, err error) error {
	return &Error{Kind: ErrUnavailable, Code: CodeUnavailable, Msg: msg, Err: err}
}

// CodeOf returns the stable code carried by err, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
