// Package buserrors defines the error taxonomy shared by every core
// component and consumed by the Facade for transport-agnostic
// translation (§7 of the specification).
package buserrors

import "fmt"

// Code identifies which branch of the taxonomy an Error belongs to.
type Code string

const (
	NotFound      Code = "NotFound"
	InvalidInput  Code = "InvalidInput"
	AuthFailed    Code = "AuthFailed"
	RateLimited   Code = "RateLimited"
	ContentBlocked Code = "ContentBlocked"
	Timeout       Code = "Timeout"
	StoreError    Code = "StoreError"
	Cancelled     Code = "Cancelled"
)

// Error is the single error type returned across component
// boundaries. Transport layers map Code to their own wire
// representation (HTTP status, JSON-RPC error code, …).
type Error struct {
	Code Code
	Msg  string
	Err  error // wrapped lower-level cause, if any

	// RateLimited fields.
	Limit             int
	WindowSeconds     int
	RetryAfterSeconds int
	Scope             string

	// ContentBlocked fields.
	PatternLabel string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, buserrors.NotFoundErr) style checks against
// a sentinel constructed with the same Code and no other fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func NewNotFound(format string, args ...any) *Error     { return newf(NotFound, format, args...) }
func NewInvalidInput(format string, args ...any) *Error { return newf(InvalidInput, format, args...) }
func NewAuthFailed() *Error {
	return &Error{Code: AuthFailed, Msg: "authentication failed"}
}
func NewTimeout(format string, args ...any) *Error { return newf(Timeout, format, args...) }
func NewCancelled() *Error                         { return &Error{Code: Cancelled, Msg: "request cancelled"} }

// NewStoreError wraps a lower-level storage failure.
func NewStoreError(err error) *Error {
	return &Error{Code: StoreError, Err: err, Msg: fmt.Sprintf("store error: %v", err)}
}

// NewRateLimited builds the structured RateLimited error of §7.
func NewRateLimited(limit, windowSeconds, retryAfterSeconds int, scope string) *Error {
	return &Error{
		Code:              RateLimited,
		Msg:               fmt.Sprintf("rate limit exceeded for %s: %d/%ds", scope, limit, windowSeconds),
		Limit:             limit,
		WindowSeconds:     windowSeconds,
		RetryAfterSeconds: retryAfterSeconds,
		Scope:             scope,
	}
}

// NewContentBlocked builds the structured ContentBlocked error of §7.
func NewContentBlocked(patternLabel string) *Error {
	return &Error{
		Code:         ContentBlocked,
		Msg:          fmt.Sprintf("content blocked: detected %s", patternLabel),
		PatternLabel: patternLabel,
	}
}

// Of returns the Code of err if it is (or wraps) a *Error, else "".
func Of(err error) Code {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return ""
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
