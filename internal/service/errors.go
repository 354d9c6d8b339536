package service

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure. The HTTP layer maps kinds to status codes.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindCapacity        Kind = "capacity"
	KindAlreadyRedeemed Kind = "already_redeemed"
	KindAuthorization   Kind = "authorization"
	KindGateway         Kind = "gateway"
	KindInternal        Kind = "internal"
)

// Error is the only error type services return past their boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels below, so errors.Is(err, ErrNotFound) works
// for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrCapacity        = &Error{Kind: KindCapacity}
	ErrAlreadyRedeemed = &Error{Kind: KindAlreadyRedeemed}
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrGateway         = &Error{Kind: KindGateway}
	ErrInternal        = &Error{Kind: KindInternal}
)

// KindOf returns the kind of err, treating anything foreign as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(KindValidation, nil, format, args...)
}

func notFoundError(format string, args ...interface{}) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func capacityError(format string, args ...interface{}) *Error {
	return newError(KindCapacity, nil, format, args...)
}

func authorizationError(format string, args ...interface{}) *Error {
	return newError(KindAuthorization, nil, format, args...)
}

func gatewayError(cause error) *Error {
	return newError(KindGateway, cause, "payment gateway")
}

func internalError(cause error, format string, args ...interface{}) *Error {
	return newError(KindInternal, cause, format, args...)
}

func alreadyRedeemedError(format string, args ...interface{}) *Error {
	return newError(KindAlreadyRedeemed, nil, format, args...)
}
