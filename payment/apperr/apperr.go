// Package apperr classifies payment failures so that the scheduler, the CLI and the
// HTTP handlers share one failure contract.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindChainUnreachable    Kind = "chain_unreachable"
	KindInsufficientFunding Kind = "insufficient_funding"
	KindTransactionRejected Kind = "transaction_rejected"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindInternal            Kind = "internal"
)

type Error struct {
	kind    Kind
	message string
	details map[string]any
	cause   error
}

type Option func(*Error)

func WithCause(err error) Option {
	return func(e *Error) {
		e.cause = err
	}
}

func WithDetail(key string, value any) Option {
	return func(e *Error) {
		if e.details == nil {
			e.details = make(map[string]any)
		}
		e.details[key] = value
	}
}

func New(kind Kind, message string, opts ...Option) *Error {
	if message == "" {
		message = string(kind)
	}
	e := &Error{kind: kind, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() map[string]any {
	if e == nil {
		return nil
	}
	return e.details
}

// StatusCode maps the kind onto the HTTP status used by the API layer.
func (e *Error) StatusCode() int {
	switch e.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindChainUnreachable:
		return http.StatusBadGateway
	case KindInsufficientFunding, KindTransactionRejected:
		return http.StatusUnprocessableEntity
	case KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Validation(message string, opts ...Option) *Error {
	return New(KindValidation, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(KindNotFound, message, opts...)
}

func Conflict(message string, opts ...Option) *Error {
	return New(KindConflict, message, opts...)
}

func ChainUnreachable(message string, opts ...Option) *Error {
	return New(KindChainUnreachable, message, opts...)
}

func InsufficientFunding(message string, opts ...Option) *Error {
	return New(KindInsufficientFunding, message, opts...)
}

func TransactionRejected(message string, opts ...Option) *Error {
	return New(KindTransactionRejected, message, opts...)
}

func ConfirmationTimeout(message string, opts ...Option) *Error {
	return New(KindConfirmationTimeout, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(KindInternal, message, opts...)
}

// From returns the first *Error in err's chain, wrapping anything else as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", WithCause(err))
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind()
}

func IsKind(err error, kind Kind) bool {
	var appErr *Error
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.kind == kind {
			return true
		}
		err = appErr.cause
	}
	return false
}
