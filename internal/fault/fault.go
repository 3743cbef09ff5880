// ABOUTME: Kind-tagged error type shared by services, the dispatcher, and HTTP handlers
// ABOUTME: A fault's kind decides whether it closes the connection, becomes an error event, or maps to a status code

package fault

import (
	"errors"
	"net/http"
)

// Kind classifies a failure for transport-level decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalid
	KindTransient
	KindFatal
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Stable machine codes carried to clients in error events and HTTP bodies.
const (
	CodeNotOwner          = "not_owner"
	CodeNotMember         = "not_member"
	CodeEmptyText         = "empty_text"
	CodeTextTooLong       = "text_too_long"
	CodeAlreadyExists     = "already_exists"
	CodeNotEnoughMembers  = "not_enough_members"
	CodeUnsupportedStatus = "unsupported_status"
	CodeUnknownKid        = "unknown_kid"
	CodeBadToken          = "bad_token"
	CodeTokenExpired      = "token_expired"
	CodeMissingClaim      = "missing_claim"
	CodeNoSession         = "no_session"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// Error is an error with a Kind and a stable machine Code.
// The message is human-readable; the code is what clients switch on.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with the given kind, code, and message.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap creates a fault that wraps an underlying cause.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// Unauthorized means no valid session or token.
func Unauthorized(code, msg string) *Error { return New(KindUnauthorized, code, msg) }

// Forbidden means a valid identity that is not permitted to act.
func Forbidden(code, msg string) *Error { return New(KindForbidden, code, msg) }

// NotFound means the referenced entity does not exist.
func NotFound(code, msg string) *Error { return New(KindNotFound, code, msg) }

// Conflict means the operation violates a uniqueness or state precondition.
func Conflict(code, msg string) *Error { return New(KindConflict, code, msg) }

// Invalid means the input itself is unacceptable.
func Invalid(code, msg string) *Error { return New(KindInvalid, code, msg) }

// Transient wraps a downstream infrastructure failure that may succeed on retry.
func Transient(msg string, err error) *Error {
	return Wrap(KindTransient, CodeInternal, msg, err)
}

// Fatal wraps a failure that must tear down the connection.
func Fatal(msg string, err error) *Error {
	return Wrap(KindFatal, CodeInternal, msg, err)
}

// KindOf returns the Kind carried by err, or KindUnknown for untagged errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CodeOf returns the machine code carried by err, or CodeInternal for untagged errors.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status code HTTP handlers respond with.
// Untagged errors map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
