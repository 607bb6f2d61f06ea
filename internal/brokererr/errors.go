// Package brokererr implements the error taxonomy from spec.md §7: a
// small set of Kinds that map directly to an HTTP status at the
// boundary where the core hands control back to the embedding server.
package brokererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy entries from spec.md §7.
type Kind string

const (
	BadChannelID    Kind = "bad_channel_id"
	NoChannelID     Kind = "no_channel_id"
	OriginForbidden Kind = "origin_forbidden"
	MethodForbidden Kind = "method_forbidden"
	AuthDenied      Kind = "auth_denied"
	AllocFailure    Kind = "alloc_failure"
	StorageError    Kind = "storage_error"
	BodyIOError     Kind = "body_io_error"
)

// statusByKind is the Kind -> HTTP status mapping from spec.md §7's
// table. MissedMessage and Malformed are advisory/internal and have no
// HTTP status — they never reach this map.
var statusByKind = map[Kind]int{
	BadChannelID:    http.StatusForbidden,
	NoChannelID:     http.StatusNotFound,
	OriginForbidden: http.StatusForbidden,
	MethodForbidden: http.StatusForbidden,
	AuthDenied:      http.StatusForbidden,
	AllocFailure:    http.StatusInternalServerError,
	StorageError:    http.StatusInternalServerError,
	BodyIOError:     http.StatusInternalServerError,
}

// Error is a Kind-tagged error. Wrap with New (fresh message) or
// Wrap (existing cause).
type Error struct {
	Kind Kind
	msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with a formatted message.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a Kind.
func Wrap(k Kind, cause error, format string, args ...any) error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...), Err: cause}
}

// HTTPStatus returns the status code for err per spec.md §7, or 500 if
// err is not a *Error (or has no Kind mapping).
func HTTPStatus(err error) int {
	var be *Error
	if errors.As(err, &be) {
		if status, ok := statusByKind[be.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
