package room

import (
	"errors"
)

var (
	// ErrValidation marks missing or malformed request fields.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks a request the connection is not allowed to make.
	ErrUnauthorized = errors.New("not allowed")
	ErrNotFound     = errors.New("room not found")
)

// rejection pairs an error class with the text shown to the requester.
type rejection struct {
	kind   error
	reason string
}

func (e *rejection) Error() string { return e.reason }

func (e *rejection) Unwrap() error { return e.kind }

func reject(kind error, reason string) error {
	return &rejection{kind: kind, reason: reason}
}

// Reason returns the human-readable text sent back in an edit_rejected event.
func Reason(err error) string {
	var r *rejection
	switch {
	case err == nil:
		return ""
	case errors.As(err, &r):
		return r.reason
	case errors.Is(err, ErrNotFound):
		return "room not found"
	case errors.Is(err, ErrUnauthorized):
		return "not allowed"
	case errors.Is(err, ErrValidation):
		return "invalid request"
	default:
		return "request failed"
	}
}
