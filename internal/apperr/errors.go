// Package apperr holds the error taxonomy shared by the store, changes and transports.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid")
	ErrRejected      = errors.New("rejected by backend")
)

// NotFoundError identifies the kind and id of a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return NotFoundError{Kind: kind, ID: id}
}

// DomainError is a precondition failure raised before any mutation. Its message
// is meant to be shown to the user verbatim.
type DomainError struct {
	Msg string
}

func (e DomainError) Error() string { return e.Msg }

func (e DomainError) Unwrap() error { return ErrInvalid }

// Domainf formats a DomainError.
func Domainf(format string, a ...any) error {
	return DomainError{Msg: fmt.Sprintf(format, a...)}
}

// RejectedError carries the status and detail returned by a remote authority.
type RejectedError struct {
	Status int
	Detail string
}

func (e RejectedError) Error() string {
	if e.Status == 0 {
		return "rejected: " + e.Detail
	}
	return fmt.Sprintf("rejected (HTTP %d): %s", e.Status, e.Detail)
}

func (e RejectedError) Unwrap() error { return ErrRejected }
