package repository

import (
	"errors"
	"fmt"
)

// Kind is the stable category of a repository failure. Callers must assume
// the attempted mutation did not apply.
type Kind string

const (
	KindSaveFailed   Kind = "SaveFailed"
	KindUpdateFailed Kind = "UpdateFailed"
	KindDeleteFailed Kind = "DeleteFailed"
	KindReadFailed   Kind = "ReadFailed"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrSaveFailed   = &Error{Kind: KindSaveFailed}
	ErrUpdateFailed = &Error{Kind: KindUpdateFailed}
	ErrDeleteFailed = &Error{Kind: KindDeleteFailed}
	ErrReadFailed   = &Error{Kind: KindReadFailed}
)

// ErrNotFound is wrapped by operations addressed at a record that does not exist.
var ErrNotFound = errors.New("not found")

// Error is a storage-level failure from a repository operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func saveErr(op string, err error) error {
	return &Error{Kind: KindSaveFailed, Op: op, Err: err}
}

func updateErr(op string, err error) error {
	return &Error{Kind: KindUpdateFailed, Op: op, Err: err}
}

func deleteErr(op string, err error) error {
	return &Error{Kind: KindDeleteFailed, Op: op, Err: err}
}

func readErr(op string, err error) error {
	return &Error{Kind: KindReadFailed, Op: op, Err: err}
}
