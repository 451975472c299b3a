package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means the row changed (or was created) since it was read.
	// The operation is safe to retry after re-reading.
	ErrConflict = errors.New("attendance record modified concurrently")
	ErrNotFound = errors.New("not found")
)

// Error wraps every failure coming out of a store backend.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
