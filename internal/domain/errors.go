// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrInvalidTransition indicates an operation that is not legal from the
// entity's current lifecycle state.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a rejected lifecycle operation, naming the
// attempted operation and the state the entity was actually in.
type TransitionError struct {
	Op      string // attempted operation, e.g. "start"
	Current string // current state, e.g. "running"
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s: job is %s", e.Op, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
