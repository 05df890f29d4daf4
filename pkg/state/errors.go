package state

import (
	"errors"
	"fmt"
)

// ErrLeaseHeld means another run currently owns the subject's processing
// lease. The caller skips the subject without treating it as a failure.
var ErrLeaseHeld = errors.New("subject lease held by another run")

// StoreError wraps a read or write failure from a backing store. It aborts
// the current subject's run and leaves the checkpoint untouched.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
