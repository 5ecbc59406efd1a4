package device

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalStateTransition indicates an operation that is not legal in the current state.
	// It is always returned as a *TransitionError and the device is not contacted.
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrConnNil indicates that a nil connection was provided.
	ErrConnNil = errors.New("device connection is nil")

	// ErrDisposed indicates an operation on a disposed device.
	ErrDisposed = errors.New("device disposed")
)

// TransitionError reports an illegal operation. It matches ErrIllegalStateTransition with errors.Is.
type TransitionError struct {
	Device string
	Op     Op
	State  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("device %s: cannot %s in state %s", e.Device, e.Op, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalStateTransition
}
