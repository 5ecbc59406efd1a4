package driver

import (
	"errors"
	"fmt"
	"time"
)

// State is the state of an experiment driver.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Op is a driver operation.
type Op int

const (
	OpStart Op = iota
	OpPause
	OpResume
	OpAbort
	OpComplete
)

func (op Op) String() string {
	switch op {
	case OpStart:
		return "start"
	case OpPause:
		return "pause"
	case OpResume:
		return "resume"
	case OpAbort:
		return "abort"
	case OpComplete:
		return "complete"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

type transition struct {
	from []State
	to   State
}

var transitions = map[Op]transition{
	OpStart:    {from: []State{StateIdle}, to: StateRunning},
	OpPause:    {from: []State{StateRunning}, to: StatePaused},
	OpResume:   {from: []State{StatePaused}, to: StateRunning},
	OpAbort:    {from: []State{StateRunning, StatePaused}, to: StateIdle},
	OpComplete: {from: []State{StateRunning, StatePaused}, to: StateIdle},
}

// ErrIllegalState indicates an operation that is not legal in the current driver state.
var ErrIllegalState = errors.New("illegal driver state")

// StateError reports an illegal operation. It matches ErrIllegalState with errors.Is.
type StateError struct {
	Op    Op
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("driver: cannot %s in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrIllegalState
}

// StateChange is dispatched to listeners on every state change.
type StateChange struct {
	Op   Op
	From State
	To   State
	Time time.Time
}
