package device

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/arloliu/go-malcolm/message"
)

// State is the lifecycle state of a device.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateArmed
	StateRunning
	StatePaused
	StateAborting
	StateFault
	StateDisabled

	stateNone State = -1
)

var stateNames = [...]string{
	StateIdle:        "Idle",
	StateConfiguring: "Configuring",
	StateArmed:       "Armed",
	StateRunning:     "Running",
	StatePaused:      "Paused",
	StateAborting:    "Aborting",
	StateFault:       "Fault",
	StateDisabled:    "Disabled",
}

// remote state tokens that are rest states of a Malcolm device
var idleAliases = []string{"ready", "finished", "aborted", "postrun"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}

	return stateNames[s]
}

// IsRest reports whether s is a state the device stays in until it is told otherwise.
func (s State) IsRest() bool {
	switch s {
	case StateIdle, StateArmed, StatePaused, StateFault, StateDisabled:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the device is moving between rest states on its own.
func (s State) IsTransient() bool {
	switch s {
	case StateConfiguring, StateRunning, StateAborting:
		return true
	default:
		return false
	}
}

// ParseState parses a remote state token, ignoring case. The Malcolm rest states Ready,
// Finished, Aborted and PostRun are reported as StateIdle.
func ParseState(token string) (State, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	if slices.Contains(idleAliases, token) {
		return StateIdle, nil
	}

	for i, name := range stateNames {
		if strings.ToLower(name) == token {
			return State(i), nil
		}
	}

	return stateNone, fmt.Errorf("unknown device state %q", token)
}

// Op is a device operation.
type Op int

const (
	OpConfigure Op = iota
	OpRun
	OpPause
	OpResume
	OpAbort
	OpSeek
	OpReset
	OpDisable
	OpValidate
)

func (op Op) String() string {
	switch op {
	case OpConfigure:
		return "configure"
	case OpRun:
		return "run"
	case OpPause:
		return "pause"
	case OpResume:
		return "resume"
	case OpAbort:
		return "abort"
	case OpSeek:
		return "seek"
	case OpReset:
		return "reset"
	case OpDisable:
		return "disable"
	case OpValidate:
		return "validate"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

type timeoutKind int

const (
	standardTimeout timeoutKind = iota
	configureTimeout
	runTimeout
)

// transition describes a legal operation: the states it may start from, the state it moves
// the device to before the call is sent and the state a successful reply confirms.
// stateNone means no change.
type transition struct {
	from     []State
	dispatch State
	confirm  State
	// settle lists the states a successful reply may move to confirm. Empty means only the
	// state the operation left the device in.
	settle  []State
	method  message.Method
	timeout timeoutKind
}

var transitions = map[Op]transition{
	OpConfigure: {
		from:     []State{StateIdle},
		dispatch: StateConfiguring,
		confirm:  StateArmed,
		method:   message.MethodConfigure,
		timeout:  configureTimeout,
	},
	OpRun: {
		from:     []State{StateArmed},
		dispatch: StateRunning,
		confirm:  StateIdle,
		settle:   []State{StateRunning, StatePaused},
		method:   message.MethodRun,
		timeout:  runTimeout,
	},
	OpPause: {
		from:     []State{StateRunning},
		dispatch: stateNone,
		confirm:  StatePaused,
		method:   message.MethodPause,
	},
	OpResume: {
		from:     []State{StatePaused},
		dispatch: stateNone,
		confirm:  StateRunning,
		method:   message.MethodResume,
	},
	OpAbort: {
		from:     []State{StateArmed, StateRunning, StatePaused},
		dispatch: StateAborting,
		confirm:  StateIdle,
		method:   message.MethodAbort,
	},
	OpSeek: {
		from:     []State{StateArmed, StatePaused},
		dispatch: stateNone,
		confirm:  StatePaused,
		method:   message.MethodPause,
	},
	OpReset: {
		from:     []State{StateFault, StateArmed, StateDisabled},
		dispatch: stateNone,
		confirm:  StateIdle,
		method:   message.MethodReset,
	},
	OpDisable: {
		from:     []State{StateIdle, StateArmed},
		dispatch: stateNone,
		confirm:  StateDisabled,
		method:   message.MethodDisable,
	},
	OpValidate: {
		from:     []State{StateIdle, StateArmed},
		dispatch: stateNone,
		confirm:  stateNone,
		method:   message.MethodValidate,
	},
}

// IsLegal reports whether op may be started from state s.
func IsLegal(op Op, s State) bool {
	tr, ok := transitions[op]
	return ok && slices.Contains(tr.from, s)
}

// Event kinds.
type EventKind int

const (
	// StateChanged is dispatched on every state change.
	StateChanged EventKind = iota + 1
	// StepsCompleted reports scan progress, throttled by the device's steps interval.
	StepsCompleted
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "StateChanged"
	case StepsCompleted:
		return "StepsCompleted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a device status or progress event.
type Event struct {
	Device   string
	Kind     EventKind
	State    State
	Previous State
	Steps    int64
	// Text carries the reason of a Fault, if the device reported one.
	Text string
	Time time.Time
}
