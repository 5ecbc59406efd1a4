package malcolm

import "sync/atomic"

// OpState is the operational state of a Connection.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	OpenedState
	// LostState is entered when the transport of an opened connection ends without Close.
	// Close returns the connection to ClosedState, after which it can be opened again.
	LostState
)

func (s OpState) String() string {
	switch s {
	case ClosedState:
		return "Closed"
	case ClosingState:
		return "Closing"
	case OpeningState:
		return "Opening"
	case OpenedState:
		return "Opened"
	case LostState:
		return "Lost"
	default:
		return "Unknown"
	}
}

type AtomicOpState struct {
	state atomic.Uint32
}

func (st *AtomicOpState) String() string {
	return st.Get().String()
}

// Get returns the current state of the AtomicOpState.
func (st *AtomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

// Set sets the state of the AtomicOpState to the given state.
func (st *AtomicOpState) Set(state OpState) {
	st.state.Store(uint32(state))
}

// CompareAndSwap sets the state to next if it currently is cur.
func (st *AtomicOpState) CompareAndSwap(cur, next OpState) bool {
	return st.state.CompareAndSwap(uint32(cur), uint32(next))
}

func (st *AtomicOpState) IsClosed() bool {
	return st.Get() == ClosedState
}

func (st *AtomicOpState) IsOpened() bool {
	return st.Get() == OpenedState
}
