// Package driver implements the experiment driver: a small Idle/Running/Paused state machine
// that delegates the domain work of each transition to a Hooks implementation.
package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-malcolm/event"
	"github.com/arloliu/go-malcolm/logger"
)

// Hooks performs the domain actions of driver transitions. A hook error other than from
// DoAbort leaves the driver state unchanged.
type Hooks interface {
	DoStart(ctx context.Context) error
	DoPause(ctx context.Context) error
	DoResume(ctx context.Context) error
	// DoAbort may block for as long as the devices take to abort.
	DoAbort(ctx context.Context) error
	DoZero(ctx context.Context) error
}

// NopHooks implements Hooks with no-ops. Embed it to implement only some hooks.
type NopHooks struct{}

func (NopHooks) DoStart(context.Context) error  { return nil }
func (NopHooks) DoPause(context.Context) error  { return nil }
func (NopHooks) DoResume(context.Context) error { return nil }
func (NopHooks) DoAbort(context.Context) error  { return nil }
func (NopHooks) DoZero(context.Context) error   { return nil }

// Option configures a Driver.
type Option func(*Driver) error

// WithName sets the name of the driver used in logs.
func WithName(name string) Option {
	return func(d *Driver) error {
		if name == "" {
			return errors.New("empty driver name")
		}
		d.name = name

		return nil
	}
}

// WithLogger sets the logger of the driver.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) error {
		if l != nil {
			d.logger = l
		}

		return nil
	}
}

// Driver is an experiment driver.
//
// Operations are serialised; State may be read at any time, including from hooks and
// listeners.
type Driver struct {
	name   string
	hooks  Hooks
	logger logger.Logger
	events *event.Registry[StateChange]

	opMu  sync.Mutex
	state atomic.Int32
}

// New creates an Idle driver delegating to hooks.
func New(hooks Hooks, opts ...Option) (*Driver, error) {
	if hooks == nil {
		return nil, errors.New("driver hooks are nil")
	}

	d := &Driver{
		name:   "driver",
		hooks:  hooks,
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	d.logger = d.logger.With("driver", d.name)
	d.events = event.NewRegistry[StateChange](d.name, d.logger)

	return d, nil
}

// State returns the current state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// AddListener registers fn for state changes.
func (d *Driver) AddListener(fn func(StateChange)) (event.ListenerID, error) {
	return d.events.AddListener(fn)
}

// RemoveListener unregisters a listener added with AddListener.
func (d *Driver) RemoveListener(id event.ListenerID) bool {
	return d.events.RemoveListener(id)
}

// Close stops delivering state changes to listeners.
func (d *Driver) Close() {
	d.events.Close()
}

// Start moves Idle to Running once DoStart succeeded.
func (d *Driver) Start(ctx context.Context) error {
	return d.transit(ctx, OpStart, d.hooks.DoStart)
}

// Pause moves Running to Paused once DoPause succeeded.
func (d *Driver) Pause(ctx context.Context) error {
	return d.transit(ctx, OpPause, d.hooks.DoPause)
}

// Resume moves Paused to Running once DoResume succeeded.
func (d *Driver) Resume(ctx context.Context) error {
	return d.transit(ctx, OpResume, d.hooks.DoResume)
}

// Abort moves Running or Paused to Idle. DoAbort is called first; its failure is logged and
// the driver reaches Idle regardless.
func (d *Driver) Abort(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.check(OpAbort)
	if err != nil {
		return err
	}

	d.logger.Info("aborting", "method", "Abort", "state", from.String())
	if err := d.hooks.DoAbort(ctx); err != nil {
		d.logger.Error("abort hook failed", "method", "Abort", "error", err)
	}
	d.set(OpAbort, from, StateIdle)

	return nil
}

// Complete moves Running or Paused to Idle without calling any hook. It is used when the
// experiment finished by itself.
func (d *Driver) Complete() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.check(OpComplete)
	if err != nil {
		return err
	}
	d.set(OpComplete, from, StateIdle)

	return nil
}

// Zero calls DoZero in any state. The state is not changed.
func (d *Driver) Zero(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.hooks.DoZero(ctx); err != nil {
		return fmt.Errorf("driver %s: zero: %w", d.name, err)
	}

	return nil
}

func (d *Driver) transit(ctx context.Context, op Op, hook func(context.Context) error) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.check(op)
	if err != nil {
		return err
	}

	if err := hook(ctx); err != nil {
		d.logger.Warn("hook failed", "method", "transit", "op", op.String(), "error", err)
		return fmt.Errorf("driver %s: %s: %w", d.name, op, err)
	}
	d.set(op, from, transitions[op].to)

	return nil
}

func (d *Driver) check(op Op) (State, error) {
	from := d.State()
	if !slices.Contains(transitions[op].from, from) {
		return from, &StateError{Op: op, State: from}
	}

	return from, nil
}

func (d *Driver) set(op Op, from State, to State) {
	d.state.Store(int32(to))
	d.logger.Info("state changed", "method", "set", "op", op.String(), "from", from.String(), "to", to.String())
	d.events.Dispatch(StateChange{Op: op, From: from, To: to, Time: time.Now()})
}
