// Package device implements the lifecycle state machine of a remote Malcolm device.
//
// A Device checks every operation against its current state before anything is sent, moves to
// the operation's transitional state, issues the CALL through a malcolm connection and applies
// the confirmed state once the device replies. Status pushes and subscription updates keep the
// state in step with the hardware, and state and progress changes are fanned out to listeners
// through an event.Registry.
package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-malcolm/event"
	"github.com/arloliu/go-malcolm/internal/task"
	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/malcolm"
	"github.com/arloliu/go-malcolm/message"
)

// Attributes a device subscribes to on Initialize.
const (
	AttrState          = "state"
	AttrHealth         = "health"
	AttrCompletedSteps = "completedSteps"
)

// Conn is the part of *malcolm.Connection a Device uses.
type Conn interface {
	Send(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)
	Subscribe(ctx context.Context, endpoint string, handler malcolm.PushHandler) (uint64, error)
	Unsubscribe(ctx context.Context, id uint64) error
	AddPushHandler(handler malcolm.PushHandler)
	AddStateHandler(handler malcolm.StateChangeHandler)
}

// Device is the client side state machine of one remote device.
type Device struct {
	name   string
	conn   Conn
	opts   *options
	logger logger.Logger
	events *event.Registry[Event]
	tasks  *task.Manager

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	offline       bool
	steps         int64
	lastStepsEmit time.Time

	subMu    sync.Mutex
	subIDs   []uint64
	pushOnce sync.Once
	disposed atomic.Bool
}

// New creates a device named name, controlled over conn. The device starts Idle.
func New(name string, conn Conn, opts ...Option) (*Device, error) {
	if conn == nil {
		return nil, ErrConnNil
	}
	if name == "" {
		return nil, errors.New("empty device name")
	}

	o := newOptions()
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	l := o.logger.With("device", name)
	d := &Device{
		name:   name,
		conn:   conn,
		opts:   o,
		logger: l,
		events: event.NewRegistry[Event]("device-"+name, l),
		state:  StateIdle,
		tasks:  task.NewManager(context.Background(), l),
	}
	d.cond = sync.NewCond(&d.mu)

	return d, nil
}

// Name returns the device name, which is also its endpoint.
func (d *Device) Name() string {
	return d.name
}

// State returns the current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Alive reports whether the connection to the device is up. A device whose connection was
// lost is in Fault and not alive until it is initialized again after the connection reopens.
func (d *Device) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return !d.offline
}

// IsBusy reports whether the device is outside of a rest state.
func (d *Device) IsBusy() bool {
	return !d.State().IsRest()
}

// StepsCompleted returns the last reported number of completed scan steps.
func (d *Device) StepsCompleted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.steps
}

// AddListener registers fn for state and progress events.
func (d *Device) AddListener(fn func(Event)) (event.ListenerID, error) {
	return d.events.AddListener(fn)
}

// RemoveListener unregisters a listener added with AddListener.
func (d *Device) RemoveListener(id event.ListenerID) bool {
	return d.events.RemoveListener(id)
}

// Initialize subscribes to the state and progress attributes of the device and reads its
// current state. From then on the device follows the state of its connection: it goes to
// Fault when the connection is lost or closed, and initializes itself again once the
// connection is reopened.
func (d *Device) Initialize(ctx context.Context) error {
	if d.disposed.Load() {
		return ErrDisposed
	}

	d.pushOnce.Do(func() {
		d.conn.AddPushHandler(d.onPush)
		d.conn.AddStateHandler(d.onConnState)
	})

	for _, attr := range []string{AttrState, AttrCompletedSteps} {
		id, err := d.conn.Subscribe(ctx, message.JoinEndpoint(d.name, attr), d.onPush)
		if err != nil {
			return fmt.Errorf("device %s: subscribe %s: %w", d.name, attr, err)
		}

		d.subMu.Lock()
		d.subIDs = append(d.subIDs, id)
		d.subMu.Unlock()
	}

	if _, err := d.GetState(ctx); err != nil {
		return err
	}
	d.logger.Info("device initialized", "method", "Initialize", "state", d.State().String())

	return nil
}

// Dispose cancels the subscriptions made by Initialize and stops event delivery.
// Dispose must not be called from a listener.
func (d *Device) Dispose(ctx context.Context) error {
	if !d.disposed.CompareAndSwap(false, true) {
		return nil
	}

	d.tasks.Stop()
	d.tasks.Wait()

	d.subMu.Lock()
	ids := d.subIDs
	d.subIDs = nil
	d.subMu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := d.conn.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	d.events.Close()

	return errors.Join(errs...)
}

// GetState reads the state attribute of the device and applies it like a status push.
func (d *Device) GetState(ctx context.Context) (State, error) {
	reply, err := d.Attribute(ctx, AttrState)
	if err != nil {
		return d.State(), err
	}

	token, ok := reply.ValueString()
	if !ok {
		return d.State(), fmt.Errorf("device %s: state reply carries no string value", d.name)
	}
	s, err := ParseState(token)
	if err != nil {
		return d.State(), err
	}
	d.applyRemote(s, reply.Text)

	return d.State(), nil
}

// Health reads the health attribute of the device.
func (d *Device) Health(ctx context.Context) (string, error) {
	reply, err := d.Attribute(ctx, AttrHealth)
	if err != nil {
		return "", err
	}

	health, ok := reply.ValueString()
	if !ok {
		return "", fmt.Errorf("device %s: health reply carries no string value", d.name)
	}

	return health, nil
}

// Attribute issues a GET for the named attribute of the device.
func (d *Device) Attribute(ctx context.Context, name string) (*message.Message, error) {
	reply, err := d.conn.Send(ctx, message.NewGet(message.JoinEndpoint(d.name, name)), d.opts.timeout)
	if err != nil {
		return reply, fmt.Errorf("device %s: get %s: %w", d.name, name, err)
	}

	return reply, nil
}

// Configure configures the device with params. Legal from Idle; the device is Armed on success.
func (d *Device) Configure(ctx context.Context, params any) error {
	_, err := d.execute(ctx, OpConfigure, "", params)
	return err
}

// Run starts a configured scan and blocks until the device reports completion or failure.
// The device returns to Idle once the scan completed.
func (d *Device) Run(ctx context.Context) error {
	reply, err := d.execute(ctx, OpRun, "", nil)
	if err != nil {
		return err
	}

	var result struct {
		CompletedSteps *int64 `json:"completedSteps"`
	}
	if reply.DecodeValue(&result) == nil && result.CompletedSteps != nil {
		d.updateSteps(*result.CompletedSteps, true)
	}

	return nil
}

// Pause pauses a running scan.
func (d *Device) Pause(ctx context.Context) error {
	_, err := d.execute(ctx, OpPause, "", nil)
	return err
}

// Resume resumes a paused scan.
func (d *Device) Resume(ctx context.Context) error {
	_, err := d.execute(ctx, OpResume, "", nil)
	return err
}

// Abort aborts a configured, running or paused scan. Aborting an Idle or Disabled device is
// illegal and fails without contacting it.
func (d *Device) Abort(ctx context.Context) error {
	_, err := d.execute(ctx, OpAbort, "", nil)
	return err
}

// Seek pauses the scan at the given number of completed steps.
func (d *Device) Seek(ctx context.Context, completedSteps int64) error {
	if completedSteps < 0 {
		return fmt.Errorf("device %s: negative seek position %d", d.name, completedSteps)
	}
	_, err := d.execute(ctx, OpSeek, AttrCompletedSteps, completedSteps)

	return err
}

// Reset returns a faulted, armed or disabled device to Idle.
func (d *Device) Reset(ctx context.Context) error {
	_, err := d.execute(ctx, OpReset, "", nil)
	return err
}

// Disable disables the device.
func (d *Device) Disable(ctx context.Context) error {
	_, err := d.execute(ctx, OpDisable, "", nil)
	return err
}

// Validate asks the device to validate params and returns the validated parameters.
func (d *Device) Validate(ctx context.Context, params any) (*message.Message, error) {
	return d.execute(ctx, OpValidate, "", params)
}

// WaitState blocks until the device is in one of states and returns that state.
func (d *Device) WaitState(ctx context.Context, states ...State) (State, error) {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if slices.Contains(states, d.state) {
			return d.state, nil
		}
		if err := ctx.Err(); err != nil {
			return d.state, err
		}
		d.cond.Wait()
	}
}

func (d *Device) execute(ctx context.Context, op Op, param string, value any) (*message.Message, error) {
	if d.disposed.Load() {
		return nil, ErrDisposed
	}

	tr := transitions[op]

	d.mu.Lock()
	from := d.state
	if !slices.Contains(tr.from, from) {
		d.mu.Unlock()
		return nil, &TransitionError{Device: d.name, Op: op, State: from}
	}
	left := from
	if tr.dispatch != stateNone {
		d.setStateLocked(tr.dispatch, "")
		left = tr.dispatch
	}
	d.mu.Unlock()

	d.logger.Debug("dispatch operation", "method", "execute", "op", op.String(), "from", from.String())

	msg := message.NewCall(d.name, tr.method, value)
	msg.Param = param

	reply, err := d.conn.Send(ctx, msg, d.timeoutOf(tr.timeout))
	if err != nil {
		d.onFailure(op, from, left, err)
		return reply, fmt.Errorf("device %s: %s: %w", d.name, op, err)
	}

	if tr.confirm != stateNone {
		settle := tr.settle
		if len(settle) == 0 {
			settle = []State{left}
		}
		d.compareAndSet(settle, tr.confirm)
	}

	return reply, nil
}

// onFailure applies the state after a failed call. A call that failed after its request was
// sent leaves the real state of the device unknown and forces Fault. An ERROR reply, or a
// call cancelled before anything was sent, undoes the transitional state.
func (d *Device) onFailure(op Op, from State, left State, err error) {
	switch {
	case errors.Is(err, malcolm.ErrTimeout),
		errors.Is(err, malcolm.ErrTransport),
		errors.Is(err, malcolm.ErrConnClosed),
		errors.Is(err, malcolm.ErrCallAbandoned):
		d.logger.Error("operation failed, device state unknown", "method", "onFailure", "op", op.String(), "error", err)

		d.mu.Lock()
		d.setStateLocked(StateFault, err.Error())
		d.mu.Unlock()

	case errors.Is(err, malcolm.ErrRemote):
		d.logger.Warn("operation rejected", "method", "onFailure", "op", op.String(), "error", err)
		if left != from {
			d.compareAndSet([]State{left}, from)
		}

	default:
		d.logger.Warn("operation not sent", "method", "onFailure", "op", op.String(), "error", err)
		if left != from {
			d.compareAndSet([]State{left}, from)
		}
	}
}

func (d *Device) timeoutOf(kind timeoutKind) time.Duration {
	switch kind {
	case configureTimeout:
		return d.opts.configureTimeout
	case runTimeout:
		return d.opts.runTimeout
	default:
		return d.opts.timeout
	}
}

// compareAndSet moves the device to next if it is in one of expected.
func (d *Device) compareAndSet(expected []State, next State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !slices.Contains(expected, d.state) {
		return false
	}
	d.setStateLocked(next, "")

	return true
}

// onConnState follows the connection of the device. It runs on the goroutine that changed the
// connection state, so re-initialization is done on a task.
func (d *Device) onConnState(prev malcolm.OpState, next malcolm.OpState) {
	if d.disposed.Load() {
		return
	}

	switch next {
	case malcolm.LostState, malcolm.ClosedState:
		if prev != malcolm.OpenedState {
			return
		}
		d.logger.Warn("device offline", "method", "onConnState", "connection", next.String())

		d.mu.Lock()
		d.offline = true
		d.setStateLocked(StateFault, "connection "+strings.ToLower(next.String()))
		d.mu.Unlock()

	case malcolm.OpenedState:
		if err := d.tasks.Start("device-reconnect-"+d.name, d.reconnect); err != nil {
			d.logger.Warn("failed to schedule re-initialization", "method", "onConnState", "error", err)
		}
	}
}

// reconnect initializes the device again on a reopened connection. The subscriptions of the
// previous connection ended with it.
func (d *Device) reconnect() bool {
	d.subMu.Lock()
	d.subIDs = nil
	d.subMu.Unlock()

	if err := d.Initialize(d.tasks.Context()); err != nil {
		d.logger.Warn("failed to initialize device after reconnect", "method", "reconnect", "error", err)
		return false
	}
	d.logger.Info("device back online", "method", "reconnect", "state", d.State().String())

	return false
}

// onPush handles status pushes and subscription updates. It runs on the transport receive path.
func (d *Device) onPush(msg *message.Message) {
	if d.disposed.Load() || msg.DeviceName() != d.name {
		return
	}

	switch msg.Attribute() {
	case AttrState:
		token, ok := msg.ValueString()
		if !ok {
			d.logger.Warn("state push without value", "method", "onPush", "msg", msg.String())
			return
		}
		s, err := ParseState(token)
		if err != nil {
			d.logger.Warn("ignore state push", "method", "onPush", "error", err)
			return
		}
		d.applyRemote(s, msg.Text)

	case AttrCompletedSteps:
		if n, ok := msg.ValueInt(); ok {
			d.updateSteps(n, false)
		}
	}
}

// applyRemote applies a state reported by the device. A faulted device only leaves Fault
// through Reset, except for the Fault of a lost connection, which the first state reported
// after reconnecting replaces.
func (d *Device) applyRemote(s State, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.offline {
		d.offline = false
		d.setStateLocked(s, text)
		return
	}
	if d.state == StateFault && s != StateFault {
		d.logger.Debug("ignore state while faulted", "method", "applyRemote", "state", s.String())
		return
	}
	d.setStateLocked(s, text)
}

func (d *Device) updateSteps(n int64, force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.steps = n

	now := time.Now()
	if !force && d.opts.stepsInterval > 0 && now.Sub(d.lastStepsEmit) < d.opts.stepsInterval {
		return
	}
	d.lastStepsEmit = now
	d.events.Dispatch(Event{Device: d.name, Kind: StepsCompleted, State: d.state, Previous: d.state, Steps: n, Time: now})
}

func (d *Device) setStateLocked(s State, text string) {
	if d.state == s {
		return
	}

	prev := d.state
	d.state = s
	d.cond.Broadcast()

	d.logger.Debug("state changed", "method", "setStateLocked", "from", prev.String(), "to", s.String())
	d.events.Dispatch(Event{
		Device:   d.name,
		Kind:     StateChanged,
		State:    s,
		Previous: prev,
		Steps:    d.steps,
		Text:     text,
		Time:     time.Now(),
	})
}
