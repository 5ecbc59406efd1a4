package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-malcolm/internal/simdevice"
	"github.com/arloliu/go-malcolm/malcolm"
	"github.com/arloliu/go-malcolm/message"
	"github.com/arloliu/go-malcolm/transport"
	"github.com/arloliu/go-malcolm/transport/membus"
)

const testDevice = "BL45P-ML-SCAN-01"

// fakeConn answers every call with a RETURN, or with err when set.
type fakeConn struct {
	mu    sync.Mutex
	sent  []*message.Message
	err   error
	reply any
}

func (c *fakeConn) Send(_ context.Context, msg *message.Message, _ time.Duration) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, msg)
	if c.err != nil {
		return nil, c.err
	}

	return message.NewReturn(msg, c.reply), nil
}

func (c *fakeConn) Subscribe(context.Context, string, malcolm.PushHandler) (uint64, error) {
	return 1, nil
}

func (c *fakeConn) Unsubscribe(context.Context, uint64) error { return nil }

func (c *fakeConn) AddPushHandler(malcolm.PushHandler) {}

func (c *fakeConn) AddStateHandler(malcolm.StateChangeHandler) {}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sent)
}

var allStates = []State{
	StateIdle, StateConfiguring, StateArmed, StateRunning,
	StatePaused, StateAborting, StateFault, StateDisabled,
}

var allOps = []Op{OpConfigure, OpRun, OpPause, OpResume, OpAbort, OpSeek, OpReset, OpDisable, OpValidate}

func runOp(ctx context.Context, d *Device, op Op) error {
	switch op {
	case OpConfigure:
		return d.Configure(ctx, nil)
	case OpRun:
		return d.Run(ctx)
	case OpPause:
		return d.Pause(ctx)
	case OpResume:
		return d.Resume(ctx)
	case OpAbort:
		return d.Abort(ctx)
	case OpSeek:
		return d.Seek(ctx, 1)
	case OpReset:
		return d.Reset(ctx)
	case OpDisable:
		return d.Disable(ctx)
	case OpValidate:
		_, err := d.Validate(ctx, nil)
		return err
	}

	return nil
}

func TestDevice_LegalityGrid(t *testing.T) {
	expected := map[Op]map[State]State{
		OpConfigure: {StateIdle: StateArmed},
		OpRun:       {StateArmed: StateIdle},
		OpPause:     {StateRunning: StatePaused},
		OpResume:    {StatePaused: StateRunning},
		OpAbort:     {StateArmed: StateIdle, StateRunning: StateIdle, StatePaused: StateIdle},
		OpSeek:      {StateArmed: StatePaused, StatePaused: StatePaused},
		OpReset:     {StateFault: StateIdle, StateArmed: StateIdle, StateDisabled: StateIdle},
		OpDisable:   {StateIdle: StateDisabled, StateArmed: StateDisabled},
		OpValidate:  {StateIdle: StateIdle, StateArmed: StateArmed},
	}

	for _, op := range allOps {
		for _, from := range allStates {
			t.Run(op.String()+"/"+from.String(), func(t *testing.T) {
				require := require.New(t)

				conn := &fakeConn{}
				d, err := New(testDevice, conn)
				require.NoError(err)
				defer d.events.Close()
				d.state = from

				err = runOp(context.Background(), d, op)

				next, legal := expected[op][from]
				require.Equal(legal, IsLegal(op, from))
				if legal {
					require.NoError(err)
					require.Equal(next, d.State())
					require.Equal(1, conn.sentCount())
					return
				}

				require.ErrorIs(err, ErrIllegalStateTransition)
				var te *TransitionError
				require.ErrorAs(err, &te)
				require.Equal(op, te.Op)
				require.Equal(from, te.State)
				require.Equal(from, d.State(), "state is unchanged")
				require.Equal(0, conn.sentCount(), "transport is not contacted")
			})
		}
	}
}

func TestDevice_FailureStates(t *testing.T) {
	tests := []struct {
		name     string
		op       Op
		from     State
		err      error
		expected State
	}{
		{"timeout forces fault", OpPause, StateRunning, malcolm.ErrTimeout, StateFault},
		{"transport loss forces fault", OpRun, StateArmed, malcolm.ErrTransport, StateFault},
		{"closed connection forces fault", OpAbort, StateRunning, malcolm.ErrConnClosed, StateFault},
		{"remote error on configure returns to idle", OpConfigure, StateIdle, &malcolm.RemoteError{Text: "bad"}, StateIdle},
		{"remote error on run returns to armed", OpRun, StateArmed, &malcolm.RemoteError{Text: "bad"}, StateArmed},
		{"remote error on pause keeps state", OpPause, StateRunning, &malcolm.RemoteError{Text: "bad"}, StateRunning},
		{"cancellation before send restores armed", OpRun, StateArmed, context.Canceled, StateArmed},
		{"cancellation before send restores idle", OpConfigure, StateIdle, context.DeadlineExceeded, StateIdle},
		{"abandoned configure forces fault", OpConfigure, StateIdle, fmt.Errorf("%w: %w", malcolm.ErrCallAbandoned, context.Canceled), StateFault},
		{"abandoned abort forces fault", OpAbort, StatePaused, fmt.Errorf("%w: %w", malcolm.ErrCallAbandoned, context.DeadlineExceeded), StateFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			conn := &fakeConn{err: tt.err}
			d, err := New(testDevice, conn)
			require.NoError(err)
			defer d.events.Close()
			d.state = tt.from

			err = runOp(context.Background(), d, tt.op)
			require.ErrorIs(err, tt.err)
			require.Equal(tt.expected, d.State())
		})
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		token    string
		expected State
	}{
		{"Idle", StateIdle},
		{"READY", StateIdle},
		{"finished", StateIdle},
		{"Aborted", StateIdle},
		{"PostRun", StateIdle},
		{"armed", StateArmed},
		{" Running ", StateRunning},
		{"Fault", StateFault},
		{"disabled", StateDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			s, err := ParseState(tt.token)
			require.NoError(t, err)
			require.Equal(t, tt.expected, s)
		})
	}

	_, err := ParseState("Exploded")
	require.Error(t, err)
}

func TestState_RestAndTransient(t *testing.T) {
	tests := []struct {
		state     State
		rest      bool
		transient bool
	}{
		{StateIdle, true, false},
		{StateConfiguring, false, true},
		{StateArmed, true, false},
		{StateRunning, false, true},
		{StatePaused, true, false},
		{StateAborting, false, true},
		{StateFault, true, false},
		{StateDisabled, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			require.Equal(t, tt.rest, tt.state.IsRest())
			require.Equal(t, tt.transient, tt.state.IsTransient())
		})
	}
}

func TestNew_Options(t *testing.T) {
	require := require.New(t)

	_, err := New(testDevice, nil)
	require.ErrorIs(err, ErrConnNil)
	_, err = New("", &fakeConn{})
	require.Error(err)

	d, err := New(testDevice, &fakeConn{},
		WithTimeout(time.Second),
		WithConfigureTimeout(time.Minute),
		WithRunTimeout(time.Hour),
		WithStepsInterval(0),
	)
	require.NoError(err)
	defer d.events.Close()
	require.Equal(time.Second, d.timeoutOf(standardTimeout))
	require.Equal(time.Minute, d.timeoutOf(configureTimeout))
	require.Equal(time.Hour, d.timeoutOf(runTimeout))

	for _, opt := range []Option{
		WithTimeout(0),
		WithConfigureTimeout(100 * time.Hour),
		WithRunTimeout(time.Microsecond),
		WithStepsInterval(-time.Second),
	} {
		_, err := New(testDevice, &fakeConn{}, opt)
		require.Error(err)
	}
}

type simEnv struct {
	broker *membus.Broker
	conn   *malcolm.Connection
	sim    *simdevice.Device
	dev    *Device
}

func newSimEnv(t *testing.T, opts ...Option) *simEnv {
	t.Helper()
	require := require.New(t)

	broker := membus.NewBroker()
	t.Cleanup(func() { _ = broker.Close() })

	simBus, err := broker.NewConn()
	require.NoError(err)
	sim, err := simdevice.New(simBus, simdevice.Config{Name: testDevice, StepInterval: 2 * time.Millisecond})
	require.NoError(err)
	require.NoError(sim.Start())
	t.Cleanup(sim.Stop)

	cfg, err := malcolm.NewConnectionConfig("mem://test")
	require.NoError(err)
	conn, err := malcolm.NewConnection(context.Background(), broker, cfg)
	require.NoError(err)
	require.NoError(conn.Open(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	dev, err := New(testDevice, conn, append([]Option{WithStepsInterval(0)}, opts...)...)
	require.NoError(err)
	require.NoError(dev.Initialize(context.Background()))
	t.Cleanup(func() { _ = dev.Dispose(context.Background()) })

	return &simEnv{broker: broker, conn: conn, sim: sim, dev: dev}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()

	var states []State
	for _, e := range l.events {
		if e.Kind == StateChanged {
			states = append(states, e.State)
		}
	}

	return states
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}

	return n
}

func TestDevice_RunScenario(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	var log eventLog
	_, err := env.dev.AddListener(log.add)
	require.NoError(err)

	require.NoError(env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 5}))
	require.Equal(StateArmed, env.dev.State())

	require.NoError(env.dev.Run(ctx))
	require.Equal(StateIdle, env.dev.State())
	require.Equal(int64(5), env.dev.StepsCompleted())
	require.Equal(1, env.sim.Calls(message.MethodRun))

	require.Eventually(func() bool { return len(log.states()) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal([]State{StateConfiguring, StateArmed, StateRunning, StateIdle}, log.states())
	require.Positive(log.count(StepsCompleted))
}

func TestDevice_AbortFromIdleDoesNotContactDevice(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)

	sent := env.conn.GetMetrics().RequestSendCount.Load()

	err := env.dev.Abort(context.Background())
	require.ErrorIs(err, ErrIllegalStateTransition)
	require.Equal(StateIdle, env.dev.State())
	require.Equal(0, env.sim.Calls(message.MethodAbort))
	require.Equal(sent, env.conn.GetMetrics().RequestSendCount.Load())
}

func TestDevice_AbortDuringRun(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	require.NoError(env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 100000}))

	runErr := make(chan error, 1)
	go func() { runErr <- env.dev.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := env.dev.WaitState(waitCtx, StateRunning)
	require.NoError(err)
	require.Eventually(func() bool { return env.dev.StepsCompleted() > 0 }, time.Second, time.Millisecond)

	require.NoError(env.dev.Abort(ctx))
	require.Equal(StateIdle, env.dev.State())

	select {
	case err := <-runErr:
		require.ErrorIs(err, malcolm.ErrRemote)
	case <-time.After(time.Second):
		t.Fatal("run did not return after abort")
	}
	require.Equal(StateIdle, env.dev.State())

	err = env.dev.Abort(ctx)
	require.ErrorIs(err, ErrIllegalStateTransition)
}

func TestDevice_PauseSeekResume(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	require.NoError(env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 100000}))

	runErr := make(chan error, 1)
	go func() { runErr <- env.dev.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := env.dev.WaitState(waitCtx, StateRunning)
	require.NoError(err)

	require.NoError(env.dev.Pause(ctx))
	require.Equal(StatePaused, env.dev.State())

	require.NoError(env.dev.Seek(ctx, 3))
	require.Equal(StatePaused, env.dev.State())
	require.Eventually(func() bool { return env.dev.StepsCompleted() == 3 }, time.Second, time.Millisecond)
	require.Equal(int64(3), env.sim.CompletedSteps())

	require.NoError(env.dev.Resume(ctx))
	require.Equal(StateRunning, env.dev.State())

	require.NoError(env.dev.Abort(ctx))
	require.ErrorIs(<-runErr, malcolm.ErrRemote)
}

func TestDevice_ConfigureTimeoutForcesFault(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t, WithConfigureTimeout(50*time.Millisecond))
	ctx := context.Background()

	env.sim.Silence(message.MethodConfigure, true)

	err := env.dev.Configure(ctx, nil)
	require.ErrorIs(err, malcolm.ErrTimeout)
	require.Equal(StateFault, env.dev.State())
	require.Equal(0, env.conn.PendingCount())

	require.ErrorIs(env.dev.Configure(ctx, nil), ErrIllegalStateTransition)

	require.NoError(env.dev.Reset(ctx))
	require.Equal(StateIdle, env.dev.State())
}

func TestDevice_ConfigureRejected(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	env.sim.FailNext(message.MethodConfigure, "steps out of range")

	err := env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 5})
	require.ErrorIs(err, malcolm.ErrRemote)
	var remoteErr *malcolm.RemoteError
	require.ErrorAs(err, &remoteErr)
	require.Equal("steps out of range", remoteErr.Text)
	require.Equal(StateIdle, env.dev.State())

	require.NoError(env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 5}))
	require.Equal(StateArmed, env.dev.State())
}

func TestDevice_TransportLossForcesFault(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)

	env.sim.Silence(message.MethodConfigure, true)

	errCh := make(chan error, 1)
	go func() { errCh <- env.dev.Configure(context.Background(), nil) }()

	require.Eventually(func() bool { return env.conn.PendingCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(env.broker.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(err, malcolm.ErrTransport)
	case <-time.After(time.Second):
		t.Fatal("configure did not fail on transport loss")
	}
	require.Equal(StateFault, env.dev.State())
}

func TestDevice_FaultPush(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	var log eventLog
	_, err := env.dev.AddListener(log.add)
	require.NoError(err)

	require.NoError(env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 5}))
	env.sim.InjectFault("beam dump")

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s, err := env.dev.WaitState(waitCtx, StateFault)
	require.NoError(err)
	require.Equal(StateFault, s)

	// a faulted device ignores non-fault pushes until reset
	env.sim.Broadcast(simdevice.StateReady)
	st, err := env.dev.GetState(ctx)
	require.NoError(err)
	require.Equal(StateFault, st)

	require.Eventually(func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		for _, e := range log.events {
			if e.State == StateFault && e.Text == "beam dump" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(env.dev.Reset(ctx))
	require.Equal(StateIdle, env.dev.State())
}

func TestDevice_StepsThrottle(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t, WithStepsInterval(time.Hour))
	ctx := context.Background()

	var log eventLog
	_, err := env.dev.AddListener(log.add)
	require.NoError(err)

	require.NoError(env.dev.Configure(ctx, simdevice.ConfigureParams{Steps: 20}))
	require.NoError(env.dev.Run(ctx))
	require.Equal(int64(20), env.dev.StepsCompleted())

	// the first update and the completion of the run
	require.Eventually(func() bool { return log.count(StepsCompleted) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDevice_AttributesAndValidate(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	env.sim.SetHealth("Warning: low flux")
	health, err := env.dev.Health(ctx)
	require.NoError(err)
	require.Equal("Warning: low flux", health)

	_, err = env.dev.Attribute(ctx, "noSuchAttribute")
	require.ErrorIs(err, malcolm.ErrRemote)

	reply, err := env.dev.Validate(ctx, simdevice.ConfigureParams{Steps: 7})
	require.NoError(err)
	var params simdevice.ConfigureParams
	require.NoError(reply.DecodeValue(&params))
	require.Equal(int64(7), params.Steps)
	require.Equal(StateIdle, env.dev.State())
}

func TestDevice_DisableAndReset(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	require.NoError(env.dev.Disable(ctx))
	require.Equal(StateDisabled, env.dev.State())
	require.Equal(simdevice.StateDisabled, env.sim.State())

	require.ErrorIs(env.dev.Abort(ctx), ErrIllegalStateTransition)

	require.NoError(env.dev.Reset(ctx))
	require.Equal(StateIdle, env.dev.State())
}

func TestDevice_WaitStateCancelled(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s, err := env.dev.WaitState(ctx, StateRunning)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(StateIdle, s)

	s, err = env.dev.WaitState(context.Background(), StateIdle)
	require.NoError(err)
	require.Equal(StateIdle, s)
}

func TestDevice_Dispose(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)
	ctx := context.Background()

	require.Equal(2, env.sim.SubscriberCount())
	require.NoError(env.dev.Dispose(ctx))
	require.Equal(0, env.sim.SubscriberCount())
	require.NoError(env.dev.Dispose(ctx))

	err := env.dev.Configure(ctx, nil)
	require.True(errors.Is(err, ErrDisposed))
	require.ErrorIs(env.dev.Initialize(ctx), ErrDisposed)
}

func TestDevice_CancelledAfterSendForcesFault(t *testing.T) {
	tests := []struct {
		name      string
		op        Op
		method    message.Method
		configure bool
	}{
		{"configure", OpConfigure, message.MethodConfigure, false},
		{"abort", OpAbort, message.MethodAbort, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			env := newSimEnv(t)

			if tt.configure {
				require.NoError(env.dev.Configure(context.Background(), simdevice.ConfigureParams{Steps: 5}))
			}
			env.sim.Silence(tt.method, true)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			err := runOp(ctx, env.dev, tt.op)
			require.ErrorIs(err, context.DeadlineExceeded)
			require.ErrorIs(err, malcolm.ErrCallAbandoned)
			require.Equal(StateFault, env.dev.State())
			require.Equal(1, env.sim.Calls(tt.method))
			require.Equal(0, env.conn.PendingCount())

			env.sim.Silence(tt.method, false)
			require.NoError(env.dev.Reset(context.Background()))
			require.Equal(StateIdle, env.dev.State())
		})
	}
}

func TestDevice_CancelledBeforeSendRestoresState(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)

	require.NoError(env.dev.Configure(context.Background(), simdevice.ConfigureParams{Steps: 5}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.dev.Abort(ctx)
	require.ErrorIs(err, context.Canceled)
	require.NotErrorIs(err, malcolm.ErrCallAbandoned)
	require.Equal(StateArmed, env.dev.State())
	require.Equal(0, env.sim.Calls(message.MethodAbort))

	require.NoError(env.dev.Abort(context.Background()))
	require.Equal(StateIdle, env.dev.State())
}

func TestDevice_ConnectionClosedForcesFault(t *testing.T) {
	require := require.New(t)
	env := newSimEnv(t)

	require.True(env.dev.Alive())
	require.NoError(env.conn.Close())

	require.Equal(StateFault, env.dev.State())
	require.False(env.dev.Alive())
	require.False(env.dev.IsBusy())
}

func TestDevice_ReconnectReinitializes(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	broker := membus.NewBroker()
	t.Cleanup(func() { _ = broker.Close() })

	simBus, err := broker.NewConn()
	require.NoError(err)
	sim, err := simdevice.New(simBus, simdevice.Config{Name: testDevice, StepInterval: 2 * time.Millisecond})
	require.NoError(err)
	require.NoError(sim.Start())
	t.Cleanup(sim.Stop)

	var mu sync.Mutex
	var links []*membus.Conn
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		link, err := broker.NewConn()
		if err != nil {
			return nil, err
		}
		mu.Lock()
		links = append(links, link)
		mu.Unlock()

		return link, nil
	})

	cfg, err := malcolm.NewConnectionConfig("mem://test")
	require.NoError(err)
	conn, err := malcolm.NewConnection(ctx, dialer, cfg)
	require.NoError(err)
	require.NoError(conn.Open(ctx))
	t.Cleanup(func() { _ = conn.Close() })

	dev, err := New(testDevice, conn, WithStepsInterval(0))
	require.NoError(err)
	require.NoError(dev.Initialize(ctx))
	t.Cleanup(func() { _ = dev.Dispose(context.Background()) })

	require.NoError(dev.Configure(ctx, simdevice.ConfigureParams{Steps: 5}))

	mu.Lock()
	link := links[len(links)-1]
	mu.Unlock()
	link.Drop(errors.New("link down"))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = dev.WaitState(waitCtx, StateFault)
	require.NoError(err)
	require.False(dev.Alive())
	require.Equal(malcolm.LostState, conn.State())
	require.ErrorIs(dev.Configure(ctx, nil), ErrIllegalStateTransition)

	require.NoError(conn.Close())
	require.Equal(StateFault, dev.State())
	require.NoError(conn.Open(ctx))

	waitCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	s, err := dev.WaitState(waitCtx2, StateArmed)
	require.NoError(err)
	require.Equal(StateArmed, s)
	require.True(dev.Alive())

	require.NoError(dev.Run(ctx))
	require.Equal(StateIdle, dev.State())
	require.Equal(int64(5), dev.StepsCompleted())
}
