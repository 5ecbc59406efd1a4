package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHooks struct {
	mock.Mock
}

func (m *mockHooks) DoStart(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockHooks) DoPause(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockHooks) DoResume(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockHooks) DoAbort(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockHooks) DoZero(ctx context.Context) error   { return m.Called(ctx).Error(0) }

func newPermissiveHooks() *mockHooks {
	h := &mockHooks{}
	for _, name := range []string{"DoStart", "DoPause", "DoResume", "DoAbort", "DoZero"} {
		h.On(name, mock.Anything).Return(nil)
	}

	return h
}

func runOp(ctx context.Context, d *Driver, op Op) error {
	switch op {
	case OpStart:
		return d.Start(ctx)
	case OpPause:
		return d.Pause(ctx)
	case OpResume:
		return d.Resume(ctx)
	case OpAbort:
		return d.Abort(ctx)
	case OpComplete:
		return d.Complete()
	}

	return nil
}

var hookOf = map[Op]string{
	OpStart:  "DoStart",
	OpPause:  "DoPause",
	OpResume: "DoResume",
	OpAbort:  "DoAbort",
}

func TestDriver_LegalityGrid(t *testing.T) {
	expected := map[Op]map[State]State{
		OpStart:    {StateIdle: StateRunning},
		OpPause:    {StateRunning: StatePaused},
		OpResume:   {StatePaused: StateRunning},
		OpAbort:    {StateRunning: StateIdle, StatePaused: StateIdle},
		OpComplete: {StateRunning: StateIdle, StatePaused: StateIdle},
	}

	for _, op := range []Op{OpStart, OpPause, OpResume, OpAbort, OpComplete} {
		for _, from := range []State{StateIdle, StateRunning, StatePaused} {
			t.Run(op.String()+"/"+from.String(), func(t *testing.T) {
				require := require.New(t)

				hooks := newPermissiveHooks()
				d, err := New(hooks)
				require.NoError(err)
				defer d.Close()
				d.state.Store(int32(from))

				err = runOp(context.Background(), d, op)

				next, legal := expected[op][from]
				if legal {
					require.NoError(err)
					require.Equal(next, d.State())
					if name, ok := hookOf[op]; ok {
						hooks.AssertNumberOfCalls(t, name, 1)
					}
					return
				}

				require.ErrorIs(err, ErrIllegalState)
				var se *StateError
				require.ErrorAs(err, &se)
				require.Equal(op, se.Op)
				require.Equal(from, se.State)
				require.Equal(from, d.State())
				require.Empty(hooks.Calls, "no hook is called on an illegal operation")
			})
		}
	}
}

func TestDriver_HookFailureKeepsState(t *testing.T) {
	require := require.New(t)

	hooks := &mockHooks{}
	hookErr := errors.New("shutter jammed")
	hooks.On("DoStart", mock.Anything).Return(hookErr).Once()
	hooks.On("DoStart", mock.Anything).Return(nil).Once()
	hooks.On("DoPause", mock.Anything).Return(hookErr).Once()

	d, err := New(hooks, WithName("bl45p"))
	require.NoError(err)
	defer d.Close()
	ctx := context.Background()

	err = d.Start(ctx)
	require.ErrorIs(err, hookErr)
	require.Equal(StateIdle, d.State())

	require.NoError(d.Start(ctx))
	require.Equal(StateRunning, d.State())

	require.ErrorIs(d.Pause(ctx), hookErr)
	require.Equal(StateRunning, d.State())
	hooks.AssertExpectations(t)
}

func TestDriver_AbortReachesIdleWhenHookFails(t *testing.T) {
	require := require.New(t)

	hooks := &mockHooks{}
	hooks.On("DoStart", mock.Anything).Return(nil)
	hooks.On("DoAbort", mock.Anything).Return(errors.New("device did not answer"))

	d, err := New(hooks)
	require.NoError(err)
	defer d.Close()
	ctx := context.Background()

	require.NoError(d.Start(ctx))
	require.NoError(d.Abort(ctx))
	require.Equal(StateIdle, d.State())

	err = d.Abort(ctx)
	require.ErrorIs(err, ErrIllegalState)
	hooks.AssertNumberOfCalls(t, "DoAbort", 1)
}

func TestDriver_Zero(t *testing.T) {
	require := require.New(t)

	hooks := &mockHooks{}
	zeroErr := errors.New("motor limit")
	hooks.On("DoZero", mock.Anything).Return(nil).Once()
	hooks.On("DoZero", mock.Anything).Return(zeroErr).Once()

	d, err := New(hooks)
	require.NoError(err)
	defer d.Close()

	require.NoError(d.Zero(context.Background()))
	require.ErrorIs(d.Zero(context.Background()), zeroErr)
	require.Equal(StateIdle, d.State())
}

func TestDriver_Listeners(t *testing.T) {
	require := require.New(t)

	d, err := New(NopHooks{})
	require.NoError(err)
	defer d.Close()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []StateChange
	)
	_, err = d.AddListener(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})
	require.NoError(err)

	require.NoError(d.Start(ctx))
	require.NoError(d.Pause(ctx))
	require.NoError(d.Resume(ctx))
	require.NoError(d.Complete())

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(OpStart, changes[0].Op)
	require.Equal(StateRunning, changes[0].To)
	require.Equal(StatePaused, changes[1].To)
	require.Equal(StateRunning, changes[2].To)
	require.Equal(OpComplete, changes[3].Op)
	require.Equal(StateIdle, changes[3].To)
}

func TestNew_Validation(t *testing.T) {
	require := require.New(t)

	_, err := New(nil)
	require.Error(err)

	_, err = New(NopHooks{}, WithName(""))
	require.Error(err)
}
