package abort

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-malcolm/driver"
	"github.com/arloliu/go-malcolm/logger"
)

type countingAborter struct {
	calls atomic.Int32
	err   error
}

func (a *countingAborter) Abort(context.Context) error {
	a.calls.Add(1)
	return a.err
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op       Inequality
		v        float64
		expected bool
	}{
		{LessThan, 99, true},
		{LessThan, 100, false},
		{LessThanOrEqual, 100, true},
		{LessThanOrEqual, 100.5, false},
		{GreaterThan, 101, true},
		{GreaterThan, 100, false},
		{GreaterThanOrEqual, 100, true},
		{GreaterThanOrEqual, 99.9, false},
		{Equal, 100, true},
		{Equal, 100.1, false},
		{NotEqual, 100.1, true},
		{NotEqual, 100, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			p, err := Compare(tt.op, 100)
			require.NoError(t, err)
			require.Equal(t, tt.expected, p(tt.v))
		})
	}

	_, err := Compare("=<", 1)
	require.Error(t, err)
}

func TestParseInequality(t *testing.T) {
	require := require.New(t)

	for _, s := range []string{"<", "<=", ">", ">=", "==", "!="} {
		op, err := ParseInequality(" " + s)
		require.NoError(err)
		require.Equal(Inequality(s), op)
	}

	_, err := ParseInequality("~")
	require.Error(err)
}

func TestCondition_AbortsOncePerCrossing(t *testing.T) {
	require := require.New(t)

	target := &countingAborter{}
	p, err := Compare(GreaterThan, 100)
	require.NoError(err)
	src := NewBroadcaster("ring-current", nil)
	defer src.Close()

	cond, err := NewCondition("beam-loss", target, src, p, nil)
	require.NoError(err)

	for _, v := range []float64{50, 101, 101, 50, 101} {
		cond.OnBroadcast(v)
	}
	require.Equal(int32(2), target.calls.Load())
	require.Equal(2, cond.AbortCount())
}

func TestCondition_AbortErrorIsSwallowed(t *testing.T) {
	require := require.New(t)

	drv, err := driver.New(driver.NopHooks{})
	require.NoError(err)
	defer drv.Close()

	p, err := Compare(LessThan, 10)
	require.NoError(err)
	src := NewBroadcaster("ring-current", nil)
	defer src.Close()

	l := logger.NewMockLogger().AllowAll()
	cond, err := NewCondition("low-current", drv, src, p, l)
	require.NoError(err)

	// driver is Idle, so the abort fails and is only logged
	cond.OnBroadcast(1)
	require.Equal(1, cond.AbortCount())
	require.True(l.Logged("Info", "abort not applied"))
	require.Equal(driver.StateIdle, drv.State())

	require.NoError(drv.Start(context.Background()))
	cond.OnBroadcast(1)
	require.Equal(driver.StateRunning, drv.State(), "still triggered, not re-armed")

	cond.OnBroadcast(20)
	cond.OnBroadcast(5)
	require.Equal(driver.StateIdle, drv.State())
	require.Equal(2, cond.AbortCount())
}

func TestCondition_AttachDetach(t *testing.T) {
	require := require.New(t)

	target := &countingAborter{err: errors.New("already idle")}
	p, err := Compare(GreaterThanOrEqual, 3)
	require.NoError(err)
	src := NewBroadcaster("temperature", nil)
	defer src.Close()

	cond, err := NewCondition("overheat", target, src, p, nil)
	require.NoError(err)

	require.NoError(cond.Attach())
	require.ErrorIs(cond.Attach(), ErrAttached)

	for _, v := range []float64{1, 3, 4, 2, 5} {
		src.Broadcast(v)
	}
	require.Eventually(func() bool { return target.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cond.Detach()
	cond.Detach()
	src.Broadcast(1)
	src.Broadcast(10)
	time.Sleep(20 * time.Millisecond)
	require.Equal(int32(2), target.calls.Load())

	require.NoError(cond.Attach())
	src.Broadcast(10)
	require.Eventually(func() bool { return target.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestNewCondition_Validation(t *testing.T) {
	require := require.New(t)

	src := NewBroadcaster("s", nil)
	defer src.Close()
	p, err := Compare(Equal, 0)
	require.NoError(err)

	_, err = NewCondition("c", nil, src, p, nil)
	require.Error(err)
	_, err = NewCondition("c", &countingAborter{}, nil, p, nil)
	require.Error(err)
	_, err = NewCondition("c", &countingAborter{}, src, nil, nil)
	require.Error(err)
}
