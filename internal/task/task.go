// Package task manages the goroutines owned by connections, transports and listener registries.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-malcolm/logger"
)

// ErrStopped is returned when a task is started on a stopped manager.
var ErrStopped = errors.New("task manager already stopped")

// TaskFunc performs one iteration of a task.
// It should return true to continue running the task, or false to stop the goroutine.
type TaskFunc func() bool

// Manager manages the lifecycle of named goroutines.
//
// All goroutines share a context derived from the parent context. Stop cancels it, and Wait
// blocks until every goroutine has returned, after which the manager can be reused.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	_ = mgr.StartWorker("listener-1", wakeCh, func() {
//	    // drain mailbox
//	})
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()

	tickers sync.Map // map[string]*time.Ticker
}

// NewManager creates a new Manager with the given parent context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the managed goroutines.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a new goroutine calling taskFunc in a loop until it returns false or the
// manager is stopped.
func (mgr *Manager) Start(name string, taskFunc TaskFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx, err := mgr.checkRunning()
	if err != nil {
		return err
	}

	mgr.spawn(name, func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !mgr.callWithRecoverBool(name, taskFunc) {
					return
				}
			}
		}
	})

	return nil
}

// StartWorker starts a goroutine that calls drain every time a value arrives on wake.
//
// The goroutine exits when the manager is stopped or wake is closed; drain is invoked one
// last time after wake is closed so queued work is not lost.
func (mgr *Manager) StartWorker(name string, wake <-chan struct{}, drain func()) error {
	mgr.logger.Debug("start worker", "name", name)

	if wake == nil {
		return fmt.Errorf("worker %s: wake channel is nil", name)
	}

	ctx, err := mgr.checkRunning()
	if err != nil {
		return err
	}

	mgr.spawn(name, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-wake:
				mgr.callWithRecover(name, drain)
				if !ok {
					return
				}
			}
		}
	})

	return nil
}

// StartInterval starts a goroutine that executes taskFunc at the given interval.
// If runNow is true, taskFunc is executed once before the first tick.
// The task stops when taskFunc returns false, StopInterval is called, or the manager stops.
func (mgr *Manager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("invalid interval: %v", interval)
	}

	ctx, err := mgr.checkRunning()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.CompareAndDelete(name, ticker)
	}

	if runNow && !mgr.callWithRecoverBool(name, taskFunc) {
		cleanup()
		return nil
	}

	mgr.spawn(name, func() {
		defer cleanup()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecoverBool(name, taskFunc) {
					return
				}
			}
		}
	})

	return nil
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("ticker %s not found", name)
	}

	ticker, ok := val.(*time.Ticker)
	if !ok {
		return fmt.Errorf("ticker %s is not a *time.Ticker", name)
	}
	ticker.Stop()

	return nil
}

// Stop signals all running goroutines to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate and re-arms the manager for reuse.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) checkRunning() (context.Context, error) {
	ctx := mgr.Context()
	select {
	case <-ctx.Done():
		return nil, ErrStopped
	default:
		return ctx, nil
	}
}

func (mgr *Manager) spawn(name string, body func()) {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body()
	}()
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	fn()
}

func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = true
		}
	}()

	return fn()
}
