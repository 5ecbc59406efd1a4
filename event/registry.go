// Package event fans events out to registered listeners without blocking the dispatcher.
//
// Every listener owns an unbounded FIFO mailbox and a worker goroutine. Dispatch only
// enqueues, so it is safe to call from a transport receive path: a slow or blocking listener
// delays nothing but its own mailbox. Successive events reach a listener in dispatch order;
// the order across listeners is unspecified.
package event

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-malcolm/internal/queue"
	"github.com/arloliu/go-malcolm/internal/task"
	"github.com/arloliu/go-malcolm/logger"
)

// ErrRegistryClosed is returned when adding a listener to a closed registry.
var ErrRegistryClosed = errors.New("event registry closed")

// ListenerID identifies a registered listener.
type ListenerID = uuid.UUID

// Listener handles one event.
type Listener[E any] func(e E)

// Registry holds listeners of events of type E.
type Registry[E any] struct {
	name      string
	logger    logger.Logger
	taskMgr   *task.Manager
	listeners *xsync.MapOf[ListenerID, *entry[E]]

	mu     sync.RWMutex // protect closed against concurrent AddListener
	closed bool
}

type entry[E any] struct {
	fn      Listener[E]
	mailbox queue.Queue[E]

	mu      sync.Mutex // protect wake against close during Dispatch
	wake    chan struct{}
	stopped bool
}

// NewRegistry creates a registry. The name is used in logs and worker names.
func NewRegistry[E any](name string, l logger.Logger) *Registry[E] {
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("registry", name)

	return &Registry[E]{
		name:      name,
		logger:    l,
		taskMgr:   task.NewManager(context.Background(), l),
		listeners: xsync.NewMapOf[ListenerID, *entry[E]](),
	}
}

// AddListener registers fn and starts its worker.
func (r *Registry[E]) AddListener(fn Listener[E]) (ListenerID, error) {
	if fn == nil {
		return ListenerID{}, errors.New("nil listener")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ListenerID{}, ErrRegistryClosed
	}

	id := uuid.New()
	ent := &entry[E]{
		fn:      fn,
		mailbox: queue.NewLockFreeQueue[E](),
		wake:    make(chan struct{}, 1),
	}

	if err := r.taskMgr.StartWorker(r.name+"-listener-"+id.String(), ent.wake, func() { r.drain(id, ent) }); err != nil {
		return ListenerID{}, err
	}
	r.listeners.Store(id, ent)

	return id, nil
}

// RemoveListener unregisters a listener. Events already queued for it are dropped.
// It reports whether the listener was registered.
func (r *Registry[E]) RemoveListener(id ListenerID) bool {
	ent, ok := r.listeners.LoadAndDelete(id)
	if !ok {
		return false
	}
	ent.stop()

	return true
}

// Dispatch queues e for every registered listener and returns immediately.
func (r *Registry[E]) Dispatch(e E) {
	r.listeners.Range(func(_ ListenerID, ent *entry[E]) bool {
		ent.post(e)
		return true
	})
}

// Len returns the number of registered listeners.
func (r *Registry[E]) Len() int {
	return r.listeners.Size()
}

// Close unregisters every listener and waits for running listener calls to return.
// Close must not be called from a listener.
func (r *Registry[E]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.listeners.Range(func(id ListenerID, _ *entry[E]) bool {
		r.RemoveListener(id)
		return true
	})

	r.taskMgr.Stop()
	r.taskMgr.Wait()
}

func (r *Registry[E]) drain(id ListenerID, ent *entry[E]) {
	for {
		if _, ok := r.listeners.Load(id); !ok {
			ent.mailbox.Reset()
			return
		}

		e, ok := ent.mailbox.Dequeue()
		if !ok {
			return
		}
		r.call(ent.fn, e)
	}
}

// call runs one listener invocation, recovering a panic so later events are still delivered.
func (r *Registry[E]) call(fn Listener[E], e E) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panic", "method", "call", "panic", rec)
		}
	}()

	fn(e)
}

func (ent *entry[E]) post(e E) {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.stopped {
		return
	}
	ent.mailbox.Enqueue(e)

	select {
	case ent.wake <- struct{}{}:
	default:
	}
}

func (ent *entry[E]) stop() {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if !ent.stopped {
		ent.stopped = true
		close(ent.wake)
	}
}
