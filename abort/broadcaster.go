package abort

import (
	"github.com/arloliu/go-malcolm/event"
	"github.com/arloliu/go-malcolm/logger"
)

// ObserverID identifies an observer of a signal source.
type ObserverID = event.ListenerID

// Source is a broadcaster of scalar measurements.
type Source interface {
	AddObserver(fn func(v float64)) (ObserverID, error)
	RemoveObserver(id ObserverID) bool
}

// Broadcaster is a signal source that delivers every broadcast value to its observers in
// order, each on its own worker.
type Broadcaster struct {
	name      string
	observers *event.Registry[float64]
}

var _ Source = (*Broadcaster)(nil)

// NewBroadcaster creates a signal source named name.
func NewBroadcaster(name string, l logger.Logger) *Broadcaster {
	return &Broadcaster{
		name:      name,
		observers: event.NewRegistry[float64]("signal-"+name, l),
	}
}

// Name returns the name of the signal.
func (b *Broadcaster) Name() string {
	return b.name
}

func (b *Broadcaster) AddObserver(fn func(v float64)) (ObserverID, error) {
	return b.observers.AddListener(fn)
}

func (b *Broadcaster) RemoveObserver(id ObserverID) bool {
	return b.observers.RemoveListener(id)
}

// Broadcast sends v to every observer. It never blocks on observers.
func (b *Broadcaster) Broadcast(v float64) {
	b.observers.Dispatch(v)
}

// Close removes every observer.
func (b *Broadcaster) Close() {
	b.observers.Close()
}
