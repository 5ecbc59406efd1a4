// Package abort watches signal sources and aborts an experiment driver when a signal goes
// out of bounds.
package abort

import (
	"context"
	"errors"
	"sync"

	"github.com/arloliu/go-malcolm/logger"
)

// Aborter is aborted by a condition. *driver.Driver implements it.
type Aborter interface {
	Abort(ctx context.Context) error
}

// ErrAttached indicates Attach on a condition that is already attached.
var ErrAttached = errors.New("abort condition already attached")

// Condition aborts its target once each time the predicate becomes true for a value of its
// signal source. After an abort it is re-armed only by a value for which the predicate is false.
type Condition struct {
	name      string
	target    Aborter
	source    Source
	predicate Predicate
	logger    logger.Logger

	mu         sync.Mutex
	triggered  bool
	observerID ObserverID
	attached   bool
	aborts     int
}

// NewCondition creates a condition aborting target when predicate holds for a value of source.
func NewCondition(name string, target Aborter, source Source, predicate Predicate, l logger.Logger) (*Condition, error) {
	if target == nil || source == nil || predicate == nil {
		return nil, errors.New("abort condition needs a target, a source and a predicate")
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Condition{
		name:      name,
		target:    target,
		source:    source,
		predicate: predicate,
		logger:    l.With("condition", name),
	}, nil
}

// Attach starts observing the signal source. Conditions are attached before the run starts.
func (c *Condition) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attached {
		return ErrAttached
	}

	id, err := c.source.AddObserver(c.OnBroadcast)
	if err != nil {
		return err
	}
	c.observerID = id
	c.attached = true
	c.triggered = false

	return nil
}

// Detach stops observing the signal source.
func (c *Condition) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return
	}
	c.source.RemoveObserver(c.observerID)
	c.attached = false
}

// AbortCount returns how many times the condition called Abort.
func (c *Condition) AbortCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.aborts
}

// OnBroadcast evaluates one signal value.
func (c *Condition) OnBroadcast(v float64) {
	met := c.predicate(v)

	c.mu.Lock()
	fire := met && !c.triggered
	c.triggered = met
	if fire {
		c.aborts++
	}
	c.mu.Unlock()

	if !fire {
		return
	}

	c.logger.Warn("abort condition met", "method", "OnBroadcast", "value", v)
	if err := c.target.Abort(context.Background()); err != nil {
		c.logger.Info("abort not applied", "method", "OnBroadcast", "value", v, "error", err)
	}
}
