// Package membus provides an in-process publish/subscribe broker implementing the transport
// contract. It backs tests, simulations and single-process deployments.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arloliu/go-malcolm/internal/queue"
	"github.com/arloliu/go-malcolm/internal/task"
	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/transport"
)

// Scheme is the broker URI scheme served by a Broker, e.g. "mem://local".
const Scheme = "mem"

// ErrBrokerClosed is the reason reported by connections ended through Broker.Close.
var ErrBrokerClosed = errors.New("membus: broker closed")

// Broker routes payloads between the connections created from it.
//
// Every subscription owns an unbounded FIFO mailbox and a worker goroutine, so a publisher
// never blocks on a slow subscriber and payloads reach each subscriber in publish order.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[uuid.UUID]*subscription
	conns  map[uuid.UUID]*Conn
	closed bool
	logger logger.Logger
}

var _ transport.Dialer = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger of the broker and its connections.
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		topics: make(map[string]map[uuid.UUID]*subscription),
		conns:  make(map[uuid.UUID]*Conn),
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Connect creates a new connection to the broker. The uri is informational.
func (b *Broker) Connect(ctx context.Context, uri string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return b.NewConn()
}

// NewConn creates a new connection to the broker.
func (b *Broker) NewConn() (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	c := &Conn{
		id:     uuid.New(),
		broker: b,
		subs:   make(map[uuid.UUID]*subscription),
		done:   make(chan struct{}),
	}
	c.logger = b.logger.With("conn", c.id.String())
	c.taskMgr = task.NewManager(context.Background(), c.logger)
	b.conns[c.id] = c

	c.logger.Debug("membus connection opened", "method", "NewConn")

	return c, nil
}

// Close ends every connection with ErrBrokerClosed and rejects new ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Drop(ErrBrokerClosed)
	}

	return nil
}

// SubscriberCount returns the number of active subscriptions on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.topics[topic])
}

func (b *Broker) publish(topic string, payload []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[topic] {
		sub.deliver(payload)
	}

	return len(b.topics[topic])
}

func (b *Broker) addSubscription(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.topic]
	if !ok {
		subs = make(map[uuid.UUID]*subscription)
		b.topics[sub.topic] = subs
	}
	subs[sub.id] = sub
}

func (b *Broker) removeSubscription(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

func (b *Broker) removeConn(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c.id)
}

// Conn is a connection to a Broker.
type Conn struct {
	id      uuid.UUID
	broker  *Broker
	logger  logger.Logger
	taskMgr *task.Manager

	mu     sync.Mutex
	subs   map[uuid.UUID]*subscription
	err    error
	done   chan struct{}
	closed bool
}

var _ transport.Conn = (*Conn)(nil)

// ID returns the unique id of the connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Publish delivers a copy of payload to every subscriber of topic.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transport.ValidateTopic(topic); err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	data := append([]byte(nil), payload...)
	n := c.broker.publish(topic, data)
	c.logger.Debug("membus publish", "method", "Publish", "topic", topic, "size", len(data), "subscribers", n)

	return nil
}

// Subscribe registers handler for topic.
func (c *Conn) Subscribe(topic string, handler transport.Handler) (transport.Subscription, error) {
	if err := transport.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("membus: nil handler")
	}

	sub := &subscription{
		id:      uuid.New(),
		topic:   topic,
		conn:    c,
		handler: handler,
		mailbox: queue.NewSliceQueue[[]byte](16),
		wake:    make(chan struct{}, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, transport.ErrClosed)
	}
	if err := c.taskMgr.StartWorker("sub-"+topic+"-"+sub.id.String(), sub.wake, sub.drain); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	c.broker.addSubscription(sub)
	c.logger.Debug("membus subscribe", "method", "Subscribe", "topic", topic)

	return sub, nil
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close closes the connection and waits for running handlers to return.
func (c *Conn) Close() error {
	c.Drop(transport.ErrClosed)
	return nil
}

// Drop ends the connection with reason as if the link to the broker was lost.
func (c *Conn) Drop(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = reason
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[uuid.UUID]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	c.broker.removeConn(c)
	close(c.done)

	c.taskMgr.Stop()
	c.taskMgr.Wait()

	c.logger.Debug("membus connection closed", "method", "Drop", "reason", reason)
}

type subscription struct {
	id      uuid.UUID
	topic   string
	conn    *Conn
	handler transport.Handler

	mu        sync.Mutex
	mailbox   queue.Queue[[]byte]
	wake      chan struct{}
	cancelled bool
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()

	s.cancel()
	return nil
}

func (s *subscription) cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mailbox.Reset()
	close(s.wake)
	s.mu.Unlock()

	s.conn.broker.removeSubscription(s)
}

func (s *subscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return
	}
	s.mailbox.Enqueue(payload)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		payload, ok := s.mailbox.Dequeue()
		s.mu.Unlock()

		if !ok {
			return
		}
		s.handler(s.topic, payload)
	}
}
