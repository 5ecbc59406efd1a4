// Package malcolm implements the client side of the Malcolm device protocol: it publishes
// requests on a broker, correlates replies to pending calls by message id and routes
// subscription updates and unsolicited status pushes to handlers.
package malcolm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-malcolm/internal/pool"
	"github.com/arloliu/go-malcolm/internal/task"
	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/message"
	"github.com/arloliu/go-malcolm/transport"
)

// PushHandler receives UPDATE messages.
//
// Handlers run on the transport receive path and must only hand the message off, e.g. to an
// event.Registry; they must not call back into the connection synchronously.
type PushHandler func(msg *message.Message)

// StateChangeHandler is called when the connection is opened, closed or loses its transport.
// It runs synchronously on the goroutine that changed the state and must not call Open or
// Close.
type StateChangeHandler func(prev OpState, next OpState)

type callResult struct {
	msg *message.Message
	err error
}

// pendingCall is a request waiting for its reply.
type pendingCall struct {
	id          uint64
	endpoint    string
	method      message.Method
	submittedAt time.Time
	result      chan callResult // buffered, receives exactly one value
}

type subscription struct {
	id       uint64
	endpoint string
	handler  PushHandler
}

// Connection is a client connection to Malcolm devices over a transport.
//
// Every connection owns a reply topic ("<prefix>.<uuid>") that devices publish RETURN, ERROR
// and subscription UPDATE messages to, and listens on the shared status topic for
// unsolicited pushes.
type Connection struct {
	cfg     *ConnectionConfig
	dialer  transport.Dialer
	codec   message.Codec
	logger  logger.Logger
	metrics ConnectionMetrics
	opState AtomicOpState
	taskMgr *task.Manager

	lastID     atomic.Uint64
	replyTopic string

	mu      sync.Mutex // protect conn, subs and lostErr
	conn    transport.Conn
	subs    []transport.Subscription
	lostErr error
	lifeMu  sync.Mutex // serialise Open and Close

	pending       *xsync.MapOf[uint64, *pendingCall]
	subscriptions *xsync.MapOf[uint64, *subscription]

	pushMu        sync.RWMutex
	pushHandlers  []PushHandler
	stateHandlers []StateChangeHandler
}

// NewConnection creates a new connection that dials its broker with dialer on Open.
func NewConnection(ctx context.Context, dialer transport.Dialer, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}
	if dialer == nil {
		return nil, ErrDialerNil
	}

	id := uuid.New()
	c := &Connection{
		cfg:           cfg,
		dialer:        dialer,
		codec:         cfg.Codec(),
		replyTopic:    cfg.ReplyTopicPrefix() + "." + id.String(),
		pending:       xsync.NewMapOf[uint64, *pendingCall](),
		subscriptions: xsync.NewMapOf[uint64, *subscription](),
	}
	c.logger = cfg.Logger().With("conn", id.String())
	c.taskMgr = task.NewManager(ctx, c.logger)
	c.opState.Set(ClosedState)

	return c, nil
}

// GetLogger returns the logger of the connection.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the metrics of the connection.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// ReplyTopic returns the topic replies to this connection are published on.
func (c *Connection) ReplyTopic() string {
	return c.replyTopic
}

// State returns the operational state of the connection.
func (c *Connection) State() OpState {
	return c.opState.Get()
}

// PendingCount returns the number of calls waiting for a reply.
func (c *Connection) PendingCount() int {
	return c.pending.Size()
}

// AddPushHandler registers a handler for unsolicited pushes on the status topic and for
// updates that match no subscription.
func (c *Connection) AddPushHandler(handler PushHandler) {
	if handler == nil {
		return
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	c.pushHandlers = append(c.pushHandlers, handler)
}

// AddStateHandler registers a handler for connection state changes: OpenedState after Open,
// LostState when the transport ends by itself and ClosedState after Close.
func (c *Connection) AddStateHandler(handler StateChangeHandler) {
	if handler == nil {
		return
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	c.stateHandlers = append(c.stateHandlers, handler)
}

func (c *Connection) notifyState(prev OpState, next OpState) {
	c.pushMu.RLock()
	handlers := c.stateHandlers
	c.pushMu.RUnlock()

	for _, h := range handlers {
		h(prev, next)
	}
}

// Open dials the broker and subscribes to the reply and status topics.
func (c *Connection) Open(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.opState.CompareAndSwap(ClosedState, OpeningState) {
		return ErrAlreadyOpened
	}

	conn, err := c.dialer.Connect(ctx, c.cfg.BrokerURI())
	if err != nil {
		c.opState.Set(ClosedState)
		return fmt.Errorf("%w: connect %s: %w", ErrTransport, c.cfg.BrokerURI(), err)
	}

	subs := make([]transport.Subscription, 0, 2)
	for _, topic := range []string{c.replyTopic, c.cfg.StatusTopic()} {
		sub, err := conn.Subscribe(topic, c.onInbound)
		if err != nil {
			_ = conn.Close()
			c.opState.Set(ClosedState)
			return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, topic, err)
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	c.conn = conn
	c.subs = subs
	c.lostErr = nil
	c.mu.Unlock()

	if err := c.taskMgr.Start("malcolm-watch", func() bool { return c.watchTransport(conn) }); err != nil {
		_ = conn.Close()
		c.opState.Set(ClosedState)
		return err
	}

	c.opState.Set(OpenedState)
	c.logger.Info("connection opened", "method", "Open", "broker", c.cfg.BrokerURI(), "replyTopic", c.replyTopic)
	c.notifyState(ClosedState, OpenedState)

	return nil
}

// Close closes the connection. Pending calls fail with ErrConnClosed. A lost connection must
// be closed before it is opened again.
func (c *Connection) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	prev := c.opState.Get()
	if prev == ClosedState {
		return nil
	}
	c.opState.Set(ClosingState)

	c.mu.Lock()
	conn, subs := c.conn, c.subs
	c.conn, c.subs = nil, nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	c.failAll(ErrConnClosed)
	c.subscriptions.Clear()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.taskMgr.Stop()
	c.taskMgr.Wait()

	c.opState.Set(ClosedState)
	c.logger.Info("connection closed", "method", "Close")
	c.notifyState(prev, ClosedState)

	return err
}

// Send publishes msg as a request and waits for its reply.
//
// A fresh id is allocated for the request and the reply topic of the connection is set as
// its ReplyTo; msg itself is not modified. A zero timeout uses the configured default.
//
// Send returns the RETURN reply on success. An ERROR reply is returned together with a
// *RemoteError. Other failures wrap ErrTimeout, ErrTransport or ErrConnClosed. A context that
// ends before the request is published yields the context's error; one that ends afterwards
// yields ErrCallAbandoned wrapping it.
func (c *Connection) Send(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if msg == nil {
		return nil, message.ErrNilMessage
	}

	return c.call(ctx, msg, timeout, 0, nil)
}

// Subscribe subscribes to endpoint. Updates for the subscription are passed to handler until
// Unsubscribe is called with the returned id.
func (c *Connection) Subscribe(ctx context.Context, endpoint string, handler PushHandler) (uint64, error) {
	if handler == nil {
		return 0, errors.New("nil subscription handler")
	}

	var subID uint64
	_, err := c.call(ctx, message.NewSubscribe(endpoint), 0, 0, func(id uint64) {
		subID = id
		c.subscriptions.Store(id, &subscription{id: id, endpoint: endpoint, handler: handler})
	})
	if err != nil {
		if subID != 0 {
			c.subscriptions.Delete(subID)
		}
		return 0, err
	}

	c.logger.Debug("subscribed", "method", "Subscribe", "endpoint", endpoint, "id", subID)

	return subID, nil
}

// Unsubscribe cancels the subscription with the given id. The subscription stays active if
// the device does not confirm the cancellation.
func (c *Connection) Unsubscribe(ctx context.Context, id uint64) error {
	sub, ok := c.subscriptions.Load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}

	_, err := c.call(ctx, message.NewUnsubscribe(id), 0, id, nil)
	if err != nil {
		return err
	}
	c.subscriptions.Delete(id)

	c.logger.Debug("unsubscribed", "method", "Unsubscribe", "endpoint", sub.endpoint, "id", id)

	return nil
}

// call registers a pending call and publishes the request. A zero fixedID allocates a fresh
// id; onAlloc runs after registration and before publishing.
func (c *Connection) call(
	ctx context.Context,
	msg *message.Message,
	timeout time.Duration,
	fixedID uint64,
	onAlloc func(id uint64),
) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout()
	}

	req := *msg
	req.ID = fixedID
	if req.ID == 0 {
		req.ID = c.lastID.Add(1)
	}
	req.ReplyTo = c.replyTopic

	payload, err := c.codec.Encode(&req)
	if err != nil {
		c.metrics.incRequestErrCount()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	pc := &pendingCall{
		id:          req.ID,
		endpoint:    req.Endpoint,
		method:      req.Method,
		submittedAt: time.Now(),
		result:      make(chan callResult, 1),
	}
	if _, loaded := c.pending.LoadOrStore(req.ID, pc); loaded {
		return nil, fmt.Errorf("request id %d is already pending", req.ID)
	}
	c.metrics.incInflightCount()
	defer c.metrics.decInflightCount()

	if onAlloc != nil {
		onAlloc(req.ID)
	}

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("send request", "method", "call", "msg", req.String(), "timeout", timeout)
	}

	if err := conn.Publish(ctx, c.cfg.CommandTopic(), payload); err != nil {
		c.pending.Delete(req.ID)
		c.metrics.incRequestErrCount()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: publish %s: %w", ErrTransport, req.Type, err)
	}
	c.metrics.incRequestSendCount()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case res := <-pc.result:
		if res.err != nil {
			return nil, res.err
		}

		reply := res.msg
		if reply.Type == message.TypeError {
			return reply, &RemoteError{Endpoint: req.Endpoint, Method: req.Method, Text: reply.Text}
		}

		return reply, nil

	case <-timer.C:
		c.pending.Delete(req.ID)
		c.metrics.incTimeoutCount()
		c.logger.Warn("reply timeout", "method", "call", "id", req.ID, "endpoint", req.Endpoint,
			"type", req.Type.String(), "call", req.Method.String(), "timeout", timeout)

		return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, req.Type, req.Endpoint, timeout)

	case <-ctx.Done():
		c.pending.Delete(req.ID)
		return nil, fmt.Errorf("%w: %w", ErrCallAbandoned, ctx.Err())
	}
}

func (c *Connection) activeConn() (transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lostErr != nil {
		return nil, c.lostErr
	}
	if c.opState.Get() == LostState {
		return nil, fmt.Errorf("%w: connection lost", ErrTransport)
	}
	if !c.opState.IsOpened() || c.conn == nil {
		return nil, ErrConnClosed
	}

	return c.conn, nil
}

// onInbound is the transport handler of the reply and status topics.
func (c *Connection) onInbound(topic string, payload []byte) {
	msg, err := c.codec.Decode(payload)
	if err != nil {
		c.metrics.incDecodeErrCount()
		c.logger.Warn("failed to decode inbound message", "method", "onInbound", "topic", topic, "error", err)

		return
	}

	switch {
	case msg.IsReply():
		c.resolve(msg)

	case msg.IsPush():
		c.metrics.incPushRecvCount()
		c.dispatchPush(topic, msg)

	default:
		c.logger.Debug("ignore inbound request", "method", "onInbound", "topic", topic, "msg", msg.String())
	}
}

// resolve hands a reply to its pending call. Each pending call is resolved at most once.
func (c *Connection) resolve(msg *message.Message) {
	pc, ok := c.pending.LoadAndDelete(msg.ID)
	if !ok {
		c.metrics.incStaleReplyCount()
		c.logger.Warn("discard reply", "method", "resolve", "id", msg.ID, "type", msg.Type.String(),
			"endpoint", msg.Endpoint, "error", ErrDuplicateResolution)

		return
	}

	c.metrics.incReplyRecvCount()
	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("reply received", "method", "resolve", "msg", msg.String(), "elapsed", time.Since(pc.submittedAt))
	}

	pc.result <- callResult{msg: msg}
}

func (c *Connection) dispatchPush(topic string, msg *message.Message) {
	if topic == c.replyTopic {
		if sub, ok := c.subscriptions.Load(msg.ID); ok {
			sub.handler(msg)
			return
		}
	}

	c.pushMu.RLock()
	handlers := c.pushHandlers
	c.pushMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for push", "method", "dispatchPush", "topic", topic, "msg", msg.String())
		return
	}

	for _, h := range handlers {
		h(msg)
	}
}

// failAll fails every pending call with err.
func (c *Connection) failAll(err error) {
	c.pending.Range(func(id uint64, _ *pendingCall) bool {
		if pc, ok := c.pending.LoadAndDelete(id); ok {
			pc.result <- callResult{err: err}
		}
		return true
	})
}

// watchTransport waits for the transport to end. When it ends without Close, the connection
// becomes Lost and pending calls fail.
func (c *Connection) watchTransport(conn transport.Conn) bool {
	select {
	case <-c.taskMgr.Context().Done():
		return false
	case <-conn.Done():
	}

	if !c.opState.CompareAndSwap(OpenedState, LostState) {
		return false
	}

	cause := conn.Err()
	lostErr := fmt.Errorf("%w: connection lost: %w", ErrTransport, cause)

	c.mu.Lock()
	c.lostErr = lostErr
	c.mu.Unlock()

	c.logger.Error("transport lost", "method", "watchTransport", "error", cause, "pending", c.pending.Size())
	c.failAll(lostErr)
	c.notifyState(OpenedState, LostState)

	return false
}
