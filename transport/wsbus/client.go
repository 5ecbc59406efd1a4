package wsbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/arloliu/go-malcolm/internal/task"
	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/transport"
)

const (
	// DefaultPingInterval is the keepalive interval of client connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds every frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// Dialer connects to a wsbus relay server. The zero value is not usable, use NewDialer.
type Dialer struct {
	header       http.Header
	httpClient   *http.Client
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       logger.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// DialOption configures a Dialer.
type DialOption func(*Dialer)

// WithHTTPHeader sets headers sent with the WebSocket handshake.
func WithHTTPHeader(h http.Header) DialOption {
	return func(d *Dialer) { d.header = h }
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) DialOption {
	return func(d *Dialer) { d.httpClient = c }
}

// WithPingInterval sets the keepalive interval. Zero disables keepalive pings.
func WithPingInterval(interval time.Duration) DialOption {
	return func(d *Dialer) {
		if interval >= 0 {
			d.pingInterval = interval
		}
	}
}

// WithWriteTimeout sets the timeout of every frame write.
func WithWriteTimeout(timeout time.Duration) DialOption {
	return func(d *Dialer) {
		if timeout > 0 {
			d.writeTimeout = timeout
		}
	}
}

// WithDialLogger sets the logger of the dialer and its connections.
func WithDialLogger(l logger.Logger) DialOption {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDialer creates a Dialer.
func NewDialer(opts ...DialOption) *Dialer {
	d := &Dialer{
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Connect dials the relay server at uri ("ws://host:port/path" or "wss://...").
func (d *Dialer) Connect(ctx context.Context, uri string) (transport.Conn, error) {
	ws, _, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: d.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	c := &Conn{
		ws:           ws,
		uri:          uri,
		writeTimeout: d.writeTimeout,
		logger:       d.logger.With("uri", uri),
		topics:       make(map[string][]*subscription),
		done:         make(chan struct{}),
	}
	c.taskMgr = task.NewManager(context.Background(), c.logger)

	if err := c.taskMgr.Start("wsbus-read", c.readFrame); err != nil {
		ws.CloseNow()
		return nil, err
	}

	if d.pingInterval > 0 {
		if err := c.taskMgr.StartInterval("wsbus-ping", c.ping, d.pingInterval, false); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.logger.Info("wsbus connection opened", "method", "Connect")

	return c, nil
}

// Conn is a client connection to a relay server.
type Conn struct {
	ws           *websocket.Conn
	uri          string
	writeTimeout time.Duration
	logger       logger.Logger
	taskMgr      *task.Manager

	subMu  sync.Mutex // serialises sub/unsub frames
	mu     sync.RWMutex
	topics map[string][]*subscription
	nextID uint64

	closeOnce sync.Once
	err       error
	done      chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

// Publish sends payload to topic through the relay.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := transport.ValidateTopic(topic); err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	return c.write(ctx, &frame{Op: OpPublish, Topic: topic, Payload: payload})
}

// Subscribe registers handler for topic. The first subscription of a topic sends a "sub" frame.
func (c *Conn) Subscribe(topic string, handler transport.Handler) (transport.Subscription, error) {
	if err := transport.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("wsbus: nil handler")
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	first := len(c.topics[topic]) == 0
	c.nextID++
	sub := &subscription{id: c.nextID, topic: topic, handler: handler, conn: c}
	c.mu.Unlock()

	if first {
		if err := c.write(context.Background(), &frame{Op: OpSubscribe, Topic: topic}); err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}

	c.mu.Lock()
	c.topics[topic] = append(c.topics[topic], sub)
	c.mu.Unlock()

	return sub, nil
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the WebSocket connection and stops the receive loop.
func (c *Conn) Close() error {
	c.shutdown(transport.ErrClosed, websocket.StatusNormalClosure)
	c.taskMgr.Wait()

	return nil
}

func (c *Conn) unsubscribe(sub *subscription) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	subs := c.topics[sub.topic]
	found := false
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(c.topics, sub.topic)
	} else {
		c.topics[sub.topic] = subs
	}
	c.mu.Unlock()

	if !found || len(subs) > 0 || c.Err() != nil {
		return nil
	}

	return c.write(context.Background(), &frame{Op: OpUnsubscribe, Topic: sub.topic})
}

func (c *Conn) write(ctx context.Context, f *frame) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}

	return nil
}

// readFrame is one iteration of the receive loop.
func (c *Conn) readFrame() bool {
	var f frame
	if err := wsjson.Read(c.taskMgr.Context(), c.ws, &f); err != nil {
		if c.Err() == nil {
			c.logger.Error("wsbus read failed", "method", "readFrame", "error", err)
			c.shutdown(fmt.Errorf("%w: %w", ErrConnLost, err), websocket.StatusInternalError)
		}
		return false
	}

	if f.Op != OpPublish {
		c.logger.Warn("unexpected frame from relay", "method", "readFrame", "op", f.Op, "topic", f.Topic)
		return true
	}

	c.mu.RLock()
	subs := append([]*subscription(nil), c.topics[f.Topic]...)
	c.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(f.Topic, f.Payload)
	}

	return true
}

func (c *Conn) ping() bool {
	ctx, cancel := context.WithTimeout(c.taskMgr.Context(), c.writeTimeout)
	defer cancel()

	if err := c.ws.Ping(ctx); err != nil {
		if c.Err() == nil {
			c.logger.Error("wsbus keepalive failed", "method", "ping", "error", err)
			c.shutdown(fmt.Errorf("%w: %w", ErrConnLost, err), websocket.StatusGoingAway)
		}
		return false
	}

	return true
}

func (c *Conn) shutdown(reason error, code websocket.StatusCode) {
	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)
		_ = c.ws.Close(code, "")
		c.taskMgr.Stop()
		c.logger.Info("wsbus connection closed", "method", "shutdown", "reason", reason)
	})
}

type subscription struct {
	id      uint64
	topic   string
	handler transport.Handler
	conn    *Conn
	once    sync.Once
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.conn.unsubscribe(s)
	})

	return err
}
