package wsbus

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/transport"
	"github.com/arloliu/go-malcolm/transport/membus"
)

// Server relays frames between WebSocket clients through an in-process broker.
//
// Components running in the server process can join the same topics through Broker().
type Server struct {
	broker       *membus.Broker
	acceptOpts   *websocket.AcceptOptions
	writeTimeout time.Duration
	logger       logger.Logger
}

var _ http.Handler = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger of the server.
func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOriginPatterns sets the host patterns of cross-origin clients that may connect.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.acceptOpts.OriginPatterns = patterns }
}

// WithBroker makes the server relay through an existing broker.
func WithBroker(b *membus.Broker) ServerOption {
	return func(s *Server) {
		if b != nil {
			s.broker = b
		}
	}
}

// NewServer creates a relay server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		acceptOpts:   &websocket.AcceptOptions{},
		writeTimeout: DefaultWriteTimeout,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = membus.NewBroker(membus.WithLogger(s.logger))
	}

	return s
}

// Broker returns the broker the server relays through.
func (s *Server) Broker() *membus.Broker {
	return s.broker
}

// Close disconnects every client.
func (s *Server) Close() error {
	return s.broker.Close()
}

// ServeHTTP upgrades the request to a WebSocket connection and relays its frames until
// either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, s.acceptOpts)
	if err != nil {
		s.logger.Error("failed to accept websocket", "method", "ServeHTTP", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn, err := s.broker.NewConn()
	if err != nil {
		_ = ws.Close(websocket.StatusTryAgainLater, "relay closed")
		return
	}

	client := &relayClient{
		ws:           ws,
		conn:         conn,
		subs:         make(map[string]transport.Subscription),
		writeTimeout: s.writeTimeout,
		logger:       s.logger.With("remote", r.RemoteAddr),
	}
	client.serve(r.Context())
}

type relayClient struct {
	ws           *websocket.Conn
	conn         *membus.Conn
	writeTimeout time.Duration
	logger       logger.Logger

	mu   sync.Mutex
	subs map[string]transport.Subscription
}

func (c *relayClient) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.logger.Info("relay client connected", "method", "serve")

	go func() {
		select {
		case <-c.conn.Done():
			if errors.Is(c.conn.Err(), membus.ErrBrokerClosed) {
				_ = c.ws.Close(websocket.StatusGoingAway, "relay closed")
			}
		case <-ctx.Done():
		}
	}()

	defer func() {
		_ = c.conn.Close()
		_ = c.ws.CloseNow()
		c.logger.Info("relay client disconnected", "method", "serve")
	}()

	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logger.Warn("relay read failed", "method", "serve", "error", err)
			}
			return
		}

		if err := c.handle(ctx, &f); err != nil {
			c.logger.Warn("relay frame rejected", "method", "serve", "op", f.Op, "topic", f.Topic, "error", err)
		}
	}
}

func (c *relayClient) handle(ctx context.Context, f *frame) error {
	if err := f.validate(); err != nil {
		return err
	}

	switch f.Op {
	case OpPublish:
		return c.conn.Publish(ctx, f.Topic, f.Payload)

	case OpSubscribe:
		c.mu.Lock()
		defer c.mu.Unlock()

		if _, ok := c.subs[f.Topic]; ok {
			return nil
		}
		sub, err := c.conn.Subscribe(f.Topic, c.forward)
		if err != nil {
			return err
		}
		c.subs[f.Topic] = sub

	case OpUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[f.Topic]
		delete(c.subs, f.Topic)
		c.mu.Unlock()

		if ok {
			return sub.Unsubscribe()
		}
	}

	return nil
}

// forward writes a payload of a subscribed topic to the client.
func (c *relayClient) forward(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, c.ws, &frame{Op: OpPublish, Topic: topic, Payload: payload}); err != nil {
		c.logger.Debug("relay forward failed", "method", "forward", "topic", topic, "error", err)
	}
}
