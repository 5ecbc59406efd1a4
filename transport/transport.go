// Package transport defines the publish/subscribe fabric Malcolm connections run on.
//
// The core treats the broker as opaque: it connects, publishes payloads to topics and
// receives payloads through subscription handlers. Two implementations ship with the module,
// an in-process broker (transport/membus) and a WebSocket relay (transport/wsbus).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrClosed indicates that the connection or subscription has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrInvalidTopic indicates an empty or otherwise unusable topic name.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrUnsupportedScheme indicates that no dialer handles the scheme of a broker URI.
	ErrUnsupportedScheme = errors.New("unsupported broker uri scheme")
)

// Handler receives payloads published on a subscribed topic.
//
// Handlers of one subscription are called sequentially in publish order, on a goroutine owned
// by the transport. A handler must not block for long and must not close its connection.
// The payload must not be retained after the handler returns.
type Handler func(topic string, payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() string
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}

// Conn is a connection to a broker.
type Conn interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for payloads published on topic.
	Subscribe(topic string, handler Handler) (Subscription, error)
	// Done is closed when the connection is closed or lost.
	Done() <-chan struct{}
	// Err returns the reason the connection ended, or nil while it is open.
	Err() error
	// Close closes the connection and all of its subscriptions.
	Close() error
}

// Dialer connects to a broker identified by a URI.
type Dialer interface {
	Connect(ctx context.Context, uri string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, uri string) (Conn, error)

func (f DialerFunc) Connect(ctx context.Context, uri string) (Conn, error) {
	return f(ctx, uri)
}

// SchemeDialer selects a dialer by the scheme of the broker URI.
type SchemeDialer map[string]Dialer

// Connect dials uri with the dialer registered for its scheme.
func (d SchemeDialer) Connect(ctx context.Context, uri string) (Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse broker uri %q: %w", uri, err)
	}

	dialer, ok := d[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	return dialer.Connect(ctx, uri)
}

// ValidateTopic checks that topic can be published to or subscribed on.
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}

	return nil
}
