package malcolm

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/message"
	"github.com/arloliu/go-malcolm/transport"
)

// Default topics and timeouts.
const (
	DefaultCommandTopic     = "malcolm.command"
	DefaultStatusTopic      = "malcolm.status"
	DefaultReplyTopicPrefix = "malcolm.ack"
	DefaultTimeout          = 5 * time.Second
)

// ConnectionConfig represents the configuration parameters of a Malcolm connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// brokerURI identifies the broker passed to the transport dialer, e.g. "mem://local" or
	// "ws://host:8080/bus".
	brokerURI string

	// commandTopic is the topic requests are published on.
	// Defaults to "malcolm.command".
	commandTopic string

	// statusTopic is the topic devices broadcast unsolicited status pushes on.
	// Defaults to "malcolm.status".
	statusTopic string

	// replyTopicPrefix is joined with a random connection id to form the topic replies and
	// subscription updates are delivered on.
	// Defaults to "malcolm.ack".
	replyTopicPrefix string

	// defaultTimeout is the reply timeout of calls made with a zero timeout.
	// It should be between 1 millisecond and 72 hours. Defaults to 5 seconds.
	defaultTimeout time.Duration

	// codec encodes and decodes messages. Defaults to message.JSONCodec.
	codec message.Codec

	// logger provides a logger instance for logging protocol events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a new connection configuration for the broker at brokerURI with
// optional functional options.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any option is invalid.
func NewConnectionConfig(brokerURI string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		commandTopic:     DefaultCommandTopic,
		statusTopic:      DefaultStatusTopic,
		replyTopicPrefix: DefaultReplyTopicPrefix,
		defaultTimeout:   DefaultTimeout,
		codec:            message.JSONCodec{},
		logger:           logger.GetLogger(),
	}

	if strings.TrimSpace(brokerURI) == "" {
		return cfg, errors.New("empty broker uri")
	}
	cfg.brokerURI = brokerURI

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func (cfg *ConnectionConfig) BrokerURI() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.brokerURI
}

func (cfg *ConnectionConfig) CommandTopic() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.commandTopic
}

func (cfg *ConnectionConfig) StatusTopic() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusTopic
}

func (cfg *ConnectionConfig) ReplyTopicPrefix() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.replyTopicPrefix
}

func (cfg *ConnectionConfig) DefaultTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.defaultTimeout
}

func (cfg *ConnectionConfig) Codec() message.Codec {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.codec
}

func (cfg *ConnectionConfig) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// WithCommandTopic sets the topic requests are published on.
func WithCommandTopic(topic string) ConnOption {
	return newConnOptFunc("WithCommandTopic", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if err := transport.ValidateTopic(topic); err != nil {
			return err
		}
		cfg.commandTopic = topic

		return nil
	})
}

// WithStatusTopic sets the topic unsolicited status pushes are received on.
func WithStatusTopic(topic string) ConnOption {
	return newConnOptFunc("WithStatusTopic", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if err := transport.ValidateTopic(topic); err != nil {
			return err
		}
		cfg.statusTopic = topic

		return nil
	})
}

// WithReplyTopicPrefix sets the prefix of the per-connection reply topic.
func WithReplyTopicPrefix(prefix string) ConnOption {
	return newConnOptFunc("WithReplyTopicPrefix", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if err := transport.ValidateTopic(prefix); err != nil {
			return err
		}
		cfg.replyTopicPrefix = prefix

		return nil
	})
}

// WithDefaultTimeout sets the reply timeout of calls made with a zero timeout.
//
// It returns a ConnOption that validates the timeout value and updates the configuration.
func WithDefaultTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithDefaultTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if val < time.Millisecond || val > 72*time.Hour {
			return errors.New("default timeout out of range [1ms, 72h]")
		}
		cfg.defaultTimeout = val

		return nil
	})
}

// WithCodec sets the message codec.
func WithCodec(codec message.Codec) ConnOption {
	return newConnOptFunc("WithCodec", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if codec == nil {
			return errors.New("codec is nil")
		}
		cfg.codec = codec

		return nil
	})
}

// WithLogger sets the logger of the connection.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if l != nil {
			cfg.logger = l
		}

		return nil
	})
}
