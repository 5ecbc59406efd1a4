package device

import (
	"errors"
	"time"

	"github.com/arloliu/go-malcolm/logger"
)

// Default operation timeouts.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultConfigureTimeout = 10 * time.Minute
	DefaultRunTimeout       = 48 * time.Hour
	DefaultStepsInterval    = 250 * time.Millisecond
)

var errOptionsNil = errors.New("device options are nil")

type options struct {
	// timeout is the reply timeout of every operation except configure and run.
	// It should be between 1 millisecond and 72 hours. Defaults to 5 seconds.
	timeout time.Duration

	// configureTimeout is the reply timeout of configure. Defaults to 10 minutes.
	configureTimeout time.Duration

	// runTimeout is the time run waits for the scan to complete. Defaults to 48 hours.
	runTimeout time.Duration

	// stepsInterval is the minimum time between two StepsCompleted events.
	// Zero dispatches every progress update. Defaults to 250 milliseconds.
	stepsInterval time.Duration

	logger logger.Logger
}

func newOptions() *options {
	return &options{
		timeout:          DefaultTimeout,
		configureTimeout: DefaultConfigureTimeout,
		runTimeout:       DefaultRunTimeout,
		stepsInterval:    DefaultStepsInterval,
		logger:           logger.GetLogger(),
	}
}

// Option represents a functional option for configuring a Device.
type Option interface {
	apply(*options) error
}

type optFunc struct {
	name      string
	applyFunc func(*options) error
}

func (o *optFunc) apply(opts *options) error { return o.applyFunc(opts) }

func newOptFunc(name string, f func(*options) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

func validTimeout(val time.Duration) bool {
	return val >= time.Millisecond && val <= 72*time.Hour
}

// WithTimeout sets the reply timeout of operations other than configure and run.
func WithTimeout(val time.Duration) Option {
	return newOptFunc("WithTimeout", func(opts *options) error {
		if opts == nil {
			return errOptionsNil
		}
		if !validTimeout(val) {
			return errors.New("timeout out of range [1ms, 72h]")
		}
		opts.timeout = val

		return nil
	})
}

// WithConfigureTimeout sets the reply timeout of configure.
func WithConfigureTimeout(val time.Duration) Option {
	return newOptFunc("WithConfigureTimeout", func(opts *options) error {
		if opts == nil {
			return errOptionsNil
		}
		if !validTimeout(val) {
			return errors.New("configure timeout out of range [1ms, 72h]")
		}
		opts.configureTimeout = val

		return nil
	})
}

// WithRunTimeout sets the maximum time run waits for completion.
func WithRunTimeout(val time.Duration) Option {
	return newOptFunc("WithRunTimeout", func(opts *options) error {
		if opts == nil {
			return errOptionsNil
		}
		if !validTimeout(val) {
			return errors.New("run timeout out of range [1ms, 72h]")
		}
		opts.runTimeout = val

		return nil
	})
}

// WithStepsInterval sets the minimum interval between StepsCompleted events.
// It should be between 0 and 1 hour.
func WithStepsInterval(val time.Duration) Option {
	return newOptFunc("WithStepsInterval", func(opts *options) error {
		if opts == nil {
			return errOptionsNil
		}
		if val < 0 || val > time.Hour {
			return errors.New("steps interval out of range [0, 1h]")
		}
		opts.stepsInterval = val

		return nil
	})
}

// WithLogger sets the logger of the device.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(opts *options) error {
		if opts == nil {
			return errOptionsNil
		}
		if l != nil {
			opts.logger = l
		}

		return nil
	})
}
