// Package config loads the configuration of an experiment from YAML, applies MALCOLM_*
// environment overrides and turns it into options for connections, devices, abort conditions
// and the logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-malcolm/abort"
	"github.com/arloliu/go-malcolm/device"
	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/malcolm"
	"github.com/arloliu/go-malcolm/message"
)

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "MALCOLM_"

var validate = validator.New()

// Config is the configuration of an experiment.
type Config struct {
	Broker     BrokerConfig      `yaml:"broker"`
	Devices    []DeviceConfig    `yaml:"devices" validate:"required,min=1,dive"`
	Experiment ExperimentConfig  `yaml:"experiment"`
	Conditions []ConditionConfig `yaml:"conditions" validate:"dive"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// BrokerConfig configures the broker connection and its topics.
type BrokerConfig struct {
	URI              string `yaml:"uri" validate:"required"`
	CommandTopic     string `yaml:"command_topic"`
	StatusTopic      string `yaml:"status_topic"`
	ReplyTopicPrefix string `yaml:"reply_topic_prefix"`
	Codec            string `yaml:"codec" validate:"omitempty,oneof=json cbor"`
	TimeoutMS        int    `yaml:"timeout_ms" validate:"gte=0,lte=259200000"`
}

// DeviceConfig names a device and overrides its operation timeouts.
type DeviceConfig struct {
	Name               string `yaml:"name" validate:"required"`
	TimeoutMS          int    `yaml:"timeout_ms" validate:"gte=0,lte=259200000"`
	ConfigureTimeoutMS int    `yaml:"configure_timeout_ms" validate:"gte=0,lte=259200000"`
	RunTimeoutMS       int    `yaml:"run_timeout_ms" validate:"gte=0,lte=259200000"`
	StepsIntervalMS    *int   `yaml:"steps_interval_ms" validate:"omitempty,gte=0,lte=3600000"`
}

// ExperimentConfig names the experiment and the number of scan steps each device runs.
type ExperimentConfig struct {
	Name  string `yaml:"name"`
	Steps int64  `yaml:"steps" validate:"gte=0"`
}

// ConditionConfig is an abort condition "signal inequality limit", e.g. ring_current < 10.
type ConditionConfig struct {
	Name       string  `yaml:"name" validate:"required"`
	Signal     string  `yaml:"signal" validate:"required"`
	Inequality string  `yaml:"inequality" validate:"required,oneof=< <= > >= == !="`
	Limit      float64 `yaml:"limit"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Load reads the configuration file at path. A .env file next to it is loaded into the
// environment first, without replacing variables that are already set.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}

		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatValidationMessage(e))
		}

		return errors.New(strings.Join(msgs, "; "))
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.Name] {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		seen[d.Name] = true
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Broker.CommandTopic == "" {
		c.Broker.CommandTopic = malcolm.DefaultCommandTopic
	}
	if c.Broker.StatusTopic == "" {
		c.Broker.StatusTopic = malcolm.DefaultStatusTopic
	}
	if c.Broker.ReplyTopicPrefix == "" {
		c.Broker.ReplyTopicPrefix = malcolm.DefaultReplyTopicPrefix
	}
	if c.Broker.Codec == "" {
		c.Broker.Codec = "json"
	}
	if c.Experiment.Name == "" {
		c.Experiment.Name = "experiment"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnvOverrides overrides file values with MALCOLM_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvPrefix + "BROKER_URI"); v != "" {
		cfg.Broker.URI = v
	}
	if v := os.Getenv(EnvPrefix + "CODEC"); v != "" {
		cfg.Broker.Codec = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sTIMEOUT_MS %q: %w", EnvPrefix, v, err)
		}
		cfg.Broker.TimeoutMS = ms
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}

	return nil
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

func formatValidationMessage(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ConnOptions returns the connection options of the broker section.
func (c *Config) ConnOptions(l logger.Logger) ([]malcolm.ConnOption, error) {
	codec, err := message.CodecByName(c.Broker.Codec)
	if err != nil {
		return nil, err
	}

	opts := []malcolm.ConnOption{
		malcolm.WithCommandTopic(c.Broker.CommandTopic),
		malcolm.WithStatusTopic(c.Broker.StatusTopic),
		malcolm.WithReplyTopicPrefix(c.Broker.ReplyTopicPrefix),
		malcolm.WithCodec(codec),
		malcolm.WithLogger(l),
	}
	if c.Broker.TimeoutMS > 0 {
		opts = append(opts, malcolm.WithDefaultTimeout(millis(c.Broker.TimeoutMS)))
	}

	return opts, nil
}

// Options returns the device options of the device section.
func (dc DeviceConfig) Options(l logger.Logger) []device.Option {
	opts := []device.Option{device.WithLogger(l)}
	if dc.TimeoutMS > 0 {
		opts = append(opts, device.WithTimeout(millis(dc.TimeoutMS)))
	}
	if dc.ConfigureTimeoutMS > 0 {
		opts = append(opts, device.WithConfigureTimeout(millis(dc.ConfigureTimeoutMS)))
	}
	if dc.RunTimeoutMS > 0 {
		opts = append(opts, device.WithRunTimeout(millis(dc.RunTimeoutMS)))
	}
	if dc.StepsIntervalMS != nil {
		opts = append(opts, device.WithStepsInterval(millis(*dc.StepsIntervalMS)))
	}

	return opts
}

// Predicate returns the predicate of the condition.
func (cc ConditionConfig) Predicate() (abort.Predicate, error) {
	op, err := abort.ParseInequality(cc.Inequality)
	if err != nil {
		return nil, err
	}

	return abort.Compare(op, cc.Limit)
}

// Logger creates a logger writing to w as configured.
func (lc LoggingConfig) Logger(w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	return logger.NewSlogWriter(w, level, false, lc.Format == "console"), nil
}
