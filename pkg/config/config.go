// Package config loads session settings from YAML with defaults and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAddress = "EVA_ADDRESS"
	EnvToken   = "EVA_TOKEN"
)

type Config struct {
	Device      DeviceConfig   `yaml:"device"`
	Lock        LockConfig     `yaml:"lock"`
	Stream      StreamConfig   `yaml:"stream"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Auth        AuthConfig     `yaml:"auth"`
	ReadRetries int            `yaml:"read_retries"`

	// ReadRetryDelay is the pause between read retries. It is separate
	// from the stream reconnect backoff.
	ReadRetryDelay time.Duration `yaml:"read_retry_delay"`
}

type DeviceConfig struct {
	Address        string        `yaml:"address"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LockConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// RenewInterval defaults to half of LeaseDuration when zero.
	RenewInterval time.Duration `yaml:"renew_interval"`
}

type StreamConfig struct {
	KeepAliveTimeout time.Duration   `yaml:"keepalive_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the exponential backoff applied between stream
// reconnect attempts. MaxAttempts of zero retries forever.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Jitter       float64       `yaml:"jitter"`
}

type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type AuthConfig struct {
	// RenewPeriod must stay below the device's 30 minute session expiry.
	// Zero disables renewal.
	RenewPeriod time.Duration `yaml:"renew_period"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			RequestTimeout: 5 * time.Second,
		},
		Lock: LockConfig{
			LeaseDuration: 30 * time.Second,
		},
		Stream: StreamConfig{
			KeepAliveTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     30 * time.Second,
				Jitter:       0.2,
			},
		},
		Dispatch: DispatchConfig{
			QueueSize: 64,
		},
		Auth: AuthConfig{
			RenewPeriod: 20 * time.Minute,
		},
		ReadRetries:    2,
		ReadRetryDelay: 500 * time.Millisecond,
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides the device address and token from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAddress); v != "" {
		c.Device.Address = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Device.Token = v
	}
}

// EffectiveRenewInterval returns the configured renewal interval, or half
// the lease duration when none is set.
func (c *Config) EffectiveRenewInterval() time.Duration {
	if c.Lock.RenewInterval > 0 {
		return c.Lock.RenewInterval
	}
	return c.Lock.LeaseDuration / 2
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Address == "" {
		errs = append(errs, errors.New("device.address is required"))
	}
	if c.Device.Token == "" {
		errs = append(errs, errors.New("device.token is required"))
	}
	if c.Device.RequestTimeout <= 0 {
		errs = append(errs, errors.New("device.request_timeout must be positive"))
	}
	if c.Lock.LeaseDuration <= 0 {
		errs = append(errs, errors.New("lock.lease_duration must be positive"))
	} else if iv := c.EffectiveRenewInterval(); iv <= 0 || iv >= c.Lock.LeaseDuration {
		errs = append(errs, fmt.Errorf("lock.renew_interval %v must be positive and shorter than lease_duration %v", iv, c.Lock.LeaseDuration))
	}
	if c.Stream.KeepAliveTimeout <= 0 {
		errs = append(errs, errors.New("stream.keepalive_timeout must be positive"))
	}
	r := c.Stream.Reconnect
	if r.InitialDelay <= 0 {
		errs = append(errs, errors.New("stream.reconnect.initial_delay must be positive"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, errors.New("stream.reconnect.multiplier must be >= 1"))
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, errors.New("stream.reconnect.max_delay must be >= initial_delay"))
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, errors.New("stream.reconnect.max_attempts must be >= 0"))
	}
	if r.Jitter < 0 || r.Jitter >= 0.5 {
		errs = append(errs, errors.New("stream.reconnect.jitter must be in [0, 0.5)"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.queue_size must be positive"))
	}
	if c.Auth.RenewPeriod < 0 || c.Auth.RenewPeriod >= 30*time.Minute {
		errs = append(errs, errors.New("auth.renew_period must be in [0, 30m)"))
	}
	if c.ReadRetries < 0 {
		errs = append(errs, errors.New("read_retries must be >= 0"))
	}
	if c.ReadRetryDelay <= 0 {
		errs = append(errs, errors.New("read_retry_delay must be positive"))
	}
	return errors.Join(errs...)
}
