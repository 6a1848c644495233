// Package config loads syncflow's configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Store  StoreConfig  `koanf:"store"`
	State  StateConfig  `koanf:"state"`
	Engine EngineConfig `koanf:"engine"`
	Rules  RulesConfig  `koanf:"rules"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// RateLimit is inbound requests per second; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig locates the action log.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// StateConfig locates the concept state database.
type StateConfig struct {
	Path string `koanf:"path"`
}

// EngineConfig tunes the rule engine.
type EngineConfig struct {
	MaxSteps    int `koanf:"max_steps"`
	Parallelism int `koanf:"parallelism"`
}

// RulesConfig names an optional directory of CUE rules loaded in addition
// to the built-in application rules.
type RulesConfig struct {
	Dir string `koanf:"dir"`
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_burst must be at least 1 when rate limiting"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.State.Path == "" {
		errs = append(errs, fmt.Errorf("state.path is required"))
	}
	if c.Store.Path != "" && c.Store.Path == c.State.Path {
		errs = append(errs, fmt.Errorf("store.path and state.path must differ"))
	}
	if c.Engine.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_steps must be positive"))
	}
	if c.Engine.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("engine.parallelism must be positive"))
	}
	return errors.Join(errs...)
}
