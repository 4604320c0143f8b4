// Package config provides configuration management for fngate.
package config

import (
	"strconv"
	"time"
)

// Config is the root configuration structure for fngate.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Functions FunctionsConfig `mapstructure:"functions"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Origins   OriginsConfig   `mapstructure:"origins"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dev       DevConfig       `mapstructure:"dev"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Request timeouts. WriteTimeout also bounds stream duration, so it is
	// disabled by default.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Gzip compress responses (event streams are never compressed)
	Compression bool `mapstructure:"compression"`

	// Serve /_/functions, /_/health, /_/metrics and /_/reload
	Admin bool `mapstructure:"admin"`

	// TLS configuration (optional)
	TLS *TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	// Enable TLS
	Enabled bool `mapstructure:"enabled"`

	// Path to certificate file
	CertFile string `mapstructure:"cert_file"`

	// Path to key file
	KeyFile string `mapstructure:"key_file"`
}

// FunctionsConfig holds function loading settings.
type FunctionsConfig struct {
	// Path to functions directory
	Path string `mapstructure:"path"`

	// Glob patterns, relative to Path, that are never loaded
	Ignore []string `mapstructure:"ignore"`

	// Command overrides per runtime (node, python, deno, bun)
	Runtimes map[string]RuntimeConfig `mapstructure:"runtimes"`

	// Environment variables to pass to functions
	Env map[string]string `mapstructure:"env"`
}

// RuntimeConfig is the command that runs one invocation.
type RuntimeConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// GatewayConfig holds request pipeline settings.
type GatewayConfig struct {
	// Default invocation deadline; manifests may override it per function
	Timeout time.Duration `mapstructure:"timeout"`

	// Deadline for _background invocations; zero lets them run to completion
	BackgroundTimeout time.Duration `mapstructure:"background_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// Include stack traces in error responses
	ExposeStacks bool `mapstructure:"expose_stacks"`

	// Buffered events per stream before the function blocks
	StreamQueue int `mapstructure:"stream_queue"`

	// Access-Control-Allow-Headers values
	AllowHeaders []string `mapstructure:"allow_headers"`

	// Platform keys handed to functions that declare them with @keys
	Keys map[string]string `mapstructure:"keys"`

	// Keys are also read from the environment with this prefix
	KeyEnvPrefix string `mapstructure:"key_env_prefix"`

	// Reject every invocation with a MaintenanceError
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// MaintenanceConfig holds maintenance mode settings.
type MaintenanceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Message string `mapstructure:"message"`
}

// OriginsConfig holds the origin policy.
type OriginsConfig struct {
	// Glob patterns for allowed Origin headers (empty allows all)
	Allow []string `mapstructure:"allow"`

	// Optional CEL rule; sees origin, allowed and function
	Rule string `mapstructure:"rule"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	// Verify Authorization: Bearer tokens
	Enabled bool `mapstructure:"enabled"`

	// Reject requests without a token
	Required bool `mapstructure:"required"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Block clients after repeated invalid tokens
	Lockout LockoutConfig `mapstructure:"lockout"`
}

// LockoutConfig blocks a client IP after Threshold invalid tokens within
// Window. A zero threshold disables it.
type LockoutConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// JWTConfig holds JWT settings.
type JWTConfig struct {
	// Secret key for verifying tokens (required, min 32 chars)
	Secret string `mapstructure:"secret"`

	// Expected issuer claim (empty skips the check)
	Issuer string `mapstructure:"issuer"`

	// Accepted audience claims (empty skips the check)
	Audience []string `mapstructure:"audience"`
}

// RateLimitConfig holds per-client invocation limits.
type RateLimitConfig struct {
	// Enable rate limiting
	Enabled bool `mapstructure:"enabled"`

	// Limit for requests without a verified token, keyed by client IP
	Unauthenticated RateLimitRule `mapstructure:"unauthenticated"`

	// Limit for requests with a verified token, keyed by subject
	Authenticated RateLimitRule `mapstructure:"authenticated"`
}

// RateLimitRule defines a rate limit rule.
type RateLimitRule struct {
	// Maximum requests
	Max int `mapstructure:"max"`

	// Time window
	Window time.Duration `mapstructure:"window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`

	// Include timestamp
	Timestamp bool `mapstructure:"timestamp"`

	// Output file (empty for stderr)
	Output string `mapstructure:"output"`
}

// DevConfig holds development mode settings.
type DevConfig struct {
	// Enable development mode (stack traces, debug logging)
	Enabled bool `mapstructure:"enabled"`

	// Reload functions when files change
	Watch bool `mapstructure:"watch"`

	// Quiet period before a reload
	Debounce time.Duration `mapstructure:"debounce"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// Redacted returns a copy safe to expose: secrets and key values are
// replaced.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Auth.JWT.Secret != "" {
		out.Auth.JWT.Secret = redacted
	}
	if len(c.Gateway.Keys) > 0 {
		out.Gateway.Keys = make(map[string]string, len(c.Gateway.Keys))
		for k := range c.Gateway.Keys {
			out.Gateway.Keys[k] = redacted
		}
	}
	if len(c.Functions.Env) > 0 {
		out.Functions.Env = make(map[string]string, len(c.Functions.Env))
		for k := range c.Functions.Env {
			out.Functions.Env[k] = redacted
		}
	}
	return &out
}

const redacted = "[redacted]"
