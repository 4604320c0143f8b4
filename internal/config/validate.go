package config

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/watzon/fngate/internal/policy"
)

// MinJWTSecretLen is the shortest HMAC secret accepted for bearer tokens.
const MinJWTSecretLen = 32

// ValidationError names one invalid configuration key.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, err := range e {
		lines = append(lines, "  - "+err.Error())
	}
	return strings.Join(lines, "\n") + "\n"
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

type checker struct {
	errs ValidationErrors
}

// check records msg against field unless ok holds.
func (c *checker) check(ok bool, field, msg string) {
	if !ok {
		c.errs = append(c.errs, ValidationError{Field: field, Message: msg})
	}
}

// Validate reports every invalid key in cfg, or nil.
func Validate(cfg *Config) error {
	c := &checker{}
	c.server(&cfg.Server)
	c.functions(&cfg.Functions)
	c.gateway(&cfg.Gateway)
	c.origins(&cfg.Origins)
	c.auth(&cfg.Auth)
	c.rateLimit(&cfg.RateLimit)
	c.logging(&cfg.Logging)
	c.check(cfg.Dev.Debounce >= 0, "dev.debounce", "must be non-negative")

	if len(c.errs) > 0 {
		return c.errs
	}
	return nil
}

func (c *checker) server(cfg *ServerConfig) {
	c.check(cfg.Port >= 1 && cfg.Port <= 65535, "server.port", "must be between 1 and 65535")
	c.check(cfg.ReadTimeout >= 0, "server.read_timeout", "must be non-negative")
	c.check(cfg.WriteTimeout >= 0, "server.write_timeout", "must be non-negative")
	c.check(cfg.IdleTimeout >= 0, "server.idle_timeout", "must be non-negative")

	if cfg.TLS != nil && cfg.TLS.Enabled {
		c.check(cfg.TLS.CertFile != "", "server.tls.cert_file", "required when TLS is enabled")
		c.check(cfg.TLS.KeyFile != "", "server.tls.key_file", "required when TLS is enabled")
	}
}

var knownRuntimes = []string{"node", "python", "deno", "bun"}

func (c *checker) functions(cfg *FunctionsConfig) {
	c.check(cfg.Path != "", "functions.path", "required")

	for i, pattern := range cfg.Ignore {
		_, err := glob.Compile(pattern, '/')
		c.check(err == nil, fmt.Sprintf("functions.ignore[%d]", i), fmt.Sprintf("invalid glob pattern %q", pattern))
	}

	for name, rt := range cfg.Runtimes {
		field := "functions.runtimes." + name
		c.check(contains(knownRuntimes, name), field, "unknown runtime (must be "+strings.Join(knownRuntimes, ", ")+")")
		c.check(rt.Command != "", field+".command", "required")
	}
}

func (c *checker) gateway(cfg *GatewayConfig) {
	c.check(cfg.Timeout > 0, "gateway.timeout", "must be positive")
	c.check(cfg.BackgroundTimeout >= 0, "gateway.background_timeout", "must be non-negative")
	c.check(cfg.MaxBodySize > 0, "gateway.max_body_size", "must be positive")
	c.check(cfg.StreamQueue >= 0, "gateway.stream_queue", "must be non-negative")
	for name := range cfg.Keys {
		c.check(name != "", "gateway.keys", "key names must not be empty")
	}
}

// origins compiles the allow list and rule the same way the server does,
// so a bad pattern fails at load time instead of on the first request.
func (c *checker) origins(cfg *OriginsConfig) {
	for i, pattern := range cfg.Allow {
		_, err := glob.Compile(pattern)
		c.check(err == nil, fmt.Sprintf("origins.allow[%d]", i), fmt.Sprintf("invalid origin pattern %q", pattern))
	}
	if cfg.Rule == "" {
		return
	}
	list, err := policy.NewAllowList(cfg.Allow)
	if err != nil {
		return
	}
	if _, err := policy.NewExpression(cfg.Rule, list); err != nil {
		c.check(false, "origins.rule", err.Error())
	}
}

func (c *checker) auth(cfg *AuthConfig) {
	c.check(!cfg.Required || cfg.Enabled, "auth.required", "requires auth.enabled")
	if cfg.Enabled {
		if err := ValidateJWTSecret(cfg.JWT.Secret); err != nil {
			c.errs = append(c.errs, *err)
		}
	}
	c.check(cfg.Lockout.Threshold >= 0, "auth.lockout.threshold", "must be non-negative")
	if cfg.Lockout.Threshold > 0 {
		c.check(cfg.Lockout.Window > 0, "auth.lockout.window", "must be positive")
	}
}

func (c *checker) rateLimit(cfg *RateLimitConfig) {
	if !cfg.Enabled {
		return
	}
	for _, tier := range []struct {
		field string
		rule  RateLimitRule
	}{
		{"rate_limit.unauthenticated", cfg.Unauthenticated},
		{"rate_limit.authenticated", cfg.Authenticated},
	} {
		c.check(tier.rule.Max >= 1, tier.field+".max", "must be at least 1")
		c.check(tier.rule.Window > 0, tier.field+".window", "must be positive")
	}
}

func (c *checker) logging(cfg *LoggingConfig) {
	_, err := zerolog.ParseLevel(cfg.Level)
	c.check(err == nil && cfg.Level != "", "logging.level", "must be one of: trace, debug, info, warn, error, fatal, panic")
	c.check(cfg.Format == "json" || cfg.Format == "console", "logging.format", "must be 'json' or 'console'")
}

// ValidateJWTSecret checks an HMAC signing secret.
func ValidateJWTSecret(secret string) *ValidationError {
	switch {
	case secret == "":
		return &ValidationError{Field: "auth.jwt.secret", Message: "required when auth is enabled"}
	case len(secret) < MinJWTSecretLen:
		return &ValidationError{Field: "auth.jwt.secret", Message: fmt.Sprintf("must be at least %d characters", MinJWTSecretLen)}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
