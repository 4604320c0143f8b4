package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost        = "localhost"
	DefaultPort        = 8170
	DefaultReadTimeout = 30 * time.Second
	DefaultIdleTimeout = 120 * time.Second

	// Gateway defaults.
	DefaultTimeout     = 10 * time.Second
	DefaultMaxBodySize = 8 << 20 // 8MB
	DefaultStreamQueue = 64

	// Functions defaults.
	DefaultFunctionsPath = "functions"

	// Rate limit defaults.
	DefaultUnauthRateLimit = 60
	DefaultAuthRateLimit   = 600
	DefaultRateWindow      = time.Minute

	// Auth defaults.
	DefaultLockoutThreshold = 10
	DefaultLockoutWindow    = 15 * time.Minute

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	// Dev defaults.
	DefaultDebounce = 100 * time.Millisecond
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			ReadTimeout: DefaultReadTimeout,
			IdleTimeout: DefaultIdleTimeout,
			Compression: true,
			Admin:       true,
		},
		Functions: FunctionsConfig{
			Path:     DefaultFunctionsPath,
			Ignore:   []string{"node_modules", "**/node_modules", "**/__pycache__"},
			Runtimes: make(map[string]RuntimeConfig),
			Env:      make(map[string]string),
		},
		Gateway: GatewayConfig{
			Timeout:      DefaultTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			StreamQueue:  DefaultStreamQueue,
			AllowHeaders: []string{"Authorization", "Content-Type", "X-Requested-With", "X-Authorization"},
			Keys:         make(map[string]string),
			KeyEnvPrefix: "FNGATE_KEY_",
			Maintenance: MaintenanceConfig{
				Message: "This service is undergoing maintenance",
			},
		},
		Auth: AuthConfig{
			Lockout: LockoutConfig{
				Threshold: DefaultLockoutThreshold,
				Window:    DefaultLockoutWindow,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Unauthenticated: RateLimitRule{
				Max:    DefaultUnauthRateLimit,
				Window: DefaultRateWindow,
			},
			Authenticated: RateLimitRule{
				Max:    DefaultAuthRateLimit,
				Window: DefaultRateWindow,
			},
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Caller:    false,
			Timestamp: true,
		},
		Dev: DevConfig{
			Enabled:  false,
			Watch:    true,
			Debounce: DefaultDebounce,
		},
	}
}
