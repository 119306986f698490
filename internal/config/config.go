// Package config loads operator-tunable settings from the
// environment, grounded on control_plane/main.go's os.Getenv +
// fmt.Sscanf idiom (no viper/flag library in the teacher's own stack,
// so none is introduced here).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nick227/imagequeue/internal/breaker"
)

// Config is the full set of operator-tunable values named in spec.md
// §3's "Configuration" bullets.
type Config struct {
	Concurrency          int
	DefaultTimeout       time.Duration
	BackpressureMultiple int
	MaxQueueTime         time.Duration
	RateLimitPerUser     int
	RateLimitWindow      time.Duration

	RedisAddr     string
	RedisPassword string
	PostgresDSN   string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	HTTPAddr string

	BreakerDefaults  breaker.Config
	BreakerOverrides map[string]breaker.Config
}

// Load reads every value from the environment, falling back to the
// defaults spec.md §3 lists when a variable is unset or malformed.
func Load() Config {
	cfg := Config{
		Concurrency:          2,
		DefaultTimeout:       300 * time.Second,
		BackpressureMultiple: 20,
		MaxQueueTime:         10 * time.Minute,
		RateLimitPerUser:     10,
		RateLimitWindow:      60 * time.Second,
		RedisAddr:            "localhost:6379",
		PostgresDSN:          "postgres://localhost:5432/imagequeue",
		JWTIssuer:            "imagequeue",
		JWTAudience:          "imagequeue-api",
		HTTPAddr:             ":8080",
		BreakerDefaults:      breaker.DefaultConfig(),
		BreakerOverrides:     breaker.NamedDefaults(),
	}

	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n >= 1 && n <= 10 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("QUEUE_DEFAULT_TIMEOUT_SECONDS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.DefaultTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_BACKPRESSURE_MULTIPLE"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.BackpressureMultiple = n
		}
	}
	if v := os.Getenv("QUEUE_MAX_QUEUE_TIME_SECONDS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.MaxQueueTime = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_RATE_LIMIT_PER_USER"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.RateLimitPerUser = n
		}
	}
	if v := os.Getenv("QUEUE_RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.RateLimitWindow = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	return cfg
}
