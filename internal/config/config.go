package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	pkgconfig "github.com/mZeeshan-IQBAL/shopme/pkg/config"
)

// Config holds all configuration for the storefront service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"STOREFRONT_HTTP_PORT" envDefault:"8080"`

	// Backend REST API
	BackendURL            string `env:"BACKEND_URL" envDefault:"http://localhost:3000"`
	BackendTimeoutSeconds int    `env:"BACKEND_TIMEOUT_SECONDS" envDefault:"10"`

	// Sessions
	SessionIdleTimeoutMinutes   int `env:"SESSION_IDLE_TIMEOUT_MINUTES" envDefault:"120"`
	SessionSweepIntervalSeconds int `env:"SESSION_SWEEP_INTERVAL_SECONDS" envDefault:"60"`

	// Kafka
	KafkaEnabled   bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	EventQueueSize int      `env:"EVENT_QUEUE_SIZE" envDefault:"256"`

	// Tracing
	OTELEnabled  bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampling float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// HTTP edge
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173" envSeparator:","`
	PprofAllowedCIDRs  []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"127.0.0.1/32,::1/128" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load storefront config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute http(s) URL, got %q", c.BackendURL)
	}
	if c.BackendTimeoutSeconds < 1 {
		return fmt.Errorf("BACKEND_TIMEOUT_SECONDS must be positive, got %d", c.BackendTimeoutSeconds)
	}
	if c.SessionIdleTimeoutMinutes < 1 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT_MINUTES must be positive, got %d", c.SessionIdleTimeoutMinutes)
	}
	if c.SessionSweepIntervalSeconds < 1 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL_SECONDS must be positive, got %d", c.SessionSweepIntervalSeconds)
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be positive, got %d", c.EventQueueSize)
	}
	if c.OTELSampling < 0 || c.OTELSampling > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %v", c.OTELSampling)
	}
	for _, cidr := range c.PprofAllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid PPROF_ALLOWED_CIDRS entry %q: %w", cidr, err)
		}
	}
	return nil
}

// BackendTimeout is the per-request timeout for backend calls.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// SessionIdleTimeout is how long an untouched session lives.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMinutes) * time.Minute
}

// SessionSweepInterval is the period of the expired-session janitor.
func (c *Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.SessionSweepIntervalSeconds) * time.Second
}
