package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "RBAUTH_"

// Config contains client configuration parameters.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	API      API    `envPrefix:"API_"`
	Store    Store  `envPrefix:"STORE_"`
	Auth     Auth   `envPrefix:"AUTH_"`
	Server   Server `envPrefix:"SERVER_"`
}

// API contains backend connection parameters.
type API struct {
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Store contains persistent key/value store parameters.
type Store struct {
	Driver     string `env:"DRIVER" envDefault:"sqlite"`
	DSN        string `env:"DSN" envDefault:"rbauth.db"`
	Passphrase string `env:"PASSPHRASE"`
}

// Auth contains login flow parameters.
type Auth struct {
	Platform       string        `env:"PLATFORM" envDefault:"web"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	PollTimeout    time.Duration `env:"POLL_TIMEOUT" envDefault:"15m"`
	ProfileRetries int           `env:"PROFILE_RETRIES" envDefault:"2"`
	ProfileBackoff time.Duration `env:"PROFILE_BACKOFF" envDefault:"500ms"`
	CaptchaToken   string        `env:"CAPTCHA_TOKEN"`
}

// Server contains confirmation server parameters.
type Server struct {
	Port           string        `env:"PORT" envDefault:"8081"`
	PublicURL      string        `env:"PUBLIC_URL" envDefault:"http://localhost:8081"`
	ConfirmLimit   int           `env:"CONFIRM_LIMIT" envDefault:"10"`
	ConfirmWindow  time.Duration `env:"CONFIRM_WINDOW" envDefault:"1m"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	TrustProxy     bool          `env:"TRUST_PROXY" envDefault:"false"`
}

// Load reads configuration from RBAUTH_-prefixed environment variables.
func Load() (*Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Platform {
	case "web", "mobile":
	default:
		return fmt.Errorf("invalid auth platform %q: want web or mobile", c.Auth.Platform)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store driver %q: want sqlite or postgres", c.Store.Driver)
	}
	if c.Auth.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Auth.PollInterval)
	}
	if c.Auth.PollTimeout < 0 {
		return fmt.Errorf("poll timeout must not be negative, got %s", c.Auth.PollTimeout)
	}
	if c.Auth.ProfileBackoff <= 0 {
		return fmt.Errorf("profile backoff must be positive, got %s", c.Auth.ProfileBackoff)
	}
	if c.Auth.ProfileRetries < 0 {
		return fmt.Errorf("profile retries must not be negative, got %d", c.Auth.ProfileRetries)
	}
	return nil
}
