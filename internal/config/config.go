package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config represents the application configuration. Values come from an
// optional yaml file overlaid with environment variables.
type Config struct {
	// Environment selects the logger profile (development, production).
	Environment string `env:"ENVIRONMENT" env-default:"development" yaml:"environment"`

	// Freshservice holds the upstream API settings.
	Freshservice struct {
		// APIKey authenticates every request (Basic auth username).
		APIKey string `env:"FRESHSERVICE_API_KEY" yaml:"apiKey"`
		// Domain is the service host, e.g. "example.freshservice.com".
		Domain string `env:"FRESHSERVICE_DOMAIN" yaml:"domain"`
		// Headroom is the quota buffer where admission switches to probe mode.
		Headroom int `env:"FRESHSERVICE_HEADROOM" env-default:"5" yaml:"headroom"`
		// MaxRetries bounds 429 retries per request.
		MaxRetries int `env:"FRESHSERVICE_MAX_RETRIES" env-default:"5" yaml:"maxRetries"`
		// Timeout is the per-request HTTP timeout.
		Timeout time.Duration `env:"FRESHSERVICE_TIMEOUT" env-default:"1m" yaml:"timeout"`
	} `yaml:"freshservice"`

	// Database holds the job store settings.
	Database struct {
		// Path is the SQLite file path; empty selects a per-job default.
		Path string `env:"DATABASE_PATH" yaml:"path"`
	} `yaml:"database"`

	// Processor holds the worker pool settings.
	Processor struct {
		// Workers is the worker pool size.
		Workers int `env:"PROCESSOR_WORKERS" env-default:"10" yaml:"workers"`
		// RandomOrder claims rows uniformly at random instead of by id.
		RandomOrder bool `env:"PROCESSOR_RANDOM_ORDER" env-default:"false" yaml:"randomOrder"`
	} `yaml:"processor"`
}

// Load reads the yaml config file (when present) and the environment, and
// returns a filled Config.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}

		return &cfg, nil
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("could not read environment: %w", err)
	}

	return &cfg, nil
}
