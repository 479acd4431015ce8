// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDBPath       = "./switchboot.db"
	defaultBaudRate     = 9600
	defaultReadTimeout  = 10 * time.Second
	defaultParallelism  = 4
	defaultPortBase     = "/dev/port"
	defaultCORSOrigins  = "*"
	defaultLogLevel     = "info"
	MaxParallelism      = 16
	PortCount           = 16
)

// Config holds all environment-driven settings. Every field has a usable
// default so the binary starts with an empty environment.
type Config struct {
	DBPath             string
	BaudRate           int
	ReadTimeout        time.Duration
	DefaultParallelism int
	Passcode           string
	CORSOrigins        []string
	PortBase           string
	LogLevel           string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:             envOr("SWITCHBOOT_DB_PATH", defaultDBPath),
		BaudRate:           defaultBaudRate,
		ReadTimeout:        defaultReadTimeout,
		DefaultParallelism: defaultParallelism,
		Passcode:           os.Getenv("SWITCHBOOT_PASSCODE"),
		PortBase:           envOr("SWITCHBOOT_PORT_BASE", defaultPortBase),
		LogLevel:           envOr("SWITCHBOOT_LOG_LEVEL", defaultLogLevel),
	}

	if v := os.Getenv("SWITCHBOOT_BAUD_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWITCHBOOT_BAUD_RATE %q: %w", v, err)
		}
		cfg.BaudRate = n
	}
	if v := os.Getenv("SWITCHBOOT_READ_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			// Bare integers are treated as seconds for operator convenience.
			n, nerr := strconv.Atoi(v)
			if nerr != nil {
				return nil, fmt.Errorf("invalid SWITCHBOOT_READ_TIMEOUT %q: %w", v, err)
			}
			d = time.Duration(n) * time.Second
		}
		cfg.ReadTimeout = d
	}
	if v := os.Getenv("SWITCHBOOT_DEFAULT_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWITCHBOOT_DEFAULT_PARALLELISM %q: %w", v, err)
		}
		cfg.DefaultParallelism = n
	}

	origins := envOr("SWITCHBOOT_CORS_ORIGINS", defaultCORSOrigins)
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be greater than 0")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be greater than 0")
	}
	if c.DefaultParallelism < 1 || c.DefaultParallelism > MaxParallelism {
		return fmt.Errorf("default parallelism must be in [1, %d]", MaxParallelism)
	}
	if c.PortBase == "" {
		return fmt.Errorf("serial port base path is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
