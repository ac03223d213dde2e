// Package config loads process configuration from the environment.
// No business logic should depend on raw environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the server process needs.
type Config struct {
	Env  string
	Port int

	// GracePeriod is the reconnection window after a mid-call drop.
	GracePeriod time.Duration

	// PostgresDSN and RedisAddr select the live persistence gateway.
	// Leaving both empty runs the in-memory gateway.
	PostgresDSN string
	RedisAddr   string
}

const (
	defaultPort        = 8080
	defaultGracePeriod = 30 * time.Second
)

func Load() (Config, error) {
	c := Config{
		Env:         strings.TrimSpace(os.Getenv("SL_ENV")),
		Port:        defaultPort,
		GracePeriod: defaultGracePeriod,
		PostgresDSN: os.Getenv("SL_POSTGRES_DSN"),
		RedisAddr:   strings.TrimSpace(os.Getenv("SL_REDIS_ADDR")),
	}
	if c.Env == "" {
		c.Env = "local"
	}

	if v := strings.TrimSpace(os.Getenv("SL_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SL_PORT must be an integer, got %q", v)
		}
		c.Port = n
	}
	if v := strings.TrimSpace(os.Getenv("SL_GRACE_PERIOD")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("SL_GRACE_PERIOD must be a duration, got %q", v)
		}
		c.GracePeriod = d
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be a valid port, got %d", c.Port))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("grace period must be positive"))
	}
	// Both or neither: the live gateway needs Postgres and Redis.
	if (c.PostgresDSN == "") != (c.RedisAddr == "") {
		errs = append(errs, errors.New("SL_POSTGRES_DSN and SL_REDIS_ADDR must be set together"))
	}
	return errors.Join(errs...)
}

// UseLiveGateway reports whether Postgres/Redis persistence is configured.
func (c Config) UseLiveGateway() bool {
	return c.PostgresDSN != "" && c.RedisAddr != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
