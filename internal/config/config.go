// Package config loads process configuration from the environment. A .env
// file in the working directory is read first by the binaries through
// godotenv/autoload.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Store backends the server can host.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Server configures cmd/server.
type Server struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	Store         string `env:"PIG_STORE" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"pig:"`
	DatabaseURL   string `env:"DATABASE_URL"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// AllowedOrigins is the CORS allow list for the HTTP endpoints.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Client configures cmd/pig.
type Client struct {
	ServerURL string `env:"PIG_SERVER_URL" envDefault:"ws://localhost:8080/store/ws"`
	Namespace string `env:"PIG_NAMESPACE" envDefault:"pigGame"`
	// SessionDB is the sqlite file remembering seats by session name.
	SessionDB string `env:"PIG_SESSION_DB" envDefault:"pig-session.db"`
	// Session names the row in SessionDB this client resumes. Empty keeps
	// the seat in memory for this process only, so clients started side
	// by side never share a seat.
	Session       string `env:"PIG_SESSION"`
	ClaimStrategy string `env:"PIG_CLAIM_STRATEGY" envDefault:"atomic"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"warn"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServer parses and checks the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	switch cfg.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("PIG_STORE=postgres needs DATABASE_URL")
		}
	default:
		return cfg, fmt.Errorf("unknown PIG_STORE %q", cfg.Store)
	}
	return cfg, nil
}

// LoadClient parses the client configuration.
func LoadClient() (Client, error) {
	var cfg Client
	err := ParseEnv(&cfg)
	return cfg, err
}

// NewLogger builds the process logger at the named level.
func NewLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
