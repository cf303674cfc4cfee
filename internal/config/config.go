package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"

	DefaultServerAddr        = "localhost:5000"
	DefaultDatabaseDriver    = DriverSqlite
	DefaultDatabaseDSN       = "file:relay.db?_pragma=busy_timeout(5000)"
	DefaultMaxContentLength  = 4096
	DefaultRingTimeout       = 60 * time.Second
	DefaultOutboundQueueSize = 256
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

type Config struct {
	ServerAddr        string        `yaml:"server_addr"`
	DatabaseDriver    string        `yaml:"database_driver"`
	DatabaseDSN       string        `yaml:"database_dsn"`
	SigningSecret     string        `yaml:"signing_key"`
	SigningKey        []byte        `yaml:"-"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxContentLength  int           `yaml:"max_content_length"`
	RingTimeout       time.Duration `yaml:"ring_timeout"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
}

// Default returns a Config populated with built-in defaults. The signing
// secret has no default and must be supplied.
func Default() *Config {
	return &Config{
		ServerAddr:        DefaultServerAddr,
		DatabaseDriver:    DefaultDatabaseDriver,
		DatabaseDSN:       DefaultDatabaseDSN,
		MaxContentLength:  DefaultMaxContentLength,
		RingTimeout:       DefaultRingTimeout,
		OutboundQueueSize: DefaultOutboundQueueSize,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// LoadFile overlays the YAML file at path onto the defaults. An empty path
// returns the defaults unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks the configuration and decodes the signing secret into
// SigningKey.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDriver != DriverPostgres && c.DatabaseDriver != DriverSqlite {
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("max content length must be positive")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring timeout must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound queue size must be positive")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	return nil
}
