// Package config loads the server configuration from a TOML file.
//
// Every field has a default, so an empty or missing file yields a working
// in-memory server. Durations are written as Go duration strings ("30s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Log       LogConfig       `toml:"log"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Kafka     KafkaConfig     `toml:"kafka"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     string   `toml:"read_timeout"`
	WriteTimeout    string   `toml:"write_timeout"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

type StorageConfig struct {
	Driver      string `toml:"driver"` // memory | sqlite | postgres
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
	MaxConns    int32  `toml:"max_conns"`
}

type LogConfig struct {
	Env   string `toml:"env"` // production | development
	Level string `toml:"level"`
}

type ReconcileConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
}

type KafkaConfig struct {
	Enabled   bool     `toml:"enabled"`
	Brokers   []string `toml:"brokers"`
	Topic     string   `toml:"topic"`
	QueueSize int      `toml:"queue_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "15s",
			WriteTimeout:    "15s",
			ShutdownTimeout: "10s",
			CORSOrigins:     []string{"http://localhost:*"},
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "./resources.db",
			MaxConns:   10,
		},
		Log: LogConfig{
			Env:   "development",
			Level: "info",
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: "5m",
		},
		Kafka: KafkaConfig{
			Topic:     "resource-notifications",
			QueueSize: 1024,
		},
	}
}

// Load decodes path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"reconcile.interval":      c.Reconcile.Interval,
	} {
		if _, err := parseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			errs = append(errs, errors.New("kafka.topic is required when kafka is enabled"))
		}
		if c.Kafka.QueueSize <= 0 {
			errs = append(errs, errors.New("kafka.queue_size must be positive"))
		}
	}
	return errors.Join(errs...)
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration     { return mustDuration(s.ReadTimeout) }
func (s ServerConfig) WriteTimeoutDuration() time.Duration    { return mustDuration(s.WriteTimeout) }
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration { return mustDuration(s.ShutdownTimeout) }
func (r ReconcileConfig) IntervalDuration() time.Duration     { return mustDuration(r.Interval) }

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// mustDuration is only called on validated configs; it returns 0 otherwise.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}
