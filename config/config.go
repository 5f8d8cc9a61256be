// Package config loads smtpsend settings from a config file, a .env file
// and SMTPC_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/iceisfun/smtpc"
)

// EnvPrefix prefixes environment overrides, e.g. SMTPC_SERVER_HOST.
const EnvPrefix = "SMTPC"

// ServerConfig names the SMTP server and how to greet it.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Helo is the domain sent with EHLO/HELO.
	Helo string `mapstructure:"helo"`
}

// SessionConfig tunes the protocol engine.
type SessionConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	ChunkSize  int           `mapstructure:"chunk_size"`
	Pipelining bool          `mapstructure:"pipelining"`
	Chunking   bool          `mapstructure:"chunking"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is logfmt or json.
	Format string `mapstructure:"format"`

	// Transcript writes the raw conversation to stderr.
	Transcript bool `mapstructure:"transcript"`
}

// JournalConfig selects where deliveries are recorded.
type JournalConfig struct {
	// Driver is "memory", "sqlite" or "none".
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen    string `mapstructure:"listen"`
	Namespace string `mapstructure:"namespace"`
}

// Config is the top-level smtpsend configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
	Journal JournalConfig `mapstructure:"journal"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 25)
	v.SetDefault("server.helo", "localhost")
	v.SetDefault("session.timeout", smtpc.DefaultTimeout)
	v.SetDefault("session.chunk_size", smtpc.DefaultChunkSize)
	v.SetDefault("session.pipelining", true)
	v.SetDefault("session.chunking", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "logfmt")
	v.SetDefault("log.transcript", false)
	v.SetDefault("journal.driver", "none")
	v.SetDefault("journal.path", "smtpsend.db")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.namespace", "smtpc")
}

// Load reads configuration from path. An empty path yields the defaults,
// still subject to environment overrides; a path that cannot be read is
// an error. The file format follows its extension (yaml, toml, json).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv reads KEY=value pairs from a .env file into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Session.ChunkSize <= 0 {
		return fmt.Errorf("config: session.chunk_size must be positive, got %d", c.Session.ChunkSize)
	}
	switch c.Journal.Driver {
	case "none", "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown journal.driver %q", c.Journal.Driver)
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Engine returns the engine settings. Logger, metrics and transcript are
// left for the caller.
func (c *Config) Engine() smtpc.Config {
	return smtpc.Config{
		Timeout:    c.Session.Timeout,
		ChunkSize:  c.Session.ChunkSize,
		Pipelining: c.Session.Pipelining,
	}
}
