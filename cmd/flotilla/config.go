package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Log     LogConfig     `mapstructure:"log"`
	Project ProjectConfig `mapstructure:"project"`
	Journal JournalConfig `mapstructure:"journal"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `mapstructure:"token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProjectConfig selects the compose files and tunes the engine.
type ProjectConfig struct {
	Name      string        `mapstructure:"name"`
	Directory string        `mapstructure:"directory"`
	Files     []string      `mapstructure:"files"`
	Workers   int           `mapstructure:"workers"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// JournalConfig holds the operation journal configuration. An empty DSN
// disables the journal.
type JournalConfig struct {
	DSN string `mapstructure:"dsn"`
	// Retain is the number of operations kept per project; 0 keeps all.
	Retain int `mapstructure:"retain"`
}

// =============================================================================
// Config Loading
// =============================================================================

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"docker-host":       "docker.host",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"project-name":      "project.name",
	"project-directory": "project.directory",
	"file":              "project.files",
	"workers":           "project.workers",
	"journal":           "journal.dsn",
	"host":              "server.host",
	"port":              "server.port",
}

// LoadConfig loads configuration from file, environment and flags, in
// increasing order of precedence. flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m") // up can take a while
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.token", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("project.name", "")
	v.SetDefault("project.directory", ".")
	v.SetDefault("project.files", []string{})
	v.SetDefault("project.workers", 8)
	v.SetDefault("project.timeout", "10s")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.retain", 0)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FLOTILLA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Project.Workers <= 0 {
		return nil, fmt.Errorf("project.workers must be positive, got %d", cfg.Project.Workers)
	}
	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. CLI
// output goes to stdout, so logs are written to w.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
