// Package config loads the service configuration from defaults, an optional
// YAML file, and SHARDLOOM_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loomworks/shardloom/pkg/archive"
)

// EnvPrefix is the environment variable prefix: SHARDLOOM_SERVER_PORT
// overrides server.port.
const EnvPrefix = "SHARDLOOM"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Certifier  CertifierConfig  `mapstructure:"certifier"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Events     EventsConfig     `mapstructure:"events"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

type CertifierConfig struct {
	// URL of the external certifier service. Empty disables certification:
	// stage aggregates are accepted as-is.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Ceiling   int           `mapstructure:"ceiling"`
	Tick      time.Duration `mapstructure:"tick"`
	MaxQueue  int64         `mapstructure:"max_queue"`
	ClaimRate float64       `mapstructure:"claim_rate"`
}

type ExecutorConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type EventsConfig struct {
	// Path of the JSONL event log. Empty disables the file sink.
	Path   string `mapstructure:"path"`
	Buffer int    `mapstructure:"buffer"`
}

// ArchiveConfig wraps the archive destination; Enabled gates it so a bucket
// can stay configured while archiving is switched off.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
	archive.Config `mapstructure:",squash"`
}

// Load builds the configuration. Path names an explicit config file; empty
// means look for shardloom.yaml in the working directory and /etc/shardloom.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("checkpoint.path", "shardloom-checkpoint.db")
	v.SetDefault("certifier.timeout", 30*time.Second)
	v.SetDefault("scheduler.ceiling", 16)
	v.SetDefault("scheduler.tick", 100*time.Millisecond)
	v.SetDefault("scheduler.max_queue", 64)
	v.SetDefault("scheduler.claim_rate", 500.0)
	v.SetDefault("executor.concurrency", 8)
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("archive.enabled", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shardloom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shardloom")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("config: checkpoint.path is required")
	}
	if c.Scheduler.Ceiling <= 0 {
		return fmt.Errorf("config: scheduler.ceiling must be positive")
	}
	if c.Archive.Enabled {
		if err := c.Archive.Config.Validate(); err != nil {
			return err
		}
	}
	return nil
}
