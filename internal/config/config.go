package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration. Values come from, in increasing
// priority: built-in defaults, an optional owl-config.yaml, and OWL_*
// environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	EnableCORS bool          `mapstructure:"enable_cors"`
	Debug      bool          `mapstructure:"debug"`
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
}

type PoolConfig struct {
	QuerySlots      int           `mapstructure:"query_slots"`
	QueryQueue      int           `mapstructure:"query_queue"`
	BrowserWorkers  int           `mapstructure:"browser_workers"`
	BrowserQueue    int           `mapstructure:"browser_queue"`
	WorkerBinary    string        `mapstructure:"worker_binary"`
	HeartbeatWindow time.Duration `mapstructure:"heartbeat_window"`
	TaskDelay       time.Duration `mapstructure:"task_delay"`
}

type SnapshotConfig struct {
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.cleanup_age", time.Hour)

	v.SetDefault("pool.query_slots", 4)
	v.SetDefault("pool.query_queue", 64)
	v.SetDefault("pool.browser_workers", 2)
	v.SetDefault("pool.browser_queue", 16)
	v.SetDefault("pool.worker_binary", "owl-worker")
	v.SetDefault("pool.heartbeat_window", 15*time.Second)
	v.SetDefault("pool.task_delay", 0)

	v.SetDefault("snapshot.path", "owl-tasks.json")
	v.SetDefault("snapshot.flush_interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. A missing config file is fine; a malformed
// one is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("owl-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("OWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would wedge the server at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Pool.QuerySlots < 1 {
		return fmt.Errorf("config: query_slots must be at least 1, got %d", c.Pool.QuerySlots)
	}
	if c.Pool.BrowserWorkers < 1 {
		return fmt.Errorf("config: browser_workers must be at least 1, got %d", c.Pool.BrowserWorkers)
	}
	if c.Pool.HeartbeatWindow < time.Second {
		return fmt.Errorf("config: heartbeat_window must be at least 1s, got %s", c.Pool.HeartbeatWindow)
	}
	return nil
}
