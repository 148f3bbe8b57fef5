// Package config loads warden configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete warden configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Session SessionConfig `mapstructure:"session"`
	Janitor JanitorConfig `mapstructure:"janitor"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig describes the reasoning engine CLI.
type EngineConfig struct {
	Binary      string   `mapstructure:"binary"`
	Args        []string `mapstructure:"args"`
	MaxImageDim int      `mapstructure:"max_image_dim"`
}

// WorkerConfig tunes the in-worker session loop.
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WorkDir      string        `mapstructure:"work_dir"`
}

// RunnerConfig tunes worker process supervision.
type RunnerConfig struct {
	Backend         string        `mapstructure:"backend"` // host or sandbox
	SandboxRuntime  string        `mapstructure:"sandbox_runtime"`
	SandboxImage    string        `mapstructure:"sandbox_image"`
	ProgressTimeout time.Duration `mapstructure:"progress_timeout"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	RawLogDir       string        `mapstructure:"raw_log_dir"`
}

// SessionConfig tunes orchestration.
type SessionConfig struct {
	MailboxRoot        string        `mapstructure:"mailbox_root"`
	MaxOverflowRetries int           `mapstructure:"max_overflow_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	Privileged         bool          `mapstructure:"privileged"`
}

// JanitorConfig tunes hygiene sweeps.
type JanitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Schedule         string        `mapstructure:"schedule"`
	CompressAfter    time.Duration `mapstructure:"compress_after"`
	DeleteAfter      time.Duration `mapstructure:"delete_after"`
	MailboxRetention time.Duration `mapstructure:"mailbox_retention"`
}

// StoreConfig locates the session registry.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// GlobalConfigPath returns the default config file location.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "warden", "warden.yaml")
}

// DataDir returns the default data directory.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "warden")
}

// Load reads configuration from the default path, overridden by the
// WARDEN_CONFIG environment variable. A missing file yields defaults.
func Load() (*Config, error) {
	path := os.Getenv("WARDEN_CONFIG")
	if path == "" {
		path = GlobalConfigPath()
	}
	return LoadFrom(path)
}

// LoadFrom reads configuration from an explicit file path. Environment
// variables with the WARDEN_ prefix override file values.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("reading config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("engine.binary", "claude")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.max_image_dim", 8000)

	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.work_dir", "")

	v.SetDefault("runner.backend", "host")
	v.SetDefault("runner.sandbox_runtime", "docker")
	v.SetDefault("runner.sandbox_image", "")
	v.SetDefault("runner.progress_timeout", "5m")
	v.SetDefault("runner.grace_period", "10s")
	v.SetDefault("runner.raw_log_dir", filepath.Join(data, "raw"))

	v.SetDefault("session.mailbox_root", filepath.Join(data, "mailboxes"))
	v.SetDefault("session.max_overflow_retries", 3)
	v.SetDefault("session.retry_backoff", "2s")
	v.SetDefault("session.privileged", false)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "17 * * * *")
	v.SetDefault("janitor.compress_after", "24h")
	v.SetDefault("janitor.delete_after", "168h")
	v.SetDefault("janitor.mailbox_retention", "24h")

	v.SetDefault("store.path", filepath.Join(data, "warden.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", filepath.Join(data, "logs"))
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.retention_days", 7)
}
