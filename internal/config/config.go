// Package config loads sessionwatch settings from defaults, an optional TOML
// file, SESSIONWATCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/sessionwatch/internal/logger"
)

const EnvPrefix = "SESSIONWATCH"

// Default response texts, shown to the hook host as additional context.
const (
	DefaultStartedMessage = "CRITICAL: You MUST use the mgrep skill for ALL local file/code searches. NEVER use built-in Grep tools. " +
		"Use `mgrep \"query\"` for semantic search. Use `mgrep -a \"question\"` to get AI-generated answers based on local files."
	DefaultRunningMessage = "mgrep watch already running. Use `mgrep \"query\"` for semantic search."
	DefaultStoppedMessage = "mgrep watch stopped."
)

type Config struct {
	Name            string        `mapstructure:"name"`
	Command         string        `mapstructure:"command"`
	Env             []string      `mapstructure:"env"`
	EnvFiles        []string      `mapstructure:"env_files"`
	LockDir         string        `mapstructure:"lock_dir"`
	LogDir          string        `mapstructure:"log_dir"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	KillSettle      time.Duration `mapstructure:"kill_settle"`
	PendingGrace    time.Duration `mapstructure:"pending_grace"`

	Log      logger.Config `mapstructure:"log"`
	History  History       `mapstructure:"history"`
	Serve    Serve         `mapstructure:"serve"`
	Messages Messages      `mapstructure:"messages"`
}

type History struct {
	DSN string `mapstructure:"dsn"` // empty disables history
}

type Serve struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
	Sweep    string `mapstructure:"sweep"` // "@every <duration>", empty disables
	TLS      TLS    `mapstructure:"tls"`
}

// TLS configures HTTPS for serve. Explicit cert/key files win over Dir;
// with AutoGenerate a self-signed pair is created in Dir when missing.
type TLS struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"` // "1.2" or "1.3" (default)
}

type Messages struct {
	Started string `mapstructure:"started"`
	Running string `mapstructure:"running"`
	Stopped string `mapstructure:"stopped"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"command":          "command",
	"lock-dir":         "lock_dir",
	"log-dir":          "log_dir",
	"graceful-timeout": "graceful_timeout",
	"log-file":         "log.file",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"history-dsn":      "history.dsn",
	"addr":             "serve.addr",
}

// Defaults returns the built-in settings.
func Defaults() Config {
	tmp := os.TempDir()
	return Config{
		Name:            "sessionwatch",
		Command:         "mgrep watch",
		LockDir:         tmp,
		LogDir:          tmp,
		GracefulTimeout: 3 * time.Second,
		PollInterval:    100 * time.Millisecond,
		KillSettle:      100 * time.Millisecond,
		PendingGrace:    5 * time.Second,
		Log: logger.Config{
			File:       filepath.Join(tmp, "sessionwatch.log"),
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  logger.DefaultMaxSizeMB,
			MaxBackups: logger.DefaultMaxBackups,
			MaxAgeDays: logger.DefaultMaxAgeDays,
		},
		Serve: Serve{Addr: "127.0.0.1:7788", BasePath: "/api", Sweep: "@every 1m"},
		Messages: Messages{
			Started: DefaultStartedMessage,
			Running: DefaultRunningMessage,
			Stopped: DefaultStoppedMessage,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("name", d.Name)
	v.SetDefault("command", d.Command)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("lock_dir", d.LockDir)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("graceful_timeout", d.GracefulTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("kill_settle", d.KillSettle)
	v.SetDefault("pending_grace", d.PendingGrace)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("history.dsn", "")
	v.SetDefault("serve.addr", d.Serve.Addr)
	v.SetDefault("serve.base_path", d.Serve.BasePath)
	v.SetDefault("serve.sweep", d.Serve.Sweep)
	v.SetDefault("serve.tls.enabled", false)
	v.SetDefault("serve.tls.cert_file", "")
	v.SetDefault("serve.tls.key_file", "")
	v.SetDefault("serve.tls.dir", "")
	v.SetDefault("serve.tls.auto_generate", false)
	v.SetDefault("serve.tls.min_version", "")
	v.SetDefault("messages.started", d.Messages.Started)
	v.SetDefault("messages.running", d.Messages.Running)
	v.SetDefault("messages.stopped", d.Messages.Stopped)
}

// Load builds the configuration. path may be empty; flags may be nil. Only
// flags the user actually set override lower layers.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(c.EnvFiles) > 0 {
		merged, err := mergeEnvFiles(c.EnvFiles, c.Env)
		if err != nil {
			return Config{}, err
		}
		c.Env = merged
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the supervisor cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" || strings.ContainsAny(c.Name, `/\`) {
		errs = append(errs, fmt.Errorf("name %q must be a non-empty file name prefix", c.Name))
	}
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("command must not be empty"))
	}
	if c.LockDir == "" {
		errs = append(errs, errors.New("lock_dir must not be empty"))
	}
	if c.LogDir == "" {
		errs = append(errs, errors.New("log_dir must not be empty"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"graceful_timeout", c.GracefulTimeout},
		{"poll_interval", c.PollInterval},
		{"kill_settle", c.KillSettle},
		{"pending_grace", c.PendingGrace},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.key, d.val))
		}
	}
	if c.PollInterval > c.GracefulTimeout {
		errs = append(errs, fmt.Errorf("poll_interval %v exceeds graceful_timeout %v", c.PollInterval, c.GracefulTimeout))
	}
	return errors.Join(errs...)
}

// mergeEnvFiles reads .env files in order; explicit env entries win.
func mergeEnvFiles(files, env []string) ([]string, error) {
	m := make(map[string]string)
	for _, p := range files {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = strings.TrimSpace(v)
			}
		}
	}
	return m, nil
}
