// Package config loads sleepsync settings from a TOML file, a .env file and
// SLEEPSYNC_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/retry"
)

// Roles.
const (
	RoleHost      = "host"
	RoleCompanion = "companion"
)

// Transport kinds.
const (
	TransportNone      = "none"
	TransportLoopback  = "loopback"
	TransportWebSocket = "websocket"
	TransportFileDrop  = "filedrop"
	TransportNATS      = "nats"
)

// EnvPrefix prefixes every environment override, e.g. SLEEPSYNC_DB_PATH.
const EnvPrefix = "SLEEPSYNC"

// FileName is the config file looked up when no path is given.
const FileName = "sleepsync.toml"

// Config is the full process configuration.
type Config struct {
	Role       string           `mapstructure:"role" toml:"role" validate:"oneof=host companion"`
	OwnerID    string           `mapstructure:"owner_id" toml:"owner_id" validate:"required"`
	DB         DBConfig         `mapstructure:"db" toml:"db"`
	Transport  TransportConfig  `mapstructure:"transport" toml:"transport"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
	Adaptation AdaptationConfig `mapstructure:"adaptation" toml:"adaptation"`
	Daemon     DaemonConfig     `mapstructure:"daemon" toml:"daemon"`
	Retry      RetryConfig      `mapstructure:"retry" toml:"retry"`
}

// DBConfig locates the store. An empty path means sleepsync-<role>.db in
// the working directory.
type DBConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// TransportConfig selects and configures the peer link.
type TransportConfig struct {
	Kind       string `mapstructure:"kind" toml:"kind" validate:"oneof=none loopback websocket filedrop nats"`
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
	PeerURL    string `mapstructure:"peer_url" toml:"peer_url"`
	DropDir    string `mapstructure:"drop_dir" toml:"drop_dir"`
	NATSURL    string `mapstructure:"nats_url" toml:"nats_url"`
	NATSBucket string `mapstructure:"nats_bucket" toml:"nats_bucket"`
}

// LogConfig configures logging.New.
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"`
	File  string `mapstructure:"file" toml:"file"`
	JSON  bool   `mapstructure:"json" toml:"json"`
}

// AdaptationConfig holds the adaptation policy knobs.
type AdaptationConfig struct {
	ReactivationPolicy string        `mapstructure:"reactivation_policy" toml:"reactivation_policy" validate:"oneof=always start-over"`
	UndoWindow         time.Duration `mapstructure:"undo_window" toml:"undo_window" validate:"gt=0"`
}

// DaemonConfig sets the periodic job intervals of `sleepsync run`.
type DaemonConfig struct {
	ConsistencyInterval  time.Duration `mapstructure:"consistency_interval" toml:"consistency_interval" validate:"gt=0"`
	FlushInterval        time.Duration `mapstructure:"flush_interval" toml:"flush_interval" validate:"gt=0"`
	PhaseRefreshInterval time.Duration `mapstructure:"phase_refresh_interval" toml:"phase_refresh_interval" validate:"gt=0"`
	// ProcessedRetention is how long processed message ids are kept
	ProcessedRetention time.Duration `mapstructure:"processed_retention" toml:"processed_retention" validate:"gt=0"`
}

// RetryConfig is the redelivery backoff for pending changes.
type RetryConfig struct {
	Mode        string        `mapstructure:"mode" toml:"mode" validate:"oneof=fixed linear exponential"`
	Initial     time.Duration `mapstructure:"initial" toml:"initial"`
	Max         time.Duration `mapstructure:"max" toml:"max"`
	MaxAttempts int           `mapstructure:"max_attempts" toml:"max_attempts" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := retry.DefaultPolicy()
	return &Config{
		Role:    RoleHost,
		OwnerID: "local",
		Transport: TransportConfig{
			Kind:       TransportNone,
			ListenAddr: "127.0.0.1:8787",
			PeerURL:    "ws://127.0.0.1:8787/ws",
			NATSURL:    "nats://127.0.0.1:4222",
			NATSBucket: "sleepsync-context",
		},
		Log: LogConfig{Level: "info"},
		Adaptation: AdaptationConfig{
			ReactivationPolicy: string(repository.ResetAlways),
			UndoWindow:         10 * time.Minute,
		},
		Daemon: DaemonConfig{
			ConsistencyInterval:  6 * time.Hour,
			FlushInterval:        30 * time.Second,
			PhaseRefreshInterval: time.Hour,
			ProcessedRetention:   30 * 24 * time.Hour,
		},
		Retry: RetryConfig{
			Mode:        string(p.Mode),
			Initial:     p.Initial,
			Max:         p.Max,
			MaxAttempts: p.MaxAttempts,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("role", d.Role)
	v.SetDefault("owner_id", d.OwnerID)
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.listen_addr", d.Transport.ListenAddr)
	v.SetDefault("transport.peer_url", d.Transport.PeerURL)
	v.SetDefault("transport.drop_dir", d.Transport.DropDir)
	v.SetDefault("transport.nats_url", d.Transport.NATSURL)
	v.SetDefault("transport.nats_bucket", d.Transport.NATSBucket)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("adaptation.reactivation_policy", d.Adaptation.ReactivationPolicy)
	v.SetDefault("adaptation.undo_window", d.Adaptation.UndoWindow)
	v.SetDefault("daemon.consistency_interval", d.Daemon.ConsistencyInterval)
	v.SetDefault("daemon.flush_interval", d.Daemon.FlushInterval)
	v.SetDefault("daemon.phase_refresh_interval", d.Daemon.PhaseRefreshInterval)
	v.SetDefault("daemon.processed_retention", d.Daemon.ProcessedRetention)
	v.SetDefault("retry.mode", d.Retry.Mode)
	v.SetDefault("retry.initial", d.Retry.Initial)
	v.SetDefault("retry.max", d.Retry.Max)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
}

// Load reads the configuration. With an empty path it looks for
// sleepsync.toml in the working directory and the user config directory,
// and a missing file is not an error. A .env file in the working directory
// is loaded first; it never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "sleepsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field values and the role/transport combination, and
// fills in the derived database path.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	t := c.Transport
	switch t.Kind {
	case TransportWebSocket:
		if c.Role == RoleHost && t.ListenAddr == "" {
			return errors.New("invalid config: websocket host needs transport.listen_addr")
		}
		if c.Role == RoleCompanion && t.PeerURL == "" {
			return errors.New("invalid config: websocket companion needs transport.peer_url")
		}
	case TransportFileDrop:
		if t.DropDir == "" {
			return errors.New("invalid config: filedrop needs transport.drop_dir")
		}
	case TransportNATS:
		if t.NATSURL == "" {
			return errors.New("invalid config: nats needs transport.nats_url")
		}
	case TransportLoopback:
		if c.Role != RoleHost {
			return errors.New("invalid config: loopback simulates the companion and runs as host only")
		}
	}

	if c.DB.Path == "" {
		c.DB.Path = "sleepsync-" + c.Role + ".db"
	}
	return nil
}

// Peer returns the name of the other side.
func (c *Config) Peer() string {
	if c.Role == RoleHost {
		return RoleCompanion
	}
	return RoleHost
}

// RetryPolicy builds the redelivery policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.NewPolicy(retry.ParseMode(c.Retry.Mode), c.Retry.Initial, c.Retry.Max, c.Retry.MaxAttempts)
}

// ReactivationPolicy returns the adaptation reset policy.
func (c *Config) ReactivationPolicy() repository.ReactivationPolicy {
	return repository.ReactivationPolicy(c.Adaptation.ReactivationPolicy)
}

// LoggingOptions maps the log section to logging.Options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, File: c.Log.File, JSON: c.Log.JSON}
}

// WriteFile writes cfg as TOML to path. An existing file is only replaced
// when force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
