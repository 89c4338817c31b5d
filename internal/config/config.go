// Package config loads the scheduler configuration with viper. Values come
// from built-in defaults, an optional YAML file and BLESCHED_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bluetooth-sched/internal/device"
	"bluetooth-sched/internal/loop"
	"bluetooth-sched/internal/native"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/task"
)

// EnvPrefix prefixes every environment override, e.g. BLESCHED_LOGGING_LEVEL.
const EnvPrefix = "BLESCHED"

// Config is the complete configuration.
type Config struct {
	Loop      LoopConfig      `mapstructure:"loop"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	RSSI      RSSIConfig      `mapstructure:"rssi"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	BlueZ     BlueZConfig     `mapstructure:"bluez"`
}

// LoopConfig controls the update loop's tick rate.
type LoopConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	// IdleInterval is used once every manager has been idle for IdleDelay.
	IdleInterval time.Duration `mapstructure:"idle_interval" validate:"gtefield=TickInterval"`
	IdleDelay    time.Duration `mapstructure:"idle_delay" validate:"gte=0"`
}

// TasksConfig controls task scheduling per operation kind.
type TasksConfig struct {
	// DefaultTimeout applies to kinds whose built-in timeout is the default.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gte=0"`
	// Kinds overrides the profile of individual kinds, keyed by kind name
	// (connect, read, read_rssi, ...).
	Kinds map[string]TaskProfile `mapstructure:"kinds" validate:"dive"`
	// TransactionTimeout bounds each authentication or initialization
	// transaction. Zero means no bound.
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout" validate:"gte=0"`
}

// TaskProfile overrides part of a kind's profile. Unset fields keep the
// built-in value.
type TaskProfile struct {
	Priority      string         `mapstructure:"priority" validate:"omitempty,oneof=trivial low medium high critical"`
	Interruptible *bool          `mapstructure:"interruptible"`
	Timeout       *time.Duration `mapstructure:"timeout" validate:"omitempty,gte=0"`
}

// RetryConfig configures the default connection retry policy.
type RetryConfig struct {
	RetryCount               int    `mapstructure:"retry_count" validate:"gte=0"`
	FailCountBeforeAlternate int    `mapstructure:"fail_count_before_alternate" validate:"gte=1"`
	MaxHistory               int    `mapstructure:"max_history" validate:"gte=1,lte=1024"`
	PrimaryMode              string `mapstructure:"primary_mode" validate:"oneof=direct auto"`
	// AlternateMode "none" disables switching modes on retry.
	AlternateMode string `mapstructure:"alternate_mode" validate:"oneof=direct auto none"`
}

// ReconnectConfig configures the long-term reconnect after a lost link.
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"required_if=Enabled true,gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gte=0"`
	MaxAttempts uint64        `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// RSSIConfig configures signal strength polling. Zero disables it.
type RSSIConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// BlueZConfig configures the BlueZ radio.
type BlueZConfig struct {
	// Adapter is the adapter name (hci0). Empty selects the first adapter.
	Adapter     string `mapstructure:"adapter" validate:"omitempty,startswith=hci"`
	EventBuffer int    `mapstructure:"event_buffer" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			TickInterval: loop.DefaultInterval,
			IdleInterval: loop.DefaultIdleInterval,
			IdleDelay:    loop.DefaultIdleDelay,
		},
		Tasks: TasksConfig{
			DefaultTimeout:     task.DefaultTimeout,
			TransactionTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			RetryCount:               retry.DefaultRetryCount,
			FailCountBeforeAlternate: retry.DefaultFailCountBeforeAlternate,
			MaxHistory:               retry.DefaultMaxHistory,
			PrimaryMode:              "direct",
			AlternateMode:            "auto",
		},
		Reconnect: ReconnectConfig{
			Enabled:     false,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: 0,
			Timeout:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		BlueZ: BlueZConfig{
			EventBuffer: 64,
		},
	}
}

// SetDefaults registers the built-in values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("loop.tick_interval", defaults.Loop.TickInterval)
	v.SetDefault("loop.idle_interval", defaults.Loop.IdleInterval)
	v.SetDefault("loop.idle_delay", defaults.Loop.IdleDelay)

	v.SetDefault("tasks.default_timeout", defaults.Tasks.DefaultTimeout)
	v.SetDefault("tasks.transaction_timeout", defaults.Tasks.TransactionTimeout)

	v.SetDefault("retry.retry_count", defaults.Retry.RetryCount)
	v.SetDefault("retry.fail_count_before_alternate", defaults.Retry.FailCountBeforeAlternate)
	v.SetDefault("retry.max_history", defaults.Retry.MaxHistory)
	v.SetDefault("retry.primary_mode", defaults.Retry.PrimaryMode)
	v.SetDefault("retry.alternate_mode", defaults.Retry.AlternateMode)

	v.SetDefault("reconnect.enabled", defaults.Reconnect.Enabled)
	v.SetDefault("reconnect.base_delay", defaults.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_delay", defaults.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_attempts", defaults.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.timeout", defaults.Reconnect.Timeout)

	v.SetDefault("rssi.poll_interval", defaults.RSSI.PollInterval)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetDefault("bluez.adapter", defaults.BlueZ.Adapter)
	v.SetDefault("bluez.event_buffer", defaults.BlueZ.EventBuffer)
}

// New returns a viper instance with the defaults registered and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Profiles returns the task profiles with the configured overrides applied.
func (c *Config) Profiles() (task.Profiles, error) {
	ps := task.DefaultProfiles()
	for kind, p := range ps {
		if p.Timeout == task.DefaultTimeout {
			p.Timeout = c.Tasks.DefaultTimeout
			ps[kind] = p
		}
	}
	var errs []error
	for name, o := range c.Tasks.Kinds {
		kind, err := task.ParseKind(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p := ps[kind]
		if o.Priority != "" {
			prio, err := task.ParsePriority(o.Priority)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.Priority = prio
		}
		if o.Interruptible != nil {
			p.Interruptible = *o.Interruptible
		}
		if o.Timeout != nil {
			p.Timeout = *o.Timeout
		}
		ps[kind] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ps, nil
}

func parseMode(s string) (native.ConnectMode, bool) {
	switch s {
	case "direct":
		return native.ConnectDirect, true
	case "auto":
		return native.ConnectAuto, true
	default:
		return native.ConnectDirect, false
	}
}

// Policy returns the default retry policy built from the retry section.
func (c *Config) Policy() *retry.DefaultPolicy {
	primary, _ := parseMode(c.Retry.PrimaryMode)
	p := &retry.DefaultPolicy{
		RetryCount:               c.Retry.RetryCount,
		FailCountBeforeAlternate: c.Retry.FailCountBeforeAlternate,
		Primary:                  primary,
	}
	if alt, ok := parseMode(c.Retry.AlternateMode); ok {
		p.Alternate = alt
	}
	return p
}

// Device returns the per-device configuration.
func (c *Config) Device(logger *slog.Logger) (device.Config, error) {
	profiles, err := c.Profiles()
	if err != nil {
		return device.Config{}, err
	}
	mode, _ := parseMode(c.Retry.PrimaryMode)
	return device.Config{
		Profiles:   profiles,
		Policy:     c.Policy(),
		MaxHistory: c.Retry.MaxHistory,
		Mode:       mode,
		Reconnect: device.ReconnectConfig{
			Enabled:     c.Reconnect.Enabled,
			BaseDelay:   c.Reconnect.BaseDelay,
			MaxDelay:    c.Reconnect.MaxDelay,
			MaxAttempts: c.Reconnect.MaxAttempts,
			Timeout:     c.Reconnect.Timeout,
		},
		TransactionTimeout: c.Tasks.TransactionTimeout,
		Logger:             logger,
	}, nil
}

// LoopOptions returns the update loop options.
func (c *Config) LoopOptions(logger *slog.Logger) []loop.Option {
	return []loop.Option{
		loop.WithInterval(c.Loop.TickInterval),
		loop.WithIdleInterval(c.Loop.IdleInterval),
		loop.WithIdleDelay(c.Loop.IdleDelay),
		loop.WithLogger(logger),
	}
}
