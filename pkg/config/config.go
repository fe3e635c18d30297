// Package config provides YAML-based configuration loading for distq.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName is a logical name for the hosting process, used only in logs.
    AppName string `mapstructure:"app_name"`

    // NodeName identifies this process in monitor/heartbeat bookkeeping.
    NodeName string `mapstructure:"node_name"`

    // Log holds logging configuration.
    Log LogConfig `mapstructure:"log"`

    // Scheduler holds dispatcher/sweeper tuning knobs.
    Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig holds the dispatcher/sweeper tuning knobs, made
// overridable rather than purely hard-coded.
type SchedulerConfig struct {
    // PoolSize is the worker pool size; effective capacity is
    // max(1, PoolSize-1), clamped to 10.
    PoolSize int `mapstructure:"pool_size"`

    // PollIntervalMS is the dispatcher's poll interval. Default 10000.
    PollIntervalMS int `mapstructure:"poll_interval_ms"`

    // MaxTasksInInterval bounds how many tasks may be claimed per
    // PollIntervalMS. Default 10.
    MaxTasksInInterval int `mapstructure:"max_tasks_in_interval"`

    // CleanupIntervals is how many dispatcher ticks elapse between deep
    // lock-cleanup sweeps. Default 30.
    CleanupIntervals int `mapstructure:"cleanup_intervals"`

    // MaxLockBackoffMS bounds the random retry backoff in lock
    // acquire/unblock. Default 500.
    MaxLockBackoffMS int `mapstructure:"max_lock_backoff_ms"`

    // NoHandlerSleepMS is how long a task with no registered handler is
    // parked before retry. Default 60000.
    NoHandlerSleepMS int `mapstructure:"no_handler_sleep_ms"`

    // ShutdownTimeoutsMS is the escalating force-cancel timeout sequence
    // used when stopping the task queue monitor. Default 60s,30s,15s.
    ShutdownTimeoutsMS []int `mapstructure:"shutdown_timeouts_ms"`
}

func (s SchedulerConfig) PollInterval() time.Duration {
    return time.Duration(s.PollIntervalMS) * time.Millisecond
}

func (s SchedulerConfig) MaxLockBackoff() time.Duration {
    return time.Duration(s.MaxLockBackoffMS) * time.Millisecond
}

func (s SchedulerConfig) NoHandlerSleep() time.Duration {
    return time.Duration(s.NoHandlerSleepMS) * time.Millisecond
}

func (s SchedulerConfig) ShutdownTimeouts() []time.Duration {
    out := make([]time.Duration, len(s.ShutdownTimeoutsMS))
    for i, ms := range s.ShutdownTimeoutsMS {
        out[i] = time.Duration(ms) * time.Millisecond
    }
    return out
}

// Capacity returns the effective worker pool capacity: max(1, PoolSize-1),
// clamped to 10.
func (s SchedulerConfig) Capacity() int {
    c := s.PoolSize - 1
    if c < 1 {
        c = 1
    }
    if c > 10 {
        c = 10
    }
    return c
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName:  "distq",
        NodeName: "node-1",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/distq.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Scheduler: SchedulerConfig{
            PoolSize:           5,
            PollIntervalMS:     10000,
            MaxTasksInInterval: 10,
            CleanupIntervals:   30,
            MaxLockBackoffMS:   500,
            NoHandlerSleepMS:   60000,
            ShutdownTimeoutsMS: []int{60000, 30000, 15000},
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix DISTQ and `.`/`-` are replaced with `_`.
// Example: DISTQ_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("DISTQ")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("node_name", cfg.NodeName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("scheduler.pool_size", cfg.Scheduler.PoolSize)
    v.SetDefault("scheduler.poll_interval_ms", cfg.Scheduler.PollIntervalMS)
    v.SetDefault("scheduler.max_tasks_in_interval", cfg.Scheduler.MaxTasksInInterval)
    v.SetDefault("scheduler.cleanup_intervals", cfg.Scheduler.CleanupIntervals)
    v.SetDefault("scheduler.max_lock_backoff_ms", cfg.Scheduler.MaxLockBackoffMS)
    v.SetDefault("scheduler.no_handler_sleep_ms", cfg.Scheduler.NoHandlerSleepMS)
    v.SetDefault("scheduler.shutdown_timeouts_ms", cfg.Scheduler.ShutdownTimeoutsMS)

    if path == "" {
        if envPath := os.Getenv("DISTQ_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("distq")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".distq"))
        }
    }

    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.NodeName) == "" {
        c.NodeName = "node-1"
    }
    if c.Scheduler.PollIntervalMS <= 0 {
        return fmt.Errorf("scheduler.poll_interval_ms must be positive")
    }
    if c.Scheduler.MaxTasksInInterval <= 0 {
        return fmt.Errorf("scheduler.max_tasks_in_interval must be positive")
    }
    if c.Scheduler.CleanupIntervals <= 0 {
        return fmt.Errorf("scheduler.cleanup_intervals must be positive")
    }
    if len(c.Scheduler.ShutdownTimeoutsMS) == 0 {
        c.Scheduler.ShutdownTimeoutsMS = []int{60000, 30000, 15000}
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
