package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full application configuration
type Config struct {
	LogMode string       `mapstructure:"log_mode"`
	UserID  string       `mapstructure:"user_id"`
	Store   StoreConfig  `mapstructure:"store"`
	SRS     SRSConfig    `mapstructure:"srs"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Remote  RemoteConfig `mapstructure:"remote"`
	Notify  NotifyConfig `mapstructure:"notify"`
}

type StoreConfig struct {
	// Path of the sqlite file; empty means in-memory
	Path           string        `mapstructure:"path"`
	MemoryFallback bool          `mapstructure:"memory_fallback"`
	BlockedTimeout time.Duration `mapstructure:"blocked_timeout"`
	IORetries      int           `mapstructure:"io_retries"`
	IOBackoff      time.Duration `mapstructure:"io_backoff"`
	UpgradeBackoff time.Duration `mapstructure:"upgrade_backoff"`
}

type SRSConfig struct {
	// LearnedLevel is the mastery level from which an item counts as learned
	LearnedLevel int `mapstructure:"learned_level"`
	// IntervalDays is indexed by mastery level
	IntervalDays []int `mapstructure:"interval_days"`
}

type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	PushRate        float64       `mapstructure:"push_rate"`
	PushConcurrency int           `mapstructure:"push_concurrency"`
}

type RemoteConfig struct {
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
	StartHour      int    `mapstructure:"start_hour"`
	EndHour        int    `mapstructure:"end_hour"`
	DailyLimit     int    `mapstructure:"daily_limit"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_mode", "dev")
	v.SetDefault("user_id", "")

	v.SetDefault("store.path", "data/progress.db")
	v.SetDefault("store.memory_fallback", true)
	v.SetDefault("store.blocked_timeout", 5*time.Second)
	v.SetDefault("store.io_retries", 3)
	v.SetDefault("store.io_backoff", 25*time.Millisecond)
	v.SetDefault("store.upgrade_backoff", 200*time.Millisecond)

	v.SetDefault("srs.learned_level", 3)
	v.SetDefault("srs.interval_days", []int{0, 1, 3, 7, 14, 30})

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.backoff_base", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.push_rate", 20.0)
	v.SetDefault("sync.push_concurrency", 4)

	v.SetDefault("remote.postgres_dsn", "")
	v.SetDefault("remote.redis_addr", "")
	v.SetDefault("remote.channel_prefix", "progress")

	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", 0)
	v.SetDefault("notify.start_hour", 8)
	v.SetDefault("notify.end_hour", 22)
	v.SetDefault("notify.daily_limit", 20)
}

// Load reads .env, an optional config.yaml and PROGRESS_* environment
// variables. flags, when non-nil, override everything else.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("data")
	}

	v.SetEnvPrefix("PROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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

// Validate checks ranges and fills in zero values
func (c *Config) Validate() error {
	if c.SRS.LearnedLevel < 0 || c.SRS.LearnedLevel > 5 {
		return fmt.Errorf("config: srs.learned_level must be within 0..5, got %d", c.SRS.LearnedLevel)
	}
	if n := len(c.SRS.IntervalDays); n != 0 && n != 6 {
		return fmt.Errorf("config: srs.interval_days needs one entry per mastery level (6), got %d", n)
	}
	for i := 1; i < len(c.SRS.IntervalDays); i++ {
		if c.SRS.IntervalDays[i] < c.SRS.IntervalDays[i-1] {
			return fmt.Errorf("config: srs.interval_days must not decrease")
		}
	}
	if c.Notify.StartHour < 0 || c.Notify.StartHour > 23 || c.Notify.EndHour < 0 || c.Notify.EndHour > 23 {
		return fmt.Errorf("config: notify hours must be within 0..23")
	}
	if c.Store.IORetries < 0 {
		return fmt.Errorf("config: store.io_retries must not be negative")
	}
	if c.Sync.PushConcurrency < 1 {
		c.Sync.PushConcurrency = 1
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = time.Second
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		c.Sync.BackoffMax = c.Sync.BackoffBase
	}
	return nil
}

// Intervals converts the configured day table into durations
func (c SRSConfig) Intervals() []time.Duration {
	out := make([]time.Duration, 0, len(c.IntervalDays))
	for _, d := range c.IntervalDays {
		out = append(out, time.Duration(d)*24*time.Hour)
	}
	return out
}
