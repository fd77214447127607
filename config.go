package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Feed      FeedConfig
	Backoff   BackoffConfig
	Fallback  FallbackConfig
	Dashboard DashboardConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Kafka     KafkaConfig
	Alerts    AlertsConfig
	Log       LogConfig
	Locale    string
}

type FeedConfig struct {
	Candidates  []string
	Timeout     time.Duration
	Keepalive   time.Duration
	StartDelay  time.Duration
	LogCapacity int
}

type FallbackConfig struct {
	Enabled bool
	URL     string
	Count   int
	Timeout time.Duration
}

type DashboardConfig struct {
	Listen string
}

type ServerConfig struct {
	Listen     string
	MaxClients int
}

type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type AlertsConfig struct {
	TelegramEnabled bool
	TelegramChannel string
	TelegramToken   string
	AllowedUsers    []int64
}

type LogConfig struct {
	Level  string
	Format string
}

// SessionConfig projects the feed settings onto a Session.
func (c Config) SessionConfig() SessionConfig {
	return SessionConfig{
		Candidates:   c.Feed.Candidates,
		ProbeTimeout: c.Feed.Timeout,
		Keepalive:    c.Feed.Keepalive,
		StartDelay:   c.Feed.StartDelay,
		Backoff:      c.Backoff,
		LogCapacity:  c.Feed.LogCapacity,
		Locale:       c.Locale,
	}
}

// setDefaults registers the reference behavior.
func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.candidates", []string{
		"ws://127.0.0.1:8765",
		"ws://localhost:8765",
	})
	v.SetDefault("feed.timeout", DefaultProbeTimeout)
	v.SetDefault("feed.keepalive", 20*time.Second)
	v.SetDefault("feed.startDelay", DefaultStartDelay)
	v.SetDefault("feed.logCapacity", DefaultLogCapacity)

	def := DefaultBackoffConfig()
	v.SetDefault("backoff.base", def.Base)
	v.SetDefault("backoff.multiplier", def.Multiplier)
	v.SetDefault("backoff.max", def.Max)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.url", "http://127.0.0.1:8765/transactions")
	v.SetDefault("fallback.count", DefaultFallbackCount)
	v.SetDefault("fallback.timeout", DefaultFallbackTimeout)

	v.SetDefault("dashboard.listen", "localhost:8081")
	v.SetDefault("server.listen", "localhost:8765")
	v.SetDefault("server.maxClients", DefaultMaxFeedClients)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./txwatch.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "txwatch")
	v.SetDefault("database.user", "txwatch")

	v.SetDefault("kafka.groupId", "txwatch-feed")

	v.SetDefault("alerts.telegram.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("ui.locale", "en")
}

// NewViper builds the configuration source: .env, then config.yaml in the
// working directory (optional), then TXWATCH_* environment variables.
func NewViper(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// LoadConfig decodes and validates v.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Feed: FeedConfig{
			Candidates:  splitList(v.GetStringSlice("feed.candidates")),
			Timeout:     v.GetDuration("feed.timeout"),
			Keepalive:   v.GetDuration("feed.keepalive"),
			StartDelay:  v.GetDuration("feed.startDelay"),
			LogCapacity: v.GetInt("feed.logCapacity"),
		},
		Backoff: BackoffConfig{
			Base:       v.GetDuration("backoff.base"),
			Multiplier: v.GetFloat64("backoff.multiplier"),
			Max:        v.GetDuration("backoff.max"),
		},
		Fallback: FallbackConfig{
			Enabled: v.GetBool("fallback.enabled"),
			URL:     v.GetString("fallback.url"),
			Count:   v.GetInt("fallback.count"),
			Timeout: v.GetDuration("fallback.timeout"),
		},
		Dashboard: DashboardConfig{
			Listen: v.GetString("dashboard.listen"),
		},
		Server: ServerConfig{
			Listen:     v.GetString("server.listen"),
			MaxClients: v.GetInt("server.maxClients"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			Path:   v.GetString("database.path"),
			Host:   v.GetString("database.host"),
			Port:   v.GetInt("database.port"),
			Name:   v.GetString("database.name"),
			User:   v.GetString("database.user"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.groupId"),
		},
		Alerts: AlertsConfig{
			TelegramEnabled: v.GetBool("alerts.telegram.enabled"),
			TelegramChannel: v.GetString("alerts.telegram.channel"),
			TelegramToken:   os.Getenv("TELEGRAM_TOKEN"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Locale: v.GetString("ui.locale"),
	}

	for _, id := range v.GetIntSlice("alerts.telegram.allowedUsers") {
		cfg.Alerts.AllowedUsers = append(cfg.Alerts.AllowedUsers, int64(id))
	}

	cfg.Database.Password = os.Getenv("TXWATCH_DB_PASSWORD")
	if cfg.Database.Password == "" {
		cfg.Database.Password = v.GetString("database.password")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the client cannot run without.
func (c Config) Validate() error {
	if len(c.Feed.Candidates) == 0 {
		return errors.New("feed.candidates must list at least one endpoint")
	}
	for _, raw := range c.Feed.Candidates {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("feed.candidates: %q: %w", raw, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("feed.candidates: %q must use ws:// or wss://", raw)
		}
	}
	if c.Feed.Timeout <= 0 {
		return errors.New("feed.timeout must be positive")
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("backoff: need 0 < base <= max, got base=%s max=%s", c.Backoff.Base, c.Backoff.Max)
	}
	if c.Fallback.Enabled {
		if _, err := url.Parse(c.Fallback.URL); err != nil || c.Fallback.URL == "" {
			return fmt.Errorf("fallback.url: invalid %q", c.Fallback.URL)
		}
	}
	if c.Alerts.TelegramEnabled {
		if _, err := strconv.ParseInt(c.Alerts.TelegramChannel, 10, 64); err != nil {
			return fmt.Errorf("alerts.telegram.channel must be a numeric chat id, got %q", c.Alerts.TelegramChannel)
		}
		if c.Alerts.TelegramToken == "" {
			return errors.New("TELEGRAM_TOKEN is required when telegram alerts are enabled")
		}
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
