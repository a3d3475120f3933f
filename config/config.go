// Package config loads gobuild-monitor settings from an optional YAML file.
//
// Values missing from the file keep their defaults. Connection settings can
// then be overridden from the environment, which wins over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportWebsocket = "websocket"
	TransportKafka     = "kafka"
)

type Config struct {
	// APIURL is the build service base URL.
	APIURL string `yaml:"api_url"`
	// WSURL is the event channel endpoint.
	WSURL string `yaml:"ws_url"`
	Token string `yaml:"token"`
	// Transport selects the event channel: websocket or kafka.
	Transport string `yaml:"transport"`

	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Polling       PollingConfig       `yaml:"polling"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Log           LogConfig           `yaml:"log"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type NotificationsConfig struct {
	StoreID  string        `yaml:"store_id"`
	Window   time.Duration `yaml:"dedup_window"`
	Capacity int           `yaml:"capacity"`
	// RedisAddr enables the redis repository. Empty keeps notifications in
	// memory only.
	RedisAddr string `yaml:"redis_addr"`
	// Listen is the notification center HTTP address. Empty disables it.
	Listen string `yaml:"listen"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	GroupID string `yaml:"group_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives log output. The terminal UI owns stderr, so logs go
	// here while it runs.
	File string `yaml:"file"`
}

func Default() Config {
	return Config{
		APIURL:    "http://localhost:8080",
		WSURL:     "ws://localhost:8080/ws",
		Transport: TransportWebsocket,
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Polling: PollingConfig{Interval: 5 * time.Second},
		Notifications: NotificationsConfig{
			StoreID:  "gobuild-notifications",
			Window:   5 * time.Second,
			Capacity: 50,
		},
		Kafka: KafkaConfig{
			Brokers: "localhost:9092",
			GroupID: "gobuild-monitor",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func (c *Config) applyEnv() {
	c.APIURL = getEnv("GOBUILD_API_URL", c.APIURL)
	c.WSURL = getEnv("GOBUILD_WS_URL", c.WSURL)
	c.Token = getEnv("GOBUILD_TOKEN", c.Token)
	c.Notifications.RedisAddr = getEnv("GOBUILD_REDIS_ADDR", c.Notifications.RedisAddr)
	c.Kafka.Brokers = getEnv("GOBUILD_KAFKA_BROKERS", c.Kafka.Brokers)
}

func (c Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required"))
	}
	switch c.Transport {
	case TransportWebsocket:
		if c.WSURL == "" {
			errs = append(errs, errors.New("ws_url is required for the websocket transport"))
		}
	case TransportKafka:
		if c.Kafka.Brokers == "" {
			errs = append(errs, errors.New("kafka.brokers is required for the kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect.max_delay must be at least reconnect.base_delay"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Notifications.StoreID == "" {
		errs = append(errs, errors.New("notifications.store_id is required"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
