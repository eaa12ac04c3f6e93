// Package config loads process settings from defaults, an optional config
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hand-relay/internal/store"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port      string `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Relay
	HubURL      string `mapstructure:"hub_url"`
	TokenURL    string `mapstructure:"token_url"`
	StoreDriver string `mapstructure:"store_driver"`
	StorePrefix string `mapstructure:"store_prefix"`
	PebbleDir   string `mapstructure:"pebble_dir"`
	RedisURL    string `mapstructure:"redis_url"`
	PlayerID    string `mapstructure:"player_id"`
	PlayerName  string `mapstructure:"player_name"`

	// Producer
	RelayURL    string `mapstructure:"relay_url"`
	ChannelName string `mapstructure:"channel_name"`

	// Development hub
	HubPort     string        `mapstructure:"hub_port"`
	HubRedisURL string        `mapstructure:"hub_redis_url"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	DeniedRooms []string      `mapstructure:"denied_rooms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("hub_url", "ws://localhost:8090/ws")
	v.SetDefault("token_url", "http://localhost:8090/token")
	v.SetDefault("store_driver", store.DriverPebble)
	v.SetDefault("store_prefix", "handrelay")
	v.SetDefault("pebble_dir", "./data")
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("player_id", "")
	v.SetDefault("player_name", "")

	v.SetDefault("relay_url", "ws://127.0.0.1:8080/channel")
	v.SetDefault("channel_name", "poker-hand-relay")

	v.SetDefault("hub_port", "8090")
	v.SetDefault("hub_redis_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", 10*time.Minute)
	v.SetDefault("denied_rooms", []string{})
}

// Load reads path when non-empty, then overlays environment variables named
// after the upper-cased keys (PORT, HUB_URL, STORE_DRIVER, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the relay and producer depend on.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case store.DriverMemory:
	case store.DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: redis_url required for redis store", ErrInvalid)
		}
	case store.DriverPebble:
		if c.PebbleDir == "" {
			return fmt.Errorf("%w: pebble_dir required for pebble store", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalid, store.ErrUnknownDriver, c.StoreDriver)
	}

	for name, raw := range map[string]string{
		"hub_url":   c.HubURL,
		"token_url": c.TokenURL,
		"relay_url": c.RelayURL,
	} {
		if err := checkURL(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}

	if c.Port == "" {
		return fmt.Errorf("%w: port is empty", ErrInvalid)
	}
	return nil
}

func checkURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not absolute", raw)
	}
	return nil
}

// StoreOptions maps the store settings onto store.Options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:    c.StoreDriver,
		RedisURL:  c.RedisURL,
		KeyPrefix: c.StorePrefix,
		PebbleDir: c.PebbleDir,
	}
}
