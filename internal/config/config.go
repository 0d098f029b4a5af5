// Package config loads profileblock settings from an optional config file,
// PROFILEBLOCK_* environment variables and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "PROFILEBLOCK"

type Config struct {
	Addr           string `mapstructure:"addr"`
	StoreDSN       string `mapstructure:"store_dsn"`
	BackendProfile string `mapstructure:"backend_profile"`
	DataDir        string `mapstructure:"data_dir"`
	ProductionDSN  string `mapstructure:"production_dsn"`

	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	SiteHost        string        `mapstructure:"site_host"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	RecheckDelay time.Duration `mapstructure:"recheck_delay"`

	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

var defaults = map[string]any{
	"addr":              ":8080",
	"store_dsn":         "",
	"backend_profile":   "durable-local",
	"data_dir":          ".profileblock",
	"production_dsn":    "",
	"jwt_secret":        "",
	"rate_limit_max":    0,
	"rate_limit_window": time.Minute,
	"max_body_bytes":    int64(1 << 20),
	"site_host":         "instagram.com",
	"log_level":         "info",
	"log_format":        "json",
	"poll_interval":     time.Second,
	"settle_delay":      1500 * time.Millisecond,
	"recheck_delay":     time.Second,
	"base_url":          "http://127.0.0.1:8080",
	"token":             "",
}

// Load reads configuration. An explicit path must exist; without one a
// profileblock.{yaml,json,toml} in the working directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("profileblock")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.BackendProfile)) {
	case "", "custom", "memory", "inmemory", "durable-local", "local-durable", "production", "prod":
	default:
		return fmt.Errorf("config: unsupported backend_profile %q", c.BackendProfile)
	}
	if c.RateLimitMax < 0 {
		return fmt.Errorf("config: rate_limit_max must be >= 0")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: max_body_bytes must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be > 0")
	}
	if c.SettleDelay < 0 || c.RecheckDelay < 0 {
		return fmt.Errorf("config: settle_delay and recheck_delay must be >= 0")
	}
	if strings.TrimSpace(c.SiteHost) == "" {
		return fmt.Errorf("config: site_host is required")
	}
	return nil
}

// LoadDotEnv loads the given env files (".env" when none are given) without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}
