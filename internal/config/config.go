package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const ConfigPath = "config.yaml"

const (
	TransportMock     = "mock"
	TransportPostgres = "postgres"
)

// Config represents configuration loaded from YAML.
type Config struct {
	Addr      string `yaml:"addr"`
	Transport string `yaml:"transport"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	ChannelPrefix string `yaml:"channelPrefix"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`

	InitialPage        int `yaml:"initialPage"`
	OlderPage          int `yaml:"olderPage"`
	RefreshConcurrency int `yaml:"refreshConcurrency"`

	Mock MockConfig `yaml:"mock"`
}

// MockConfig tunes the simulated transport and price API.
type MockConfig struct {
	SendFailureRate  float64 `yaml:"sendFailureRate"`
	FeedMinSeconds   int     `yaml:"feedMinSeconds"`
	FeedMaxSeconds   int     `yaml:"feedMaxSeconds"`
	PriceFailureOdds int     `yaml:"priceFailureOdds"`
}

func Default() Config {
	return Config{
		Addr:               ":8080",
		Transport:          TransportMock,
		ChannelPrefix:      "chat:",
		LogLevel:           "info",
		InitialPage:        30,
		OlderPage:          20,
		RefreshConcurrency: 8,
		Mock: MockConfig{
			FeedMinSeconds:   2,
			FeedMaxSeconds:   5,
			PriceFailureOdds: 30,
		},
	}
}

// Load reads config from path on top of the defaults. A missing file is not
// an error; environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SNAGIT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SNAGIT_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SNAGIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SNAGIT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("SNAGIT_REFRESH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SNAGIT_REFRESH_CONCURRENCY: %w", err)
		}
		cfg.RefreshConcurrency = n
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return errors.New("config: addr is required")
	}
	switch cfg.Transport {
	case TransportMock:
	case TransportPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres transport (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", cfg.Transport)
	}
	if cfg.InitialPage <= 0 || cfg.OlderPage <= 0 {
		return errors.New("config: page sizes must be positive")
	}
	if cfg.Mock.SendFailureRate < 0 || cfg.Mock.SendFailureRate > 1 {
		return errors.New("config: mock.sendFailureRate must be between 0 and 1")
	}
	if cfg.Mock.FeedMaxSeconds < cfg.Mock.FeedMinSeconds {
		return errors.New("config: mock.feedMaxSeconds must not be below feedMinSeconds")
	}
	return nil
}
