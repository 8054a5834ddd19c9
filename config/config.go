package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Smartfeed     SmartfeedConfig     `yaml:"smartfeed"`
	Feed          FeedConfig          `yaml:"feed"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Control       ControlConfig       `yaml:"control"`
	Bus           BusConfig           `yaml:"bus"`
	Logging       LoggingConfig       `yaml:"logging"`
	Report        ReportConfig        `yaml:"report"`
}

type SmartfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	AuthURL      string        `yaml:"auth_url"`
	Origin       string        `yaml:"origin"`
	TokenEnv     string        `yaml:"token_env"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

type SubscriptionsConfig struct {
	MaxSubs int    `yaml:"max_subs"`
	Mode    string `yaml:"mode"`
}

// ControlConfig bounds the rate of outgoing subscribe/unsubscribe frames.
type ControlConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

type BusConfig struct {
	ListenerBuffer int `yaml:"listener_buffer"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

type ReportConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Region   string        `yaml:"region"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides take precedence over file values.
	if v := os.Getenv("FEED_AUTH_URL"); v != "" {
		config.Feed.AuthURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FEED_ORIGIN"); v != "" {
		config.Feed.Origin = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Report.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			TokenEnv:     "UPSTOX_ACCESS_TOKEN",
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 15 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2,
		},
		Subscriptions: SubscriptionsConfig{
			MaxSubs: 500,
			Mode:    "full",
		},
		Control: ControlConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Bus: BusConfig{
			ListenerBuffer: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Report: ReportConfig{
			Interval: time.Minute,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Smartfeed.Name == "" {
		return fmt.Errorf("smartfeed.name is required")
	}

	if cfg.Smartfeed.Version == "" {
		return fmt.Errorf("smartfeed.version is required")
	}

	if cfg.Feed.AuthURL == "" {
		return fmt.Errorf("feed.auth_url is required")
	}
	if cfg.Feed.TokenEnv == "" {
		return fmt.Errorf("feed.token_env is required")
	}
	if cfg.Feed.DialTimeout <= 0 {
		return fmt.Errorf("feed.dial_timeout must be greater than 0")
	}
	if cfg.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be greater than 0")
	}

	if cfg.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be greater than 0")
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be at least reconnect.base_delay")
	}
	if cfg.Reconnect.Multiplier <= 1 {
		return fmt.Errorf("reconnect.multiplier must be greater than 1")
	}

	if cfg.Subscriptions.MaxSubs <= 0 {
		return fmt.Errorf("subscriptions.max_subs must be greater than 0")
	}
	if !isValidMode(cfg.Subscriptions.Mode) {
		return fmt.Errorf("subscriptions.mode '%s' is invalid", cfg.Subscriptions.Mode)
	}

	if cfg.Control.RequestsPerSecond <= 0 {
		return fmt.Errorf("control.requests_per_second must be greater than 0")
	}
	if cfg.Control.Burst <= 0 {
		return fmt.Errorf("control.burst must be greater than 0")
	}

	if cfg.Bus.ListenerBuffer <= 0 {
		return fmt.Errorf("bus.listener_buffer must be greater than 0")
	}

	if cfg.Report.Enabled && cfg.Report.Interval <= 0 {
		return fmt.Errorf("report.interval must be greater than 0 when reporting is enabled")
	}

	return nil
}

func isValidMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "ltpc", "full", "full_d30":
		return true
	default:
		return false
	}
}
