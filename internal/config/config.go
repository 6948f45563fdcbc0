package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"guardian/internal/scoring"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		Driver string `yaml:"driver"` // "postgres", "sqlite" or "memory"
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Dedup struct {
		Backend  string `yaml:"backend"` // "memory" or "redis"
		RedisURL string `yaml:"redis_url"`
	} `yaml:"dedup"`

	Ingest struct {
		DedupWindow time.Duration      `yaml:"dedup_window"`
		Thresholds  scoring.Thresholds `yaml:"thresholds"`
	} `yaml:"ingest"`

	Escalation struct {
		Cooldown        time.Duration `yaml:"cooldown"`
		ResetOnUnlock   *bool         `yaml:"reset_on_unlock"`
		Workers         int           `yaml:"workers"`
		QueueSize       int           `yaml:"queue_size"`
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		RatePerSecond   float64       `yaml:"rate_per_second"`
		Burst           int           `yaml:"burst"`
		BreakerFailures uint32        `yaml:"breaker_failures"`
		BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	} `yaml:"escalation"`

	Notifier struct {
		Webhook struct {
			URL     string        `yaml:"url"`
			Token   string        `yaml:"token"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"webhook"`
		Telegram struct {
			Token string `yaml:"token"`
		} `yaml:"telegram"`
		SMTP struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			From     string `yaml:"from"`
		} `yaml:"smtp"`
	} `yaml:"notifier"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Crypto struct {
		MasterKey string `yaml:"master_key"` // base64, 32 bytes
	} `yaml:"crypto"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`

	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

// LoadConfig reads configuration from the specified YAML file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()
	config.expandEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.URL == "" && c.Database.Driver == "sqlite" {
		c.Database.URL = "./data/guardian.db"
	}

	if c.Dedup.Backend == "" {
		c.Dedup.Backend = "memory"
	}

	if c.Ingest.DedupWindow == 0 {
		c.Ingest.DedupWindow = 10 * time.Minute
	}
	if c.Ingest.Thresholds == (scoring.Thresholds{}) {
		c.Ingest.Thresholds = scoring.DefaultThresholds
	}

	if c.Escalation.ResetOnUnlock == nil {
		reset := true
		c.Escalation.ResetOnUnlock = &reset
	}
	if c.Escalation.Workers == 0 {
		c.Escalation.Workers = 2
	}
	if c.Escalation.QueueSize == 0 {
		c.Escalation.QueueSize = 256
	}
	if c.Escalation.MaxAttempts == 0 {
		c.Escalation.MaxAttempts = 5
	}
	if c.Escalation.InitialInterval == 0 {
		c.Escalation.InitialInterval = 500 * time.Millisecond
	}
	if c.Escalation.MaxInterval == 0 {
		c.Escalation.MaxInterval = 30 * time.Second
	}
	if c.Escalation.RatePerSecond == 0 {
		c.Escalation.RatePerSecond = 5
	}
	if c.Escalation.Burst == 0 {
		c.Escalation.Burst = 1
	}
	if c.Escalation.BreakerFailures == 0 {
		c.Escalation.BreakerFailures = 5
	}
	if c.Escalation.BreakerTimeout == 0 {
		c.Escalation.BreakerTimeout = 30 * time.Second
	}

	if c.Notifier.Webhook.Timeout == 0 {
		c.Notifier.Webhook.Timeout = 10 * time.Second
	}
	if c.Notifier.SMTP.Port == 0 {
		c.Notifier.SMTP.Port = 587
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "guardian"
	}
}

// expandEnv resolves ${VAR} references in secrets and URLs.
func (c *Config) expandEnv() {
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.Dedup.RedisURL = os.ExpandEnv(c.Dedup.RedisURL)
	c.Notifier.Webhook.URL = os.ExpandEnv(c.Notifier.Webhook.URL)
	c.Notifier.Webhook.Token = os.ExpandEnv(c.Notifier.Webhook.Token)
	c.Notifier.Telegram.Token = os.ExpandEnv(c.Notifier.Telegram.Token)
	c.Notifier.SMTP.Username = os.ExpandEnv(c.Notifier.SMTP.Username)
	c.Notifier.SMTP.Password = os.ExpandEnv(c.Notifier.SMTP.Password)
	c.Auth.JWTSecret = os.ExpandEnv(c.Auth.JWTSecret)
	c.Crypto.MasterKey = os.ExpandEnv(c.Crypto.MasterKey)
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for postgres")
	}

	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisURL == "" {
			return fmt.Errorf("dedup.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be memory or redis, got %q", c.Dedup.Backend)
	}

	th := c.Ingest.Thresholds
	if th.Medium <= 0 || th.High > 1 || th.Medium >= th.High {
		return fmt.Errorf("ingest.thresholds must satisfy 0 < medium < high <= 1, got %v/%v", th.Medium, th.High)
	}
	if c.Escalation.Cooldown < 0 {
		return fmt.Errorf("escalation.cooldown must not be negative")
	}
	return nil
}
