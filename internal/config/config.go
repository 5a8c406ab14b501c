// Package config provides configuration loading for the monitor daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	From     string `yaml:"from,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// WhatsAppConfig configures the messaging gateway.
type WhatsAppConfig struct {
	GatewayURL string `yaml:"gateway_url,omitempty"`
	Token      string `yaml:"token,omitempty"`
}

// Config holds all daemon configuration.
type Config struct {
	// Interval between observation ticks (default 60s)
	Interval time.Duration `yaml:"interval"`
	// ConfirmThreshold is the consecutive reads needed to confirm a
	// status change (default 2)
	ConfirmThreshold int `yaml:"confirm_threshold"`

	// SourceCommand captures one dashboard frame and prints observations
	// as JSON on stdout
	SourceCommand []string `yaml:"source_command"`
	// SourceTimeout bounds one capture (default 30s)
	SourceTimeout time.Duration `yaml:"source_timeout"`

	// PlanPath is the service notification config file (default
	// "service_config.json")
	PlanPath string `yaml:"plan_path"`
	// LogDir holds the day-bucketed CSV audit logs (default "logs")
	LogDir string `yaml:"log_dir"`
	// DataDir holds the SQLite audit store (default "data")
	DataDir string `yaml:"data_dir"`

	// ListenAddr for the local status endpoint (default ":8321")
	ListenAddr string `yaml:"listen_addr"`

	// Retention for audit entries; 0 disables purging (default 90 days)
	Retention time.Duration `yaml:"retention"`
	// RetentionSchedule is a five-field cron expression (default "0 3 * * *")
	RetentionSchedule string `yaml:"retention_schedule"`

	// NotifyOnRecover sends alerts on UP transitions too (default false)
	NotifyOnRecover bool `yaml:"notify_on_recover"`
	// AlertsPerHour caps alerts per service; 0 disables (default 10)
	AlertsPerHour int `yaml:"alerts_per_hour"`

	SMTP     SMTPConfig     `yaml:"smtp,omitempty"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp,omitempty"`

	// OTLPEndpoint enables tracing when set
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		Interval:          60 * time.Second,
		ConfirmThreshold:  2,
		SourceTimeout:     30 * time.Second,
		PlanPath:          "service_config.json",
		LogDir:            "logs",
		DataDir:           "data",
		ListenAddr:        ":8321",
		Retention:         90 * 24 * time.Hour,
		RetentionSchedule: "0 3 * * *",
		AlertsPerHour:     10,
		LogLevel:          "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GLASSWATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Interval = d
		}
	}
	if v := os.Getenv("GLASSWATCH_CONFIRM_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConfirmThreshold = n
		}
	}
	if v := os.Getenv("GLASSWATCH_SOURCE_COMMAND"); v != "" {
		cfg.SourceCommand = strings.Fields(v)
	}
	if v := os.Getenv("GLASSWATCH_SOURCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SourceTimeout = d
		}
	}
	if v := os.Getenv("GLASSWATCH_PLAN_PATH"); v != "" {
		cfg.PlanPath = v
	}
	if v := os.Getenv("GLASSWATCH_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("GLASSWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GLASSWATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GLASSWATCH_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention = d
		}
	}
	if v := os.Getenv("GLASSWATCH_NOTIFY_ON_RECOVER"); v != "" {
		cfg.NotifyOnRecover = v == "true" || v == "1"
	}
	if v := os.Getenv("GLASSWATCH_ALERTS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AlertsPerHour = n
		}
	}
	if v := os.Getenv("GLASSWATCH_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("GLASSWATCH_SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}
	if v := os.Getenv("GLASSWATCH_SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
	if v := os.Getenv("GLASSWATCH_SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("GLASSWATCH_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("GLASSWATCH_WHATSAPP_GATEWAY_URL"); v != "" {
		cfg.WhatsApp.GatewayURL = v
	}
	if v := os.Getenv("GLASSWATCH_WHATSAPP_TOKEN"); v != "" {
		cfg.WhatsApp.Token = v
	}
	if v := os.Getenv("GLASSWATCH_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("GLASSWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate rejects configuration the daemon cannot run with.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.ConfirmThreshold < 1 {
		return fmt.Errorf("confirm_threshold must be >= 1, got %d", c.ConfirmThreshold)
	}
	if len(c.SourceCommand) == 0 {
		return fmt.Errorf("source_command is required")
	}
	if c.SourceTimeout <= 0 {
		return fmt.Errorf("source_timeout must be positive, got %v", c.SourceTimeout)
	}
	if c.SourceTimeout >= c.Interval {
		return fmt.Errorf("source_timeout (%v) must be shorter than interval (%v)", c.SourceTimeout, c.Interval)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must be >= 0, got %v", c.Retention)
	}
	if c.AlertsPerHour < 0 {
		return fmt.Errorf("alerts_per_hour must be >= 0, got %d", c.AlertsPerHour)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
