package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for opsadmin
type Config struct {
	// Server configuration
	Listen          string        `mapstructure:"listen"`
	DataDir         string        `mapstructure:"data_dir"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	TrustProxy      bool          `mapstructure:"trust_proxy"` // honour X-Forwarded-For / X-Real-IP
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Auth     AuthConfig     `mapstructure:"auth"`
	History  HistoryConfig  `mapstructure:"history"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Shipping ShippingConfig `mapstructure:"log_shipping"`
}

// AuthConfig defines authentication configuration
type AuthConfig struct {
	Enable    bool          `mapstructure:"enable"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// HistoryConfig defines the change ledger
type HistoryConfig struct {
	Backend       string `mapstructure:"backend"` // sqlite, badger
	RetentionDays int    `mapstructure:"retention_days"`
	PurgeSchedule string `mapstructure:"purge_schedule"` // cron spec
}

// RecorderConfig sizes the background change recorder
type RecorderConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// AlertsConfig defines critical change alert channels
type AlertsConfig struct {
	WebhookURL string           `mapstructure:"webhook_url"`
	Email      EmailAlertConfig `mapstructure:"email"`
}

// EmailAlertConfig defines the SMTP channel
type EmailAlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	TLSMode  string   `mapstructure:"tls_mode"` // none, starttls, tls
}

// ArchiveConfig defines where purged history is copied to
type ArchiveConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// ShippingConfig forwards process logs to an HTTP collector. Empty URL disables it.
type ShippingConfig struct {
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Level         string        `mapstructure:"level"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// SettingsDBPath is the SQLite file holding the settings singleton, the
// actor directory and (for the sqlite backend) the history ledger
func (c *Config) SettingsDBPath() string {
	return filepath.Join(c.DataDir, "opsadmin.db")
}

// HistoryDir is the badger directory used by the badger backend
func (c *Config) HistoryDir() string {
	return filepath.Join(c.DataDir, "history")
}

// RegisterFlags adds the flags Load binds
func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Configuration file path")
	cmd.Flags().String("listen", ":8090", "API listen address")
	cmd.Flags().String("data-dir", "", "Data directory (REQUIRED)")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "json", "Log format (json, text)")
	cmd.Flags().String("history-backend", "sqlite", "History ledger backend (sqlite, badger)")
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables, OPSADMIN_AUTH_JWT_SECRET -> auth.jwt_secret
	v.SetEnvPrefix("OPSADMIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8090")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("data_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("shutdown_timeout", 30*time.Second)

	// Auth defaults - no default secret
	v.SetDefault("auth.enable", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "opsadmin")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	// History defaults
	v.SetDefault("history.backend", "sqlite")
	v.SetDefault("history.retention_days", 90)
	v.SetDefault("history.purge_schedule", "@every 1h")

	// Recorder defaults
	v.SetDefault("recorder.queue_size", 256)
	v.SetDefault("recorder.workers", 2)
	v.SetDefault("recorder.task_timeout", 10*time.Second)

	// Alert defaults; empty values fall back to the live notification settings
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.email.enabled", false)
	v.SetDefault("alerts.email.host", "")
	v.SetDefault("alerts.email.port", 587)
	v.SetDefault("alerts.email.user", "")
	v.SetDefault("alerts.email.password", "")
	v.SetDefault("alerts.email.from", "")
	v.SetDefault("alerts.email.to", []string{})
	v.SetDefault("alerts.email.tls_mode", "starttls")

	// Archive defaults
	v.SetDefault("archive.enable", false)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "settings-history")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	// Log shipping defaults
	v.SetDefault("log_shipping.url", "")
	v.SetDefault("log_shipping.token", "")
	v.SetDefault("log_shipping.level", "warn")
	v.SetDefault("log_shipping.batch_size", 50)
	v.SetDefault("log_shipping.flush_interval", "5s")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":          "listen",
		"data-dir":        "data_dir",
		"log-level":       "log_level",
		"log-format":      "log_format",
		"history-backend": "history.backend",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	// Validate that data_dir is configured (either via flag, config file, or env var)
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or OPSADMIN_DATA_DIR environment variable")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}

	if cfg.Auth.Enable && len(cfg.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters when authentication is enabled")
	}

	switch cfg.History.Backend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("history.backend must be sqlite or badger, got %q", cfg.History.Backend)
	}
	if cfg.History.RetentionDays < 1 {
		return fmt.Errorf("history.retention_days must be at least 1")
	}
	if _, err := cron.ParseStandard(cfg.History.PurgeSchedule); err != nil {
		return fmt.Errorf("invalid history.purge_schedule %q: %w", cfg.History.PurgeSchedule, err)
	}

	if cfg.Recorder.QueueSize < 1 || cfg.Recorder.Workers < 1 {
		return fmt.Errorf("recorder.queue_size and recorder.workers must be at least 1")
	}
	if cfg.Recorder.TaskTimeout <= 0 {
		return fmt.Errorf("recorder.task_timeout must be positive")
	}

	if cfg.Alerts.Email.Enabled {
		if cfg.Alerts.Email.Host == "" || cfg.Alerts.Email.From == "" {
			return fmt.Errorf("alerts.email requires host and from when enabled")
		}
		switch cfg.Alerts.Email.TLSMode {
		case "none", "starttls", "tls":
		default:
			return fmt.Errorf("alerts.email.tls_mode must be none, starttls or tls")
		}
	}

	if cfg.Archive.Enable && cfg.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archiving is enabled")
	}

	if cfg.Shipping.URL != "" {
		if _, err := logrus.ParseLevel(cfg.Shipping.Level); err != nil {
			return fmt.Errorf("invalid log_shipping.level %q", cfg.Shipping.Level)
		}
		if cfg.Shipping.BatchSize < 1 || cfg.Shipping.FlushInterval <= 0 {
			return fmt.Errorf("log_shipping.batch_size and log_shipping.flush_interval must be positive")
		}
	}

	if cfg.Metrics.Path == "" || !strings.HasPrefix(cfg.Metrics.Path, "/") {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return nil
}
