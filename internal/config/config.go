package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default values applied when a flag or environment variable is unset
// or out of range.
const (
	DefaultCheckInterval       = 300 * time.Second
	DefaultEnableLabel         = "relay.enable"
	DefaultEngineTimeout       = 60 * time.Second
	DefaultHealthcheckTimeout  = 60 * time.Second
	DefaultHealthcheckInterval = 5 * time.Second
)

// Config holds all resolved configuration for relay.
type Config struct {
	// Scheduling
	CheckInterval  time.Duration
	Schedule       string
	CheckOnStartup bool
	RunOnce        bool

	// Container selection and update behavior
	EnableLabel         string
	CleanupImages       bool
	RollingUpdate       bool
	HealthcheckTimeout  time.Duration
	HealthcheckInterval time.Duration

	// Engine connection
	EngineHost       string
	EngineTimeout    time.Duration
	EngineConfigPath string

	// Notifications
	NotificationURL string

	// API
	APIEnabled bool
	APIPort    int
	APIToken   string

	// Health monitoring
	HealthWatch bool

	// Logging
	LogLevel  string
	LogFormat string
}

// RegisterFlags registers all CLI flags and binds them to viper with
// the RELAY_ environment prefix.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	// Scheduling
	flags.Duration("check-interval", DefaultCheckInterval, "Interval between update cycles")
	flags.String("schedule", "", "Cron expression for scheduling (overrides interval)")
	flags.Bool("check-on-startup", true, "Run an update cycle immediately on start")
	flags.Bool("run-once", false, "Run one cycle and exit")

	// Update behavior
	flags.String("enable-label", DefaultEnableLabel, "Label that opts a container into monitoring")
	flags.Bool("cleanup", false, "Remove the old image after a successful update")
	flags.Bool("rolling-update", true, "Verify a staging container healthy before switchover")
	flags.Duration("healthcheck-timeout", DefaultHealthcheckTimeout, "How long to wait for a staging container to become healthy")
	flags.Duration("healthcheck-interval", DefaultHealthcheckInterval, "Poll interval while waiting on container health")

	// Engine connection
	flags.String("engine-host", "", "Container engine host (defaults to the platform socket)")
	flags.Duration("engine-timeout", DefaultEngineTimeout, "Timeout for engine API calls")
	flags.String("engine-config", "", "Path to the engine config.json with registry credentials (auto-detected when empty)")

	// Notifications
	flags.String("notification-url", "", "Notification webhook URL")

	// API
	flags.Bool("api-enabled", false, "Enable REST API")
	flags.Int("api-port", 8080, "API listen port")
	flags.String("api-token", "", "API authentication token")

	// Health monitoring
	flags.Bool("health-watch", false, "Restart monitored containers that report unhealthy")

	// Logging
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "auto", "Log format: auto, json, pretty")

	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})
}

// Load resolves configuration from flags, environment, and secret files.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{
		CheckInterval:       viper.GetDuration("check-interval"),
		Schedule:            viper.GetString("schedule"),
		CheckOnStartup:      viper.GetBool("check-on-startup"),
		RunOnce:             viper.GetBool("run-once"),
		EnableLabel:         viper.GetString("enable-label"),
		CleanupImages:       viper.GetBool("cleanup"),
		RollingUpdate:       viper.GetBool("rolling-update"),
		HealthcheckTimeout:  viper.GetDuration("healthcheck-timeout"),
		HealthcheckInterval: viper.GetDuration("healthcheck-interval"),
		EngineHost:          viper.GetString("engine-host"),
		EngineTimeout:       viper.GetDuration("engine-timeout"),
		EngineConfigPath:    viper.GetString("engine-config"),
		NotificationURL:     viper.GetString("notification-url"),
		APIEnabled:          viper.GetBool("api-enabled"),
		APIPort:             viper.GetInt("api-port"),
		APIToken:            viper.GetString("api-token"),
		HealthWatch:         viper.GetBool("health-watch"),
		LogLevel:            viper.GetString("log-level"),
		LogFormat:           viper.GetString("log-format"),
	}

	cfg.applyDefaults()

	if err := loadSecrets(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults substitutes defaults for unset or invalid values.
func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.EnableLabel == "" {
		c.EnableLabel = DefaultEnableLabel
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = DefaultEngineTimeout
	}
	if c.HealthcheckTimeout <= 0 {
		c.HealthcheckTimeout = DefaultHealthcheckTimeout
	}
	if c.HealthcheckInterval <= 0 {
		c.HealthcheckInterval = DefaultHealthcheckInterval
	}
}

// loadSecrets reads secret values from files (container secrets support).
func loadSecrets(cfg *Config) error {
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv("RELAY_API_TOKEN")
	}
	if secretFile := os.Getenv("RELAY_API_TOKEN_FILE"); secretFile != "" {
		if data, err := os.ReadFile(secretFile); err == nil {
			cfg.APIToken = strings.TrimSpace(string(data))
		}
	}

	if cfg.NotificationURL == "" {
		cfg.NotificationURL = os.Getenv("RELAY_NOTIFICATION_URL")
	}
	if secretFile := os.Getenv("RELAY_NOTIFICATION_URL_FILE"); secretFile != "" {
		if data, err := os.ReadFile(secretFile); err == nil {
			cfg.NotificationURL = strings.TrimSpace(string(data))
		}
	}

	return nil
}
