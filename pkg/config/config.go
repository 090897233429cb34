// Package config loads daemon configuration from a YAML file with
// environment overrides (ULOGGER_ prefix) and sane defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bfabiszewski/ulogger-go/pkg"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	DeviceID string `mapstructure:"device_id"`

	StorePath string `mapstructure:"store_path"`
	ImageDir  string `mapstructure:"image_dir"`

	Providers           []string `mapstructure:"providers"`
	MinIntervalSeconds  int      `mapstructure:"min_interval_seconds"`
	MinDistanceMeters   float64  `mapstructure:"min_distance_meters"`
	MaxAccuracyMeters   float64  `mapstructure:"max_accuracy_meters"`
	LiveSync            bool     `mapstructure:"live_sync"`
	AutoStart           bool     `mapstructure:"auto_start"`
	GPSRestartMinIntSec int      `mapstructure:"gps_restart_min_interval_seconds"`

	GpsdAddress string `mapstructure:"gpsd_address"`

	ServerURL         string `mapstructure:"server_url"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	SyncRetrySeconds  int    `mapstructure:"sync_retry_seconds"`
	UploadTimeoutSecs int    `mapstructure:"upload_timeout_seconds"`

	ListenAddr string `mapstructure:"listen_addr"`

	MQTTEnabled     bool   `mapstructure:"mqtt_enabled"`
	MQTTBroker      string `mapstructure:"mqtt_broker"`
	MQTTPort        int    `mapstructure:"mqtt_port"`
	MQTTUsername    string `mapstructure:"mqtt_username"`
	MQTTPassword    string `mapstructure:"mqtt_password"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`
}

// Load reads configuration from path (optional) merged over defaults and
// ULOGGER_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("device_id", "uloggerd")
	v.SetDefault("store_path", "/var/lib/ulogger/positions.db")
	v.SetDefault("image_dir", "/var/lib/ulogger/images")
	v.SetDefault("providers", []string{pkg.ProviderGPS, pkg.ProviderNetwork})
	v.SetDefault("min_interval_seconds", 5)
	v.SetDefault("min_distance_meters", 5.0)
	v.SetDefault("max_accuracy_meters", 100.0)
	v.SetDefault("live_sync", true)
	v.SetDefault("auto_start", false)
	v.SetDefault("gps_restart_min_interval_seconds", 30)
	v.SetDefault("gpsd_address", "")
	v.SetDefault("sync_retry_seconds", 300)
	v.SetDefault("upload_timeout_seconds", 30)
	v.SetDefault("listen_addr", "127.0.0.1:8743")
	v.SetDefault("mqtt_enabled", false)
	v.SetDefault("mqtt_port", 1883)
	v.SetDefault("mqtt_topic_prefix", "ulogger")

	v.SetEnvPrefix("ULOGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the components rely on.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("username and password are required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	if c.MinIntervalSeconds < 0 || c.MinDistanceMeters < 0 || c.MaxAccuracyMeters <= 0 {
		return fmt.Errorf("thresholds must be non-negative and max_accuracy_meters positive")
	}
	if c.SyncRetrySeconds <= 0 {
		return fmt.Errorf("sync_retry_seconds must be positive")
	}
	return nil
}

// MinInterval returns the fix interval threshold as a duration.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// SyncRetryDelay returns the fixed retry backoff as a duration.
func (c *Config) SyncRetryDelay() time.Duration {
	return time.Duration(c.SyncRetrySeconds) * time.Second
}

// UploadTimeout returns the per-request transport timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSecs) * time.Second
}

// GPSRestartMinInterval returns the minimum spacing between GPS provider
// restarts triggered by degraded accuracy.
func (c *Config) GPSRestartMinInterval() time.Duration {
	return time.Duration(c.GPSRestartMinIntSec) * time.Second
}
