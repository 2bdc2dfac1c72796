// Package config loads and validates the recording engine's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RecordingConfig holds every option recognized by the recording engine (§6).
type RecordingConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Path            string   `mapstructure:"path" validate:"required"`
	MaxTotalSize    string   `mapstructure:"max_total_size"`
	StopDelay       string   `mapstructure:"stop_delay"`
	MinDuration     string   `mapstructure:"min_duration"`
	BitrateKbps     int      `mapstructure:"bitrate"`
	ExcludeUIDs     []string `mapstructure:"exclude_uids"`
	LogLevel        string   `mapstructure:"log_level"`
	LogPath         string   `mapstructure:"log_path"`
	IndexDriver     string   `mapstructure:"index_driver"`
	IndexDSN        string   `mapstructure:"index_dsn"`
	HTTPMount       string   `mapstructure:"http_mount"`
	RedisAddr       string   `mapstructure:"redis_addr"`
}

// StopDelayDuration parses StopDelay, defaulting to 30s on empty/invalid input.
func (c *RecordingConfig) StopDelayDuration() time.Duration {
	return parseDurationOrDefault(c.StopDelay, 30*time.Second)
}

// MinDurationDuration parses MinDuration, defaulting to 0 (discard nothing).
func (c *RecordingConfig) MinDurationDuration() time.Duration {
	return parseDurationOrDefault(c.MinDuration, 0)
}

// MaxTotalSizeBytes parses MaxTotalSize ("500M", "2G", ...); 0 disables the quota.
func (c *RecordingConfig) MaxTotalSizeBytes() uint64 {
	if strings.TrimSpace(c.MaxTotalSize) == "" {
		return 0
	}
	n, err := humanize.ParseBytes(c.MaxTotalSize)
	if err != nil {
		return 0
	}
	return n
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// InitConfig sets up viper with defaults and reads the environment/config file.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		// Fall back silently to defaults + environment variables.
		_ = err
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("RECORDING__ENABLED", false)
	v.SetDefault("RECORDING__PATH", "./recordings")
	v.SetDefault("RECORDING__MAX_TOTAL_SIZE", "0")
	v.SetDefault("RECORDING__STOP_DELAY", "30s")
	v.SetDefault("RECORDING__MIN_DURATION", "2s")
	v.SetDefault("RECORDING__BITRATE", 48)
	v.SetDefault("RECORDING__LOG_LEVEL", "info")
	v.SetDefault("RECORDING__LOG_PATH", "")
	v.SetDefault("RECORDING__INDEX_DRIVER", "sqlite")
	v.SetDefault("RECORDING__INDEX_DSN", "./recordings/index.db")
	v.SetDefault("RECORDING__HTTP_MOUNT", "/recording")
	v.SetDefault("RECORDING__REDIS_ADDR", "")
}

// Load reads the "recording" section into a validated RecordingConfig.
func Load(v *viper.Viper) (*RecordingConfig, error) {
	var cfg RecordingConfig
	if err := v.UnmarshalKey("RECORDING", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode recording config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid recording config: %w", err)
	}
	return &cfg, nil
}
