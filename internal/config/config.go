// Package config provides configuration structures and loading logic for tracelog.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tracelog/pkg/tracelog"
)

// EnvPrefix prefixes every environment variable override, e.g. TRACELOG_DATABASE_PATH.
const EnvPrefix = "TRACELOG"

// Config represents the root configuration structure for tracelog.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Viewer    ViewerConfig    `mapstructure:"viewer"`
	Export    ExportConfig    `mapstructure:"export"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// AppConfig defines application-level settings such as host and port.
type AppConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

// LoggingConfig controls what the trace recorder persists and where.
type LoggingConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	DatabaseLogging    bool   `mapstructure:"database_logging"`
	FileLogging        bool   `mapstructure:"file_logging"`
	FilePath           string `mapstructure:"file_path"`
	LogLevel           string `mapstructure:"log_level"`
	MaxTrackedRequests int    `mapstructure:"max_tracked_requests"`
	RequestIDHeader    string `mapstructure:"request_id_header"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ViewerConfig defines the trace viewer API.
type ViewerConfig struct {
	RoutePrefix string `mapstructure:"route_prefix"`
	PerPage     int    `mapstructure:"per_page"`
	TokenEnv    string `mapstructure:"token_env"`
	Token       string `mapstructure:"-"`
	CacheTTL    string `mapstructure:"cache_ttl"`
	CacheSize   int    `mapstructure:"cache_size"`
}

// ExportConfig bounds exports.
type ExportConfig struct {
	MaxRecords int `mapstructure:"max_records"`
}

// RetentionConfig defines how long rows are kept and when cleanup runs.
type RetentionConfig struct {
	CleanupOldLogsDays int    `mapstructure:"cleanup_old_logs_days"`
	Schedule           string `mapstructure:"schedule"`
}

// Addr returns the listen address of the viewer.
func (c *AppConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MinLevel returns the parsed minimum level, falling back to info.
func (c *LoggingConfig) MinLevel() tracelog.Level {
	l, err := tracelog.ParseLevel(c.LogLevel)
	if err != nil {
		return tracelog.LevelInfo
	}
	return l
}

// RecorderOptions maps the logging section onto recorder options.
func (c *LoggingConfig) RecorderOptions() tracelog.Options {
	return tracelog.Options{
		Enabled:         c.Enabled,
		DatabaseLogging: c.DatabaseLogging,
		FileLogging:     c.FileLogging,
		MinLevel:        c.MinLevel(),
		MaxTracked:      c.MaxTrackedRequests,
	}
}

// GetCacheTTLDuration parses the trace cache TTL into a time.Duration.
func (c *ViewerConfig) GetCacheTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.CacheTTL)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Prefix returns the route prefix with surrounding slashes removed.
func (c *ViewerConfig) Prefix() string {
	return strings.Trim(c.RoutePrefix, "/")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Port < 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("app.port %d out of range", c.App.Port))
	}
	if _, err := tracelog.ParseLevel(c.Logging.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logging.log_level: %w", err))
	}
	if c.Logging.MaxTrackedRequests < 1 {
		errs = append(errs, fmt.Errorf("logging.max_tracked_requests must be positive, got %d", c.Logging.MaxTrackedRequests))
	}
	if c.Logging.FileLogging && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("logging.file_path is required when file logging is enabled"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Viewer.Prefix() == "" {
		errs = append(errs, errors.New("viewer.route_prefix is required"))
	}
	if c.Viewer.PerPage < 1 {
		errs = append(errs, fmt.Errorf("viewer.per_page must be positive, got %d", c.Viewer.PerPage))
	}
	if c.Export.MaxRecords < 1 {
		errs = append(errs, fmt.Errorf("export.max_records must be positive, got %d", c.Export.MaxRecords))
	}
	if c.Retention.CleanupOldLogsDays < 1 {
		errs = append(errs, fmt.Errorf("retention.cleanup_old_logs_days must be positive, got %d", c.Retention.CleanupOldLogsDays))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.development", false)
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.database_logging", true)
	v.SetDefault("logging.file_logging", false)
	v.SetDefault("logging.file_path", "storage/logs/tracelog.log")
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("logging.max_tracked_requests", 10)
	v.SetDefault("logging.request_id_header", "X-Request-ID")
	v.SetDefault("database.path", "storage/tracelog.db")
	v.SetDefault("viewer.route_prefix", "logs")
	v.SetDefault("viewer.per_page", 50)
	v.SetDefault("viewer.token_env", "")
	v.SetDefault("viewer.cache_ttl", "10s")
	v.SetDefault("viewer.cache_size", 1000)
	v.SetDefault("export.max_records", 1000)
	v.SetDefault("retention.cleanup_old_logs_days", 30)
	v.SetDefault("retention.schedule", "@daily")
}

// Load loads configuration from config.yaml or environment variables. An
// explicit path must exist; otherwise the usual locations are searched and a
// missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tracelog")
	}

	// Allow environment variables to override config
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Viewer.TokenEnv != "" {
		cfg.Viewer.Token = os.Getenv(cfg.Viewer.TokenEnv)
	}

	return &cfg, nil
}
