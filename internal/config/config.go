package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	API         APIConfig         `yaml:"api"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	BLE         BLEConfig         `yaml:"ble"`
	Mesh        MeshConfig        `yaml:"mesh"`
	TimeSync    TimeSyncConfig    `yaml:"time_sync"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// APIConfig holds Plejd cloud credentials and the site cache.
type APIConfig struct {
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Site        string        `yaml:"site"` // site title; first site when empty
	Timeout     time.Duration `yaml:"timeout"`
	CachePolicy string        `yaml:"cache_policy"` // NO_CACHE, FIRST_CACHE or NEEDED_CACHE
	CacheFile   string        `yaml:"cache_file"`
	CacheSecret string        `yaml:"cache_secret"` // seals the cached site when set
}

// MQTTConfig holds broker and topic settings.
type MQTTConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	TLS             bool   `yaml:"tls"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	QoS             int    `yaml:"qos"`
	TopicPrefix     string `yaml:"topic_prefix"`
	Discovery       bool   `yaml:"discovery"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// BLEConfig holds mesh connection settings.
type BLEConfig struct {
	Adapter         string        `yaml:"adapter"`          // e.g. hci0; linux only
	PreferredDevice string        `yaml:"preferred_device"` // ingress MAC to use when in range
	ScanTime        time.Duration `yaml:"scan_time"`
	Retries         int           `yaml:"retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
}

// MeshConfig holds dispatcher settings.
type MeshConfig struct {
	CommandTimeout         time.Duration `yaml:"command_timeout"`
	DecodeWindow           time.Duration `yaml:"decode_window"`
	DecodeFailureThreshold int           `yaml:"decode_failure_threshold"`
}

// TimeSyncConfig holds mesh clock settings.
type TimeSyncConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Threshold  time.Duration `yaml:"threshold"`
	UseSysTime bool          `yaml:"use_sys_time"`
	NTPServer  string        `yaml:"ntp_server"`
	NTPTimeout time.Duration `yaml:"ntp_timeout"`
	Timezone   string        `yaml:"timezone"` // IANA name; system zone when empty
}

// HealthCheckConfig holds health file settings.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Dir      string        `yaml:"dir"`
}

// InfluxDBConfig holds optional metrics settings.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`   // also log to this rotated file when set
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "plejd-mqtt")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout:     10 * time.Second,
			CachePolicy: "FIRST_CACHE",
			CacheFile:   expandTilde("~/.plejd/site.db"),
		},
		MQTT: MQTTConfig{
			Host:            "localhost",
			Port:            1883,
			QoS:             1,
			TopicPrefix:     "plejd",
			Discovery:       true,
			DiscoveryPrefix: "homeassistant",
		},
		BLE: BLEConfig{
			ScanTime:       10 * time.Second,
			Retries:        10,
			RetryInterval:  10 * time.Second,
			ConnectTimeout: 10 * time.Second,
			AuthTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			PingInterval:   60 * time.Second,
		},
		Mesh: MeshConfig{
			CommandTimeout:         5 * time.Second,
			DecodeWindow:           30 * time.Second,
			DecodeFailureThreshold: 10,
		},
		TimeSync: TimeSyncConfig{
			Enabled:    true,
			Interval:   time.Hour,
			Threshold:  10 * time.Second,
			UseSysTime: true,
			NTPServer:  "pool.ntp.org",
			NTPTimeout: 5 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
			Dir:      expandTilde("~/.plejd"),
		},
		InfluxDB: InfluxDBConfig{
			Org:           "plejd",
			Bucket:        "plejd",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, then environment overrides are applied. Tilde (~) in
// paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	cfg.API.CacheFile = expandTilde(cfg.API.CacheFile)
	cfg.HealthCheck.Dir = expandTilde(cfg.HealthCheck.Dir)
	cfg.Logging.File = expandTilde(cfg.Logging.File)

	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"PLEJD_API_USER", &cfg.API.User},
		{"PLEJD_API_PASSWORD", &cfg.API.Password},
		{"PLEJD_API_SITE", &cfg.API.Site},
		{"PLEJD_CACHE_SECRET", &cfg.API.CacheSecret},
		{"PLEJD_MQTT_HOST", &cfg.MQTT.Host},
		{"PLEJD_MQTT_USERNAME", &cfg.MQTT.Username},
		{"PLEJD_MQTT_PASSWORD", &cfg.MQTT.Password},
		{"PLEJD_INFLUXDB_TOKEN", &cfg.InfluxDB.Token},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks the config for invalid values and reports all of them.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.API.User == "" {
		add("api.user must not be empty")
	}
	if c.API.Password == "" {
		add("api.password must not be empty")
	}
	switch c.API.CachePolicy {
	case "NO_CACHE", "FIRST_CACHE", "NEEDED_CACHE":
	default:
		add("api.cache_policy must be NO_CACHE, FIRST_CACHE or NEEDED_CACHE, got %q", c.API.CachePolicy)
	}
	if c.API.CachePolicy != "NO_CACHE" && c.API.CacheFile == "" {
		add("api.cache_file must not be empty with cache policy %s", c.API.CachePolicy)
	}
	if c.API.Timeout <= 0 {
		add("api.timeout must be > 0")
	}

	if c.MQTT.Host == "" {
		add("mqtt.host must not be empty")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		add("mqtt.port must be between 1 and 65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		add("mqtt.topic_prefix must be non-empty without wildcards, got %q", c.MQTT.TopicPrefix)
	}
	if c.MQTT.Discovery && c.MQTT.DiscoveryPrefix == "" {
		add("mqtt.discovery_prefix must not be empty when discovery is enabled")
	}

	if c.BLE.ScanTime <= 0 {
		add("ble.scan_time must be > 0")
	}
	if c.BLE.Retries < 1 {
		add("ble.retries must be >= 1")
	}
	if c.BLE.ConnectTimeout <= 0 || c.BLE.AuthTimeout <= 0 || c.BLE.WriteTimeout <= 0 {
		add("ble timeouts must be > 0")
	}
	if c.BLE.PingInterval < 0 {
		add("ble.ping_interval must be >= 0")
	}

	if c.Mesh.CommandTimeout <= 0 {
		add("mesh.command_timeout must be > 0")
	}

	if c.TimeSync.Enabled {
		if c.TimeSync.Interval <= 0 {
			add("time_sync.interval must be > 0")
		}
		if !c.TimeSync.UseSysTime && c.TimeSync.NTPServer == "" {
			add("time_sync.ntp_server must be set when use_sys_time is false")
		}
	}
	if _, err := c.Location(); err != nil {
		add("time_sync.timezone: %w", err)
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			add("health_check.interval must be > 0")
		}
		if c.HealthCheck.Dir == "" {
			add("health_check.dir must not be empty")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			add("influxdb.url must not be empty when enabled")
		}
		if c.InfluxDB.Bucket == "" {
			add("influxdb.bucket must not be empty when enabled")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// Location returns the zone of the mesh wall clock.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeSync.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeSync.Timezone)
}

// ParseLogLevel maps a config level name to a slog level. Unknown names
// give info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultHeader = `# plejd-mqtt configuration
# Durations use Go syntax (10s, 5m, 1h). Secrets may instead be supplied via
# PLEJD_API_USER, PLEJD_API_PASSWORD, PLEJD_MQTT_USERNAME, PLEJD_MQTT_PASSWORD
# and PLEJD_INFLUXDB_TOKEN.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
