package config

import (
	"time"
)

type Config struct {
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Remote       RemoteConfig    `mapstructure:"remote"`
	Network      NetworkConfig   `mapstructure:"network"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // sqlite or mysql
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout string `mapstructure:"timeout"`
}

func (r RemoteConfig) GetTimeout() time.Duration {
	return parseDuration(r.Timeout, 10*time.Second)
}

type NetworkConfig struct {
	ProbeURL      string `mapstructure:"probe_url"`
	ProbeInterval string `mapstructure:"probe_interval"`
	ProbeTimeout  string `mapstructure:"probe_timeout"`
}

func (n NetworkConfig) GetProbeInterval() time.Duration {
	return parseDuration(n.ProbeInterval, 5*time.Second)
}

func (n NetworkConfig) GetProbeTimeout() time.Duration {
	return parseDuration(n.ProbeTimeout, 2*time.Second)
}

type SyncConfig struct {
	MaxRetries      int    `mapstructure:"max_retries"`
	RetryBaseDelay  string `mapstructure:"retry_base_delay"`
	Debounce        string `mapstructure:"debounce"`
	DefaultPriority int    `mapstructure:"default_priority"`
}

func (s SyncConfig) GetRetryBaseDelay() time.Duration {
	return parseDuration(s.RetryBaseDelay, time.Second)
}

func (s SyncConfig) GetDebounce() time.Duration {
	return parseDuration(s.Debounce, 500*time.Millisecond)
}

type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Interval        string `mapstructure:"interval"`
	CatalogInterval string `mapstructure:"catalog_interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
