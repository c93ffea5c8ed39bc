package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "ORDERSYNC"

// LoadConfig reads the YAML file at path, applies ORDERSYNC_* environment
// overrides (e.g. ORDERSYNC_REMOTE_BASE_URL) and fills defaults. A missing
// file is not an error; defaults and environment are used instead.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Network.ProbeURL == "" {
		cfg.Network.ProbeURL = cfg.Remote.BaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "sqlite":
		if c.StateStorage.FilePath == "" {
			return errors.New("state_storage.file_path is required for sqlite")
		}
	case "mysql":
		if c.StateStorage.Host == "" || c.StateStorage.Database == "" {
			return errors.New("state_storage.host and state_storage.database are required for mysql")
		}
	default:
		return fmt.Errorf("unsupported state_storage.type %q", c.StateStorage.Type)
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "orders.db")
	v.SetDefault("state_storage.port", 3306)

	v.SetDefault("remote.base_url", "http://localhost:8081/api")
	v.SetDefault("remote.timeout", "10s")

	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", "5s")
	v.SetDefault("network.probe_timeout", "2s")

	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_base_delay", "1s")
	v.SetDefault("sync.debounce", "500ms")
	v.SetDefault("sync.default_priority", 1)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 30s")
	v.SetDefault("scheduler.catalog_interval", "@every 5m")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
