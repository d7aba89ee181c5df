// Package config loads capturesync settings from a YAML file, a .env file
// and CAPTURESYNC_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// CAPTURESYNC_DATABASE_DSN overrides database.dsn.
const EnvPrefix = "CAPTURESYNC"

// Config is the full capturesync configuration shared by syncd and capture.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig holds the HTTP listener settings of syncd.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// UserHeader names the header set by the upstream auth layer.
	UserHeader string `mapstructure:"userHeader"`
}

// DatabaseConfig selects the server store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls log level, format and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Text       bool   `mapstructure:"text"`
}

// SyncConfig holds server-side reconciliation limits.
type SyncConfig struct {
	MaxPushRecords int `mapstructure:"maxPushRecords"`
	// DefaultStrategy is the conflict strategy for entity types without
	// an entry in Strategies.
	DefaultStrategy string            `mapstructure:"defaultStrategy"`
	Strategies      map[string]string `mapstructure:"strategies"`
}

// ClientConfig holds settings for the on-device client.
type ClientConfig struct {
	DataDir      string        `mapstructure:"dataDir"`
	ServerURL    string        `mapstructure:"serverUrl"`
	UserID       string        `mapstructure:"userId"`
	DeviceID     string        `mapstructure:"deviceId"`
	BatchSize    int           `mapstructure:"batchSize"`
	MaxRetries   int           `mapstructure:"maxRetries"`
	SyncInterval time.Duration `mapstructure:"syncInterval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.userHeader", "X-User-ID")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/syncd.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.text", false)
	v.SetDefault("log.maxSizeMb", 100)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 28)

	v.SetDefault("sync.maxPushRecords", 500)
	v.SetDefault("sync.defaultStrategy", "last_write_wins")

	v.SetDefault("client.dataDir", "./data/client")
	v.SetDefault("client.serverUrl", "http://localhost:8080")
	v.SetDefault("client.userId", "")
	v.SetDefault("client.deviceId", "")
	v.SetDefault("client.batchSize", 100)
	v.SetDefault("client.maxRetries", 5)
	v.SetDefault("client.syncInterval", 15*time.Minute)
	v.SetDefault("client.timeout", 30*time.Second)
}

// LoadConfig reads capturesync.yaml from path (a missing file is not an
// error), after loading a .env file from the same directory if present.
func LoadConfig(path string) (*Config, error) {
	envFile := ".env"
	if path != "" {
		envFile = strings.TrimRight(path, "/") + "/.env"
	}
	// A missing .env is the common case.
	_ = godotenv.Load(envFile)

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetConfigName("capturesync")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := strategiesFromEnv(&cfg.Sync); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv registers every key with a default so AutomaticEnv also applies
// to Unmarshal, which only sees keys viper already knows about. Every
// scalar setting therefore needs a default, even an empty one.
func bindEnv(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}
}

// strategiesFromEnv replaces sync.strategies with the JSON object in
// CAPTURESYNC_SYNC_STRATEGIES, e.g. {"tags":"client_wins"}.
func strategiesFromEnv(sc *SyncConfig) error {
	raw, ok := os.LookupEnv(EnvPrefix + "_SYNC_STRATEGIES")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	strategies := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &strategies); err != nil {
		return fmt.Errorf("invalid %s_SYNC_STRATEGIES: %w", EnvPrefix, err)
	}
	sc.Strategies = strategies
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Sync.MaxPushRecords <= 0 {
		return fmt.Errorf("sync.maxPushRecords must be positive")
	}
	if c.Client.BatchSize <= 0 {
		return fmt.Errorf("client.batchSize must be positive")
	}
	if c.Client.MaxRetries <= 0 {
		return fmt.Errorf("client.maxRetries must be positive")
	}
	return nil
}
