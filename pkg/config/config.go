package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Vault    VaultConfig    `mapstructure:"vault" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync" validate:"required"`
	Indexer  IndexerConfig  `mapstructure:"indexer" validate:"required"`
	Daemon   DaemonConfig   `mapstructure:"daemon" validate:"required"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type VaultConfig struct {
	KeyPath string `mapstructure:"key_path" validate:"required"`
}

type SyncConfig struct {
	BatchSize                int    `mapstructure:"batch_size" validate:"required,min=1,max=500"`
	MaxConcurrentConnections int    `mapstructure:"max_concurrent_connections" validate:"required,min=1,max=64"`
	OperationTimeoutSeconds  int    `mapstructure:"operation_timeout_seconds" validate:"required,min=1,max=3600"`
	ListingCacheTTLMinutes   int    `mapstructure:"listing_cache_ttl_minutes" validate:"min=1,max=1440"`
	Schedule                 string `mapstructure:"schedule"`
}

type IndexerConfig struct {
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"required,min=1,max=600"`
}

type DaemonConfig struct {
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	Concurrency int    `mapstructure:"concurrency" validate:"required,min=1,max=64"`
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	v.SetConfigType("toml")

	v.SetEnvPrefix("HOSTSYNC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.path", "/var/lib/hostsync/hostsync.db")
	v.SetDefault("vault.key_path", "/var/lib/hostsync/vault.key")

	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.max_concurrent_connections", 4)
	v.SetDefault("sync.operation_timeout_seconds", 120)
	v.SetDefault("sync.listing_cache_ttl_minutes", 30)
	v.SetDefault("sync.schedule", "")

	v.SetDefault("indexer.timeout_seconds", 60)

	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.concurrency", 8)
}

func validateConfig(config *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(config)
}
