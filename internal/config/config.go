package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harborline/fieldsync/internal/sync"
)

const (
	envPrefix           = "FIELDSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "fieldsync.db"
	defaultLogLevel     = "info"
	defaultPageSize     = 500
	defaultMaxBatchSize = 1000
	defaultRetention    = 30
	defaultPurgeMinutes = 60
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress        string
	SigningSecret      string
	DatabasePath       string
	LogLevel           string
	ConflictPolicy     sync.ConflictPolicy
	PageSize           int
	MaxBatchSize       int
	TombstoneRetention time.Duration
	PurgeInterval      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.conflict_policy", string(sync.PolicyLastWriteWins))
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.max_batch_size", defaultMaxBatchSize)
	configViper.SetDefault("sync.tombstone_retention_days", defaultRetention)
	configViper.SetDefault("sync.purge_interval_minutes", defaultPurgeMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	policy, err := sync.ParseConflictPolicy(configViper.GetString("sync.conflict_policy"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		ConflictPolicy:     policy,
		PageSize:           configViper.GetInt("sync.page_size"),
		MaxBatchSize:       configViper.GetInt("sync.max_batch_size"),
		TombstoneRetention: time.Duration(configViper.GetInt("sync.tombstone_retention_days")) * 24 * time.Hour,
		PurgeInterval:      time.Duration(configViper.GetInt("sync.purge_interval_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("sync.max_batch_size must be positive")
	}
	if c.TombstoneRetention <= 0 {
		return fmt.Errorf("sync.tombstone_retention_days must be positive")
	}
	return nil
}
