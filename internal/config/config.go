package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "INTERNOTE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "internote.db"
	defaultCachePath     = "internote-cache.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 30
	defaultSyncIntervalS = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
	SyncInterval  time.Duration
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
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SyncInterval:  time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
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
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// SyncConfig captures runtime configuration for the client-side sync daemon.
type SyncConfig struct {
	APIBaseURL   string
	Token        string
	CachePath    string
	LogLevel     string
	SyncInterval time.Duration
}

// LoadSync parses the sync daemon's configuration from viper.
func LoadSync(configViper *viper.Viper) (SyncConfig, error) {
	cfg := SyncConfig{
		APIBaseURL:   configViper.GetString("api.base_url"),
		Token:        configViper.GetString("api.token"),
		CachePath:    configViper.GetString("cache.path"),
		LogLevel:     configViper.GetString("log.level"),
		SyncInterval: time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
	}

	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return SyncConfig{}, fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return SyncConfig{}, fmt.Errorf("api.token is required")
	}
	if strings.TrimSpace(cfg.CachePath) == "" {
		return SyncConfig{}, fmt.Errorf("cache.path is required")
	}
	if cfg.SyncInterval <= 0 {
		return SyncConfig{}, fmt.Errorf("sync.interval_seconds must be positive")
	}

	return cfg, nil
}
