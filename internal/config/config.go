// Package config loads runtime settings from flags, environment and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "IDES"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "ides.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "ides_session"
	defaultSessionTTLMinutes  = 720
	defaultPagerWindow        = 3
	defaultPublishConcurrency = 8
)

// Keys shared with the command-line flags.
const (
	KeyHTTPAddress        = "http.address"
	KeyCORSOrigins        = "http.cors_origins"
	KeyDatabaseDriver     = "database.driver"
	KeyDatabasePath       = "database.path"
	KeyDatabaseDSN        = "database.dsn"
	KeyLogLevel           = "log.level"
	KeySessionSecret      = "session.signing_secret"
	KeySessionCookieName  = "session.cookie_name"
	KeySessionTTLMinutes  = "session.ttl_minutes"
	KeyPagerWindow        = "pager.window"
	KeyPagerStride        = "pager.stride"
	KeyPublishConcurrency = "publish.concurrency"
)

// AppConfig captures runtime configuration for the service.
type AppConfig struct {
	HTTPAddress        string
	CORSOrigins        []string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	SessionSecret      string
	SessionCookieName  string
	SessionTTL         time.Duration
	PagerWindow        int
	PagerStride        int
	PublishConcurrency int
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyCORSOrigins, []string{})
	configViper.SetDefault(KeyDatabaseDriver, defaultDatabaseDriver)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeySessionCookieName, defaultCookieName)
	configViper.SetDefault(KeySessionTTLMinutes, defaultSessionTTLMinutes)
	configViper.SetDefault(KeyPagerWindow, defaultPagerWindow)
	configViper.SetDefault(KeyPagerStride, 0)
	configViper.SetDefault(KeyPublishConcurrency, defaultPublishConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString(KeyHTTPAddress),
		CORSOrigins:        configViper.GetStringSlice(KeyCORSOrigins),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString(KeyDatabaseDriver))),
		DatabasePath:       configViper.GetString(KeyDatabasePath),
		DatabaseDSN:        configViper.GetString(KeyDatabaseDSN),
		LogLevel:           configViper.GetString(KeyLogLevel),
		SessionSecret:      configViper.GetString(KeySessionSecret),
		SessionCookieName:  configViper.GetString(KeySessionCookieName),
		SessionTTL:         time.Duration(configViper.GetInt(KeySessionTTLMinutes)) * time.Minute,
		PagerWindow:        configViper.GetInt(KeyPagerWindow),
		PagerStride:        configViper.GetInt(KeyPagerStride),
		PublishConcurrency: configViper.GetInt(KeyPublishConcurrency),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the settings needed to reach the database, for offline commands.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString(KeyDatabaseDriver))),
		DatabasePath:   configViper.GetString(KeyDatabasePath),
		DatabaseDSN:    configViper.GetString(KeyDatabaseDSN),
		LogLevel:       configViper.GetString(KeyLogLevel),
	}
	if err := cfg.validateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("%s is required", KeySessionSecret)
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("%s is required", KeySessionCookieName)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%s must be positive", KeySessionTTLMinutes)
	}
	if c.PagerWindow <= 0 {
		return fmt.Errorf("%s must be positive", KeyPagerWindow)
	}
	if c.PagerStride < 0 {
		return fmt.Errorf("%s must not be negative", KeyPagerStride)
	}
	if c.PublishConcurrency <= 0 {
		return fmt.Errorf("%s must be positive", KeyPublishConcurrency)
	}
	return c.validateStorage()
}

func (c AppConfig) validateStorage() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("%s is required", KeyDatabasePath)
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("%s is required when %s is postgres", KeyDatabaseDSN, KeyDatabaseDriver)
		}
	default:
		return fmt.Errorf("%s must be sqlite or postgres, got %q", KeyDatabaseDriver, c.DatabaseDriver)
	}
	return nil
}
