// Package config loads runtime configuration for the linkhaven client and
// the linkhaven-cloud service from flags, environment, and config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "LINKHAVEN"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "linkhaven.db"
	defaultCloudDBPath    = "linkhaven-cloud.db"
	defaultLogLevel       = "info"
	defaultSyncInterval   = 5 * time.Minute
	defaultConflictPolicy = "newest-wins"
	defaultSourceType     = "localfile"
	defaultTokenTTL       = 24 * time.Hour
)

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	DatabasePath  string
	LogLevel      string
	BookmarksPath string

	SyncInterval   time.Duration
	ConflictPolicy string

	SourceID   string
	SourceType string
	SourcePath string
	Owner      string
	Repo       string
	Branch     string
	FilePath   string
	Token      string
	FileID     string
	BaseURL    string
	UserID     string
}

// ServerConfig captures runtime configuration for the cloud service.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
	LogLevel      string
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
	configViper.SetDefault("cloud.database.path", defaultCloudDBPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.conflict_policy", defaultConflictPolicy)
	configViper.SetDefault("source.type", defaultSourceType)
	configViper.SetDefault("source.branch", "main")
	configViper.SetDefault("source.file_path", "bookmarks.json")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// LoadClient parses sync-client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		BookmarksPath:  configViper.GetString("browser.bookmarks_path"),
		SyncInterval:   configViper.GetDuration("sync.interval"),
		ConflictPolicy: configViper.GetString("sync.conflict_policy"),
		SourceID:       configViper.GetString("source.id"),
		SourceType:     configViper.GetString("source.type"),
		SourcePath:     configViper.GetString("source.path"),
		Owner:          configViper.GetString("source.owner"),
		Repo:           configViper.GetString("source.repo"),
		Branch:         configViper.GetString("source.branch"),
		FilePath:       configViper.GetString("source.file_path"),
		Token:          configViper.GetString("source.token"),
		FileID:         configViper.GetString("source.file_id"),
		BaseURL:        configViper.GetString("source.base_url"),
		UserID:         configViper.GetString("source.user_id"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadServer parses cloud-service configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("cloud.database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BookmarksPath) == "" {
		return fmt.Errorf("browser.bookmarks_path is required")
	}
	if strings.TrimSpace(c.SourceType) == "" {
		return fmt.Errorf("source.type is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("cloud.database.path is required")
	}
	return nil
}
