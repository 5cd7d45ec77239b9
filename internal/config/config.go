package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "BARRAGE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "barrage.db"
	defaultBlobPath      = "blobs"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultSyncPageSize  = 200
	defaultTokenTTLMins  = 60
	defaultJanitorSpec   = "17 */2 * * *"
	defaultHighscoreTop  = 50
	defaultMaxUploadSize = 4 << 20
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	DatabasePath   string
	BlobPath       string
	LogLevel       string
	LogFormat      string
	SyncPageSize   int
	TokenTTL       time.Duration
	JanitorSpec    string
	HighscoreTop   int
	MaxUploadBytes int64
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
	configViper.SetDefault("blob.path", defaultBlobPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("sync.page_size", defaultSyncPageSize)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMins)
	configViper.SetDefault("janitor.spec", defaultJanitorSpec)
	configViper.SetDefault("highscore.top", defaultHighscoreTop)
	configViper.SetDefault("upload.max_bytes", defaultMaxUploadSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DatabasePath:   configViper.GetString("database.path"),
		BlobPath:       configViper.GetString("blob.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		SyncPageSize:   configViper.GetInt("sync.page_size"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		JanitorSpec:    configViper.GetString("janitor.spec"),
		HighscoreTop:   configViper.GetInt("highscore.top"),
		MaxUploadBytes: configViper.GetInt64("upload.max_bytes"),
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
	if strings.TrimSpace(c.BlobPath) == "" {
		return fmt.Errorf("blob.path is required")
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	return nil
}
