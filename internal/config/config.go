package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TESSERA"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tessera.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "app_session"
	defaultIssuer       = "tauth"
	defaultAssetsType   = "none"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LogFile         string
	LogMaxSizeMB    int
	LogMaxBackups   int
	LogMaxAgeDays   int
	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string
	AllowedOrigins  []string

	FlushInterval    time.Duration
	LockTTL          time.Duration
	LockDebounce     time.Duration
	CursorInterval   time.Duration
	HistoryChunkSize int
	OutboundQueue    int

	CompactOnStartup      bool
	CompactionConcurrency int
	AllowRebuild          bool

	RedisURL      string
	LeaseTTL      time.Duration
	LeaseNodeID   string
	AssetsType    string
	AssetsBaseURL string
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	S3Endpoint    string
	S3AccessKeyID string
	S3SecretKey   string
	AssetsURLTTL  time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", 100)
	configViper.SetDefault("log.max_backups", 5)
	configViper.SetDefault("log.max_age_days", 14)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("board.flush_interval", time.Second)
	configViper.SetDefault("board.lock_ttl", 10*time.Second)
	configViper.SetDefault("board.lock_debounce", 20*time.Millisecond)
	configViper.SetDefault("board.cursor_interval", 100*time.Millisecond)
	configViper.SetDefault("board.history_chunk_size", 1000)
	configViper.SetDefault("board.outbound_queue", 256)

	configViper.SetDefault("compaction.on_startup", false)
	configViper.SetDefault("compaction.concurrency", 4)
	configViper.SetDefault("compaction.allow_rebuild", true)

	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.lease_ttl", 30*time.Second)
	configViper.SetDefault("redis.node_id", "")

	configViper.SetDefault("assets.type", defaultAssetsType)
	configViper.SetDefault("assets.static_base_url", "")
	configViper.SetDefault("assets.s3_bucket", "")
	configViper.SetDefault("assets.s3_region", "")
	configViper.SetDefault("assets.s3_prefix", "")
	configViper.SetDefault("assets.s3_endpoint", "")
	configViper.SetDefault("assets.s3_access_key_id", "")
	configViper.SetDefault("assets.s3_secret_access_key", "")
	configViper.SetDefault("assets.url_ttl", 15*time.Minute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFile:         configViper.GetString("log.file"),
		LogMaxSizeMB:    configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:   configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:   configViper.GetInt("log.max_age_days"),
		TAuthSigningKey: configViper.GetString("auth.signing_secret"),
		TAuthIssuer:     configViper.GetString("auth.issuer"),
		TAuthCookieName: configViper.GetString("auth.cookie_name"),

		FlushInterval:    configViper.GetDuration("board.flush_interval"),
		LockTTL:          configViper.GetDuration("board.lock_ttl"),
		LockDebounce:     configViper.GetDuration("board.lock_debounce"),
		CursorInterval:   configViper.GetDuration("board.cursor_interval"),
		HistoryChunkSize: configViper.GetInt("board.history_chunk_size"),
		OutboundQueue:    configViper.GetInt("board.outbound_queue"),

		CompactOnStartup:      configViper.GetBool("compaction.on_startup"),
		CompactionConcurrency: configViper.GetInt("compaction.concurrency"),
		AllowRebuild:          configViper.GetBool("compaction.allow_rebuild"),

		RedisURL:      configViper.GetString("redis.url"),
		LeaseTTL:      configViper.GetDuration("redis.lease_ttl"),
		LeaseNodeID:   configViper.GetString("redis.node_id"),
		AssetsType:    configViper.GetString("assets.type"),
		AssetsBaseURL: configViper.GetString("assets.static_base_url"),
		S3Bucket:      configViper.GetString("assets.s3_bucket"),
		S3Region:      configViper.GetString("assets.s3_region"),
		S3Prefix:      configViper.GetString("assets.s3_prefix"),
		S3Endpoint:    configViper.GetString("assets.s3_endpoint"),
		S3AccessKeyID: configViper.GetString("assets.s3_access_key_id"),
		S3SecretKey:   configViper.GetString("assets.s3_secret_access_key"),
		AssetsURLTTL:  configViper.GetDuration("assets.url_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the keys needed by offline maintenance commands.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFile:               configViper.GetString("log.file"),
		LogMaxSizeMB:          configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:         configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:         configViper.GetInt("log.max_age_days"),
		CompactionConcurrency: configViper.GetInt("compaction.concurrency"),
		AllowRebuild:          configViper.GetBool("compaction.allow_rebuild"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	durations := map[string]time.Duration{
		"board.flush_interval":  c.FlushInterval,
		"board.lock_ttl":        c.LockTTL,
		"board.lock_debounce":   c.LockDebounce,
		"board.cursor_interval": c.CursorInterval,
		"redis.lease_ttl":       c.LeaseTTL,
		"assets.url_ttl":        c.AssetsURLTTL,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.HistoryChunkSize <= 0 {
		return fmt.Errorf("board.history_chunk_size must be positive")
	}
	if c.OutboundQueue <= 0 {
		return fmt.Errorf("board.outbound_queue must be positive")
	}
	if c.CompactionConcurrency <= 0 {
		return fmt.Errorf("compaction.concurrency must be positive")
	}
	return nil
}
