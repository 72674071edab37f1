// Package config loads memosync settings from defaults, an optional config
// file, and MEMOSYNC_ prefixed environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/memosync/internal/logging"
)

const EnvPrefix = "MEMOSYNC"

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
	ProfileCustom       = "custom"
)

type Config struct {
	Addr       string           `mapstructure:"addr"`
	Log        LogConfig        `mapstructure:"log"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Notion     NotionConfig     `mapstructure:"notion"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Writeback  WritebackConfig  `mapstructure:"writeback"`
	Chat       ChatConfig       `mapstructure:"chat"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StorageConfig struct {
	Profile       string `mapstructure:"profile"`
	DataDir       string `mapstructure:"data_dir"`
	ProductionDSN string `mapstructure:"production_dsn"`
	RecordsDSN    string `mapstructure:"records_dsn"`
	QueueDSN      string `mapstructure:"queue_dsn"`
	QueueSize     int    `mapstructure:"queue_size"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Audience  string `mapstructure:"audience"`
}

type WebhookConfig struct {
	Secret         string        `mapstructure:"secret"`
	SecretFile     string        `mapstructure:"secret_file"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DeliveryWindow time.Duration `mapstructure:"delivery_window"`
	MaxClockSkew   time.Duration `mapstructure:"max_clock_skew"`
}

type HTTPConfig struct {
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	StreamOrigins   []string      `mapstructure:"stream_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NotionConfig struct {
	Token      string `mapstructure:"token"`
	DatabaseID string `mapstructure:"database_id"`
	BaseURL    string `mapstructure:"base_url"`
	APIVersion string `mapstructure:"api_version"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type SummarizerConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int64         `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type WritebackConfig struct {
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type ChatConfig struct {
	SkillSecret            string        `mapstructure:"skill_secret"`
	LinkCodeTTL            time.Duration `mapstructure:"link_code_ttl"`
	LinkAttemptLimit       int           `mapstructure:"link_attempt_limit"`
	LinkGlobalAttemptLimit int           `mapstructure:"link_global_attempt_limit"`
	LinkAttemptWindow      time.Duration `mapstructure:"link_attempt_window"`
}

// SetDefaults registers every key so environment variables bind even when
// no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("storage.profile", ProfileMemory)
	v.SetDefault("storage.data_dir", ".memosync")
	v.SetDefault("storage.production_dsn", "")
	v.SetDefault("storage.records_dsn", "")
	v.SetDefault("storage.queue_dsn", "")
	v.SetDefault("storage.queue_size", 1024)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.secret_file", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.delivery_window", 10*time.Minute)
	v.SetDefault("webhook.max_clock_skew", 5*time.Minute)

	v.SetDefault("http.rate_limit_max", 0)
	v.SetDefault("http.rate_limit_window", time.Minute)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.stream_origins", []string{})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("notion.token", "")
	v.SetDefault("notion.database_id", "")
	v.SetDefault("notion.base_url", "")
	v.SetDefault("notion.api_version", "")
	v.SetDefault("notion.max_retries", 3)

	v.SetDefault("summarizer.api_key", "")
	v.SetDefault("summarizer.model", "")
	v.SetDefault("summarizer.base_url", "")
	v.SetDefault("summarizer.max_tokens", 0)
	v.SetDefault("summarizer.timeout", 20*time.Second)

	v.SetDefault("writeback.workers", 2)
	v.SetDefault("writeback.max_attempts", 3)
	v.SetDefault("writeback.retry_delay", 2*time.Second)

	v.SetDefault("chat.skill_secret", "")
	v.SetDefault("chat.link_code_ttl", 5*time.Minute)
	v.SetDefault("chat.link_attempt_limit", 5)
	v.SetDefault("chat.link_global_attempt_limit", 30)
	v.SetDefault("chat.link_attempt_window", 15*time.Minute)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile when non-empty and decodes the merged settings.
func Load(configFile string) (Config, error) {
	v := New()
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Profile = strings.ToLower(strings.TrimSpace(cfg.Storage.Profile))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Log.Format)
	}
	if _, _, err := c.StorageDSNs(); err != nil {
		return err
	}
	if c.Storage.QueueSize < 0 {
		return errors.New("storage.queue_size must not be negative")
	}
	if c.Writeback.Workers < 0 || c.Writeback.MaxAttempts < 0 {
		return errors.New("writeback workers and attempts must not be negative")
	}
	return nil
}

// ValidateServe checks the settings only the HTTP server needs.
func (c Config) ValidateServe() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required (%s_AUTH_JWT_SECRET)", EnvPrefix)
	}
	if strings.TrimSpace(c.Notion.Token) != "" && strings.TrimSpace(c.Notion.DatabaseID) == "" {
		return fmt.Errorf("notion.database_id is required when notion.token is set (%s_NOTION_DATABASE_ID)", EnvPrefix)
	}
	return nil
}

// StorageDSNs resolves the record store and writeback queue DSNs. Explicit
// DSNs override the profile defaults; an empty queue DSN means an
// in-process queue.
func (c Config) StorageDSNs() (recordsDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".memosync"
	}
	switch profile {
	case "", ProfileCustom:
		recordsDSN = "memory://"
	case ProfileMemory, "inmemory":
		recordsDSN, queueDSN = "memory://", "memory://"
	case ProfileProduction, "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("storage.production_dsn is required when storage.profile=%s", profile)
		}
		recordsDSN, queueDSN = dsn, dsn
	case ProfileDurableLocal, "local-durable":
		recordsDSN = "sqlite://" + filepath.Join(dataDir, "memosync.db")
		queueDSN = "file://" + filepath.Join(dataDir, "writeback-queue.json")
	default:
		return "", "", fmt.Errorf("unsupported storage.profile: %s", profile)
	}
	if explicit := strings.TrimSpace(c.Storage.RecordsDSN); explicit != "" {
		recordsDSN = explicit
	}
	if explicit := strings.TrimSpace(c.Storage.QueueDSN); explicit != "" {
		queueDSN = explicit
	}
	return recordsDSN, queueDSN, nil
}

func (c LogConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}
