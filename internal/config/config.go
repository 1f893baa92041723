// Package config loads application configuration from file and
// environment and bootstraps the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Search      SearchConfig      `yaml:"search" mapstructure:"search"`
	Resolver    ResolverConfig    `yaml:"resolver" mapstructure:"resolver"`
	MusicBrainz MusicBrainzConfig `yaml:"musicbrainz" mapstructure:"musicbrainz"`
	IGDB        IGDBConfig        `yaml:"igdb" mapstructure:"igdb"`
	Stage       StageConfig       `yaml:"stage" mapstructure:"stage"`
	Queue       QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds AI capability settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SearchConfig holds search-index collaborator settings.
type SearchConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
}

// ResolverConfig tunes two-tier entity resolution.
type ResolverConfig struct {
	// MinScore is the tier-1 acceptance threshold; below it the
	// resolver falls back to the external catalog.
	MinScore float64 `yaml:"min_score" mapstructure:"min_score"`
}

// MusicBrainzConfig holds the MusicBrainz catalog settings.
type MusicBrainzConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// IGDBConfig holds the IGDB catalog settings.
type IGDBConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Token    string `yaml:"token" mapstructure:"token"`
}

// StageConfig tunes stage-job behavior.
type StageConfig struct {
	// ProgressEvery writes step progress at every Nth item.
	ProgressEvery int `yaml:"progress_every" mapstructure:"progress_every"`
	// ProgressIntervalSecs is the elapsed-time fallback trigger.
	ProgressIntervalSecs int `yaml:"progress_interval_secs" mapstructure:"progress_interval_secs"`
	// LeaseTTLSecs is the advisory per-list lease lifetime.
	LeaseTTLSecs int `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
}

// ProgressInterval returns the elapsed-time trigger as a duration.
func (s StageConfig) ProgressInterval() time.Duration {
	return time.Duration(s.ProgressIntervalSecs) * time.Second
}

// LeaseTTL returns the lease lifetime as a duration.
func (s StageConfig) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSecs) * time.Second
}

// QueueConfig tunes the background worker pool.
type QueueConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	PollIntervalMS   int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ClaimTimeoutSecs int `yaml:"claim_timeout_secs" mapstructure:"claim_timeout_secs"`
}

// PollInterval returns the idle poll delay as a duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// ClaimTimeout returns the per-job execution deadline as a duration.
func (q QueueConfig) ClaimTimeout() time.Duration {
	return time.Duration(q.ClaimTimeoutSecs) * time.Second
}

// ServerConfig configures the wizard HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LISTWIZARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "listwizard.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("search.base_url", "http://localhost:9200")
	v.SetDefault("resolver.min_score", 5.0)
	v.SetDefault("musicbrainz.base_url", "https://musicbrainz.org/ws/2")
	v.SetDefault("musicbrainz.user_agent", "listwizard/1.0 (ops@rankforge.dev)")
	v.SetDefault("igdb.base_url", "https://api.igdb.com/v4")
	v.SetDefault("stage.progress_every", 10)
	v.SetDefault("stage.progress_interval_secs", 5)
	v.SetDefault("stage.lease_ttl_secs", 300)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("queue.claim_timeout_secs", 600)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
