package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/casecrawl/casecrawl/internal/artifact"
	"github.com/casecrawl/casecrawl/internal/match"
	"github.com/casecrawl/casecrawl/internal/platform"
	"github.com/casecrawl/casecrawl/internal/resilience"
	"github.com/casecrawl/casecrawl/internal/session"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Match      match.Config     `yaml:"match" mapstructure:"match"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Platform   platform.Config  `yaml:"platform" mapstructure:"platform"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" mapstructure:"artifacts"`
	Events     EventsConfig     `yaml:"events" mapstructure:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Workers      int  `yaml:"workers" mapstructure:"workers"`
	AutoDownload bool `yaml:"auto_download" mapstructure:"auto_download"`
	MaxCases     int  `yaml:"max_cases" mapstructure:"max_cases"`
}

// SearchConfig configures the search cascade.
type SearchConfig struct {
	YearSpan int         `yaml:"year_span" mapstructure:"year_span"`
	Retry    RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures retries of transient platform failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// Resilience converts to the retry policy used by the orchestrator.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		rc.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	if r.Multiplier > 0 {
		rc.Multiplier = r.Multiplier
	}
	return rc
}

// SessionConfig configures the platform session pool.
type SessionConfig struct {
	CredentialsFile    string  `yaml:"credentials_file" mapstructure:"credentials_file"`
	PoolSize           int     `yaml:"pool_size" mapstructure:"pool_size"`
	SearchesPerMinute  int     `yaml:"searches_per_minute" mapstructure:"searches_per_minute"`
	DownloadsPerMinute int     `yaml:"downloads_per_minute" mapstructure:"downloads_per_minute"`
	SearchBurst        int     `yaml:"search_burst" mapstructure:"search_burst"`
	DownloadBurst      int     `yaml:"download_burst" mapstructure:"download_burst"`
	DelayMinSecs       float64 `yaml:"delay_min_secs" mapstructure:"delay_min_secs"`
	DelayMaxSecs       float64 `yaml:"delay_max_secs" mapstructure:"delay_max_secs"`
	ValidityHours      int     `yaml:"validity_hours" mapstructure:"validity_hours"`
	SweepSchedule      string  `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	CircuitFailures    int     `yaml:"circuit_failures" mapstructure:"circuit_failures"`
	CircuitResetSecs   int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// Manager converts to the session manager configuration.
func (s SessionConfig) Manager() session.Config {
	mc := session.DefaultConfig()
	mc.PoolSize = s.PoolSize
	if s.SearchesPerMinute > 0 {
		mc.SearchesPerMinute = s.SearchesPerMinute
	}
	if s.DownloadsPerMinute > 0 {
		mc.DownloadsPerMinute = s.DownloadsPerMinute
	}
	if s.SearchBurst > 0 {
		mc.SearchBurst = s.SearchBurst
	}
	if s.DownloadBurst > 0 {
		mc.DownloadBurst = s.DownloadBurst
	}
	if s.DelayMinSecs >= 0 && s.DelayMaxSecs >= s.DelayMinSecs && s.DelayMaxSecs > 0 {
		mc.DelayMin = time.Duration(s.DelayMinSecs * float64(time.Second))
		mc.DelayMax = time.Duration(s.DelayMaxSecs * float64(time.Second))
	}
	if s.ValidityHours > 0 {
		mc.Validity = time.Duration(s.ValidityHours) * time.Hour
	}
	if s.CircuitFailures > 0 {
		mc.Circuit.FailureThreshold = s.CircuitFailures
	}
	if s.CircuitResetSecs > 0 {
		mc.Circuit.ResetTimeout = time.Duration(s.CircuitResetSecs) * time.Second
	}
	return mc
}

// ArtifactsConfig configures downloaded-document storage.
type ArtifactsConfig struct {
	Backend       string            `yaml:"backend" mapstructure:"backend"`
	Dir           string            `yaml:"dir" mapstructure:"dir"`
	RetentionDays int               `yaml:"retention_days" mapstructure:"retention_days"`
	SweepSchedule string            `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	S3            artifact.S3Config `yaml:"s3" mapstructure:"s3"`
}

// Retention returns the artifact retention window.
func (a ArtifactsConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// EventsConfig configures progress event delivery.
type EventsConfig struct {
	Buffer int         `yaml:"buffer" mapstructure:"buffer"`
	Kafka  KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures the optional Kafka event sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// Enabled reports whether the Kafka sink should be started.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// MonitoringConfig configures metrics and operator alerts.
type MonitoringConfig struct {
	Namespace           string  `yaml:"namespace" mapstructure:"namespace"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CASECRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "casecrawl.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.auto_download", false)
	v.SetDefault("batch.max_cases", 1000)
	v.SetDefault("search.year_span", 1)
	v.SetDefault("search.retry.max_attempts", 3)
	v.SetDefault("search.retry.initial_backoff_ms", 2000)
	v.SetDefault("search.retry.max_backoff_ms", 30000)
	v.SetDefault("search.retry.multiplier", 2.0)

	mc := match.DefaultConfig()
	v.SetDefault("match.volume_tolerance", mc.VolumeTolerance)
	v.SetDefault("match.volume_penalty", mc.VolumePenalty)
	v.SetDefault("match.similar_volume_floor", mc.SimilarVolumeFloor)
	v.SetDefault("match.party_threshold", mc.PartyThreshold)
	v.SetDefault("match.year_match_floor", mc.YearMatchFloor)

	v.SetDefault("session.credentials_file", "accounts.yaml")
	v.SetDefault("session.pool_size", 2)
	v.SetDefault("session.searches_per_minute", 4)
	v.SetDefault("session.downloads_per_minute", 3)
	v.SetDefault("session.search_burst", 1)
	v.SetDefault("session.download_burst", 1)
	v.SetDefault("session.delay_min_secs", 3.0)
	v.SetDefault("session.delay_max_secs", 8.0)
	v.SetDefault("session.validity_hours", 8)
	v.SetDefault("session.sweep_schedule", "*/5 * * * *")
	v.SetDefault("session.circuit_failures", 5)
	v.SetDefault("session.circuit_reset_secs", 60)

	v.SetDefault("platform.base_url", "https://www.westlawasia.com")
	v.SetDefault("platform.login_path", "/login")
	v.SetDefault("platform.search_path", "/search")
	v.SetDefault("platform.headless", true)
	v.SetDefault("platform.action_timeout", "60s")
	v.SetDefault("platform.max_doc_bytes", 50<<20)
	v.SetDefault("platform.chrome_path", "")
	v.SetDefault("platform.user_agent", "")

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.dir", "downloads")
	v.SetDefault("artifacts.retention_days", 30)
	v.SetDefault("artifacts.sweep_schedule", "0 3 * * *")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.access_key", "")
	v.SetDefault("artifacts.s3.secret_key", "")

	v.SetDefault("events.buffer", 64)
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "casecrawl.events")

	v.SetDefault("monitoring.namespace", "casecrawl")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.error_rate_threshold", 0.25)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
}

// Validate checks the configuration for the given mode ("serve" or "run").
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "run":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}

	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.Dir == "" {
			problems = append(problems, "artifacts.dir is required for the local backend")
		}
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			problems = append(problems, "artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("artifacts.backend %q is not one of local, s3", c.Artifacts.Backend))
	}

	if c.Batch.Workers < 1 || c.Batch.Workers > 64 {
		problems = append(problems, "batch.workers must be between 1 and 64")
	}
	if c.Session.DelayMinSecs < 0 || c.Session.DelayMaxSecs < c.Session.DelayMinSecs {
		problems = append(problems, "session.delay_min_secs must be >= 0 and <= delay_max_secs")
	}
	if c.Session.CredentialsFile == "" {
		problems = append(problems, "session.credentials_file is required")
	}
	if c.Match.PartyThreshold < 0 || c.Match.PartyThreshold > 1 {
		problems = append(problems, "match.party_threshold must be between 0 and 1")
	}
	if c.Match.YearMatchFloor >= c.Match.SimilarVolumeFloor {
		problems = append(problems, "match.year_match_floor must be below match.similar_volume_floor")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
