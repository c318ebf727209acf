// Package config provides the configuration structure for the tts-studio service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Environment variables holding provider credentials.
const (
	EnvProviderClientID     = "TTS_PROVIDER_CLIENT_ID"
	EnvProviderClientSecret = "TTS_PROVIDER_CLIENT_SECRET"
)

// Defaults applied when a value is absent from the configuration file.
const (
	defaultPollIntervalMillis  = 2000
	defaultProviderTimeout     = 30
	defaultMaxBlocksPerRun     = 100
	defaultMaxWordsPerBlock    = 300
	defaultBatchSize           = 1
	defaultInterBatchPauseMs   = 500
	defaultRetryDelayMs        = 1500
	defaultMinAudioBytes       = 1024
	defaultSpeed               = 1.0
	defaultTrackerTimeout      = 600
	defaultServerAddr          = ":8080"
	defaultJobTrackingSubject  = "tts.jobs.track"
	defaultAudioBucket         = "TTS_AUDIO"
	defaultProjectsBucket      = "TTS_PROJECTS"
	defaultSubscriptionsBucket = "TTS_SUBSCRIPTIONS"
	defaultCommitsBucket       = "TTS_QUOTA_COMMITS"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	JobTrackingSubject     string `toml:"job_tracking_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	ProjectsKVBucket       string `toml:"projects_kv_bucket"`
	SubscriptionsKVBucket  string `toml:"subscriptions_kv_bucket"`
	QuotaCommitsKVBucket   string `toml:"quota_commits_kv_bucket"`
}

// ProviderConfig holds the configuration for the external TTS provider.
type ProviderConfig struct {
	BaseURL            string `toml:"base_url"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	PollIntervalMillis int    `toml:"poll_interval_ms"`
	ClientID           string `toml:"-"`
	ClientSecret       string `toml:"-"`
}

// QuotaConfig controls quota enforcement.
type QuotaConfig struct {
	Unmetered bool `toml:"unmetered"`
}

// OrchestratorConfig holds the batch generation policy.
type OrchestratorConfig struct {
	MaxBlocksPerRun   int     `toml:"max_blocks_per_run"`
	MaxWordsPerBlock  int     `toml:"max_words_per_block"`
	BatchSize         int     `toml:"batch_size"`
	InterBatchPauseMs int     `toml:"inter_batch_pause_ms"`
	RetryDelayMs      int     `toml:"retry_delay_ms"`
	MinAudioBytes     int     `toml:"min_audio_bytes"`
	Speed             float64 `toml:"speed"`
	Pitch             float64 `toml:"pitch"`
}

// TrackerConfig holds the background job tracker settings.
type TrackerConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// VoicesConfig points at the voice catalog.
type VoicesConfig struct {
	CatalogPath string `toml:"catalog_path"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS         NATSConfig         `toml:"nats"`
	Provider     ProviderConfig     `toml:"provider"`
	Quota        QuotaConfig        `toml:"quota"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Tracker      TrackerConfig      `toml:"tracker"`
	Voices       VoicesConfig       `toml:"voices"`
	Server       ServerConfig       `toml:"server"`
	Paths        PathsConfig        `toml:"paths"`
}

// Load loads the configuration for the tts-studio service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.Provider.ClientID = os.Getenv(EnvProviderClientID)
	cfg.Provider.ClientSecret = os.Getenv(EnvProviderClientSecret)

	return &cfg, nil
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	setDefault(&c.NATS.JobTrackingSubject, defaultJobTrackingSubject)
	setDefault(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)
	setDefault(&c.NATS.ProjectsKVBucket, defaultProjectsBucket)
	setDefault(&c.NATS.SubscriptionsKVBucket, defaultSubscriptionsBucket)
	setDefault(&c.NATS.QuotaCommitsKVBucket, defaultCommitsBucket)
	setDefault(&c.Provider.TimeoutSeconds, defaultProviderTimeout)
	setDefault(&c.Provider.PollIntervalMillis, defaultPollIntervalMillis)
	setDefault(&c.Orchestrator.MaxBlocksPerRun, defaultMaxBlocksPerRun)
	setDefault(&c.Orchestrator.MaxWordsPerBlock, defaultMaxWordsPerBlock)
	setDefault(&c.Orchestrator.BatchSize, defaultBatchSize)
	setDefault(&c.Orchestrator.InterBatchPauseMs, defaultInterBatchPauseMs)
	setDefault(&c.Orchestrator.RetryDelayMs, defaultRetryDelayMs)
	setDefault(&c.Orchestrator.MinAudioBytes, defaultMinAudioBytes)
	setDefault(&c.Orchestrator.Speed, defaultSpeed)
	setDefault(&c.Tracker.TimeoutSeconds, defaultTrackerTimeout)
	setDefault(&c.Server.Addr, defaultServerAddr)
}

// PollInterval returns the provider status polling cadence.
func (c *ProviderConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Timeout returns the per-request HTTP timeout for provider calls.
func (c *ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns how long a tracker may poll a single job.
func (c *TrackerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
