// Package config loads YAML configuration with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

const (
	configPathEnv = "MUKOKO_CONFIG"
	databaseEnv   = "MUKOKO_DB_PATH"
	listenEnv     = "MUKOKO_LISTEN_ADDR"
	aiEndpointEnv = "MUKOKO_AI_ENDPOINT"
	aiAPIKeyEnv   = "MUKOKO_AI_API_KEY"
)

// Config holds every tunable for the application. Instances are built once
// at startup and passed into constructors; nothing reads ambient globals.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Health    HealthConfig    `yaml:"health"`
	AI        AIConfig        `yaml:"ai"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sources   []SourceConfig  `yaml:"sources"`
}

// DatabaseConfig describes the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig describes the read API listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// SchedulerConfig bounds the fetch loop.
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tickInterval"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
}

// PipelineConfig bounds per-article stage execution.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
	StageTimeout time.Duration `yaml:"stageTimeout"`
	// Languages the classification stage handles; other languages are
	// marked skipped rather than failed.
	ClassifyLanguages []string `yaml:"classifyLanguages"`
}

// ScoringConfig holds quality weights and trending parameters. Weights are
// normalized at use, so they only need to be relative.
type ScoringConfig struct {
	QualityWeights   QualityWeights  `yaml:"qualityWeights"`
	TrendingWeights  TrendingWeights `yaml:"trendingWeights"`
	TrendingHalfLife time.Duration   `yaml:"trendingHalfLife"`
}

// QualityWeights weights the quality factor components.
type QualityWeights struct {
	Completeness float64 `yaml:"completeness"`
	Grammar      float64 `yaml:"grammar"`
	Readability  float64 `yaml:"readability"`
	Headline     float64 `yaml:"headline"`
	Timeliness   float64 `yaml:"timeliness"`
	Credibility  float64 `yaml:"credibility"`
}

// TrendingWeights weights the engagement counters.
type TrendingWeights struct {
	Views     float64 `yaml:"views"`
	Likes     float64 `yaml:"likes"`
	Bookmarks float64 `yaml:"bookmarks"`
}

// HealthConfig sets the failure thresholds for source scheduling.
type HealthConfig struct {
	WarnThreshold    int `yaml:"warnThreshold"`
	DisableThreshold int `yaml:"disableThreshold"`
}

// AIConfig defines how to contact the classification service. An empty
// endpoint leaves the AI-backed stages skipped.
type AIConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SourceConfig seeds one feed source at startup.
type SourceConfig struct {
	Name            string `yaml:"name"`
	FeedURL         string `yaml:"feedUrl"`
	Country         string `yaml:"country"`
	Category        string `yaml:"category"`
	FetchFrequency  int    `yaml:"fetchFrequencyMinutes"`
	ExtractStrategy string `yaml:"extractStrategy"`
	TitleSelector   string `yaml:"titleSelector"`
	ContentSelector string `yaml:"contentSelector"`
}

// ToSource converts a seed entry into a domain Source.
func (s SourceConfig) ToSource() model.Source {
	strategy := model.ExtractStrategy(s.ExtractStrategy)
	if strategy != model.ExtractScrape {
		strategy = model.ExtractRSS
	}
	freq := time.Duration(s.FetchFrequency) * time.Minute
	if freq <= 0 {
		freq = 60 * time.Minute
	}
	return model.Source{
		Name:            s.Name,
		FeedURL:         s.FeedURL,
		Country:         s.Country,
		Category:        s.Category,
		FetchFrequency:  freq,
		Enabled:         true,
		ExtractStrategy: strategy,
		TitleSelector:   s.TitleSelector,
		ContentSelector: s.ContentSelector,
	}
}

// Load reads configuration from the path in MUKOKO_CONFIG (or the given
// fallback path), layering file values over defaults and environment
// overrides over both.
func Load(fallbackPath string) (Config, error) {
	cfg := Default()

	path := os.Getenv(configPathEnv)
	if path == "" {
		path = fallbackPath
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyFloors()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(listenEnv); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv(aiEndpointEnv); v != "" {
		c.AI.Endpoint = v
	}
	if v := os.Getenv(aiAPIKeyEnv); v != "" {
		c.AI.APIKey = v
	}
}

func (c *Config) applyFloors() {
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		c.Scheduler.MaxConcurrency = 10
	}
	if c.Scheduler.FetchTimeout <= 0 {
		c.Scheduler.FetchTimeout = 10 * time.Second
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 8
	}
	if c.Pipeline.MaxRetries < 0 {
		c.Pipeline.MaxRetries = 0
	}
	if c.Pipeline.RetryBackoff <= 0 {
		c.Pipeline.RetryBackoff = time.Second
	}
	if c.Pipeline.StageTimeout <= 0 {
		c.Pipeline.StageTimeout = 30 * time.Second
	}
	if c.Scoring.TrendingHalfLife <= 0 {
		c.Scoring.TrendingHalfLife = 12 * time.Hour
	}
	if c.Health.WarnThreshold <= 0 {
		c.Health.WarnThreshold = 5
	}
	if c.Health.DisableThreshold <= c.Health.WarnThreshold {
		c.Health.DisableThreshold = 20
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = 15 * time.Second
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "mukoko.db"},
		Server:   ServerConfig{ListenAddr: ":8080"},
		Scheduler: SchedulerConfig{
			TickInterval:   time.Minute,
			MaxConcurrency: 10,
			FetchTimeout:   10 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:           8,
			MaxRetries:        3,
			RetryBackoff:      time.Second,
			StageTimeout:      30 * time.Second,
			ClassifyLanguages: []string{"en"},
		},
		Scoring: ScoringConfig{
			QualityWeights: QualityWeights{
				Completeness: 0.25,
				Grammar:      0.15,
				Readability:  0.2,
				Headline:     0.15,
				Timeliness:   0.1,
				Credibility:  0.15,
			},
			TrendingWeights: TrendingWeights{
				Views:     1,
				Likes:     4,
				Bookmarks: 6,
			},
			TrendingHalfLife: 12 * time.Hour,
		},
		Health: HealthConfig{
			WarnThreshold:    5,
			DisableThreshold: 20,
		},
		AI:      AIConfig{Timeout: 15 * time.Second},
		Logging: LoggingConfig{Level: "info"},
	}
}
