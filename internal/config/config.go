// Package config provides configuration management for courant.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/veille-labs/courant/pkg/models"
)

// Defaults applied when no config file is present.
const (
	DefaultHTTPAddr      = ":8642"
	DefaultMaxConns      = 4
	DefaultBucketMinutes = 5
)

// SpaceConfig declares the embedding space the engine clusters in.
type SpaceConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Dims     int    `yaml:"dims"`
	Version  string `yaml:"version"`
}

// ScheduleConfig sets the cadences of the periodic passes, in minutes.
type ScheduleConfig struct {
	ConsolidateEvery int `yaml:"consolidate_every"`
	TrendsEvery      int `yaml:"trends_every"`
	DetectEvery      int `yaml:"detect_every"`
}

// DetectorConfig holds event-detection tuning. Weights apply to the
// composite score in the order volume, velocity, acceleration, novelty,
// source diversity, locality.
type DetectorConfig struct {
	Weights          Weights `yaml:"weights"`
	GlobalThreshold  float64 `yaml:"global_threshold"`
	LocalThreshold   float64 `yaml:"local_threshold"`
	LocalMinSources  int     `yaml:"local_min_sources"`
	MinDocCount      int     `yaml:"min_doc_count"`
	EscalationMargin float64 `yaml:"escalation_margin"`
	MediumBand       float64 `yaml:"medium_band"`
	HighBand         float64 `yaml:"high_band"`
	CriticalBand     float64 `yaml:"critical_band"`
	PublishRate      float64 `yaml:"publish_rate"` // events per second, 0 = unlimited
}

// Weights for the composite event score.
type Weights struct {
	Volume       float64 `yaml:"volume"`
	Velocity     float64 `yaml:"velocity"`
	Acceleration float64 `yaml:"acceleration"`
	Novelty      float64 `yaml:"novelty"`
	Diversity    float64 `yaml:"diversity"`
	Locality     float64 `yaml:"locality"`
}

// Config is the engine configuration, loaded from YAML with flag overrides
// applied by the daemon.
type Config struct {
	DBPath        string           `yaml:"db_path"`
	HTTPAddr      string           `yaml:"http_addr"`
	MaxConns      int              `yaml:"max_conns"`
	Workers       int              `yaml:"workers"`
	BucketMinutes int              `yaml:"bucket_minutes"`
	RedisURL      string           `yaml:"redis_url"` // optional event publisher
	Space         SpaceConfig      `yaml:"space"`
	RunParams     models.RunParams `yaml:"run_params"`
	Schedule      ScheduleConfig   `yaml:"schedule"`
	Detector      DetectorConfig   `yaml:"detector"`
}

// DataDir returns the default data directory (~/.courant).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".courant")
}

// DBPath returns the default database path.
func DBPath() string {
	return filepath.Join(DataDir(), "courant.db")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DBPath:        DBPath(),
		HTTPAddr:      DefaultHTTPAddr,
		MaxConns:      DefaultMaxConns,
		Workers:       4,
		BucketMinutes: DefaultBucketMinutes,
		Space: SpaceConfig{
			Name:     "mistral-embed",
			Provider: "mistral",
			Dims:     1024,
			Version:  "system",
		},
		RunParams: models.DefaultRunParams(),
		Schedule: ScheduleConfig{
			ConsolidateEvery: 15,
			TrendsEvery:      5,
			DetectEvery:      5,
		},
		Detector: DetectorConfig{
			Weights: Weights{
				Volume:       0.5,
				Velocity:     1.0,
				Acceleration: 2.0,
				Novelty:      3.0,
				Diversity:    1.5,
				Locality:     2.0,
			},
			GlobalThreshold:  10.0,
			LocalThreshold:   6.0,
			LocalMinSources:  3,
			MinDocCount:      3,
			EscalationMargin: 5.0,
			MediumBand:       15.0,
			HighBand:         25.0,
			CriticalBand:     40.0,
			PublishRate:      10,
		},
	}
}

// Load reads the config file at path, filling unset fields from defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if c.Space.Dims <= 0 {
		return fmt.Errorf("space dims must be positive, got %d", c.Space.Dims)
	}
	if c.BucketMinutes <= 0 {
		return fmt.Errorf("bucket_minutes must be positive, got %d", c.BucketMinutes)
	}
	if err := c.RunParams.Validate(); err != nil {
		return err
	}
	d := c.Detector
	if d.MediumBand > d.HighBand || d.HighBand > d.CriticalBand {
		return fmt.Errorf("severity bands must be non-decreasing: %v %v %v",
			d.MediumBand, d.HighBand, d.CriticalBand)
	}
	if d.LocalThreshold > d.GlobalThreshold {
		return fmt.Errorf("local_threshold %v must not exceed global_threshold %v",
			d.LocalThreshold, d.GlobalThreshold)
	}
	return nil
}
