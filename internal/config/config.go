// Package config provides configuration management for umbra.
//
// Every tunable of the engine (clustering, thermal thresholds, storage caps,
// synthesis pacing) is a named, validated value with a documented default.
// A config file is decoded over DefaultConfig, so omitted keys keep their
// defaults and explicit values, zero included, are kept and validated.
//
// Config file locations (priority order):
//  1. $UMBRA_CONFIG
//  2. ./umbra.yaml
//  3. $XDG_CONFIG_HOME/umbra/config.yaml
//  4. ~/.config/umbra/config.yaml
//  5. /etc/umbra/config.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	perr "umbra/internal/errors"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		return DefaultConfig(), "", nil
	}

	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes YAML over the defaults and validates
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section against its constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return perr.Wrap(err, perr.ErrorCodeInvalidArgument, "invalid config")
	}
	v := c.Vectorizer
	if v.FrictionWeight+v.LatencyWeight+v.TrackerWeight+v.ProtocolWeight+v.TimingWeight == 0 {
		return perr.InvalidArgf("invalid config: vectorizer weights are all zero")
	}
	w := c.Clustering.ConfidenceWeights
	if w.Size+w.Recency+w.Resonance == 0 {
		return perr.InvalidArgf("invalid config: clustering confidence weights are all zero")
	}
	return nil
}

// DefaultConfig returns the documented defaults.
// The clustering and promotion constants are uncalibrated starting points.
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Database: DatabaseConfig{Driver: "sqlite", Path: "./umbra.db"},
		Server:   ServerConfig{Addr: ":3000"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Vectorizer: VectorizerConfig{
			FrictionWeight: 1.0,
			LatencyWeight:  1.0,
			TrackerWeight:  1.5,
			ProtocolWeight: 0.75,
			TimingWeight:   0.75,
		},
		Clustering: ClusteringConfig{
			Vigilance:           0.85,
			LearningRate:        0.1,
			MaxIterations:       100,
			MaxClusters:         100,
			MergeMargin:         0.1,
			MinOutputConfidence: 0.5,
			MinOutputDomains:    2,
			RecencyWindow:       Duration(time.Hour),
			ConfidenceWeights:   ConfidenceWeights{Size: 0.3, Recency: 0.4, Resonance: 0.3},
		},
		Thermal: ThermalConfig{
			CPUFair:           0.5,
			CPUHigh:           0.7,
			CPUCritical:       0.9,
			MemoryFairMB:      512,
			MemoryHighMB:      1024,
			MemoryCriticalMB:  2048,
			LatencyFairMs:     50,
			LatencyHighMs:     100,
			LatencyCriticalMs: 200,
			BaseCooling:       Duration(100 * time.Millisecond),
			MinSampleInterval: Duration(100 * time.Millisecond),
			EmergencyAfter:    10,
		},
		Storage: StorageConfig{
			MaxReports:           100,
			MaxSignatures:        500,
			MaxFragments:         1000,
			CompressionThreshold: 100 * 1024,
			QuotaBytes:           64 << 20,
			QuotaCheckInterval:   Duration(5 * time.Minute),
			QuotaCheckEvery:      10,
		},
		Collector: CollectorConfig{
			AggregationWindow: Duration(60 * time.Second),
			MaxBuffer:         1000,
			EvictFraction:     0.2,
			FlushEvery:        50,
			MaxAge:            Duration(time.Hour),
			CleanupInterval:   Duration(5 * time.Minute),
		},
		Synthesis: SynthesisConfig{
			MinInterval:         Duration(60 * time.Second),
			PromotionConfidence: 0.85,
			CheckpointEvery:     100,
			ImpactSaturation:    10,
			BatchLimit:          1000,
			IdleAfter:           Duration(5 * time.Minute),
			PollInterval:        Duration(30 * time.Second),
		},
		CDN: CDNConfig{LearnedCacheSize: 1000},
	}
}
