package config

import (
	"time"
)

// Config is the root configuration structure
type Config struct {
	Version    int              `yaml:"version" validate:"gte=1"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Vectorizer VectorizerConfig `yaml:"vectorizer"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Thermal    ThermalConfig    `yaml:"thermal"`
	Storage    StorageConfig    `yaml:"storage"`
	Collector  CollectorConfig  `yaml:"collector"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	CDN        CDNConfig        `yaml:"cdn"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite badger"`
	Path   string `yaml:"path" validate:"required"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error off disabled"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// VectorizerConfig weights the blocks of the signature vector
type VectorizerConfig struct {
	FrictionWeight float64 `yaml:"friction_weight" validate:"gte=0"`
	LatencyWeight  float64 `yaml:"latency_weight" validate:"gte=0"`
	TrackerWeight  float64 `yaml:"tracker_weight" validate:"gte=0"`
	ProtocolWeight float64 `yaml:"protocol_weight" validate:"gte=0"`
	TimingWeight   float64 `yaml:"timing_weight" validate:"gte=0"`
}

// ClusteringConfig tunes adaptive resonance clustering
type ClusteringConfig struct {
	Vigilance           float64           `yaml:"vigilance" validate:"gt=0,lte=1"`
	LearningRate        float64           `yaml:"learning_rate" validate:"gt=0,lte=1"`
	MaxIterations       int               `yaml:"max_iterations" validate:"gte=1"`
	MaxClusters         int               `yaml:"max_clusters" validate:"gte=1"`
	MergeMargin         float64           `yaml:"merge_margin" validate:"gte=0"`
	MinOutputConfidence float64           `yaml:"min_output_confidence" validate:"gte=0,lte=1"`
	MinOutputDomains    int               `yaml:"min_output_domains" validate:"gte=2"`
	RecencyWindow       Duration          `yaml:"recency_window" validate:"gt=0"`
	ConfidenceWeights   ConfidenceWeights `yaml:"confidence_weights"`
}

// ConfidenceWeights combine cluster size, recency and resonance into a
// cluster's confidence
type ConfidenceWeights struct {
	Size      float64 `yaml:"size" validate:"gte=0"`
	Recency   float64 `yaml:"recency" validate:"gte=0"`
	Resonance float64 `yaml:"resonance" validate:"gte=0"`
}

// ThermalConfig sets the thresholds of the thermal controller
type ThermalConfig struct {
	CPUFair           float64  `yaml:"cpu_fair" validate:"gt=0,lte=1"`
	CPUHigh           float64  `yaml:"cpu_high" validate:"gtefield=CPUFair,lte=1"`
	CPUCritical       float64  `yaml:"cpu_critical" validate:"gtefield=CPUHigh,lte=1"`
	MemoryFairMB      float64  `yaml:"memory_fair_mb" validate:"gt=0"`
	MemoryHighMB      float64  `yaml:"memory_high_mb" validate:"gtefield=MemoryFairMB"`
	MemoryCriticalMB  float64  `yaml:"memory_critical_mb" validate:"gtefield=MemoryHighMB"`
	LatencyFairMs     float64  `yaml:"latency_fair_ms" validate:"gt=0"`
	LatencyHighMs     float64  `yaml:"latency_high_ms" validate:"gtefield=LatencyFairMs"`
	LatencyCriticalMs float64  `yaml:"latency_critical_ms" validate:"gtefield=LatencyHighMs"`
	BaseCooling       Duration `yaml:"base_cooling" validate:"gt=0"`
	MinSampleInterval Duration `yaml:"min_sample_interval" validate:"gt=0"`
	EmergencyAfter    int      `yaml:"emergency_after" validate:"gte=1"`
}

// StorageConfig bounds the persistent store
type StorageConfig struct {
	MaxReports           int      `yaml:"max_reports" validate:"gte=1"`
	MaxSignatures        int      `yaml:"max_signatures" validate:"gte=1"`
	MaxFragments         int      `yaml:"max_fragments" validate:"gte=1"`
	CompressionThreshold int      `yaml:"compression_threshold" validate:"gte=0"`
	QuotaBytes           int64    `yaml:"quota_bytes" validate:"gte=0"`
	QuotaCheckInterval   Duration `yaml:"quota_check_interval" validate:"gt=0"`
	QuotaCheckEvery      int      `yaml:"quota_check_every" validate:"gte=1"`
}

// CollectorConfig bounds the in-memory fragment buffer
type CollectorConfig struct {
	AggregationWindow Duration `yaml:"aggregation_window" validate:"gt=0"`
	MaxBuffer         int      `yaml:"max_buffer" validate:"gte=1"`
	EvictFraction     float64  `yaml:"evict_fraction" validate:"gt=0,lte=1"`
	FlushEvery        int      `yaml:"flush_every" validate:"gte=1"`
	MaxAge            Duration `yaml:"max_age" validate:"gt=0"`
	CleanupInterval   Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

// SynthesisConfig paces synthesis runs
type SynthesisConfig struct {
	MinInterval         Duration `yaml:"min_interval" validate:"gte=0"`
	PromotionConfidence float64  `yaml:"promotion_confidence" validate:"gte=0,lte=1"`
	CheckpointEvery     int      `yaml:"checkpoint_every" validate:"gte=1"`
	ImpactSaturation    int      `yaml:"impact_saturation" validate:"gte=1"`
	BatchLimit          int      `yaml:"batch_limit" validate:"gte=1"`
	IdleAfter           Duration `yaml:"idle_after" validate:"gte=0"`
	PollInterval        Duration `yaml:"poll_interval" validate:"gt=0"`
}

// CDNConfig extends the built-in CDN table
type CDNConfig struct {
	PatternsFile     string `yaml:"patterns_file,omitempty"`
	LearnedCacheSize int    `yaml:"learned_cache_size" validate:"gte=1"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML parses duration strings like "30s" or "5m"
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML outputs duration as string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
