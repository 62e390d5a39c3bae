package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "umbra/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.85, cfg.Clustering.Vigilance)
	assert.Equal(t, 0.1, cfg.Clustering.LearningRate)
	assert.Equal(t, 100, cfg.Clustering.MaxIterations)
	assert.Equal(t, 100, cfg.Storage.MaxReports)
	assert.Equal(t, 500, cfg.Storage.MaxSignatures)
	assert.Equal(t, 1000, cfg.Storage.MaxFragments)
	assert.Equal(t, 100*1024, cfg.Storage.CompressionThreshold)
	assert.Equal(t, 60*time.Second, cfg.Synthesis.MinInterval.Duration())
	assert.Equal(t, 10, cfg.Synthesis.ImpactSaturation)
	assert.Equal(t, 2, cfg.Clustering.MinOutputDomains)
	assert.Equal(t, ConfidenceWeights{Size: 0.3, Recency: 0.4, Resonance: 0.3}, cfg.Clustering.ConfidenceWeights)
	assert.Equal(t, 100*time.Millisecond, cfg.Thermal.MinSampleInterval.Duration())
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  driver: badger
  path: /var/lib/umbra
clustering:
  vigilance: 0.9
synthesis:
  min_interval: 2m
`))
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Database.Driver)
	assert.Equal(t, 0.9, cfg.Clustering.Vigilance)
	assert.Equal(t, 0.1, cfg.Clustering.LearningRate, "unset field falls back to default")
	assert.Equal(t, 2*time.Minute, cfg.Synthesis.MinInterval.Duration())
	assert.Equal(t, 10, cfg.Thermal.EmergencyAfter)
	assert.Equal(t, 1.5, cfg.Vectorizer.TrackerWeight)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"vigilance above one", "clustering:\n  vigilance: 1.5\n"},
		{"unknown driver", "database:\n  driver: postgres\n"},
		{"thresholds out of order", "thermal:\n  cpu_fair: 0.8\n  cpu_high: 0.6\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"single-domain clusters", "clustering:\n  min_output_domains: 1\n"},
		{"zero cap", "storage:\n  max_reports: 0\n"},
		{"zero poll interval", "synthesis:\n  poll_interval: 0s\n"},
		{"zero impact saturation", "synthesis:\n  impact_saturation: 0\n"},
		{"all confidence weights zero", "clustering:\n  confidence_weights: {size: 0, recency: 0, resonance: 0}\n"},
		{"all vector weights zero", "vectorizer:\n  friction_weight: 0\n  latency_weight: 0\n  tracker_weight: 0\n  protocol_weight: 0\n  timing_weight: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))
		})
	}
}

func TestParseKeepsExplicitZeros(t *testing.T) {
	cfg, err := Parse([]byte(`
clustering:
  merge_margin: 0
  confidence_weights:
    size: 0.5
    recency: 0
    resonance: 0.5
synthesis:
  min_interval: 0s
  impact_saturation: 4
`))
	require.NoError(t, err)

	assert.Zero(t, cfg.Clustering.MergeMargin)
	assert.Equal(t, ConfidenceWeights{Size: 0.5, Resonance: 0.5}, cfg.Clustering.ConfidenceWeights)
	assert.Zero(t, cfg.Synthesis.MinInterval.Duration())
	assert.Equal(t, 4, cfg.Synthesis.ImpactSaturation)
	assert.Equal(t, 2, cfg.Clustering.MinOutputDomains, "omitted key keeps its default")
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("synthesis:\n  min_interval: soon\n"))
	assert.Error(t, err)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Clustering.Vigilance = 0.8
	cfg.CDN.PatternsFile = "/etc/umbra/cdn.yaml"
	require.NoError(t, cfg.Save(path))

	loaded, gotPath, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, gotPath)
	assert.Equal(t, cfg, loaded)
}

func TestFindConfigPathPrefersEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "explicit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0644))

	t.Setenv(EnvConfigPath, path)
	assert.Equal(t, path, FindConfigPath())
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfg, path, err := Load()
	require.NoError(t, err)
	if path == "" {
		assert.Equal(t, DefaultConfig(), cfg)
	}
}
