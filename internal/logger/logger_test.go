package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNewJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	root := New(Options{Level: "debug", Format: "json", Service: "umbra", Writer: &buf})
	log := Named(root, "collector")
	log.Info().Str("domain", "example.com").Msg("fragment merged")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "umbra", entry["service"])
	assert.Equal(t, "collector", entry["component"])
	assert.Equal(t, "example.com", entry["domain"])
	assert.Equal(t, "fragment merged", entry["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "error", Format: "json", Writer: &buf})
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("UMBRA_LOG_LEVEL", "warn")
	opt := FromEnv(Options{Level: "info", Format: "json"})
	assert.Equal(t, "warn", opt.Level)
	assert.Equal(t, "json", opt.Format)
}
