package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "umbra/internal/errors"
)

func validFragment() MemoryFragment {
	return MemoryFragment{
		ID:                "f1",
		Domain:            "example.com",
		Timestamp:         time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		Friction:          0.4,
		Latency:           120,
		Trackers:          []string{"t2", "t1", "t1", " "},
		ProtocolSignature: ProtocolH2,
	}
}

func TestMemoryFragmentValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *MemoryFragment)
		ok     bool
	}{
		{"valid", func(f *MemoryFragment) {}, true},
		{"missing domain", func(f *MemoryFragment) { f.Domain = "  " }, false},
		{"missing timestamp", func(f *MemoryFragment) { f.Timestamp = time.Time{} }, false},
		{"negative friction", func(f *MemoryFragment) { f.Friction = -0.1 }, false},
		{"negative latency", func(f *MemoryFragment) { f.Latency = -1 }, false},
		{"nan friction", func(f *MemoryFragment) { f.Friction = math.NaN() }, false},
		{"negative timing", func(f *MemoryFragment) {
			f.ResourceTimings = []ResourceTiming{{Name: "a.js", Duration: -3}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFragment()
			tt.mutate(&f)
			err := f.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))
		})
	}
}

func TestTrackerSetNormalizes(t *testing.T) {
	f := validFragment()
	assert.Equal(t, []string{"t1", "t2"}, f.TrackerSet())
}

func TestCloneIsDeep(t *testing.T) {
	f := validFragment()
	c := f.Clone()
	c.Trackers[0] = "changed"
	assert.Equal(t, "t2", f.Trackers[0])
}

func TestParseProtocol(t *testing.T) {
	assert.Equal(t, ProtocolH3, ParseProtocol("h3-29"))
	assert.Equal(t, ProtocolH2, ParseProtocol("HTTP/2"))
	assert.Equal(t, ProtocolHTTP1, ParseProtocol("http/1.1"))
	assert.Equal(t, ProtocolUnknown, ParseProtocol("spdy"))
	assert.False(t, ProtocolUnknown.IsKnown())
}

func TestSignatureIDIsOrderIndependent(t *testing.T) {
	a := SignatureID([]string{"tracker1.com", "tracker2.net"})
	b := SignatureID([]string{"tracker2.net", "tracker1.com"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SignatureID([]string{"tracker1.com", "tracker3.org"}))
}

func TestVectorNormalize(t *testing.T) {
	var v SignatureVector
	v[0], v[5] = 3, 4
	n := v.Normalize()
	assert.InDelta(t, 1.0, n.Norm(), 1e-12)
	assert.InDelta(t, 1.0, n.Cosine(v), 1e-12)
	assert.True(t, SignatureVector{}.Normalize().IsZero())
	assert.Zero(t, SignatureVector{}.Cosine(v))
}

func TestThermalStateText(t *testing.T) {
	b, err := json.Marshal(ThermalHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(b))

	var s ThermalState
	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &s))
	assert.Equal(t, ThermalCritical, s)
	assert.True(t, s.Hot())
	assert.False(t, ThermalFair.Hot())
}

func TestNotificationEnvelope(t *testing.T) {
	env := Wrap(RunCompleted{ReportID: "r1", Signatures: 2})
	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"run_completed"`)
	assert.Contains(t, string(b), `"report_id":"r1"`)
}
