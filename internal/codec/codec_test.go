package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/domain"
)

func sampleBundle() *Bundle {
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	return &Bundle{
		Fragments: []domain.MemoryFragment{{
			ID:                "f1",
			Domain:            "tracker1.com",
			Timestamp:         at,
			Friction:          0.3,
			Latency:           80,
			Trackers:          []string{"analytics.js", "fingerprint.js"},
			ProtocolSignature: domain.ProtocolH3,
		}},
		Signatures: []domain.SurveillanceSignature{{
			ID:         "s1",
			Domains:    []string{"tracker1.com", "tracker2.net"},
			Confidence: 0.9,
			Infrastructure: domain.Infrastructure{
				TrackerFingerprint: []string{"analytics.js"},
			},
			DiscoveredAt: at,
			LastSeen:     at,
		}},
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			c, err := ForFormat(format)
			require.NoError(t, err)
			assert.Equal(t, format, c.Format())

			var buf bytes.Buffer
			require.NoError(t, c.Export(sampleBundle(), &buf))

			got, err := c.Parse(&buf)
			require.NoError(t, err)
			require.Len(t, got.Fragments, 1)
			assert.Equal(t, "tracker1.com", got.Fragments[0].Domain)
			assert.Equal(t, domain.ProtocolH3, got.Fragments[0].ProtocolSignature)
			assert.True(t, got.Fragments[0].Timestamp.Equal(sampleBundle().Fragments[0].Timestamp))
			require.Len(t, got.Signatures, 1)
			assert.Equal(t, []string{"tracker1.com", "tracker2.net"}, got.Signatures[0].Domains)
		})
	}
}

func TestForFormatUnknown(t *testing.T) {
	_, err := ForFormat("xml")
	assert.Error(t, err)
}

func TestYAMLParseEmpty(t *testing.T) {
	b, err := NewYAMLCodec().Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, b.Fragments)
}

func TestJSONParseError(t *testing.T) {
	_, err := NewJSONCodec().Parse(strings.NewReader("{not json"))
	assert.Error(t, err)
}

func TestPayloadThreshold(t *testing.T) {
	p := Payload{Compressor: NewZstdCompressor(), Threshold: 1024}

	small := []byte("tiny payload")
	out, compressed, err := p.Encode(small)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, small, out)

	large := bytes.Repeat([]byte(`{"domain":"example.com","friction":0.5}`), 200)
	out, compressed, err = p.Encode(large)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Less(t, len(out), len(large))

	back, err := p.Decode(out, true)
	require.NoError(t, err)
	assert.Equal(t, large, back)
}

func TestPayloadDecodeWithoutCompressor(t *testing.T) {
	_, err := Payload{}.Decode([]byte{1, 2, 3}, true)
	assert.Error(t, err)
}
