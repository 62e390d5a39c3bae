package cdn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"https://cdn.jsdelivr.net/npm/x.js", "cdn.jsdelivr.net"},
		{"//fonts.gstatic.com/s/roboto.woff2", "fonts.gstatic.com"},
		{"user@static.example.org:8443/a?b=c", "static.example.org"},
		{"www.example.com.", "www.example.com"},
		{"  http://a.b.c:80#frag ", "a.b.c"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Host(tt.in), "Host(%q)", tt.in)
	}
}

func TestBaseDomain(t *testing.T) {
	assert.Equal(t, "cloudfront.net", BaseDomain("d1234.cloudfront.net"))
	assert.Equal(t, "example.com", BaseDomain("example.com"))
	assert.Equal(t, "localhost", BaseDomain("localhost"))
}

func TestIdentifyCDN(t *testing.T) {
	w := New()
	tests := []struct {
		in       string
		provider string
		ok       bool
	}{
		{"d111111abcdef8.cloudfront.net", "cloudfront", true},
		{"https://cdnjs.cloudflare.com/ajax/libs/jquery.js", "cloudflare", true},
		{"fonts.googleapis.com", "fonts", true},
		{"ajax.googleapis.com", "google", true},
		{"myblog.github.io", "shared-hosting", true},
		{"notcloudfront.net", "", false},
		{"tracker1.com", "", false},
	}
	for _, tt := range tests {
		p, ok := w.IdentifyCDN(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.provider, p, tt.in)
		assert.Equal(t, tt.ok, w.IsCDN(tt.in), tt.in)
	}
}

func TestSharesCDNOnly(t *testing.T) {
	w := New()
	assert.False(t, w.SharesCDNOnly("a1.cloudfront.net", "b2.cloudfront.net"),
		"same base domain is not CDN-only sharing")
	assert.True(t, w.SharesCDNOnly("site.akamaized.net", "other.edgekey.net"))
	assert.False(t, w.SharesCDNOnly("site.akamaized.net", "x.cloudfront.net"))
	assert.False(t, w.SharesCDNOnly("tracker1.com", "tracker2.net"))
}

func TestAdjustCorrelationForCDN(t *testing.T) {
	w := New()

	t.Run("cdn only pair is at least halved", func(t *testing.T) {
		got := w.AdjustCorrelationForCDN(0.9, "shop.akamaized.net", "news.edgesuite.net", nil)
		assert.InDelta(t, 0.45, got, 1e-12)
	})

	t.Run("strictly decreases for cdn only pairs", func(t *testing.T) {
		for _, c := range []float64{0.01, 0.3, 0.85, 1} {
			got := w.AdjustCorrelationForCDN(c, "a.netlify.app", "b.vercel.app", []string{"https://c.example/x.js"})
			assert.Less(t, got, c)
		}
	})

	t.Run("resource discount scales with cdn fraction", func(t *testing.T) {
		shared := []string{
			"https://cdn.jsdelivr.net/npm/a.js",
			"https://unpkg.com/b.js",
			"https://tracker.example/c.js",
			"https://tracker.example/d.js",
		}
		got := w.AdjustCorrelationForCDN(0.8, "tracker1.com", "tracker2.net", shared)
		assert.InDelta(t, 0.8*(1-0.5*0.5), got, 1e-12)
	})

	t.Run("all cdn resources and cdn only", func(t *testing.T) {
		got := w.AdjustCorrelationForCDN(1, "a.b-cdn.net", "b.bunnycdn.com", []string{"https://x.b-cdn.net/a"})
		assert.InDelta(t, 0.25, got, 1e-12)
	})

	t.Run("unrelated domains untouched", func(t *testing.T) {
		assert.Equal(t, 0.7, w.AdjustCorrelationForCDN(0.7, "tracker1.com", "tracker2.net", nil))
	})

	t.Run("non positive", func(t *testing.T) {
		assert.Zero(t, w.AdjustCorrelationForCDN(-0.2, "a.com", "b.com", nil))
	})
}

func TestLearnedCacheEvictsOldest(t *testing.T) {
	w := New(WithLearnedCacheSize(2))
	w.Learn("static.one.com", "edge")
	w.Learn("static.two.com", "edge")
	w.Learn("static.three.com", "edge")

	assert.Equal(t, 2, w.LearnedCount())
	assert.False(t, w.IsCDN("static.one.com"))
	assert.True(t, w.IsCDN("img.static.two.com"))
	assert.True(t, w.IsCDN("static.three.com"))

	w.Learn("static.two.com", "other")
	p, _ := w.IdentifyCDN("static.two.com")
	assert.Equal(t, "other", p)
	assert.Equal(t, 2, w.LearnedCount())
}

func TestLoadPatternsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  internal-edge:
    - edge.corp.example
learned:
  assets.partner.example: internal-edge
`), 0644))

	w := New()
	require.NoError(t, w.LoadPatternsFile(path))
	p, ok := w.IdentifyCDN("eu.edge.corp.example")
	assert.True(t, ok)
	assert.Equal(t, "internal-edge", p)
	assert.True(t, w.IsCDN("assets.partner.example"))
	assert.True(t, w.IsCDN("cloudfront.net"), "builtins survive a reload")

	w.SetPatterns(nil)
	assert.False(t, w.IsCDN("eu.edge.corp.example"))
}

func TestLoadPatternsFileErrors(t *testing.T) {
	w := New()
	assert.Error(t, w.LoadPatternsFile(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("providers: [unterminated"), 0644))
	assert.Error(t, w.LoadPatternsFile(bad))
}
