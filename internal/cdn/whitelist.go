// Package cdn recognizes shared delivery infrastructure so that two sites
// that merely use the same CDN are not reported as one tracking operation.
package cdn

import (
	"container/list"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLearnedCacheSize bounds the learned-domain cache
	DefaultLearnedCacheSize = 1000

	cdnOnlyFactor       = 0.5
	maxResourceDiscount = 0.5
)

// Whitelist is safe for concurrent use
type Whitelist struct {
	log zerolog.Logger

	mu       sync.RWMutex
	builtin  map[string][]string
	extra    map[string][]string
	index    map[string]string // host suffix -> provider
	learned  map[string]*list.Element
	order    *list.List // oldest first
	capacity int
}

type learnedEntry struct {
	host     string
	provider string
}

// Option configures a Whitelist
type Option func(*Whitelist)

// WithLearnedCacheSize bounds the learned cache
func WithLearnedCacheSize(n int) Option {
	return func(w *Whitelist) {
		if n > 0 {
			w.capacity = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(w *Whitelist) { w.log = l.With().Str("component", "cdn").Logger() }
}

// New creates a whitelist seeded with the built-in provider table
func New(opts ...Option) *Whitelist {
	w := &Whitelist{
		log:      zerolog.Nop(),
		builtin:  builtinProviders,
		extra:    map[string][]string{},
		learned:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: DefaultLearnedCacheSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.rebuild()
	return w
}

func (w *Whitelist) rebuild() {
	index := make(map[string]string)
	for provider, patterns := range w.builtin {
		for _, p := range patterns {
			index[Host(p)] = provider
		}
	}
	for provider, patterns := range w.extra {
		for _, p := range patterns {
			index[Host(p)] = provider
		}
	}
	w.index = index
}

// IsCDN reports whether the domain or URL belongs to a known provider
func (w *Whitelist) IsCDN(domainOrURL string) bool {
	_, ok := w.IdentifyCDN(domainOrURL)
	return ok
}

// IdentifyCDN returns the provider serving a domain or URL. The most
// specific matching pattern wins
func (w *Whitelist) IdentifyCDN(domainOrURL string) (string, bool) {
	host := Host(domainOrURL)
	if host == "" {
		return "", false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	for suffix := host; suffix != ""; suffix = parent(suffix) {
		if p, ok := w.index[suffix]; ok {
			return p, true
		}
	}
	for suffix := host; suffix != ""; suffix = parent(suffix) {
		if el, ok := w.learned[suffix]; ok {
			return el.Value.(*learnedEntry).provider, true
		}
	}
	return "", false
}

// SharesCDNOnly reports whether two domains have different base domains
// but are both served by the same provider
func (w *Whitelist) SharesCDNOnly(a, b string) bool {
	ha, hb := Host(a), Host(b)
	if ha == "" || hb == "" || BaseDomain(ha) == BaseDomain(hb) {
		return false
	}
	pa, okA := w.IdentifyCDN(ha)
	pb, okB := w.IdentifyCDN(hb)
	return okA && okB && pa == pb
}

// AdjustCorrelationForCDN discounts a correlation score. It is halved when
// the domains only share a provider, then reduced by up to another half in
// proportion to the CDN share of the resources they have in common. The
// result never exceeds the input
func (w *Whitelist) AdjustCorrelationForCDN(correlation float64, a, b string, sharedResourceURLs []string) float64 {
	if correlation <= 0 || math.IsNaN(correlation) {
		return 0
	}
	adjusted := correlation
	if w.SharesCDNOnly(a, b) {
		adjusted *= cdnOnlyFactor
	}
	if len(sharedResourceURLs) > 0 {
		cdnCount := 0
		for _, u := range sharedResourceURLs {
			if w.IsCDN(u) {
				cdnCount++
			}
		}
		frac := float64(cdnCount) / float64(len(sharedResourceURLs))
		adjusted *= 1 - maxResourceDiscount*frac
	}
	return math.Max(0, math.Min(adjusted, correlation))
}

// Learn records a domain as served by a provider. The oldest learned entry
// is evicted once the cache is full
func (w *Whitelist) Learn(domainOrURL, provider string) {
	host := Host(domainOrURL)
	if host == "" || provider == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.learned[host]; ok {
		el.Value.(*learnedEntry).provider = provider
		return
	}
	w.learned[host] = w.order.PushBack(&learnedEntry{host: host, provider: provider})
	for w.order.Len() > w.capacity {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.learned, oldest.Value.(*learnedEntry).host)
	}
}

// LearnedCount returns the number of learned domains
func (w *Whitelist) LearnedCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.order.Len()
}

// SetPatterns replaces the non-builtin provider patterns
func (w *Whitelist) SetPatterns(providers map[string][]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.extra = make(map[string][]string, len(providers))
	for name, patterns := range providers {
		w.extra[name] = append([]string(nil), patterns...)
	}
	w.rebuild()
}

// PatternsFile is the on-disk format for extra providers
type PatternsFile struct {
	Providers map[string][]string `yaml:"providers"`
	Learned   map[string]string   `yaml:"learned,omitempty"`
}

// LoadPatternsFile reads extra providers and learned domains from YAML
func (w *Whitelist) LoadPatternsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cdn patterns: %w", err)
	}
	var pf PatternsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse cdn patterns: %w", err)
	}

	w.SetPatterns(pf.Providers)
	for host, provider := range pf.Learned {
		w.Learn(host, provider)
	}
	w.log.Info().Str("path", path).Int("providers", len(pf.Providers)).
		Int("learned", len(pf.Learned)).Msg("cdn patterns loaded")
	return nil
}

// Host extracts a lowercase host name from a domain or URL
func Host(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	} else {
		s = strings.TrimPrefix(s, "//")
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s, "]") {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "*.")
	return strings.Trim(s, ".")
}

// BaseDomain returns the last two labels of a host
func BaseDomain(host string) string {
	host = Host(host)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func parent(host string) string {
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return ""
	}
	return host[i+1:]
}
