// Package collector buffers live observations as memory fragments until a
// synthesis run consumes them.
//
// Observations for the same domain that arrive within the aggregation window
// merge into one fragment. The buffer is bounded: past MaxBuffer the oldest
// share is evicted, and fragments older than MaxAge are dropped by Cleanup.
// Changed fragments are flushed to the store in batches so a restart does
// not lose them.
package collector

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"umbra/internal/cdn"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/metrics"
)

// FragmentStore is the part of repository.Store the collector uses
type FragmentStore interface {
	SaveFragments(ctx context.Context, frags []domain.MemoryFragment) error
	RecentFragments(ctx context.Context, limit int, exclude map[string]struct{}) ([]domain.MemoryFragment, error)
	MarkFragmentsProcessed(ctx context.Context, ids []string) error
}

// Config bounds the buffer
type Config struct {
	AggregationWindow time.Duration
	MaxBuffer         int
	EvictFraction     float64
	FlushEvery        int
	MaxAge            time.Duration
	CleanupInterval   time.Duration
	MaxTimings        int
}

// DefaultConfig returns the stock bounds
func DefaultConfig() Config {
	return Config{
		AggregationWindow: 60 * time.Second,
		MaxBuffer:         1000,
		EvictFraction:     0.2,
		FlushEvery:        50,
		MaxAge:            time.Hour,
		CleanupInterval:   5 * time.Minute,
		MaxTimings:        256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = d.AggregationWindow
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = d.MaxBuffer
	}
	if c.EvictFraction <= 0 || c.EvictFraction > 1 {
		c.EvictFraction = d.EvictFraction
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = d.FlushEvery
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxTimings <= 0 {
		c.MaxTimings = d.MaxTimings
	}
	return c
}

// Stats is a snapshot of collector counters
type Stats struct {
	Buffered     int       `json:"buffered"`
	Dirty        int       `json:"dirty"`
	Observations int       `json:"observations"`
	Processed    int       `json:"processed"`
	Evicted      int       `json:"evicted"`
	Flushed      int       `json:"flushed"`
	LastActivity time.Time `json:"last_activity"`
}

// entry is a buffered fragment plus per-metric sample counts for the
// running means
type entry struct {
	frag      domain.MemoryFragment
	frictionN int
	latencyN  int
}

// Collector is safe for concurrent use
type Collector struct {
	cfg     Config
	store   FragmentStore
	now     func() time.Time
	newID   func() string
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	entries  []*entry // creation order, oldest first
	byDomain map[string]*entry
	dirty    map[string]struct{}
	orphans  []domain.MemoryFragment // dirty fragments that left the buffer unflushed
	inserts  int
	stats    Stats
}

// Option configures a Collector
type Option func(*Collector)

// WithStore persists flushed fragments and supplements reads
func WithStore(s FragmentStore) Option { return func(c *Collector) { c.store = s } }

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// WithIDs replaces the fragment id generator
func WithIDs(fn func() string) Option { return func(c *Collector) { c.newID = fn } }

// WithMetrics records buffer size and evictions
func WithMetrics(m *metrics.Metrics) Option { return func(c *Collector) { c.metrics = m } }

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Collector) { c.log = l.With().Str("component", "collector").Logger() }
}

// New creates a collector
func New(cfg Config, opts ...Option) *Collector {
	c := &Collector{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		newID:    uuid.NewString,
		log:      zerolog.Nop(),
		byDomain: make(map[string]*entry),
		dirty:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Ingestion
// ============================================================================

// CollectDOMResonance records a friction measurement and hidden elements
func (c *Collector) CollectDOMResonance(ctx context.Context, dom string, friction float64, hidden []string, at time.Time) (string, error) {
	if !finite(friction) || friction < 0 {
		return "", perr.InvalidArgf("friction must be a non-negative number, got %v", friction)
	}
	return c.collect(ctx, dom, at, func(e *entry) {
		e.frag.Friction = runningMean(e.frag.Friction, e.frictionN, friction)
		e.frictionN++
		e.frag.HiddenElements = append(e.frag.HiddenElements, nonEmpty(hidden)...)
	})
}

// CollectNetworkLatency records a page latency, the negotiated protocol and
// sub-resource timings
func (c *Collector) CollectNetworkLatency(ctx context.Context, dom string, latency float64, protocol domain.Protocol, timings []domain.ResourceTiming, at time.Time) (string, error) {
	if !finite(latency) || latency < 0 {
		return "", perr.InvalidArgf("latency must be a non-negative number, got %v", latency)
	}
	for _, rt := range timings {
		if !finite(rt.Duration) || rt.Duration < 0 {
			return "", perr.InvalidArgf("resource timing %q has a bad duration", rt.Name)
		}
	}
	return c.collect(ctx, dom, at, func(e *entry) {
		e.frag.Latency = runningMean(e.frag.Latency, e.latencyN, latency)
		e.latencyN++
		if protocol.IsKnown() {
			e.frag.ProtocolSignature = protocol
		}
		room := c.cfg.MaxTimings - len(e.frag.ResourceTimings)
		if room > 0 {
			e.frag.ResourceTimings = append(e.frag.ResourceTimings, timings[:min(room, len(timings))]...)
		}
	})
}

// CollectTrackerDetection records third-party trackers seen on a page
func (c *Collector) CollectTrackerDetection(ctx context.Context, dom string, trackers []string, at time.Time) (string, error) {
	if len(domain.NormalizeSet(trackers)) == 0 {
		return "", perr.InvalidArgf("no trackers given")
	}
	return c.collect(ctx, dom, at, func(e *entry) {
		e.frag.Trackers = domain.NormalizeSet(append(e.frag.Trackers, trackers...))
	})
}

func (c *Collector) collect(ctx context.Context, dom string, at time.Time, apply func(*entry)) (string, error) {
	dom = cdn.Host(dom)
	if dom == "" {
		return "", perr.InvalidArgf("domain is required")
	}

	c.mu.Lock()
	now := c.now()
	if at.IsZero() {
		at = now
	}

	e := c.byDomain[dom]
	if e == nil || !withinWindow(e.frag.Timestamp, at, c.cfg.AggregationWindow) {
		e = &entry{frag: domain.MemoryFragment{
			ID:                c.newID(),
			Domain:            dom,
			Timestamp:         at,
			ProtocolSignature: domain.ProtocolUnknown,
		}}
		c.entries = append(c.entries, e)
		c.byDomain[dom] = e
	}
	apply(e)
	e.frag.Samples++
	if at.After(e.frag.UpdatedAt) {
		e.frag.UpdatedAt = at
	}
	id := e.frag.ID

	c.dirty[id] = struct{}{}
	c.stats.Observations++
	c.stats.LastActivity = now
	c.inserts++
	c.evictLocked()
	flush := c.inserts%c.cfg.FlushEvery == 0
	c.metrics.SetBuffer(len(c.entries))
	c.mu.Unlock()

	if flush {
		if err := c.Flush(ctx); err != nil {
			c.log.Warn().Err(err).Msg("fragment flush failed")
		}
	}
	return id, nil
}

func withinWindow(start, at time.Time, window time.Duration) bool {
	d := at.Sub(start)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// evictLocked drops the oldest share of the buffer once it is over capacity
func (c *Collector) evictLocked() {
	if len(c.entries) <= c.cfg.MaxBuffer {
		return
	}
	n := int(math.Ceil(float64(c.cfg.MaxBuffer) * c.cfg.EvictFraction))
	n = max(n, len(c.entries)-c.cfg.MaxBuffer)
	c.removeLocked(c.entries[:n], true)
	c.stats.Evicted += n
	c.metrics.Evicted(n)
	c.log.Debug().Int("evicted", n).Int("buffered", len(c.entries)).Msg("buffer full, evicted oldest fragments")
}

// removeLocked drops the given entries; keepDirty parks unflushed ones for
// the next flush
func (c *Collector) removeLocked(gone []*entry, keepDirty bool) {
	drop := make(map[*entry]struct{}, len(gone))
	for _, e := range gone {
		drop[e] = struct{}{}
		if _, ok := c.dirty[e.frag.ID]; ok {
			delete(c.dirty, e.frag.ID)
			if keepDirty {
				c.orphans = append(c.orphans, e.frag.Clone())
			}
		}
		if c.byDomain[e.frag.Domain] == e {
			delete(c.byDomain, e.frag.Domain)
		}
	}
	c.entries = slices.DeleteFunc(c.entries, func(e *entry) bool {
		_, ok := drop[e]
		return ok
	})
}

// ============================================================================
// Persistence
// ============================================================================

// Flush writes changed fragments to the store
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.store == nil {
		c.dirty = make(map[string]struct{})
		c.orphans = nil
		c.mu.Unlock()
		return nil
	}
	batch := c.orphans
	c.orphans = nil
	for _, e := range c.entries {
		if _, ok := c.dirty[e.frag.ID]; ok {
			batch = append(batch, e.frag.Clone())
		}
	}
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := c.store.SaveFragments(ctx, batch); err != nil {
		c.mu.Lock()
		c.requeueLocked(batch)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.stats.Flushed += len(batch)
	c.mu.Unlock()
	c.log.Debug().Int("fragments", len(batch)).Msg("flushed fragments")
	return nil
}

// requeueLocked marks a failed batch dirty again
func (c *Collector) requeueLocked(batch []domain.MemoryFragment) {
	buffered := make(map[string]struct{}, len(c.entries))
	for _, e := range c.entries {
		buffered[e.frag.ID] = struct{}{}
	}
	for _, f := range batch {
		if _, ok := buffered[f.ID]; ok {
			c.dirty[f.ID] = struct{}{}
		} else {
			c.orphans = append(c.orphans, f)
		}
	}
}

// Cleanup drops fragments whose latest observation is older than MaxAge and
// returns how many were dropped
func (c *Collector) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.cfg.MaxAge)
	var stale []*entry
	for _, e := range c.entries {
		if e.frag.ObservedAt().Before(cutoff) {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return 0
	}
	c.removeLocked(stale, true)
	c.metrics.SetBuffer(len(c.entries))
	c.log.Debug().Int("dropped", len(stale)).Msg("dropped stale fragments")
	return len(stale)
}

// Run flushes and cleans up every CleanupInterval until ctx is done, then
// flushes once more
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.Flush(fctx); err != nil {
				c.log.Warn().Err(err).Msg("final flush failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			c.Cleanup(c.now())
			if err := c.Flush(ctx); err != nil {
				c.log.Warn().Err(err).Msg("fragment flush failed")
			}
		}
	}
}

// ============================================================================
// Consumption
// ============================================================================

// GetRecentFragments returns up to limit fragments newest first. Buffered
// fragments come first, skipping those older than MaxAge that Cleanup has not
// dropped yet; when they are not enough, unprocessed fragments from the store
// fill the rest. limit <= 0 returns everything.
func (c *Collector) GetRecentFragments(ctx context.Context, limit int) ([]domain.MemoryFragment, error) {
	c.mu.Lock()
	cutoff := c.now().Add(-c.cfg.MaxAge)
	out := make([]domain.MemoryFragment, 0, len(c.entries))
	exclude := make(map[string]struct{}, len(c.entries))
	for _, e := range c.entries {
		exclude[e.frag.ID] = struct{}{}
		if e.frag.ObservedAt().Before(cutoff) {
			continue
		}
		out = append(out, e.frag.Clone())
	}
	store := c.store
	c.mu.Unlock()

	slices.SortStableFunc(out, func(a, b domain.MemoryFragment) int {
		return b.ObservedAt().Compare(a.ObservedAt())
	})
	if limit > 0 && len(out) >= limit {
		return out[:limit], nil
	}
	if store == nil {
		return out, nil
	}

	want := 0
	if limit > 0 {
		want = limit - len(out)
	}
	more, err := store.RecentFragments(ctx, want, exclude)
	if err != nil {
		if ctx.Err() != nil {
			return nil, perr.Wrap(context.Cause(ctx), perr.ErrorCodeCancelled, "reading fragments cancelled")
		}
		c.log.Warn().Err(err).Msg("could not read stored fragments, using buffer only")
		return out, nil
	}
	return append(out, more...), nil
}

// ClearProcessedFragments retires fragments handed out by GetRecentFragments:
// they leave the buffer and are marked processed in the store. A buffered
// fragment that merged further observations after it was handed out stays,
// under a new id, so those observations reach the next run.
func (c *Collector) ClearProcessedFragments(ctx context.Context, handed []domain.MemoryFragment) error {
	if len(handed) == 0 {
		return nil
	}
	samples := make(map[string]int, len(handed))
	ids := make([]string, 0, len(handed))
	for _, f := range handed {
		if _, dup := samples[f.ID]; !dup {
			ids = append(ids, f.ID)
		}
		samples[f.ID] = f.Samples
	}

	c.mu.Lock()
	var gone []*entry
	rekeyed := 0
	for _, e := range c.entries {
		n, ok := samples[e.frag.ID]
		switch {
		case !ok:
		case e.frag.Samples > n:
			delete(c.dirty, e.frag.ID)
			e.frag.ID = c.newID()
			c.dirty[e.frag.ID] = struct{}{}
			rekeyed++
		default:
			gone = append(gone, e)
		}
	}
	c.removeLocked(gone, false)
	c.orphans = slices.DeleteFunc(c.orphans, func(f domain.MemoryFragment) bool {
		n, ok := samples[f.ID]
		return ok && f.Samples <= n
	})
	for i := range c.orphans {
		if _, ok := samples[c.orphans[i].ID]; ok {
			c.orphans[i].ID = c.newID()
			rekeyed++
		}
	}
	c.stats.Processed += len(ids)
	c.metrics.SetBuffer(len(c.entries))
	store := c.store
	c.mu.Unlock()

	if rekeyed > 0 {
		c.log.Debug().Int("fragments", rekeyed).Msg("kept fragments that changed during the run")
	}
	if store == nil {
		return nil
	}
	if err := store.MarkFragmentsProcessed(ctx, ids); err != nil {
		c.log.Warn().Err(err).Int("fragments", len(ids)).Msg("could not mark fragments processed")
		return err
	}
	return nil
}

// Stats returns a snapshot of the counters
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Buffered = len(c.entries)
	s.Dirty = len(c.dirty) + len(c.orphans)
	return s
}

// LastActivity returns when the last observation arrived
func (c *Collector) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.LastActivity
}

func runningMean(mean float64, n int, x float64) float64 {
	return (mean*float64(n) + x) / float64(n+1)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
