// Package cluster groups signature vectors with a winner-take-all adaptive
// resonance scheme.
//
// A vector joins the cluster whose centroid is most similar to it among
// those at or above the vigilance threshold. When nothing resonates a new
// cluster is opened. Centroids drift toward new members by the learning
// rate and stay unit length. Weak clusters are pruned periodically and
// near-duplicate clusters are merged once the loop settles.
package cluster

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"umbra/internal/domain"
	perr "umbra/internal/errors"
)

// ConfidenceWeights combine the three confidence factors
type ConfidenceWeights struct {
	Size      float64
	Recency   float64
	Resonance float64
}

// Options tune a clustering run. Start from DefaultOptions: a zero
// MergeMargin or MinOutputConfidence is used as given.
type Options struct {
	Vigilance           float64
	LearningRate        float64
	MaxIterations       int
	MaxClusters         int
	MergeMargin         float64
	MinOutputConfidence float64
	MinOutputDomains    int
	RecencyWindow       time.Duration
	Weights             ConfidenceWeights
	Now                 func() time.Time
}

const (
	pruneEvery         = 10
	singletonPruneIter = 20
	pruneConfidence    = 0.2
	singletonCap       = 0.1
	sizeCap            = 10
	resonanceCap       = 10
)

// DefaultOptions returns the stock tuning
func DefaultOptions() Options {
	return Options{
		Vigilance:           0.85,
		LearningRate:        0.1,
		MaxIterations:       100,
		MaxClusters:         100,
		MergeMargin:         0.1,
		MinOutputConfidence: 0.5,
		MinOutputDomains:    2,
		RecencyWindow:       time.Hour,
		Weights:             ConfidenceWeights{Size: 0.3, Recency: 0.4, Resonance: 0.3},
		Now:                 time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Vigilance <= 0 {
		o.Vigilance = d.Vigilance
	}
	if o.LearningRate <= 0 {
		o.LearningRate = d.LearningRate
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MaxClusters <= 0 {
		o.MaxClusters = d.MaxClusters
	}
	if o.MergeMargin < 0 {
		o.MergeMargin = d.MergeMargin
	}
	if o.MinOutputConfidence < 0 {
		o.MinOutputConfidence = d.MinOutputConfidence
	}
	if o.MinOutputDomains <= 0 {
		o.MinOutputDomains = d.MinOutputDomains
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = d.RecencyWindow
	}
	if o.Weights == (ConfidenceWeights{}) {
		o.Weights = d.Weights
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Input is one domain and its vector. Input order drives tie-breaking
type Input struct {
	Domain string
	Vector domain.SignatureVector
}

// Result is a cluster that met the output criteria
type Result struct {
	Domains    []string
	Centroid   domain.SignatureVector
	Confidence float64
}

// Cluster is a live aggregate during a run
type Cluster struct {
	ID              int
	Domains         []string
	Centroid        domain.SignatureVector
	Confidence      float64
	ResonanceEvents int
	ResonanceScore  float64
	LastUpdated     time.Time
}

func (c *Cluster) has(d string) bool {
	return slices.Contains(c.Domains, d)
}

func (c *Cluster) remove(d string) {
	c.Domains = slices.DeleteFunc(c.Domains, func(x string) bool { return x == d })
}

type point struct {
	domain string
	vec    domain.SignatureVector
}

type engine struct {
	opts     Options
	clusters []*Cluster
	assign   map[string]*Cluster
	nextID   int
}

func newEngine(opts Options) *engine {
	return &engine{opts: opts, assign: make(map[string]*Cluster)}
}

// Run clusters the inputs. It returns clusters with at least
// MinOutputDomains members and MinOutputConfidence, by descending confidence.
// Cancellation is observed once per iteration; an aborted run returns no
// results
func Run(ctx context.Context, inputs []Input, opts Options) ([]Result, error) {
	opts = opts.withDefaults()
	e := newEngine(opts)
	if err := e.run(ctx, preparePoints(inputs)); err != nil {
		return nil, err
	}
	return e.results(), nil
}

// preparePoints drops zero vectors and repeated domains, and normalizes
func preparePoints(inputs []Input) []point {
	seen := make(map[string]struct{}, len(inputs))
	points := make([]point, 0, len(inputs))
	for _, in := range inputs {
		if in.Domain == "" || in.Vector.IsZero() {
			continue
		}
		if _, dup := seen[in.Domain]; dup {
			continue
		}
		v := in.Vector.Normalize()
		if v.IsZero() {
			continue
		}
		seen[in.Domain] = struct{}{}
		points = append(points, point{domain: in.Domain, vec: v})
	}
	return points
}

func (e *engine) run(ctx context.Context, points []point) error {
	if len(points) == 0 {
		return nil
	}
	e.create(points[0])

	for iter := 1; iter <= e.opts.MaxIterations; iter++ {
		if err := cancelled(ctx); err != nil {
			return err
		}

		changed := e.pass(points)

		if iter%pruneEvery == 0 {
			e.prune(iter)
		}
		if !changed {
			break
		}
	}

	if err := cancelled(ctx); err != nil {
		return err
	}
	e.mergeAll()
	return nil
}

// pass offers every point to the cluster set once and reports whether any
// membership changed
func (e *engine) pass(points []point) bool {
	changed := false
	now := e.opts.Now()

	for _, p := range points {
		best, sim := e.bestResonating(p.vec)
		cur, assigned := e.assign[p.domain]

		switch {
		case best != nil:
			best.ResonanceEvents++
			best.ResonanceScore += (sim - best.ResonanceScore) / float64(best.ResonanceEvents)

			if !assigned {
				e.add(best, p, now)
				changed = true
			} else if cur != best && sim > cur.Centroid.Dot(p.vec) {
				e.detach(cur, p.domain)
				e.add(best, p, now)
				changed = true
			}
			e.score(best, now)

		case !assigned && len(e.clusters) < e.opts.MaxClusters:
			e.create(p)
			changed = true
		}
	}
	return changed
}

func (e *engine) bestResonating(v domain.SignatureVector) (*Cluster, float64) {
	var best *Cluster
	bestSim := math.Inf(-1)
	for _, c := range e.clusters {
		sim := c.Centroid.Dot(v)
		if sim >= e.opts.Vigilance && sim > bestSim {
			best, bestSim = c, sim
		}
	}
	return best, bestSim
}

func (e *engine) create(p point) *Cluster {
	now := e.opts.Now()
	c := &Cluster{
		ID:          e.nextID,
		Domains:     []string{p.domain},
		Centroid:    p.vec,
		LastUpdated: now,
	}
	e.nextID++
	e.clusters = append(e.clusters, c)
	e.assign[p.domain] = c
	e.score(c, now)
	return c
}

func (e *engine) add(c *Cluster, p point, now time.Time) {
	if c.has(p.domain) {
		return
	}
	c.Domains = append(c.Domains, p.domain)
	lr := e.opts.LearningRate
	next := c.Centroid.Scale(1 - lr).Add(p.vec.Scale(lr)).Normalize()
	if !next.IsZero() {
		c.Centroid = next
	}
	c.LastUpdated = now
	e.assign[p.domain] = c
}

// detach removes a domain from its cluster, dropping the cluster when empty
func (e *engine) detach(c *Cluster, d string) {
	c.remove(d)
	delete(e.assign, d)
	if len(c.Domains) == 0 {
		e.drop(c)
	}
}

func (e *engine) drop(c *Cluster) {
	for _, d := range c.Domains {
		if e.assign[d] == c {
			delete(e.assign, d)
		}
	}
	e.clusters = slices.DeleteFunc(e.clusters, func(x *Cluster) bool { return x == c })
}

// prune removes clusters with low confidence, and single-member clusters
// once the run is past its warm-up iterations
func (e *engine) prune(iter int) {
	now := e.opts.Now()
	for _, c := range slices.Clone(e.clusters) {
		e.score(c, now)
		if (len(c.Domains) == 1 && iter > singletonPruneIter) || c.Confidence < pruneConfidence {
			e.drop(c)
		}
	}
}

// mergeAll folds together clusters whose centroids are closer than
// vigilance plus the merge margin, until no pair qualifies
func (e *engine) mergeAll() {
	threshold := e.opts.Vigilance + e.opts.MergeMargin
	for {
		i, j, ok := e.mergeCandidate(threshold)
		if !ok {
			return
		}
		e.merge(e.clusters[i], e.clusters[j])
	}
}

func (e *engine) mergeCandidate(threshold float64) (int, int, bool) {
	for i := 0; i < len(e.clusters); i++ {
		for j := i + 1; j < len(e.clusters); j++ {
			if e.clusters[i].Centroid.Dot(e.clusters[j].Centroid) > threshold {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// merge absorbs src into dst with a membership-weighted centroid
func (e *engine) merge(dst, src *Cluster) {
	nd, ns := float64(len(dst.Domains)), float64(len(src.Domains))
	centroid := dst.Centroid.Scale(nd).Add(src.Centroid.Scale(ns)).Normalize()
	if !centroid.IsZero() {
		dst.Centroid = centroid
	}

	for _, d := range src.Domains {
		if !dst.has(d) {
			dst.Domains = append(dst.Domains, d)
		}
		e.assign[d] = dst
	}

	total := dst.ResonanceEvents + src.ResonanceEvents
	if total > 0 {
		dst.ResonanceScore = (dst.ResonanceScore*float64(dst.ResonanceEvents) +
			src.ResonanceScore*float64(src.ResonanceEvents)) / float64(total)
	}
	dst.ResonanceEvents = total
	if src.LastUpdated.After(dst.LastUpdated) {
		dst.LastUpdated = src.LastUpdated
	}

	src.Domains = nil
	e.clusters = slices.DeleteFunc(e.clusters, func(x *Cluster) bool { return x == src })
	e.score(dst, e.opts.Now())
}

// score recomputes confidence from membership size, recency and resonance
func (e *engine) score(c *Cluster, now time.Time) {
	w := e.opts.Weights
	size := math.Min(float64(len(c.Domains)), sizeCap) / sizeCap
	age := now.Sub(c.LastUpdated)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(e.opts.RecencyWindow))
	resonance := math.Min(float64(c.ResonanceEvents), resonanceCap) / resonanceCap

	conf := w.Size*size + w.Recency*recency + w.Resonance*resonance
	if len(c.Domains) <= 1 {
		conf = math.Min(conf, singletonCap)
	}
	c.Confidence = math.Max(0, math.Min(1, conf))
}

func (e *engine) results() []Result {
	out := make([]Result, 0, len(e.clusters))
	for _, c := range e.clusters {
		if len(c.Domains) < e.opts.MinOutputDomains || c.Confidence < e.opts.MinOutputConfidence {
			continue
		}
		out = append(out, Result{
			Domains:    slices.Clone(c.Domains),
			Centroid:   c.Centroid,
			Confidence: c.Confidence,
		})
	}
	// confidence desc, ties by first domain asc
	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Domains[0], b.Domains[0])
	})
	return out
}

// cancelled returns the cancellation cause, keeping coded causes such as a
// thermal emergency intact
func cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if _, ok := perr.As(cause); ok {
		return cause
	}
	return perr.Wrap(cause, perr.ErrorCodeCancelled, "clustering cancelled")
}
