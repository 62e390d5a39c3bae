// Package vectorizer turns memory fragments into fixed-size signature
// vectors.
//
// Layout of the 32 dimensions:
//
//	0-5    friction   Gaussian RBF of the z-scored friction value
//	6-13   latency    RBF of the z-scored latency, then min/max/mean/std of resource durations
//	14-21  trackers   BLAKE2b projection of the sorted tracker set, sparsified
//	22-25  protocol   one-hot h3, h2, http1, other
//	26-31  timing     DFT magnitudes, request count, interval mean/std, protocol diversity
//
// Friction and latency are normalized against running statistics that are
// recalibrated by UpdateStatistics between batches, never during one.
package vectorizer

import (
	"math"
	"math/cmplx"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"umbra/internal/domain"
)

const (
	frictionStart = 0
	latencyStart  = 6
	trackerStart  = 14
	protocolStart = 22
	timingStart   = 26

	frictionDims = latencyStart - frictionStart
	latencyRBF   = 4
	trackerDims  = protocolStart - trackerStart

	// tracker projection values below this are zeroed
	sparsityThreshold = 0.3

	// DFT window over resource durations
	dftWindow = 16

	// durations are log-scaled against this ceiling (ms)
	durationCeiling = 10000.0

	rbfWidth = 1.0
)

var (
	frictionCenters = [frictionDims]float64{-2.5, -1.5, -0.5, 0.5, 1.5, 2.5}
	latencyCenters  = [latencyRBF]float64{-1.5, -0.5, 0.5, 1.5}
)

// Weights scale each block before normalization
type Weights struct {
	Friction float64
	Latency  float64
	Tracker  float64
	Protocol float64
	Timing   float64
}

// DefaultWeights returns the block weights used when none are configured
func DefaultWeights() Weights {
	return Weights{Friction: 1.0, Latency: 1.0, Tracker: 1.5, Protocol: 0.75, Timing: 0.75}
}

// Stats is a running mean and standard deviation
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func (s Stats) z(x float64) float64 {
	std := s.Std
	if std <= 1e-9 {
		std = 1
	}
	return (x - s.Mean) / std
}

// Vectorizer is safe for concurrent use. Vectorize only reads statistics,
// UpdateStatistics replaces them
type Vectorizer struct {
	weights Weights
	log     zerolog.Logger

	mu       sync.RWMutex
	friction Stats
	latency  Stats
}

// Option configures a Vectorizer
type Option func(*Vectorizer)

// WithWeights overrides the block weights
func WithWeights(w Weights) Option {
	return func(v *Vectorizer) { v.weights = w }
}

// WithLogger sets the logger used for recovered failures
func WithLogger(l zerolog.Logger) Option {
	return func(v *Vectorizer) { v.log = l.With().Str("component", "vectorizer").Logger() }
}

// New creates a Vectorizer with neutral statistics
func New(opts ...Option) *Vectorizer {
	v := &Vectorizer{
		weights:  DefaultWeights(),
		log:      zerolog.Nop(),
		friction: Stats{Mean: 0.5, Std: 0.25},
		latency:  Stats{Mean: 200, Std: 150},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Statistics returns the current friction and latency statistics
func (v *Vectorizer) Statistics() (friction, latency Stats) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.friction, v.latency
}

// UpdateStatistics recalibrates friction and latency normalization from a
// batch. Fragments with negative or non-finite metrics are ignored; an empty
// batch leaves the statistics unchanged
func (v *Vectorizer) UpdateStatistics(fragments []domain.MemoryFragment) {
	var fr, lat []float64
	for i := range fragments {
		f := &fragments[i]
		if f.Validate() != nil {
			continue
		}
		fr = append(fr, f.Friction)
		lat = append(lat, f.Latency)
	}
	if len(fr) == 0 {
		return
	}

	fm, fs := meanStd(fr)
	lm, ls := meanStd(lat)

	v.mu.Lock()
	v.friction = Stats{Mean: fm, Std: fs}
	v.latency = Stats{Mean: lm, Std: ls}
	v.mu.Unlock()
}

// Vectorize encodes a fragment. It never fails: an internal error yields the
// zero vector, which clustering ignores
func (v *Vectorizer) Vectorize(f domain.MemoryFragment) (out domain.SignatureVector) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Str("domain", f.Domain).Msg("vectorize failed")
			out = domain.SignatureVector{}
		}
	}()

	if !finite(f.Friction) || !finite(f.Latency) {
		v.log.Warn().Str("domain", f.Domain).Msg("non-finite metric, returning zero vector")
		return domain.SignatureVector{}
	}

	fs, ls := v.Statistics()
	w := v.weights

	var vec domain.SignatureVector
	encodeFriction(vec[frictionStart:latencyStart], fs.z(f.Friction), w.Friction)
	encodeLatency(vec[latencyStart:trackerStart], ls.z(f.Latency), f.ResourceTimings, w.Latency)
	encodeTrackers(vec[trackerStart:protocolStart], f.TrackerSet(), w.Tracker)
	encodeProtocol(vec[protocolStart:timingStart], f.ProtocolSignature, w.Protocol)
	encodeTiming(vec[timingStart:], f.ResourceTimings, w.Timing)

	for _, x := range vec {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v.log.Warn().Str("domain", f.Domain).Msg("non-finite vector component")
			return domain.SignatureVector{}
		}
	}
	return vec.Normalize()
}

func rbf(z, center float64) float64 {
	d := z - center
	return math.Exp(-(d * d) / (2 * rbfWidth * rbfWidth))
}

func encodeFriction(dst []float64, z, weight float64) {
	for i, c := range frictionCenters {
		dst[i] = weight * rbf(z, c)
	}
}

func encodeLatency(dst []float64, z float64, timings []domain.ResourceTiming, weight float64) {
	for i, c := range latencyCenters {
		dst[i] = weight * rbf(z, c)
	}
	if len(timings) == 0 {
		return
	}

	durations := make([]float64, len(timings))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, rt := range timings {
		durations[i] = rt.Duration
		lo = math.Min(lo, rt.Duration)
		hi = math.Max(hi, rt.Duration)
	}
	mean, std := meanStd(durations)

	dst[latencyRBF+0] = weight * logScale(lo)
	dst[latencyRBF+1] = weight * logScale(hi)
	dst[latencyRBF+2] = weight * logScale(mean)
	dst[latencyRBF+3] = weight * logScale(std)
}

// encodeTrackers projects the tracker set through BLAKE2b-256: each of the
// eight dimensions takes four bytes of the digest as a value in [0,1)
func encodeTrackers(dst []float64, trackers []string, weight float64) {
	if len(trackers) == 0 {
		return
	}
	sum := blake2b.Sum256([]byte(strings.Join(trackers, "|")))
	for i := 0; i < trackerDims; i++ {
		b := sum[i*4 : i*4+4]
		u := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		x := float64(u) / float64(math.MaxUint32)
		if x < sparsityThreshold {
			x = 0
		}
		dst[i] = weight * x
	}
}

func encodeProtocol(dst []float64, p domain.Protocol, weight float64) {
	switch p {
	case domain.ProtocolH3:
		dst[0] = weight
	case domain.ProtocolH2:
		dst[1] = weight
	case domain.ProtocolHTTP1:
		dst[2] = weight
	default:
		dst[3] = weight
	}
}

func encodeTiming(dst []float64, timings []domain.ResourceTiming, weight float64) {
	if len(timings) == 0 {
		return
	}

	n := min(len(timings), dftWindow)
	series := make([]float64, n)
	for i := 0; i < n; i++ {
		series[i] = logScale(timings[i].Duration)
	}
	dst[0] = weight * dftMagnitude(series, 1)
	dst[1] = weight * dftMagnitude(series, 2)

	dst[2] = weight * math.Min(math.Log1p(float64(len(timings)))/math.Log1p(100), 1)

	if len(timings) > 1 {
		deltas := make([]float64, len(timings)-1)
		for i := 1; i < len(timings); i++ {
			deltas[i-1] = math.Abs(timings[i].Duration - timings[i-1].Duration)
		}
		m, s := meanStd(deltas)
		dst[3] = weight * logScale(m)
		dst[4] = weight * logScale(s)
	}

	seen := make(map[domain.Protocol]struct{}, 3)
	for _, rt := range timings {
		if rt.Protocol.IsKnown() {
			seen[rt.Protocol] = struct{}{}
		}
	}
	dst[5] = weight * float64(len(seen)) / 3
}

// dftMagnitude returns |X_k| / n of a real series
func dftMagnitude(series []float64, k int) float64 {
	n := len(series)
	if n == 0 {
		return 0
	}
	var acc complex128
	for t, x := range series {
		angle := -2 * math.Pi * float64(k*t) / float64(n)
		acc += complex(x, 0) * cmplx.Exp(complex(0, angle))
	}
	return cmplx.Abs(acc) / float64(n)
}

func logScale(ms float64) float64 {
	if ms <= 0 {
		return 0
	}
	return math.Min(math.Log1p(ms)/math.Log1p(durationCeiling), 1)
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
