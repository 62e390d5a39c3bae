package service

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"umbra/internal/cluster"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/metrics"
)

// Run outcomes recorded in metrics
const (
	outcomeOK        = "ok"
	outcomeBusy      = "busy"
	outcomeTooSoon   = "too_soon"
	outcomeThermal   = "thermal"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// RunStore persists completed runs
type RunStore interface {
	CommitRun(ctx context.Context, report *domain.DreamReport) error
}

// Vectorizer turns fragments into signature vectors
type Vectorizer interface {
	UpdateStatistics(fragments []domain.MemoryFragment)
	Vectorize(f domain.MemoryFragment) domain.SignatureVector
}

// CDNFilter recognizes shared delivery infrastructure
type CDNFilter interface {
	IsCDN(domainOrURL string) bool
	AdjustCorrelationForCDN(correlation float64, a, b string, sharedResourceURLs []string) float64
}

// Thermal paces and aborts runs
type Thermal interface {
	Status(ctx context.Context) domain.ThermalStatus
	ShouldAbort(ctx context.Context) bool
	ApplyCooling(ctx context.Context) error
	RecordTaskLatency(d time.Duration)
	RegisterCancel(cancel context.CancelCauseFunc) (unregister func())
	HotReadings() int
}

// Publisher receives notifications
type Publisher interface {
	Publish(n domain.Notification)
}

// ProcessorConfig tunes synthesis runs
type ProcessorConfig struct {
	MinInterval         time.Duration
	PromotionConfidence float64
	CheckpointEvery     int
	// ImpactSaturation is the domain count at which a signature's reach
	// stops growing
	ImpactSaturation int
	Clustering       cluster.Options
}

// DefaultProcessorConfig returns the stock tuning
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MinInterval:         60 * time.Second,
		PromotionConfidence: 0.85,
		CheckpointEvery:     100,
		ImpactSaturation:    10,
		Clustering:          cluster.DefaultOptions(),
	}
}

// ProcessorDeps are the components a Processor drives
type ProcessorDeps struct {
	Store      RunStore
	Vectorizer Vectorizer
	CDN        CDNFilter
	Thermal    Thermal
	Publisher  Publisher
}

// Processor runs synthesis over batches of fragments, one at a time
type Processor struct {
	cfg     ProcessorConfig
	deps    ProcessorDeps
	now     func() time.Time
	newID   func() string
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu        sync.Mutex
	running   bool
	lastStart time.Time
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithProcessorClock replaces time.Now
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithReportIDs replaces the report id generator
func WithReportIDs(fn func() string) ProcessorOption {
	return func(p *Processor) { p.newID = fn }
}

// WithProcessorMetrics records run outcomes
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(l zerolog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = l.With().Str("component", "processor").Logger() }
}

// NewProcessor creates a processor
func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps, opts ...ProcessorOption) *Processor {
	d := DefaultProcessorConfig()
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.PromotionConfidence <= 0 {
		cfg.PromotionConfidence = d.PromotionConfidence
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = d.CheckpointEvery
	}
	if cfg.ImpactSaturation <= 0 {
		cfg.ImpactSaturation = d.ImpactSaturation
	}

	p := &Processor{
		cfg:   cfg,
		deps:  deps,
		now:   time.Now,
		newID: uuid.NewString,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether a run is in progress
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TimeUntilNextRun returns how long until the interval gate opens
func (p *Processor) TimeUntilNextRun() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStart.IsZero() {
		return 0
	}
	return max(0, p.lastStart.Add(p.cfg.MinInterval).Sub(p.now()))
}

// PerformSynthesis analyzes one batch and persists the resulting report.
//
// It is rejected with ErrorCodeBusy while another run is active and with
// ErrorCodeTooSoon within MinInterval of the last started run. A critical
// thermal state rejects the run before it starts. Once started, the run can
// be cancelled through ctx or by a thermal emergency; any failure persists
// nothing.
func (p *Processor) PerformSynthesis(ctx context.Context, fragments []domain.MemoryFragment) (*domain.DreamReport, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.metrics.RunFinished(outcomeBusy, 0)
		return nil, perr.ErrBusy
	}
	now := p.now()
	if !p.lastStart.IsZero() {
		if wait := p.lastStart.Add(p.cfg.MinInterval).Sub(now); wait > 0 {
			p.mu.Unlock()
			p.metrics.RunFinished(outcomeTooSoon, 0)
			return nil, perr.Newf(perr.ErrorCodeTooSoon, "next synthesis allowed in %s", wait.Round(time.Millisecond))
		}
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if st := p.deps.Thermal.Status(ctx); st.State == domain.ThermalCritical || p.deps.Thermal.ShouldAbort(ctx) {
		p.metrics.RunFinished(outcomeThermal, 0)
		p.log.Warn().Str("state", st.State.String()).Float64("cpu", st.CPUUtilization).Msg("synthesis not started, thermal state critical")
		return nil, perr.Wrapf(perr.ErrThermalEmergency, perr.ErrorCodeThermalEmergency, "synthesis not started at %s", st.State)
	}

	p.mu.Lock()
	p.lastStart = now
	p.mu.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unregister := p.deps.Thermal.RegisterCancel(cancel)
	defer unregister()

	report, err := p.run(runCtx, fragments, now)
	elapsed := p.now().Sub(now)
	if err != nil {
		outcome := outcomeFailed
		switch perr.CodeOf(err) {
		case perr.ErrorCodeThermalEmergency:
			outcome = outcomeThermal
		case perr.ErrorCodeCancelled:
			outcome = outcomeCancelled
		}
		p.metrics.RunFinished(outcome, elapsed)
		p.log.Error().Err(err).Str("outcome", outcome).Int("fragments", len(fragments)).Msg("synthesis failed")
		return nil, err
	}

	p.metrics.RunFinished(outcomeOK, elapsed)
	p.metrics.SignaturesPromoted(len(report.Signatures))
	p.log.Info().
		Str("report", report.ID).
		Int("received", report.FragmentsReceived).
		Int("analyzed", report.FragmentsAnalyzed).
		Int("dropped", report.FragmentsDropped).
		Int("clusters", report.ClustersFormed).
		Int("signatures", len(report.Signatures)).
		Dur("duration", report.Duration()).
		Msg("synthesis complete")

	p.notify(report)
	return report, nil
}

// run executes the pipeline; nothing is persisted unless every stage succeeds
func (p *Processor) run(ctx context.Context, fragments []domain.MemoryFragment, startedAt time.Time) (*domain.DreamReport, error) {
	tracker := newRunTracker(p.deps.Thermal)
	tracker.sample(ctx)

	report := &domain.DreamReport{
		ID:                p.newID(),
		StartedAt:         startedAt,
		FragmentsReceived: len(fragments),
		DropReasons:       make(map[domain.DropReason]int),
	}

	p.deps.Vectorizer.UpdateStatistics(fragments)

	valid, err := p.validate(ctx, fragments, report, tracker)
	if err != nil {
		return nil, err
	}

	groups, inputs, err := p.vectorize(ctx, valid, tracker)
	if err != nil {
		return nil, err
	}
	report.DomainsVectorized = len(inputs)

	opts := p.cfg.Clustering
	opts.Now = p.now
	results, err := cluster.Run(ctx, inputs, opts)
	if err != nil {
		return nil, err
	}
	report.ClustersFormed = len(results)

	if err := p.checkpoint(ctx, tracker); err != nil {
		return nil, err
	}
	report.Signatures = p.promote(results, groups)

	tracker.sample(ctx)
	report.Metrics = tracker.metrics()
	report.CompletedAt = p.now()

	if err := p.checkpoint(ctx, tracker); err != nil {
		return nil, err
	}
	if err := p.deps.Store.CommitRun(ctx, report); err != nil {
		if ctx.Err() != nil {
			return nil, cancelErr(ctx)
		}
		return nil, perr.WithOp(err, "commit")
	}
	return report, nil
}

// validate drops fragments that cannot be analyzed and counts why
func (p *Processor) validate(ctx context.Context, fragments []domain.MemoryFragment, report *domain.DreamReport, tracker *runTracker) ([]domain.MemoryFragment, error) {
	valid := make([]domain.MemoryFragment, 0, len(fragments))
	for i := range fragments {
		if i > 0 && i%p.cfg.CheckpointEvery == 0 {
			if err := p.checkpoint(ctx, tracker); err != nil {
				return nil, err
			}
		}

		f := &fragments[i]
		var reason domain.DropReason
		switch {
		case f.HasNegativeMetric():
			reason = domain.DropNegativeMetric
		case f.Validate() != nil:
			reason = domain.DropInvalid
		case p.deps.CDN.IsCDN(f.Domain):
			reason = domain.DropCDN
		}
		if reason != "" {
			report.DropReasons[reason]++
			report.FragmentsDropped++
			p.metrics.FragmentDropped(string(reason))
			p.log.Debug().Str("fragment", f.ID).Str("domain", f.Domain).Str("reason", string(reason)).Msg("fragment dropped")
			continue
		}
		valid = append(valid, *f)
	}
	report.FragmentsAnalyzed = len(valid)
	return valid, nil
}

// domainGroup is every analyzed fragment of one domain
type domainGroup struct {
	domain    string
	fragments []domain.MemoryFragment
}

func (g *domainGroup) trackers() []string {
	var all []string
	for i := range g.fragments {
		all = append(all, g.fragments[i].Trackers...)
	}
	return domain.NormalizeSet(all)
}

func (g *domainGroup) resources() []string {
	var all []string
	for i := range g.fragments {
		all = append(all, g.fragments[i].ResourceNames()...)
	}
	return domain.NormalizeSet(all)
}

func (g *domainGroup) protocol() domain.Protocol {
	counts := map[domain.Protocol]int{}
	for i := range g.fragments {
		counts[g.fragments[i].ProtocolSignature]++
	}
	return dominant(counts)
}

// vectorize averages the vectors of each domain's fragments. Domains keep
// the order in which they first appear.
func (p *Processor) vectorize(ctx context.Context, valid []domain.MemoryFragment, tracker *runTracker) (map[string]*domainGroup, []cluster.Input, error) {
	groups := make(map[string]*domainGroup)
	var order []string
	for _, f := range valid {
		g := groups[f.Domain]
		if g == nil {
			g = &domainGroup{domain: f.Domain}
			groups[f.Domain] = g
			order = append(order, f.Domain)
		}
		g.fragments = append(g.fragments, f)
	}

	inputs := make([]cluster.Input, 0, len(order))
	done := 0
	for _, dom := range order {
		var sum domain.SignatureVector
		for _, f := range groups[dom].fragments {
			if done > 0 && done%p.cfg.CheckpointEvery == 0 {
				if err := p.checkpoint(ctx, tracker); err != nil {
					return nil, nil, err
				}
			}
			start := time.Now()
			sum = sum.Add(p.deps.Vectorizer.Vectorize(f))
			p.deps.Thermal.RecordTaskLatency(time.Since(start))
			done++
		}
		v := sum.Normalize()
		if v.IsZero() {
			p.log.Debug().Str("domain", dom).Msg("domain produced a zero vector, skipped")
			continue
		}
		inputs = append(inputs, cluster.Input{Domain: dom, Vector: v})
	}
	return groups, inputs, nil
}

// promote turns qualifying clusters into signatures
func (p *Processor) promote(results []cluster.Result, groups map[string]*domainGroup) []domain.SurveillanceSignature {
	now := p.now()
	var sigs []domain.SurveillanceSignature
	for _, r := range results {
		if len(r.Domains) < 2 {
			continue
		}
		members := make([]*domainGroup, 0, len(r.Domains))
		for _, d := range r.Domains {
			if g := groups[d]; g != nil {
				members = append(members, g)
			}
		}

		confidence := p.adjustForCDN(r.Confidence, members)
		if confidence < p.cfg.PromotionConfidence {
			continue
		}
		fingerprint := sharedTrackers(members)
		if len(fingerprint) == 0 {
			continue
		}

		domains := slices.Clone(r.Domains)
		slices.Sort(domains)
		consistency, proto := protocolConsistency(members)
		sigs = append(sigs, domain.SurveillanceSignature{
			ID:         domain.SignatureID(domains),
			Domains:    domains,
			Confidence: confidence,
			Infrastructure: domain.Infrastructure{
				TrackerFingerprint:  fingerprint,
				ProtocolConsistency: consistency,
				DominantProtocol:    proto,
			},
			Impact:       p.impact(confidence, len(domains)),
			DiscoveredAt: now,
			LastSeen:     now,
		})
	}
	return sigs
}

// adjustForCDN applies the CDN discount to every member pair and keeps the
// strongest discount
func (p *Processor) adjustForCDN(confidence float64, members []*domainGroup) float64 {
	adjusted := confidence
	for i := 0; i < len(members); i++ {
		ri := members[i].resources()
		for j := i + 1; j < len(members); j++ {
			shared := intersect(ri, members[j].resources())
			a := p.deps.CDN.AdjustCorrelationForCDN(confidence, members[i].domain, members[j].domain, shared)
			adjusted = math.Min(adjusted, a)
		}
	}
	return adjusted
}

// impact scales confidence by how many domains the actor reaches
func (p *Processor) impact(confidence float64, domains int) float64 {
	reach := math.Min(1, float64(domains)/float64(p.cfg.ImpactSaturation))
	return math.Max(0, math.Min(1, confidence*reach))
}

func sharedTrackers(members []*domainGroup) []string {
	if len(members) == 0 {
		return nil
	}
	shared := members[0].trackers()
	for _, g := range members[1:] {
		shared = intersect(shared, g.trackers())
		if len(shared) == 0 {
			return nil
		}
	}
	return shared
}

func protocolConsistency(members []*domainGroup) (float64, domain.Protocol) {
	if len(members) == 0 {
		return 0, domain.ProtocolUnknown
	}
	counts := map[domain.Protocol]int{}
	for _, g := range members {
		counts[g.protocol()]++
	}
	proto := dominant(counts)
	return float64(counts[proto]) / float64(len(members)), proto
}

// dominant picks the most frequent protocol; ties prefer the newer protocol
func dominant(counts map[domain.Protocol]int) domain.Protocol {
	best := domain.ProtocolUnknown
	bestN := 0
	for _, proto := range []domain.Protocol{domain.ProtocolH3, domain.ProtocolH2, domain.ProtocolHTTP1, domain.ProtocolUnknown} {
		if n := counts[proto]; n > bestN {
			best, bestN = proto, n
		}
	}
	return best
}

// intersect returns the common elements of two sorted sets
func intersect(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// checkpoint observes cancellation and applies cooling when throttled
func (p *Processor) checkpoint(ctx context.Context, tracker *runTracker) error {
	if ctx.Err() != nil {
		return cancelErr(ctx)
	}
	if p.deps.Thermal.ShouldAbort(ctx) {
		return perr.Wrap(perr.ErrThermalEmergency, perr.ErrorCodeThermalEmergency, "synthesis aborted")
	}
	if st := tracker.sample(ctx); st.Throttling {
		if err := p.deps.Thermal.ApplyCooling(ctx); err != nil {
			return cancelErr(ctx)
		}
	}
	return nil
}

// cancelErr keeps coded causes such as a thermal emergency and wraps the
// rest as cancellations
func cancelErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	if _, ok := perr.As(cause); ok {
		return cause
	}
	return perr.Wrap(cause, perr.ErrorCodeCancelled, "synthesis cancelled")
}

// notify announces signatures first seen in this run, then the run itself
func (p *Processor) notify(report *domain.DreamReport) {
	if p.deps.Publisher == nil {
		return
	}
	for _, sig := range report.Signatures {
		if sig.Rediscovered() {
			continue
		}
		p.deps.Publisher.Publish(domain.DiscoveryEvent{
			SignatureID: sig.ID,
			Domains:     slices.Clone(sig.Domains),
			DomainCount: len(sig.Domains),
			Confidence:  sig.Confidence,
			Impact:      sig.Impact,
			At:          report.CompletedAt,
		})
	}
	p.deps.Publisher.Publish(domain.RunCompleted{
		ReportID:          report.ID,
		FragmentsAnalyzed: report.FragmentsAnalyzed,
		Signatures:        len(report.Signatures),
		Duration:          report.Duration(),
		At:                report.CompletedAt,
	})
}

// runTracker folds thermal readings into the report's run metrics
type runTracker struct {
	thermal   Thermal
	hotBefore int
	last      domain.ThermalStatus
	peakMB    float64
}

func newRunTracker(t Thermal) *runTracker {
	return &runTracker{thermal: t, hotBefore: t.HotReadings()}
}

func (r *runTracker) sample(ctx context.Context) domain.ThermalStatus {
	st := r.thermal.Status(ctx)
	r.last = st
	r.peakMB = math.Max(r.peakMB, st.MemoryMB)
	return st
}

func (r *runTracker) metrics() domain.RunMetrics {
	return domain.RunMetrics{
		CPUUtilization: r.last.CPUUtilization,
		MemoryPeakMB:   r.peakMB,
		ThermalEvents:  r.thermal.HotReadings() - r.hotBefore,
	}
}
