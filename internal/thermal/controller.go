// Package thermal keeps synthesis runs from overloading the host.
//
// The controller folds three signals (CPU utilization, memory in use and
// recent task latency) into one of four levels; the worst signal wins.
// From "high" upward work is throttled with a cooling delay, and a long
// streak of hot readings cancels registered runs.
package thermal

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/metrics"
)

// Levels holds fair, high and critical thresholds of one signal
type Levels struct {
	Fair     float64
	High     float64
	Critical float64
}

func (l Levels) state(v float64) domain.ThermalState {
	switch {
	case v >= l.Critical:
		return domain.ThermalCritical
	case v >= l.High:
		return domain.ThermalHigh
	case v >= l.Fair:
		return domain.ThermalFair
	default:
		return domain.ThermalNominal
	}
}

// Config tunes the controller
type Config struct {
	CPU       Levels
	MemoryMB  Levels
	LatencyMs Levels

	BaseCooling       time.Duration
	MinSampleInterval time.Duration
	EmergencyAfter    int
	JitterFraction    float64
	LatencyWindow     int
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		CPU:               Levels{Fair: 0.5, High: 0.7, Critical: 0.9},
		MemoryMB:          Levels{Fair: 512, High: 1024, Critical: 2048},
		LatencyMs:         Levels{Fair: 50, High: 100, Critical: 200},
		BaseCooling:       100 * time.Millisecond,
		MinSampleInterval: 100 * time.Millisecond,
		EmergencyAfter:    10,
		JitterFraction:    0.1,
		LatencyWindow:     20,
	}
}

var coolingMultiplier = map[domain.ThermalState]time.Duration{
	domain.ThermalNominal:  0,
	domain.ThermalFair:     1,
	domain.ThermalHigh:     2,
	domain.ThermalCritical: 4,
}

// Controller is safe for concurrent use
type Controller struct {
	cfg     Config
	cpu     CPUSampler
	mem     MemorySampler
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	notify  func(domain.Notification)
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu          sync.Mutex
	limiter     *rate.Limiter
	last        domain.ThermalStatus
	hasLast     bool
	consecutive int
	emergency   bool
	events      int
	latencies   []float64
	latencyPos  int
	cancels     map[uint64]context.CancelCauseFunc
	nextCancel  uint64
}

// Option configures a Controller
type Option func(*Controller)

// WithCPUSampler replaces the CPU estimator
func WithCPUSampler(s CPUSampler) Option { return func(c *Controller) { c.cpu = s } }

// WithMemorySampler replaces the memory estimator
func WithMemorySampler(s MemorySampler) Option { return func(c *Controller) { c.mem = s } }

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithSleep replaces the cooling sleep
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithNotifier receives thermal alerts
func WithNotifier(fn func(domain.Notification)) Option { return func(c *Controller) { c.notify = fn } }

// WithMetrics records thermal levels and emergencies
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l.With().Str("component", "thermal").Logger() }
}

// New creates a controller
func New(cfg Config, opts ...Option) *Controller {
	d := DefaultConfig()
	if cfg.MinSampleInterval <= 0 {
		cfg.MinSampleInterval = d.MinSampleInterval
	}
	if cfg.EmergencyAfter <= 0 {
		cfg.EmergencyAfter = d.EmergencyAfter
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = d.LatencyWindow
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}

	c := &Controller{
		cfg:     cfg,
		cpu:     DefaultCPUSampler(),
		mem:     RuntimeMemory{},
		now:     time.Now,
		sleep:   sleepCtx,
		jitter:  rand.Float64,
		notify:  func(domain.Notification) {},
		log:     zerolog.Nop(),
		limiter: rate.NewLimiter(rate.Every(cfg.MinSampleInterval), 1),
		cancels: make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns a fresh reading at most once per MinSampleInterval and the
// cached one otherwise
func (c *Controller) Status(ctx context.Context) domain.ThermalStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.hasLast && !c.limiter.AllowN(now, 1) {
		return c.last
	}
	if !c.hasLast {
		c.limiter.AllowN(now, 1)
	}

	cpu, err := c.cpu.CPUUtilization(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("cpu estimate unavailable")
		cpu = c.last.CPUUtilization
	}
	mem := c.mem.MemoryMB()
	lat := c.avgLatencyLocked()

	state := max(c.cfg.CPU.state(cpu), c.cfg.MemoryMB.state(mem), c.cfg.LatencyMs.state(lat))

	if state.Hot() {
		c.consecutive++
		c.events++
	} else {
		c.consecutive = 0
		c.emergency = false
	}

	st := domain.ThermalStatus{
		State:          state,
		CPUUtilization: cpu,
		MemoryMB:       mem,
		TaskLatencyMs:  lat,
		Throttling:     state.Hot(),
		CoolingDelay:   c.coolingDelay(state),
		ConsecutiveHot: c.consecutive,
		MeasuredAt:     now,
	}
	if c.hasLast && c.last.State != state {
		c.log.Info().Str("from", c.last.State.String()).Str("to", state.String()).
			Float64("cpu", cpu).Float64("memory_mb", mem).Float64("latency_ms", lat).
			Msg("thermal level changed")
	}
	c.last, c.hasLast = st, true
	c.metrics.SetThermalLevel(int(state))

	if c.consecutive > c.cfg.EmergencyAfter && !c.emergency {
		c.emergencyLocked(st)
	}
	return st
}

func (c *Controller) coolingDelay(state domain.ThermalState) time.Duration {
	base := c.cfg.BaseCooling * coolingMultiplier[state]
	if base <= 0 {
		return 0
	}
	return base + time.Duration(float64(base)*c.cfg.JitterFraction*c.jitter())
}

func (c *Controller) emergencyLocked(st domain.ThermalStatus) {
	c.emergency = true
	c.log.Warn().Int("consecutive", c.consecutive).Str("state", st.State.String()).
		Int("handles", len(c.cancels)).Msg("thermal emergency, cancelling work")
	for _, cancel := range c.cancels {
		cancel(perr.ErrThermalEmergency)
	}
	c.metrics.ThermalEmergency()
	c.notify(domain.ThermalAlert{
		State:          st.State,
		CPUUtilization: st.CPUUtilization,
		MemoryMB:       st.MemoryMB,
		Reason:         perr.ErrThermalEmergency.Error(),
		At:             st.MeasuredAt,
	})
}

// ShouldAbort reports whether running work must stop
func (c *Controller) ShouldAbort(ctx context.Context) bool {
	st := c.Status(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.State == domain.ThermalCritical || c.emergency
}

// ApplyCooling waits for the recommended delay, if any
func (c *Controller) ApplyCooling(ctx context.Context) error {
	st := c.Status(ctx)
	if st.CoolingDelay <= 0 {
		return nil
	}
	return c.sleep(ctx, st.CoolingDelay)
}

// RecordTaskLatency feeds the latency signal with one task duration
func (c *Controller) RecordTaskLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := float64(d) / float64(time.Millisecond)
	if len(c.latencies) < c.cfg.LatencyWindow {
		c.latencies = append(c.latencies, ms)
		return
	}
	c.latencies[c.latencyPos] = ms
	c.latencyPos = (c.latencyPos + 1) % c.cfg.LatencyWindow
}

func (c *Controller) avgLatencyLocked() float64 {
	if len(c.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range c.latencies {
		sum += v
	}
	return sum / float64(len(c.latencies))
}

// RegisterCancel registers a handle invoked on thermal emergency. If an
// emergency is already in progress the handle is invoked immediately
func (c *Controller) RegisterCancel(cancel context.CancelCauseFunc) (unregister func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emergency {
		cancel(perr.ErrThermalEmergency)
	}
	id := c.nextCancel
	c.nextCancel++
	c.cancels[id] = cancel
	return func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}
}

// HotReadings returns how many fresh readings were high or critical
func (c *Controller) HotReadings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
