package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"umbra/internal/cdn"
	"umbra/internal/cluster"
	"umbra/internal/collector"
	"umbra/internal/config"
	"umbra/internal/domain"
	"umbra/internal/metrics"
	"umbra/internal/repository"
	"umbra/internal/repository/badger"
	"umbra/internal/repository/sqlite"
	"umbra/internal/service"
	"umbra/internal/thermal"
	"umbra/internal/vectorizer"
)

// engine is every component of one process, built once in a command
type engine struct {
	cfg       *config.Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
	store     repository.Store
	events    *service.EventBus
	cdn       *cdn.Whitelist
	thermal   *thermal.Controller
	collector *collector.Collector
	processor *service.Processor
	dreamer   *service.Dreamer
}

// buildEngine wires the components. reg may be nil for one-shot commands
func buildEngine(cfg *config.Config, log zerolog.Logger, reg prometheus.Registerer) (*engine, error) {
	e := &engine{cfg: cfg, log: log}
	if reg != nil {
		e.metrics = metrics.New(reg)
	}

	store, err := openStore(cfg, e.metrics, log)
	if err != nil {
		return nil, err
	}
	e.store = store

	e.events = service.NewEventBus(log)

	e.cdn = cdn.New(cdn.WithLearnedCacheSize(cfg.CDN.LearnedCacheSize), cdn.WithLogger(log))
	if cfg.CDN.PatternsFile != "" {
		if err := e.cdn.LoadPatternsFile(cfg.CDN.PatternsFile); err != nil {
			store.Close()
			return nil, fmt.Errorf("load CDN patterns: %w", err)
		}
	}

	e.thermal = thermal.New(thermalConfig(cfg.Thermal),
		thermal.WithNotifier(e.events.Publish),
		thermal.WithMetrics(e.metrics),
		thermal.WithLogger(log),
	)

	e.collector = collector.New(collectorConfig(cfg.Collector),
		collector.WithStore(store),
		collector.WithMetrics(e.metrics),
		collector.WithLogger(log),
	)

	vec := vectorizer.New(vectorizer.WithWeights(vectorizer.Weights{
		Friction: cfg.Vectorizer.FrictionWeight,
		Latency:  cfg.Vectorizer.LatencyWeight,
		Tracker:  cfg.Vectorizer.TrackerWeight,
		Protocol: cfg.Vectorizer.ProtocolWeight,
		Timing:   cfg.Vectorizer.TimingWeight,
	}), vectorizer.WithLogger(log))

	e.processor = service.NewProcessor(processorConfig(cfg), service.ProcessorDeps{
		Store:      store,
		Vectorizer: vec,
		CDN:        e.cdn,
		Thermal:    e.thermal,
		Publisher:  e.events,
	}, service.WithProcessorMetrics(e.metrics), service.WithProcessorLogger(log))

	e.dreamer = service.NewDreamer(e.processor, e.collector, cfg.Synthesis.BatchLimit, log)
	return e, nil
}

// close flushes buffered fragments and closes the store
func (e *engine) close(ctx context.Context) {
	if err := e.collector.Flush(ctx); err != nil {
		e.log.Warn().Err(err).Msg("final flush failed")
	}
	if err := e.store.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close store")
	}
}

func openStore(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) (repository.Store, error) {
	limits := repository.Limits{
		MaxReports:           cfg.Storage.MaxReports,
		MaxSignatures:        cfg.Storage.MaxSignatures,
		MaxFragments:         cfg.Storage.MaxFragments,
		CompressionThreshold: cfg.Storage.CompressionThreshold,
		QuotaBytes:           cfg.Storage.QuotaBytes,
		QuotaCheckEvery:      cfg.Storage.QuotaCheckEvery,
	}

	switch cfg.Database.Driver {
	case "badger":
		return badger.New(cfg.Database.Path,
			badger.WithLimits(limits), badger.WithMetrics(m), badger.WithLogger(log))
	default:
		return sqlite.New(cfg.Database.Path,
			sqlite.WithLimits(limits), sqlite.WithMetrics(m), sqlite.WithLogger(log))
	}
}

func thermalConfig(c config.ThermalConfig) thermal.Config {
	d := thermal.DefaultConfig()
	d.CPU = thermal.Levels{Fair: c.CPUFair, High: c.CPUHigh, Critical: c.CPUCritical}
	d.MemoryMB = thermal.Levels{Fair: c.MemoryFairMB, High: c.MemoryHighMB, Critical: c.MemoryCriticalMB}
	d.LatencyMs = thermal.Levels{Fair: c.LatencyFairMs, High: c.LatencyHighMs, Critical: c.LatencyCriticalMs}
	d.BaseCooling = c.BaseCooling.Duration()
	d.MinSampleInterval = c.MinSampleInterval.Duration()
	d.EmergencyAfter = c.EmergencyAfter
	return d
}

func collectorConfig(c config.CollectorConfig) collector.Config {
	d := collector.DefaultConfig()
	d.AggregationWindow = c.AggregationWindow.Duration()
	d.MaxBuffer = c.MaxBuffer
	d.EvictFraction = c.EvictFraction
	d.FlushEvery = c.FlushEvery
	d.MaxAge = c.MaxAge.Duration()
	d.CleanupInterval = c.CleanupInterval.Duration()
	return d
}

func processorConfig(c *config.Config) service.ProcessorConfig {
	opts := cluster.DefaultOptions()
	opts.Vigilance = c.Clustering.Vigilance
	opts.LearningRate = c.Clustering.LearningRate
	opts.MaxIterations = c.Clustering.MaxIterations
	opts.MaxClusters = c.Clustering.MaxClusters
	opts.MergeMargin = c.Clustering.MergeMargin
	opts.MinOutputConfidence = c.Clustering.MinOutputConfidence
	opts.MinOutputDomains = c.Clustering.MinOutputDomains
	opts.RecencyWindow = c.Clustering.RecencyWindow.Duration()
	opts.Weights = cluster.ConfidenceWeights{
		Size:      c.Clustering.ConfidenceWeights.Size,
		Recency:   c.Clustering.ConfidenceWeights.Recency,
		Resonance: c.Clustering.ConfidenceWeights.Resonance,
	}

	pc := service.DefaultProcessorConfig()
	pc.MinInterval = c.Synthesis.MinInterval.Duration()
	pc.PromotionConfidence = c.Synthesis.PromotionConfidence
	pc.CheckpointEvery = c.Synthesis.CheckpointEvery
	pc.ImpactSaturation = c.Synthesis.ImpactSaturation
	pc.Clustering = opts
	return pc
}

// notifications subscribes a buffered channel to the event bus
func (e *engine) notifications(size int) (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, size)
	return ch, e.events.Subscribe(ch)
}
