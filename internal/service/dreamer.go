package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"umbra/internal/domain"
)

// Trigger starts synthesis runs on demand
type Trigger interface {
	// RunNow analyzes the pending fragments. A nil report without an error
	// means there was nothing to analyze.
	RunNow(ctx context.Context) (*domain.DreamReport, error)
	TimeUntilNextRun() time.Duration
}

// FragmentSource supplies pending fragments and retires analyzed ones
type FragmentSource interface {
	GetRecentFragments(ctx context.Context, limit int) ([]domain.MemoryFragment, error)
	ClearProcessedFragments(ctx context.Context, handed []domain.MemoryFragment) error
}

// Dreamer connects the fragment source to the processor
type Dreamer struct {
	proc       *Processor
	source     FragmentSource
	batchLimit int
	log        zerolog.Logger
}

// NewDreamer creates a trigger that analyzes up to batchLimit fragments per run
func NewDreamer(proc *Processor, source FragmentSource, batchLimit int, log zerolog.Logger) *Dreamer {
	if batchLimit <= 0 {
		batchLimit = 500
	}
	return &Dreamer{
		proc:       proc,
		source:     source,
		batchLimit: batchLimit,
		log:        log.With().Str("component", "dreamer").Logger(),
	}
}

// RunNow implements Trigger
func (d *Dreamer) RunNow(ctx context.Context) (*domain.DreamReport, error) {
	fragments, err := d.source.GetRecentFragments(ctx, d.batchLimit)
	if err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		d.log.Debug().Msg("no pending fragments")
		return nil, nil
	}

	report, err := d.proc.PerformSynthesis(ctx, fragments)
	if err != nil {
		return nil, err
	}

	if err := d.source.ClearProcessedFragments(ctx, fragments); err != nil {
		// the report is already persisted; the fragments are analyzed again next run
		d.log.Warn().Err(err).Int("fragments", len(fragments)).Msg("failed to retire processed fragments")
	}
	return report, nil
}

// TimeUntilNextRun implements Trigger
func (d *Dreamer) TimeUntilNextRun() time.Duration {
	return d.proc.TimeUntilNextRun()
}
