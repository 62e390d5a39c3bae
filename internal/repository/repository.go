package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"umbra/internal/domain"
)

// Table names used in usage reports and metrics
const (
	TableReports    = "reports"
	TableSignatures = "signatures"
	TableFragments  = "fragments"
)

// Store persists run results and fragments between sessions
type Store interface {
	// CommitRun stores a report and upserts its signatures atomically.
	// A signature already known keeps its DiscoveredAt.
	CommitRun(ctx context.Context, report *domain.DreamReport) error
	GetReport(ctx context.Context, id string) (*domain.DreamReport, error)
	// ListReports returns the newest reports first. limit <= 0 means all.
	ListReports(ctx context.Context, limit int) ([]*domain.DreamReport, error)
	// ListSignatures returns signatures by descending confidence.
	ListSignatures(ctx context.Context, limit int) ([]domain.SurveillanceSignature, error)

	// SaveFragments upserts fragments by id; the processed flag survives.
	SaveFragments(ctx context.Context, frags []domain.MemoryFragment) error
	// RecentFragments returns unprocessed fragments newest first, skipping ids
	// in exclude.
	RecentFragments(ctx context.Context, limit int, exclude map[string]struct{}) ([]domain.MemoryFragment, error)
	MarkFragmentsProcessed(ctx context.Context, ids []string) error

	Usage(ctx context.Context) (Usage, error)
	// EnforceQuota deletes the oldest half of every table when stored payloads
	// exceed the quota. It reports whether a cleanup happened.
	EnforceQuota(ctx context.Context) (bool, error)
	Close() error
}

// Limits bounds what a store keeps
type Limits struct {
	MaxReports           int
	MaxSignatures        int
	MaxFragments         int
	CompressionThreshold int
	QuotaBytes           int64
	// QuotaCheckEvery is the number of writes between quota checks
	QuotaCheckEvery int
}

// DefaultLimits returns the stock caps
func DefaultLimits() Limits {
	return Limits{
		MaxReports:           100,
		MaxSignatures:        500,
		MaxFragments:         1000,
		CompressionThreshold: 100 * 1024,
		QuotaBytes:           64 << 20,
		QuotaCheckEvery:      10,
	}
}

// WithDefaults fills zero fields from DefaultLimits
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxReports <= 0 {
		l.MaxReports = d.MaxReports
	}
	if l.MaxSignatures <= 0 {
		l.MaxSignatures = d.MaxSignatures
	}
	if l.MaxFragments <= 0 {
		l.MaxFragments = d.MaxFragments
	}
	if l.QuotaCheckEvery <= 0 {
		l.QuotaCheckEvery = d.QuotaCheckEvery
	}
	return l
}

// Usage is the row count per table and the stored payload size
type Usage struct {
	Reports    int   `json:"reports"`
	Signatures int   `json:"signatures"`
	Fragments  int   `json:"fragments"`
	Bytes      int64 `json:"bytes"`
}

// Rows returns the count for one table
func (u Usage) Rows(table string) int {
	switch table {
	case TableReports:
		return u.Reports
	case TableSignatures:
		return u.Signatures
	case TableFragments:
		return u.Fragments
	}
	return 0
}

// HalfOf is how many rows a quota cleanup removes from a table of n rows
func HalfOf(n int) int {
	return (n + 1) / 2
}

// RunQuotaLoop enforces the quota of s every interval until ctx is done
func RunQuotaLoop(ctx context.Context, s Store, interval time.Duration, log zerolog.Logger) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cleaned, err := s.EnforceQuota(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("quota check failed")
				continue
			}
			if cleaned {
				log.Info().Msg("storage quota exceeded, oldest half of every table removed")
			}
		}
	}
}
