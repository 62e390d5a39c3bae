// Package badger implements repository.Store on an embedded BadgerDB.
//
// Keys are "<table>/<id>"; each value is one flag byte followed by the JSON
// (or compressed JSON) payload. Tables are small and capped, so ordering for
// listing, trimming and quota cleanup is done in memory after a prefix scan.
package badger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"umbra/internal/codec"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/metrics"
	"umbra/internal/repository"
)

const (
	prefixReport    = "report/"
	prefixSignature = "sig/"
	prefixFragment  = "frag/"
)

const (
	flagCompressed byte = 1 << iota
	flagProcessed
)

// Repository implements repository.Store using BadgerDB
type Repository struct {
	db      *dgbadger.DB
	inMem   bool
	limits  repository.Limits
	payload codec.Payload
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	writes int
}

var _ repository.Store = (*Repository)(nil)

// Option configures a Repository
type Option func(*Repository)

// WithLimits sets table caps and the quota
func WithLimits(l repository.Limits) Option {
	return func(r *Repository) { r.limits = l.WithDefaults() }
}

// WithCompressor replaces the zstd payload compressor
func WithCompressor(c codec.Compressor) Option {
	return func(r *Repository) { r.payload.Compressor = c }
}

// WithMetrics records row counts and quota cleanups
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Repository) { r.log = l.With().Str("component", "store").Str("driver", "badger").Logger() }
}

// badgerLogger adapts zerolog to BadgerDB's Logger interface
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// New opens the database directory at path. An empty path or ":memory:"
// opens an in-memory database.
func New(path string, opts ...Option) (*Repository, error) {
	repo := &Repository{
		limits:  repository.DefaultLimits(),
		payload: codec.Payload{Compressor: codec.NewZstdCompressor()},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(repo)
	}
	repo.payload.Threshold = repo.limits.CompressionThreshold

	var bopts dgbadger.Options
	if path == "" || path == ":memory:" {
		repo.inMem = true
		bopts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, perr.Persistencef(err, "create database directory %s", path)
		}
		bopts = dgbadger.DefaultOptions(path)
	}
	bopts = bopts.WithLogger(badgerLogger{log: repo.log})

	db, err := dgbadger.Open(bopts)
	if err != nil {
		return nil, perr.Persistencef(err, "failed to open badger database")
	}
	repo.db = db

	if _, err := repo.EnforceQuota(context.Background()); err != nil {
		repo.log.Warn().Err(err).Msg("initial quota check failed")
	}
	return repo, nil
}

// ============================================================================
// Encoding
// ============================================================================

func (r *Repository) encode(v any, flags byte) ([]byte, error) {
	data, compressed, err := r.payload.EncodeValue(v)
	if err != nil {
		return nil, err
	}
	if compressed {
		flags |= flagCompressed
	}
	return append([]byte{flags}, data...), nil
}

func (r *Repository) decode(val []byte, target any) (byte, error) {
	if len(val) == 0 {
		return 0, errors.New("empty value")
	}
	flags := val[0]
	return flags, r.payload.DecodeValue(val[1:], flags&flagCompressed != 0, target)
}

type entry[T any] struct {
	key   []byte
	value T
	flags byte
	size  int
}

// scan decodes every value under prefix
func scan[T any](r *Repository, txn *dgbadger.Txn, prefix string) ([]entry[T], error) {
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []entry[T]
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		e := entry[T]{key: item.KeyCopy(nil), size: len(val) - 1}
		if e.flags, err = r.decode(val, &e.value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// deleteAfter removes every entry past the first keep
func deleteAfter[T any](txn *dgbadger.Txn, entries []entry[T], keep int) error {
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(entries); i++ {
		if err := txn.Delete(entries[i].key); err != nil {
			return err
		}
	}
	return nil
}

func newestReportFirst(a, b entry[*domain.DreamReport]) int {
	if c := b.value.StartedAt.Compare(a.value.StartedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.value.ID, a.value.ID)
}

func strongestSignatureFirst(a, b entry[domain.SurveillanceSignature]) int {
	if c := cmp.Compare(b.value.Confidence, a.value.Confidence); c != 0 {
		return c
	}
	if c := b.value.LastSeen.Compare(a.value.LastSeen); c != 0 {
		return c
	}
	return cmp.Compare(a.value.ID, b.value.ID)
}

func newestFragmentFirst(a, b entry[domain.MemoryFragment]) int {
	if c := b.value.ObservedAt().Compare(a.value.ObservedAt()); c != 0 {
		return c
	}
	return cmp.Compare(a.value.ID, b.value.ID)
}

// ============================================================================
// Runs
// ============================================================================

// CommitRun stores the report and upserts its signatures in one transaction.
// Signatures already in the store keep their DiscoveredAt; the report's copies
// are updated to match before the report itself is written.
func (r *Repository) CommitRun(ctx context.Context, report *domain.DreamReport) error {
	if report == nil || report.ID == "" {
		return perr.InvalidArgf("report must have an id")
	}
	if err := ctx.Err(); err != nil {
		return perr.Wrap(err, perr.ErrorCodeCancelled, "commit cancelled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *dgbadger.Txn) error {
		reportKey := []byte(prefixReport + report.ID)
		if _, err := txn.Get(reportKey); err == nil {
			return fmt.Errorf("report %s already exists", report.ID)
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		for i := range report.Signatures {
			sig := &report.Signatures[i]
			key := []byte(prefixSignature + sig.ID)
			item, err := txn.Get(key)
			switch {
			case err == nil:
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				var existing domain.SurveillanceSignature
				if _, err := r.decode(val, &existing); err != nil {
					return fmt.Errorf("decode signature %s: %w", sig.ID, err)
				}
				sig.DiscoveredAt = existing.DiscoveredAt
			case !errors.Is(err, dgbadger.ErrKeyNotFound):
				return err
			}

			val, err := r.encode(sig, 0)
			if err != nil {
				return err
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}

		val, err := r.encode(report, 0)
		if err != nil {
			return err
		}
		if err := txn.Set(reportKey, val); err != nil {
			return err
		}

		reports, err := scan[*domain.DreamReport](r, txn, prefixReport)
		if err != nil {
			return err
		}
		slices.SortFunc(reports, newestReportFirst)
		if err := deleteAfter(txn, reports, r.limits.MaxReports); err != nil {
			return err
		}

		sigs, err := scan[domain.SurveillanceSignature](r, txn, prefixSignature)
		if err != nil {
			return err
		}
		slices.SortFunc(sigs, strongestSignatureFirst)
		return deleteAfter(txn, sigs, r.limits.MaxSignatures)
	})
	if err != nil {
		return perr.Persistencef(err, "failed to commit run %s", report.ID)
	}
	r.afterWriteLocked(ctx)
	return nil
}

// GetReport returns one report by id
func (r *Repository) GetReport(ctx context.Context, id string) (*domain.DreamReport, error) {
	var report *domain.DreamReport
	err := r.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(prefixReport + id))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		report = &domain.DreamReport{}
		_, err = r.decode(val, report)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, perr.NotFoundf("report %s not found", id)
	}
	if err != nil {
		return nil, perr.Persistencef(err, "failed to read report")
	}
	return report, nil
}

// ListReports returns reports newest first
func (r *Repository) ListReports(ctx context.Context, limit int) ([]*domain.DreamReport, error) {
	var entries []entry[*domain.DreamReport]
	err := r.db.View(func(txn *dgbadger.Txn) error {
		var err error
		entries, err = scan[*domain.DreamReport](r, txn, prefixReport)
		return err
	})
	if err != nil {
		return nil, perr.Persistencef(err, "failed to list reports")
	}
	slices.SortFunc(entries, newestReportFirst)

	var reports []*domain.DreamReport
	for _, e := range entries {
		if limit > 0 && len(reports) >= limit {
			break
		}
		reports = append(reports, e.value)
	}
	return reports, nil
}

// ListSignatures returns signatures by descending confidence
func (r *Repository) ListSignatures(ctx context.Context, limit int) ([]domain.SurveillanceSignature, error) {
	var entries []entry[domain.SurveillanceSignature]
	err := r.db.View(func(txn *dgbadger.Txn) error {
		var err error
		entries, err = scan[domain.SurveillanceSignature](r, txn, prefixSignature)
		return err
	})
	if err != nil {
		return nil, perr.Persistencef(err, "failed to list signatures")
	}
	slices.SortFunc(entries, func(a, b entry[domain.SurveillanceSignature]) int {
		if c := cmp.Compare(b.value.Confidence, a.value.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.value.ID, b.value.ID)
	})

	var sigs []domain.SurveillanceSignature
	for _, e := range entries {
		if limit > 0 && len(sigs) >= limit {
			break
		}
		sigs = append(sigs, e.value)
	}
	return sigs, nil
}

// ============================================================================
// Fragments
// ============================================================================

// SaveFragments upserts fragments by id, keeping their processed flag
func (r *Repository) SaveFragments(ctx context.Context, frags []domain.MemoryFragment) error {
	if len(frags) == 0 {
		return nil
	}
	for i := range frags {
		if frags[i].ID == "" {
			return perr.InvalidArgf("fragment for %q has no id", frags[i].Domain)
		}
	}
	if err := ctx.Err(); err != nil {
		return perr.Wrap(err, perr.ErrorCodeCancelled, "save cancelled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *dgbadger.Txn) error {
		for i := range frags {
			key := []byte(prefixFragment + frags[i].ID)
			var flags byte
			item, err := txn.Get(key)
			switch {
			case err == nil:
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(val) > 0 {
					flags = val[0] & flagProcessed
				}
			case !errors.Is(err, dgbadger.ErrKeyNotFound):
				return err
			}

			val, err := r.encode(&frags[i], flags)
			if err != nil {
				return err
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}

		all, err := scan[domain.MemoryFragment](r, txn, prefixFragment)
		if err != nil {
			return err
		}
		slices.SortFunc(all, newestFragmentFirst)
		return deleteAfter(txn, all, r.limits.MaxFragments)
	})
	if err != nil {
		return perr.Persistencef(err, "failed to save fragments")
	}
	r.afterWriteLocked(ctx)
	return nil
}

// RecentFragments returns unprocessed fragments newest first
func (r *Repository) RecentFragments(ctx context.Context, limit int, exclude map[string]struct{}) ([]domain.MemoryFragment, error) {
	var entries []entry[domain.MemoryFragment]
	err := r.db.View(func(txn *dgbadger.Txn) error {
		var err error
		entries, err = scan[domain.MemoryFragment](r, txn, prefixFragment)
		return err
	})
	if err != nil {
		return nil, perr.Persistencef(err, "failed to read fragments")
	}
	slices.SortFunc(entries, newestFragmentFirst)

	var frags []domain.MemoryFragment
	for _, e := range entries {
		if limit > 0 && len(frags) >= limit {
			break
		}
		if e.flags&flagProcessed != 0 {
			continue
		}
		if _, skip := exclude[e.value.ID]; skip {
			continue
		}
		frags = append(frags, e.value)
	}
	return frags, nil
}

// MarkFragmentsProcessed flags fragments so RecentFragments skips them.
// Unknown ids are ignored.
func (r *Repository) MarkFragmentsProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *dgbadger.Txn) error {
		for _, id := range ids {
			key := []byte(prefixFragment + id)
			item, err := txn.Get(key)
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) == 0 {
				continue
			}
			val[0] |= flagProcessed
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return perr.Persistencef(err, "failed to mark fragments processed")
	}
	return nil
}

// ============================================================================
// Quota
// ============================================================================

type snapshot struct {
	reports    []entry[*domain.DreamReport]
	signatures []entry[domain.SurveillanceSignature]
	fragments  []entry[domain.MemoryFragment]
}

func (s snapshot) usage() repository.Usage {
	u := repository.Usage{
		Reports:    len(s.reports),
		Signatures: len(s.signatures),
		Fragments:  len(s.fragments),
	}
	for _, e := range s.reports {
		u.Bytes += int64(e.size)
	}
	for _, e := range s.signatures {
		u.Bytes += int64(e.size)
	}
	for _, e := range s.fragments {
		u.Bytes += int64(e.size)
	}
	return u
}

func (r *Repository) load(txn *dgbadger.Txn) (snapshot, error) {
	var s snapshot
	var err error
	if s.reports, err = scan[*domain.DreamReport](r, txn, prefixReport); err != nil {
		return s, err
	}
	if s.signatures, err = scan[domain.SurveillanceSignature](r, txn, prefixSignature); err != nil {
		return s, err
	}
	s.fragments, err = scan[domain.MemoryFragment](r, txn, prefixFragment)
	return s, err
}

// Usage returns entry counts and stored payload bytes
func (r *Repository) Usage(ctx context.Context) (repository.Usage, error) {
	var u repository.Usage
	err := r.db.View(func(txn *dgbadger.Txn) error {
		s, err := r.load(txn)
		u = s.usage()
		return err
	})
	if err != nil {
		return u, perr.Persistencef(err, "failed to compute usage")
	}
	return u, nil
}

// EnforceQuota removes the oldest half of every table when over quota
func (r *Repository) EnforceQuota(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enforceQuotaLocked(ctx)
}

func (r *Repository) enforceQuotaLocked(ctx context.Context) (bool, error) {
	if r.limits.QuotaBytes <= 0 {
		return false, nil
	}

	var u repository.Usage
	cleaned := false
	err := r.db.Update(func(txn *dgbadger.Txn) error {
		s, err := r.load(txn)
		if err != nil {
			return err
		}
		u = s.usage()
		if u.Bytes <= r.limits.QuotaBytes {
			return nil
		}
		cleaned = true

		// newest-first orderings; deleting past the newer half drops the oldest half
		slices.SortFunc(s.reports, newestReportFirst)
		if err := deleteAfter(txn, s.reports, len(s.reports)-repository.HalfOf(len(s.reports))); err != nil {
			return err
		}
		slices.SortFunc(s.signatures, func(a, b entry[domain.SurveillanceSignature]) int {
			if c := b.value.LastSeen.Compare(a.value.LastSeen); c != 0 {
				return c
			}
			return cmp.Compare(b.value.ID, a.value.ID)
		})
		if err := deleteAfter(txn, s.signatures, len(s.signatures)-repository.HalfOf(len(s.signatures))); err != nil {
			return err
		}
		slices.SortFunc(s.fragments, newestFragmentFirst)
		return deleteAfter(txn, s.fragments, len(s.fragments)-repository.HalfOf(len(s.fragments)))
	})
	if err != nil {
		return false, perr.Persistencef(err, "failed to enforce quota")
	}
	if !cleaned {
		return false, nil
	}

	r.log.Warn().Int64("bytes", u.Bytes).Int64("quota", r.limits.QuotaBytes).Msg("storage quota exceeded, removed oldest half of every table")
	r.metrics.QuotaCleanup()
	if !r.inMem {
		if err := r.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, dgbadger.ErrNoRewrite) {
			r.log.Debug().Err(err).Msg("value log gc")
		}
	}
	r.recordRows(ctx)
	return true, nil
}

// afterWriteLocked refreshes row metrics and runs the periodic quota check
func (r *Repository) afterWriteLocked(ctx context.Context) {
	r.writes++
	if r.writes%r.limits.QuotaCheckEvery == 0 {
		if _, err := r.enforceQuotaLocked(ctx); err != nil {
			r.log.Warn().Err(err).Msg("quota check failed")
		}
	}
	r.recordRows(ctx)
}

func (r *Repository) recordRows(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	u, err := r.Usage(ctx)
	if err != nil {
		return
	}
	for _, table := range []string{repository.TableReports, repository.TableSignatures, repository.TableFragments} {
		r.metrics.SetRows(table, u.Rows(table))
	}
}

// Close releases the database
func (r *Repository) Close() error {
	return r.db.Close()
}
