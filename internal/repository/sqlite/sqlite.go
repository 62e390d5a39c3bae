package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"umbra/internal/codec"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/metrics"
	"umbra/internal/repository"
)

// Repository implements repository.Store using SQLite
type Repository struct {
	db      *sql.DB
	limits  repository.Limits
	payload codec.Payload
	metrics *metrics.Metrics
	log     zerolog.Logger

	// single writer; reads go straight to db
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
	return func(r *Repository) { r.log = l.With().Str("component", "store").Str("driver", "sqlite").Logger() }
}

// New opens (or creates) the database at dbPath. ":memory:" opens a private
// in-memory database.
func New(dbPath string, opts ...Option) (*Repository, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, perr.Persistencef(err, "failed to open database")
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	repo := &Repository{
		db:      db,
		limits:  repository.DefaultLimits(),
		payload: codec.Payload{Compressor: codec.NewZstdCompressor()},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(repo)
	}
	repo.payload.Threshold = repo.limits.CompressionThreshold

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, perr.Persistencef(err, "failed to migrate database")
	}

	if _, err := repo.EnforceQuota(context.Background()); err != nil {
		repo.log.Warn().Err(err).Msg("initial quota check failed")
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		signature_count INTEGER NOT NULL DEFAULT 0,
		data BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS signatures (
		id TEXT PRIMARY KEY,
		confidence REAL NOT NULL,
		domain_count INTEGER NOT NULL,
		discovered_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		data BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		data BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_reports_started ON reports(started_at);
	CREATE INDEX IF NOT EXISTS idx_signatures_confidence ON signatures(confidence);
	CREATE INDEX IF NOT EXISTS idx_signatures_last_seen ON signatures(last_seen);
	CREATE INDEX IF NOT EXISTS idx_fragments_pending ON fragments(processed, observed_at);
	`

	_, err := r.db.Exec(schema)
	return err
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

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return perr.Persistencef(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for i := range report.Signatures {
		sig := &report.Signatures[i]
		var discovered int64
		err := tx.QueryRowContext(ctx, `SELECT discovered_at FROM signatures WHERE id = ?`, sig.ID).Scan(&discovered)
		switch {
		case err == nil:
			sig.DiscoveredAt = nanosToTime(discovered)
		case !errors.Is(err, sql.ErrNoRows):
			return perr.Persistencef(err, "failed to look up signature %s", sig.ID)
		}

		args, err := signatureUpsertArgs(r.payload, sig)
		if err != nil {
			return perr.Persistencef(err, "failed to encode signature %s", sig.ID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO signatures (id, confidence, domain_count, discovered_at, last_seen, data, compressed)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				confidence = excluded.confidence,
				domain_count = excluded.domain_count,
				last_seen = excluded.last_seen,
				data = excluded.data,
				compressed = excluded.compressed
		`, args...)
		if err != nil {
			return perr.Persistencef(err, "failed to upsert signature %s", sig.ID)
		}
	}

	args, err := reportInsertArgs(r.payload, report)
	if err != nil {
		return perr.Persistencef(err, "failed to encode report %s", report.ID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, started_at, completed_at, signature_count, data, compressed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return perr.Persistencef(err, "failed to insert report %s", report.ID)
	}

	if err := trim(ctx, tx, `reports`, `started_at DESC, id DESC`, r.limits.MaxReports); err != nil {
		return err
	}
	if err := trim(ctx, tx, `signatures`, `confidence DESC, last_seen DESC`, r.limits.MaxSignatures); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return perr.Persistencef(err, "failed to commit run")
	}
	r.afterWriteLocked(ctx)
	return nil
}

// trim deletes every row beyond the first max rows in keep order
func trim(ctx context.Context, q queryer, table, keepOrder string, max int) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (
		SELECT id FROM %s ORDER BY %s LIMIT -1 OFFSET ?
	)`, table, table, keepOrder)
	if _, err := q.ExecContext(ctx, query, max); err != nil {
		return perr.Persistencef(err, "failed to trim %s", table)
	}
	return nil
}

// GetReport returns one report by id
func (r *Repository) GetReport(ctx context.Context, id string) (*domain.DreamReport, error) {
	var row payloadRow
	err := r.db.QueryRowContext(ctx, `SELECT `+payloadColumns+` FROM reports WHERE id = ?`, id).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.NotFoundf("report %s not found", id)
	}
	if err != nil {
		return nil, perr.Persistencef(err, "failed to query report")
	}
	report, err := row.toReport(r.payload)
	if err != nil {
		return nil, perr.Persistencef(err, "failed to read report")
	}
	return report, nil
}

// ListReports returns reports newest first
func (r *Repository) ListReports(ctx context.Context, limit int) ([]*domain.DreamReport, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+payloadColumns+` FROM reports
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, perr.Persistencef(err, "failed to query reports")
	}
	defer rows.Close()

	var reports []*domain.DreamReport
	for rows.Next() {
		var row payloadRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, perr.Persistencef(err, "failed to scan report")
		}
		report, err := row.toReport(r.payload)
		if err != nil {
			return nil, perr.Persistencef(err, "failed to read report")
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Persistencef(err, "error iterating reports")
	}
	return reports, nil
}

// ListSignatures returns signatures by descending confidence
func (r *Repository) ListSignatures(ctx context.Context, limit int) ([]domain.SurveillanceSignature, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+payloadColumns+` FROM signatures
		ORDER BY confidence DESC, id ASC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, perr.Persistencef(err, "failed to query signatures")
	}
	defer rows.Close()

	var sigs []domain.SurveillanceSignature
	for rows.Next() {
		var row payloadRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, perr.Persistencef(err, "failed to scan signature")
		}
		sig, err := row.toSignature(r.payload)
		if err != nil {
			return nil, perr.Persistencef(err, "failed to read signature")
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Persistencef(err, "error iterating signatures")
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

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return perr.Persistencef(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for i := range frags {
		args, err := fragmentUpsertArgs(r.payload, &frags[i])
		if err != nil {
			return perr.Persistencef(err, "failed to encode fragment %s", frags[i].ID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fragments (id, domain, observed_at, data, compressed)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				domain = excluded.domain,
				observed_at = excluded.observed_at,
				data = excluded.data,
				compressed = excluded.compressed
		`, args...)
		if err != nil {
			return perr.Persistencef(err, "failed to upsert fragment %s", frags[i].ID)
		}
	}
	if err := trim(ctx, tx, `fragments`, `observed_at DESC, id DESC`, r.limits.MaxFragments); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return perr.Persistencef(err, "failed to commit fragments")
	}
	r.afterWriteLocked(ctx)
	return nil
}

// RecentFragments returns unprocessed fragments newest first
func (r *Repository) RecentFragments(ctx context.Context, limit int, exclude map[string]struct{}) ([]domain.MemoryFragment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+payloadColumns+` FROM fragments
		WHERE processed = 0
		ORDER BY observed_at DESC, id ASC
	`)
	if err != nil {
		return nil, perr.Persistencef(err, "failed to query fragments")
	}
	defer rows.Close()

	var frags []domain.MemoryFragment
	for rows.Next() {
		if limit > 0 && len(frags) >= limit {
			break
		}
		var row payloadRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, perr.Persistencef(err, "failed to scan fragment")
		}
		if _, skip := exclude[row.ID]; skip {
			continue
		}
		f, err := row.toFragment(r.payload)
		if err != nil {
			return nil, perr.Persistencef(err, "failed to read fragment")
		}
		frags = append(frags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Persistencef(err, "error iterating fragments")
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return perr.Persistencef(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE fragments SET processed = 1 WHERE id = ?`, id); err != nil {
			return perr.Persistencef(err, "failed to mark fragment %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return perr.Persistencef(err, "failed to commit processed fragments")
	}
	return nil
}

// ============================================================================
// Quota
// ============================================================================

// Usage returns row counts and stored payload bytes
func (r *Repository) Usage(ctx context.Context) (repository.Usage, error) {
	return usage(ctx, r.db)
}

func usage(ctx context.Context, q queryer) (repository.Usage, error) {
	var u repository.Usage
	err := q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM reports),
			(SELECT COUNT(*) FROM signatures),
			(SELECT COUNT(*) FROM fragments),
			(SELECT COALESCE(SUM(LENGTH(data)), 0) FROM reports) +
			(SELECT COALESCE(SUM(LENGTH(data)), 0) FROM signatures) +
			(SELECT COALESCE(SUM(LENGTH(data)), 0) FROM fragments)
	`).Scan(&u.Reports, &u.Signatures, &u.Fragments, &u.Bytes)
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, perr.Persistencef(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	u, err := usage(ctx, tx)
	if err != nil {
		return false, err
	}
	if u.Bytes <= r.limits.QuotaBytes {
		return false, nil
	}

	oldestFirst := []struct {
		table string
		order string
		rows  int
	}{
		{`reports`, `started_at ASC, id ASC`, u.Reports},
		{`signatures`, `last_seen ASC, id ASC`, u.Signatures},
		{`fragments`, `observed_at ASC, id ASC`, u.Fragments},
	}
	for _, t := range oldestFirst {
		query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (
			SELECT id FROM %s ORDER BY %s LIMIT ?
		)`, t.table, t.table, t.order)
		if _, err := tx.ExecContext(ctx, query, repository.HalfOf(t.rows)); err != nil {
			return false, perr.Persistencef(err, "failed to clean %s", t.table)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, perr.Persistencef(err, "failed to commit quota cleanup")
	}

	r.log.Warn().Int64("bytes", u.Bytes).Int64("quota", r.limits.QuotaBytes).Msg("storage quota exceeded, removed oldest half of every table")
	r.metrics.QuotaCleanup()
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
	u, err := usage(ctx, r.db)
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

// sqlLimit maps "no limit" to sqlite's -1
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
