package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"umbra/internal/codec"
	"umbra/internal/domain"
)

// ============================================================================
// Time Helpers
// ============================================================================

// timeToNanos stores times as unix nanoseconds so ORDER BY is numeric
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// nanosToTime reverses timeToNanos
func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// boolToInt converts a flag to sqlite's integer boolean
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// Payload Helpers
// ============================================================================

// encodePayload marshals v to JSON and compresses it above the threshold
func encodePayload(p codec.Payload, v any) ([]byte, bool, error) {
	return p.EncodeValue(v)
}

// decodePayload reverses encodePayload into target
func decodePayload(p codec.Payload, data []byte, compressed bool, target any) error {
	return p.DecodeValue(data, compressed, target)
}

// ============================================================================
// Query Helpers
// ============================================================================

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ============================================================================
// Row Scanners
// ============================================================================
//
// Every table keeps its indexed columns next to a JSON payload. The payload is
// the source of truth; columns exist for ordering and filtering. Column order
// in the *Columns constants must match scanArgs().

// payloadRow holds the payload columns shared by all tables
type payloadRow struct {
	ID         string
	Data       []byte
	Compressed int64
}

// scanArgs returns pointers in payloadColumns order: id, data, compressed
func (r *payloadRow) scanArgs() []any {
	return []any{&r.ID, &r.Data, &r.Compressed}
}

const payloadColumns = `id, data, compressed`

func (r *payloadRow) toReport(p codec.Payload) (*domain.DreamReport, error) {
	report := &domain.DreamReport{}
	if err := decodePayload(p, r.Data, r.Compressed != 0, report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", r.ID, err)
	}
	return report, nil
}

func (r *payloadRow) toSignature(p codec.Payload) (domain.SurveillanceSignature, error) {
	var sig domain.SurveillanceSignature
	if err := decodePayload(p, r.Data, r.Compressed != 0, &sig); err != nil {
		return sig, fmt.Errorf("decode signature %s: %w", r.ID, err)
	}
	return sig, nil
}

func (r *payloadRow) toFragment(p codec.Payload) (domain.MemoryFragment, error) {
	var f domain.MemoryFragment
	if err := decodePayload(p, r.Data, r.Compressed != 0, &f); err != nil {
		return f, fmt.Errorf("decode fragment %s: %w", r.ID, err)
	}
	return f, nil
}

// ============================================================================
// Write Helpers
// ============================================================================

// reportInsertArgs returns: id, started_at, completed_at, signature_count, data, compressed
func reportInsertArgs(p codec.Payload, report *domain.DreamReport) ([]any, error) {
	data, compressed, err := encodePayload(p, report)
	if err != nil {
		return nil, err
	}
	return []any{
		report.ID,
		timeToNanos(report.StartedAt),
		timeToNanos(report.CompletedAt),
		len(report.Signatures),
		data,
		boolToInt(compressed),
	}, nil
}

// signatureUpsertArgs returns: id, confidence, domain_count, discovered_at, last_seen, data, compressed
func signatureUpsertArgs(p codec.Payload, sig *domain.SurveillanceSignature) ([]any, error) {
	data, compressed, err := encodePayload(p, sig)
	if err != nil {
		return nil, err
	}
	return []any{
		sig.ID,
		sig.Confidence,
		len(sig.Domains),
		timeToNanos(sig.DiscoveredAt),
		timeToNanos(sig.LastSeen),
		data,
		boolToInt(compressed),
	}, nil
}

// fragmentUpsertArgs returns: id, domain, observed_at, data, compressed
func fragmentUpsertArgs(p codec.Payload, f *domain.MemoryFragment) ([]any, error) {
	data, compressed, err := encodePayload(p, f)
	if err != nil {
		return nil, err
	}
	return []any{
		f.ID,
		f.Domain,
		timeToNanos(f.ObservedAt()),
		data,
		boolToInt(compressed),
	}, nil
}
