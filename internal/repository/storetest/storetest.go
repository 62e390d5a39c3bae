// Package storetest holds the behaviour every repository.Store must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/repository"
)

// Opener returns a fresh, empty store with the given limits
type Opener func(t *testing.T, limits repository.Limits) repository.Store

var base = time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)

// Run exercises a Store implementation
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"CommitAndGet", testCommitAndGet},
		{"GetMissingReport", testGetMissingReport},
		{"SignatureKeepsDiscoveredAt", testSignatureKeepsDiscoveredAt},
		{"ReportCap", testReportCap},
		{"SignatureCap", testSignatureCap},
		{"RecentFragments", testRecentFragments},
		{"FragmentCap", testFragmentCap},
		{"CompressedPayloads", testCompressedPayloads},
		{"QuotaCleanup", testQuotaCleanup},
		{"QuotaCheckedAfterWrites", testQuotaCheckedAfterWrites},
		{"InvalidInput", testInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, open) })
	}
}

// Report builds a report started at base+offset with the given signatures
func Report(id string, offset time.Duration, sigs ...domain.SurveillanceSignature) *domain.DreamReport {
	return &domain.DreamReport{
		ID:                id,
		StartedAt:         base.Add(offset),
		CompletedAt:       base.Add(offset + 2*time.Second),
		FragmentsReceived: 10,
		FragmentsAnalyzed: 8,
		FragmentsDropped:  2,
		DropReasons:       map[domain.DropReason]int{domain.DropCDN: 2},
		DomainsVectorized: 4,
		ClustersFormed:    len(sigs),
		Signatures:        sigs,
	}
}

// Signature builds a signature over domains seen at base+offset
func Signature(confidence float64, offset time.Duration, domains ...string) domain.SurveillanceSignature {
	return domain.SurveillanceSignature{
		ID:         domain.SignatureID(domains),
		Domains:    domains,
		Confidence: confidence,
		Infrastructure: domain.Infrastructure{
			TrackerFingerprint:  []string{"collect.example"},
			ProtocolConsistency: 1,
			DominantProtocol:    domain.ProtocolH2,
		},
		Impact:       0.4,
		DiscoveredAt: base.Add(offset),
		LastSeen:     base.Add(offset),
	}
}

// Fragment builds a fragment for domain observed at base+offset
func Fragment(id, dom string, offset time.Duration) domain.MemoryFragment {
	return domain.MemoryFragment{
		ID:                id,
		Domain:            dom,
		Timestamp:         base.Add(offset),
		Friction:          0.4,
		Latency:           120,
		Trackers:          []string{"collect.example"},
		ProtocolSignature: domain.ProtocolH2,
		Samples:           1,
	}
}

func testCommitAndGet(t *testing.T, open Opener) {
	s := open(t, repository.DefaultLimits())
	ctx := context.Background()

	report := Report("r1", 0,
		Signature(0.9, 0, "a.example", "b.example"),
		Signature(0.95, 0, "c.example", "d.example"))
	require.NoError(t, s.CommitRun(ctx, report))

	got, err := s.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, report.ID, got.ID)
	assert.True(t, report.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, 8, got.FragmentsAnalyzed)
	assert.Equal(t, 2, got.DropReasons[domain.DropCDN])
	require.Len(t, got.Signatures, 2)

	sigs, err := s.ListSignatures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, 0.95, sigs[0].Confidence)
	assert.Equal(t, []string{"c.example", "d.example"}, sigs[0].Domains)

	reports, err := s.ListReports(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Reports)
	assert.Equal(t, 2, u.Signatures)
	assert.Positive(t, u.Bytes)
}

func testGetMissingReport(t *testing.T, open Opener) {
	s := open(t, repository.DefaultLimits())
	_, err := s.GetReport(context.Background(), "nope")
	assert.True(t, perr.IsCode(err, perr.ErrorCodeNotFound), "got %v", err)
}

func testSignatureKeepsDiscoveredAt(t *testing.T, open Opener) {
	s := open(t, repository.DefaultLimits())
	ctx := context.Background()

	first := Signature(0.86, 0, "a.example", "b.example")
	require.NoError(t, s.CommitRun(ctx, Report("r1", 0, first)))

	again := Signature(0.93, time.Hour, "a.example", "b.example")
	second := Report("r2", time.Hour, again)
	require.NoError(t, s.CommitRun(ctx, second))

	sigs, err := s.ListSignatures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.True(t, first.DiscoveredAt.Equal(sigs[0].DiscoveredAt))
	assert.True(t, again.LastSeen.Equal(sigs[0].LastSeen))
	assert.Equal(t, 0.93, sigs[0].Confidence)
	assert.True(t, first.DiscoveredAt.Equal(second.Signatures[0].DiscoveredAt), "report copy reflects the stored discovery time")
}

func testReportCap(t *testing.T, open Opener) {
	limits := repository.DefaultLimits()
	limits.MaxReports = 3
	s := open(t, limits)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CommitRun(ctx, Report(fmt.Sprintf("r%d", i), time.Duration(i)*time.Minute)))
		u, err := s.Usage(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, u.Reports, 3)
	}

	reports, err := s.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "r4", reports[0].ID)
	assert.Equal(t, "r2", reports[2].ID)

	_, err = s.GetReport(ctx, "r0")
	assert.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
}

func testSignatureCap(t *testing.T, open Opener) {
	limits := repository.DefaultLimits()
	limits.MaxSignatures = 2
	s := open(t, limits)
	ctx := context.Background()

	require.NoError(t, s.CommitRun(ctx, Report("r1", 0,
		Signature(0.9, 0, "a.example", "b.example"),
		Signature(0.7, 0, "c.example", "d.example"),
		Signature(0.95, 0, "e.example", "f.example"))))

	sigs, err := s.ListSignatures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, 0.95, sigs[0].Confidence)
	assert.Equal(t, 0.9, sigs[1].Confidence)
}

func testRecentFragments(t *testing.T, open Opener) {
	s := open(t, repository.DefaultLimits())
	ctx := context.Background()

	require.NoError(t, s.SaveFragments(ctx, []domain.MemoryFragment{
		Fragment("f1", "a.example", 0),
		Fragment("f2", "b.example", time.Minute),
		Fragment("f3", "c.example", 2*time.Minute),
	}))

	got, err := s.RecentFragments(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f3", got[0].ID)
	assert.Equal(t, "f2", got[1].ID)

	got, err = s.RecentFragments(ctx, 0, map[string]struct{}{"f3": {}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f2", got[0].ID)

	require.NoError(t, s.MarkFragmentsProcessed(ctx, []string{"f2", "unknown"}))
	got, err = s.RecentFragments(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f3", "f1"}, ids(got))

	// re-saving a processed fragment does not resurrect it
	updated := Fragment("f2", "b.example", 3*time.Minute)
	updated.Samples = 4
	require.NoError(t, s.SaveFragments(ctx, []domain.MemoryFragment{updated}))
	got, err = s.RecentFragments(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f3", "f1"}, ids(got))

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Fragments)
}

func testFragmentCap(t *testing.T, open Opener) {
	limits := repository.DefaultLimits()
	limits.MaxFragments = 2
	s := open(t, limits)
	ctx := context.Background()

	require.NoError(t, s.SaveFragments(ctx, []domain.MemoryFragment{
		Fragment("f1", "a.example", 0),
		Fragment("f2", "b.example", time.Minute),
		Fragment("f3", "c.example", 2*time.Minute),
		Fragment("f4", "d.example", 3*time.Minute),
	}))

	got, err := s.RecentFragments(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f4", "f3"}, ids(got))
}

func testCompressedPayloads(t *testing.T, open Opener) {
	limits := repository.DefaultLimits()
	limits.CompressionThreshold = 256
	s := open(t, limits)
	ctx := context.Background()

	big := Fragment("f1", "a.example", 0)
	for i := 0; i < 200; i++ {
		big.Trackers = append(big.Trackers, fmt.Sprintf("tracker-%03d.collect.example", i))
	}
	raw, err := json.Marshal(big)
	require.NoError(t, err)

	require.NoError(t, s.SaveFragments(ctx, []domain.MemoryFragment{big}))
	got, err := s.RecentFragments(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, big.Trackers, got[0].Trackers)

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Less(t, u.Bytes, int64(len(raw)), "payload above the threshold is stored compressed")
}

func testQuotaCleanup(t *testing.T, open Opener) {
	limits := repository.DefaultLimits()
	limits.QuotaBytes = 1
	limits.QuotaCheckEvery = 1000
	s := open(t, limits)
	ctx := context.Background()

	require.NoError(t, s.SaveFragments(ctx, []domain.MemoryFragment{
		Fragment("f1", "a.example", 0),
		Fragment("f2", "b.example", time.Minute),
		Fragment("f3", "c.example", 2*time.Minute),
		Fragment("f4", "d.example", 3*time.Minute),
	}))
	require.NoError(t, s.CommitRun(ctx, Report("r1", 0, Signature(0.9, 0, "a.example", "b.example"))))
	require.NoError(t, s.CommitRun(ctx, Report("r2", time.Minute)))

	cleaned, err := s.EnforceQuota(ctx)
	require.NoError(t, err)
	assert.True(t, cleaned)

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Reports)
	assert.Equal(t, 0, u.Signatures)
	assert.Equal(t, 2, u.Fragments)

	got, err := s.RecentFragments(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f4", "f3"}, ids(got), "oldest half removed")

	reports, err := s.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "r2", reports[0].ID)
}

func testQuotaCheckedAfterWrites(t *testing.T, open Opener) {
	limits := repository.DefaultLimits()
	limits.QuotaBytes = 1
	limits.QuotaCheckEvery = 1
	s := open(t, limits)
	ctx := context.Background()

	require.NoError(t, s.SaveFragments(ctx, []domain.MemoryFragment{
		Fragment("f1", "a.example", 0),
		Fragment("f2", "b.example", time.Minute),
		Fragment("f3", "c.example", 2*time.Minute),
		Fragment("f4", "d.example", 3*time.Minute),
	}))

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Fragments)
}

func testInvalidInput(t *testing.T, open Opener) {
	s := open(t, repository.DefaultLimits())
	ctx := context.Background()

	err := s.CommitRun(ctx, nil)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))

	err = s.SaveFragments(ctx, []domain.MemoryFragment{Fragment("", "a.example", 0)})
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u.Fragments)
	assert.Zero(t, u.Reports)
}

func ids(frags []domain.MemoryFragment) []string {
	out := make([]string, len(frags))
	for i, f := range frags {
		out[i] = f.ID
	}
	return out
}
