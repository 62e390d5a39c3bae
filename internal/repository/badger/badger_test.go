package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/domain"
	"umbra/internal/repository"
	"umbra/internal/repository/storetest"
)

func newTestRepo(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	repo, err := New(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, limits repository.Limits) repository.Store {
		return newTestRepo(t, WithLimits(limits))
	})
}

func TestValueLayout(t *testing.T) {
	repo := newTestRepo(t, WithLimits(repository.Limits{CompressionThreshold: 16}))

	val, err := repo.encode(storetest.Fragment("f1", "a.example", 0), flagProcessed)
	require.NoError(t, err)
	assert.Equal(t, flagProcessed|flagCompressed, val[0])

	var f domain.MemoryFragment
	flags, err := repo.decode(val, &f)
	require.NoError(t, err)
	assert.Equal(t, val[0], flags)
	assert.Equal(t, "a.example", f.Domain)

	_, err = repo.decode(nil, &f)
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, repo.SaveFragments(ctx, []domain.MemoryFragment{
		storetest.Fragment("f1", "a.example", 0),
		storetest.Fragment("f2", "b.example", time.Minute),
	}))
	require.NoError(t, repo.MarkFragmentsProcessed(ctx, []string{"f1"}))
	require.NoError(t, repo.Close())

	repo, err = New(dir)
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.RecentFragments(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f2", got[0].ID)
}

func TestDuplicateReportRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CommitRun(ctx, storetest.Report("r1", 0)))
	assert.Error(t, repo.CommitRun(ctx, storetest.Report("r1", time.Minute)))

	u, err := repo.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Reports)
}
