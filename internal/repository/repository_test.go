package repository

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type quotaCounter struct {
	Store
	calls atomic.Int32
}

func (q *quotaCounter) EnforceQuota(context.Context) (bool, error) {
	q.calls.Add(1)
	return true, nil
}

func TestRunQuotaLoop(t *testing.T) {
	s := &quotaCounter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunQuotaLoop(ctx, s, 5*time.Millisecond, zerolog.Nop()) }()

	assert.Eventually(t, func() bool { return s.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunQuotaLoopDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s := &quotaCounter{}
	assert.ErrorIs(t, RunQuotaLoop(ctx, s, 0, zerolog.Nop()), context.DeadlineExceeded)
	assert.Zero(t, s.calls.Load())
}

func TestLimitsWithDefaults(t *testing.T) {
	l := Limits{MaxReports: 3, QuotaBytes: 10}.WithDefaults()
	assert.Equal(t, 3, l.MaxReports)
	assert.Equal(t, 500, l.MaxSignatures)
	assert.Equal(t, 1000, l.MaxFragments)
	assert.Equal(t, 10, l.QuotaCheckEvery)
	assert.Equal(t, int64(10), l.QuotaBytes)
	assert.Zero(t, l.CompressionThreshold)
}

func TestHalfOf(t *testing.T) {
	assert.Equal(t, 0, HalfOf(0))
	assert.Equal(t, 1, HalfOf(1))
	assert.Equal(t, 1, HalfOf(2))
	assert.Equal(t, 2, HalfOf(3))
}
