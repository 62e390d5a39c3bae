package thermal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procStatSample = `cpu  100 0 100 700 100 0 0 0 0 0
cpu0 50 0 50 350 50 0 0 0 0 0
intr 12345
`

func TestParseProcStat(t *testing.T) {
	idle, total, err := parseProcStat(procStatSample)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), idle)
	assert.Equal(t, uint64(1000), total)

	_, _, err = parseProcStat("intr 1\n")
	assert.Error(t, err)
}

func TestProcStatSamplerDelta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(path, []byte(procStatSample), 0644))
	s := &ProcStatSampler{path: path}

	first, err := s.CPUUtilization(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, first, 1e-12)

	// 100 more ticks, 25 of them idle
	require.NoError(t, os.WriteFile(path, []byte("cpu  150 0 125 725 100 0 0 0 0 0\n"), 0644))
	second, err := s.CPUUtilization(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.75, second, 1e-12)
}

func TestLagToUtilization(t *testing.T) {
	assert.Zero(t, lagToUtilization(time.Millisecond, time.Millisecond))
	assert.InDelta(t, 0.5, lagToUtilization(2*time.Millisecond, time.Millisecond), 1e-12)
	assert.InDelta(t, 0.75, lagToUtilization(4*time.Millisecond, time.Millisecond), 1e-12)
	assert.Zero(t, lagToUtilization(0, time.Millisecond))
}

type failingSampler struct{}

func (failingSampler) Name() string { return "failing" }
func (failingSampler) CPUUtilization(context.Context) (float64, error) {
	return 0, errors.New("nope")
}

func TestChainSamplerFallsBack(t *testing.T) {
	v, err := ChainSampler{failingSampler{}, &fakeCPU{value: 0.42}}.CPUUtilization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.42, v)

	_, err = ChainSampler{failingSampler{}}.CPUUtilization(context.Background())
	assert.ErrorContains(t, err, "failing")
}

func TestLagSamplerInRange(t *testing.T) {
	v, err := NewLagSampler().CPUUtilization(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)
}

func TestRuntimeMemoryPositive(t *testing.T) {
	assert.Greater(t, RuntimeMemory{}.MemoryMB(), 0.0)
}
