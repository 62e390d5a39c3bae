package thermal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CPUSampler estimates host CPU utilization in [0,1]
type CPUSampler interface {
	CPUUtilization(ctx context.Context) (float64, error)
	Name() string
}

// MemorySampler estimates the engine's memory use in MB
type MemorySampler interface {
	MemoryMB() float64
}

// ProcStatSampler measures idle time from /proc/stat between calls
type ProcStatSampler struct {
	path string

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

// NewProcStatSampler reads the aggregate cpu line of /proc/stat
func NewProcStatSampler() *ProcStatSampler {
	return &ProcStatSampler{path: "/proc/stat"}
}

// Name identifies the sampler
func (s *ProcStatSampler) Name() string { return "procfs" }

// CPUUtilization returns the busy share since the previous call, or since
// boot on the first call
func (s *ProcStatSampler) CPUUtilization(_ context.Context) (float64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	idle, total, err := parseProcStat(string(data))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dIdle, dTotal := idle-s.prevIdle, total-s.prevTotal
	if s.prevTotal == 0 || total <= s.prevTotal {
		dIdle, dTotal = idle, total
	}
	s.prevIdle, s.prevTotal = idle, total

	if dTotal == 0 {
		return 0, errors.New("procfs: no cpu ticks elapsed")
	}
	return clamp01(1 - float64(dIdle)/float64(dTotal)), nil
}

// parseProcStat returns idle (idle+iowait) and total jiffies of the cpu line
func parseProcStat(data string) (idle, total uint64, err error) {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, f := range fields[1:] {
			v, perr := strconv.ParseUint(f, 10, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("procfs: parse %q: %w", f, perr)
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, nil
	}
	return 0, 0, errors.New("procfs: cpu line not found")
}

// LagSampler infers load from how late a short sleep wakes up
type LagSampler struct {
	Probe time.Duration
}

// NewLagSampler uses a 1ms probe
func NewLagSampler() *LagSampler {
	return &LagSampler{Probe: time.Millisecond}
}

// Name identifies the sampler
func (s *LagSampler) Name() string { return "scheduler_lag" }

// CPUUtilization converts wake-up lag to a utilization estimate: no lag is
// idle, lag equal to the probe is 0.5, and it approaches 1 as lag grows
func (s *LagSampler) CPUUtilization(ctx context.Context) (float64, error) {
	start := time.Now()
	t := time.NewTimer(s.Probe)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	elapsed := time.Since(start)
	return lagToUtilization(elapsed, s.Probe), nil
}

func lagToUtilization(elapsed, probe time.Duration) float64 {
	if elapsed <= 0 || probe <= 0 {
		return 0
	}
	lag := elapsed - probe
	if lag <= 0 {
		return 0
	}
	return clamp01(float64(lag) / float64(elapsed))
}

// ChainSampler returns the first estimate that succeeds
type ChainSampler []CPUSampler

// Name identifies the sampler
func (c ChainSampler) Name() string { return "chain" }

// CPUUtilization tries each sampler in order
func (c ChainSampler) CPUUtilization(ctx context.Context) (float64, error) {
	var errs []error
	for _, s := range c {
		v, err := s.CPUUtilization(ctx)
		if err == nil {
			return v, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return 0, errors.Join(errs...)
}

// DefaultCPUSampler prefers procfs idle time and falls back to scheduler lag
func DefaultCPUSampler() CPUSampler {
	if runtime.GOOS == "linux" {
		return ChainSampler{NewProcStatSampler(), NewLagSampler()}
	}
	return NewLagSampler()
}

// RuntimeMemory reports heap and stack in use by the Go runtime
type RuntimeMemory struct{}

// MemoryMB implements MemorySampler
func (RuntimeMemory) MemoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse+ms.StackInuse) / (1024 * 1024)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
