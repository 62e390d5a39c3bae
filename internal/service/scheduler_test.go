package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"umbra/internal/domain"
	perr "umbra/internal/errors"
)

type fakeTrigger struct {
	wait  time.Duration
	err   error
	calls atomic.Int32
}

func (f *fakeTrigger) RunNow(context.Context) (*domain.DreamReport, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.DreamReport{ID: "r"}, nil
}

func (f *fakeTrigger) TimeUntilNextRun() time.Duration { return f.wait }

type idleFlag bool

func (i idleFlag) Idle(time.Time) bool { return bool(i) }

type pressure bool

func (p pressure) ShouldAbort(context.Context) bool { return bool(p) }

func TestSchedulerTick(t *testing.T) {
	tests := []struct {
		name     string
		idle     bool
		wait     time.Duration
		pressure bool
		err      error
		fired    bool
	}{
		{name: "busy host", idle: false},
		{name: "gate closed", idle: true, wait: time.Second},
		{name: "under pressure", idle: true, pressure: true},
		{name: "idle and open", idle: true, fired: true},
		{name: "run rejected", idle: true, err: perr.ErrBusy, fired: true},
		{name: "run failed", idle: true, err: perr.New(perr.ErrorCodePersistence, "disk full"), fired: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := &fakeTrigger{wait: tt.wait, err: tt.err}
			s := NewScheduler(trig, idleFlag(tt.idle), time.Minute, WithBackpressure(pressure(tt.pressure)))

			assert.Equal(t, tt.fired, s.Tick(context.Background()))
			want := int32(0)
			if tt.fired {
				want = 1
			}
			assert.Equal(t, want, trig.calls.Load())
		})
	}
}

func TestSchedulerRunPollsUntilCancelled(t *testing.T) {
	trig := &fakeTrigger{}
	s := NewScheduler(trig, idleFlag(true), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return trig.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type lastActivity time.Time

func (l lastActivity) LastActivity() time.Time { return time.Time(l) }

func TestActivityIdleDetector(t *testing.T) {
	now := base
	tests := []struct {
		name string
		last time.Time
		idle bool
	}{
		{"never active", time.Time{}, true},
		{"recent activity", now.Add(-time.Minute), false},
		{"quiet long enough", now.Add(-5 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ActivityIdleDetector{Source: lastActivity(tt.last), IdleAfter: 5 * time.Minute}
			assert.Equal(t, tt.idle, d.Idle(now))
		})
	}
}
