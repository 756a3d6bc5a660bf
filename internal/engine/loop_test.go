package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskmill/pkg/logx"
)

func TestOrderForDispatch(t *testing.T) {
	defs := []TaskDefinition{
		{ID: "b-normal", Priority: PriorityNormal},
		{ID: "z-critical", Priority: PriorityCritical},
		{ID: "a-normal", Priority: PriorityNormal},
		{ID: "m-low", Priority: PriorityLow},
		{ID: "k-high", Priority: PriorityHigh},
	}
	orderForDispatch(defs)

	got := make([]string, len(defs))
	for i, d := range defs {
		got[i] = d.ID
	}
	assert.Equal(t, []string{"z-critical", "k-high", "a-normal", "b-normal", "m-low"}, got)
}

func TestDispatchDueRunsEnabledTasks(t *testing.T) {
	s := newTestService(t, nil)
	var ran atomic.Int32
	def := validDef("due")
	def.Frequency = FreqContinuous
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		ran.Add(1)
		return Result{}, nil
	})
	require.NoError(t, s.RegisterTask(def))

	disabled := validDef("off")
	disabled.Frequency = FreqContinuous
	disabled.Enabled = false
	disabled.Handler = HandlerFunc(func(context.Context) (Result, error) {
		t.Error("disabled task must not dispatch")
		return Result{}, nil
	})
	require.NoError(t, s.RegisterTask(disabled))

	s.dispatchDue(time.Now())

	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.active.len() == 0 }, time.Second, time.Millisecond)
}

func TestDispatchDueReschedulesPerVerdict(t *testing.T) {
	now := time.Now()

	t.Run("admitted task is rescheduled by frequency", func(t *testing.T) {
		s := newTestService(t, nil)
		def := validDef("hourly-job")
		def.Frequency = FreqHourly
		require.NoError(t, s.RegisterTask(def))
		s.sched.set("hourly-job", now.Add(-time.Second))

		s.dispatchDue(now)
		next, ok := s.sched.get("hourly-job")
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Hour), next)
	})

	t.Run("resource rejection defers by the short interval", func(t *testing.T) {
		s := newTestService(t, nil)
		s.SetLoadSource(staticLoad{cpu: 95, mem: 10, ok: true})
		def := validDef("heavy-job")
		def.Frequency = FreqHourly
		def.Resources = ResourceRequirement{CPUPercent: 10}
		require.NoError(t, s.RegisterTask(def))
		s.sched.set("heavy-job", now.Add(-time.Second))

		s.dispatchDue(now)
		next, ok := s.sched.get("heavy-job")
		require.True(t, ok)
		assert.Equal(t, now.Add(s.cfg.ResourceDefer), next)
	})

	t.Run("unmet condition consumes the period", func(t *testing.T) {
		s := newTestService(t, nil)
		def := validDef("guarded-job")
		def.Frequency = FreqHourly
		def.Conditions = []Condition{func() bool { return false }}
		require.NoError(t, s.RegisterTask(def))
		s.sched.set("guarded-job", now.Add(-time.Second))

		s.dispatchDue(now)
		next, ok := s.sched.get("guarded-job")
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Hour), next)
	})

	t.Run("busy task stays due", func(t *testing.T) {
		s := newTestService(t, nil)
		release := make(chan struct{})
		def := validDef("busy-job")
		def.Frequency = FreqHourly
		def.Handler = HandlerFunc(func(context.Context) (Result, error) {
			<-release
			return Result{}, nil
		})
		require.NoError(t, s.RegisterTask(def))

		h, err := s.TriggerTask("busy-job")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return s.active.countForTask("busy-job") == 1 },
			time.Second, time.Millisecond)

		was := now.Add(-time.Second)
		s.sched.set("busy-job", was)
		s.dispatchDue(now)

		next, ok := s.sched.get("busy-job")
		require.True(t, ok)
		assert.Equal(t, was, next, "schedule entry untouched while a chain is in flight")

		close(release)
		waitDone(t, h)
	})
}

func TestTickRecoversFromPanic(t *testing.T) {
	s := newTestService(t, nil)

	assert.Equal(t, s.cfg.Tick, s.tick(time.Now()), "healthy tick returns the normal interval")

	s.tickWork = func(time.Time) { panic("tick bug") }
	assert.Equal(t, s.cfg.PanicBackoff, s.tick(time.Now()), "panicking tick answers with the backoff")

	s.tickWork = s.dispatchDue
	assert.Equal(t, s.cfg.Tick, s.tick(time.Now()), "loop resumes normal ticking afterwards")
}

func TestLoopKeepsTickingAfterPanic(t *testing.T) {
	var ticks atomic.Int32
	s := New(Config{Tick: 5 * time.Millisecond, PanicBackoff: 5 * time.Millisecond}, logx.Nop(), nil, nil)
	s.tickWork = func(time.Time) {
		if ticks.Add(1) == 1 {
			panic("first tick bug")
		}
	}
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond,
		"loop survives a panicking tick and keeps going")
}
