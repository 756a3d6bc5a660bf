package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskmill/pkg/logx"
)

func TestRegisterTaskSeedsScheduleAndMetrics(t *testing.T) {
	s := newTestService(t, nil)
	def := validDef("job")
	def.Frequency = FreqDaily
	before := time.Now()
	require.NoError(t, s.RegisterTask(def))

	next, ok := s.sched.get("job")
	require.True(t, ok)
	assert.True(t, next.After(before), "first due time is in the future for calendar tasks")
	assert.Equal(t, 2, next.UTC().Hour())

	m, ok := s.metrics.snapshot("job")
	require.True(t, ok)
	assert.Zero(t, m.Total)
}

func TestGetTaskStatus(t *testing.T) {
	s := newTestService(t, nil)
	def := validDef("job")
	def.DependsOn = nil
	def.Description = "does things"
	require.NoError(t, s.RegisterTask(def))

	st, err := s.GetTaskStatus("job")
	require.NoError(t, err)
	assert.Equal(t, "job", st.Task.ID)
	assert.Equal(t, "does things", st.Task.Description)
	assert.Equal(t, "normal", st.Task.Priority)
	assert.True(t, st.Task.Enabled)
	assert.Empty(t, st.InFlight)
	assert.False(t, st.NextDue.IsZero())

	_, err = s.GetTaskStatus("ghost")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestGetSystemOverview(t *testing.T) {
	s := newTestService(t, nil)
	s.SetLoadSource(staticLoad{cpu: 12, mem: 34, ok: true})
	require.NoError(t, s.RegisterTask(validDef("a")))
	off := validDef("b")
	off.Enabled = false
	require.NoError(t, s.RegisterTask(off))

	ov := s.GetSystemOverview()
	assert.Equal(t, 2, ov.TaskCount)
	assert.Equal(t, 1, ov.EnabledCount)
	assert.True(t, ov.LoadKnown)
	assert.Equal(t, 12.0, ov.CPUPercent)
	assert.Equal(t, 34.0, ov.MemoryPercent)
	require.Len(t, ov.Tasks, 2)
	assert.Equal(t, "a", ov.Tasks[0].ID)
	assert.Equal(t, "b", ov.Tasks[1].ID)
}

func TestDisableRemovesScheduleEntry(t *testing.T) {
	s := newTestService(t, nil)
	require.NoError(t, s.RegisterTask(validDef("job")))

	require.NoError(t, s.DisableTask("job"))
	_, ok := s.sched.get("job")
	assert.False(t, ok, "disable drops the schedule entry")

	// Metrics and status queries keep working while disabled.
	st, err := s.GetTaskStatus("job")
	require.NoError(t, err)
	assert.False(t, st.Task.Enabled)
	assert.True(t, st.NextDue.IsZero())
}

func TestEnableRecomputesFromNow(t *testing.T) {
	s := newTestService(t, nil)
	def := validDef("job")
	def.Frequency = FreqHourly
	require.NoError(t, s.RegisterTask(def))
	require.NoError(t, s.DisableTask("job"))

	before := time.Now()
	require.NoError(t, s.EnableTask("job"))
	next, ok := s.sched.get("job")
	require.True(t, ok)
	assert.True(t, !next.Before(before.Add(time.Hour)), "next due is recomputed from enable time")

	// Enabling an enabled task leaves the schedule alone.
	require.NoError(t, s.EnableTask("job"))
	again, _ := s.sched.get("job")
	assert.Equal(t, next, again)
}

func TestToggleUnknownTask(t *testing.T) {
	s := newTestService(t, nil)
	assert.ErrorIs(t, s.EnableTask("ghost"), ErrUnknownTask)
	assert.ErrorIs(t, s.DisableTask("ghost"), ErrUnknownTask)
}

func TestRegisterAfterStopRejected(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.ErrorIs(t, s.RegisterTask(validDef("late")), ErrStopped)
	_, err := s.TriggerTask("late")
	assert.ErrorIs(t, err, ErrStopped)
}
