package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun(t *testing.T) {
	// Wednesday 2026-03-11 10:30 UTC.
	now := time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		freq Frequency
		want time.Time
	}{
		{"continuous is always due", FreqContinuous, now},
		{"every minute", FreqEveryMinute, now.Add(time.Minute)},
		{"every 5", FreqEvery5Min, now.Add(5 * time.Minute)},
		{"every 15", FreqEvery15Min, now.Add(15 * time.Minute)},
		{"every 30", FreqEvery30Min, now.Add(30 * time.Minute)},
		{"hourly", FreqHourly, now.Add(time.Hour)},
		{"daily rolls to next 02:00", FreqDaily, time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC)},
		{"weekly rolls to Monday 02:00", FreqWeekly, time.Date(2026, 3, 16, 2, 0, 0, 0, time.UTC)},
		{"monthly rolls to the 1st 02:00", FreqMonthly, time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextRun(tc.freq, now))
		})
	}
}

func TestNextRunBeforeDailyFireTime(t *testing.T) {
	now := time.Date(2026, 3, 11, 1, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), nextRun(FreqDaily, now))
}

func TestNextRunMonthlyRollsYear(t *testing.T) {
	now := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC), nextRun(FreqMonthly, now))
}

func TestNextRunIsPure(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC)
	first := nextRun(FreqWeekly, now)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, nextRun(FreqWeekly, now))
	}
}

func TestScheduleTableDue(t *testing.T) {
	tab := newScheduleTable()
	now := time.Now()

	tab.set("b", now.Add(-time.Second))
	tab.set("a", now)
	tab.set("c", now.Add(time.Hour))

	due := tab.due(now)
	assert.Equal(t, []string{"a", "b"}, due, "due ids are sorted and exclude future entries")

	tab.remove("a")
	assert.Equal(t, []string{"b"}, tab.due(now))
}

func TestScheduleTableDefer(t *testing.T) {
	tab := newScheduleTable()
	now := time.Now()
	tab.set("a", now)

	tab.deferBy("a", now, 5*time.Minute)
	assert.Empty(t, tab.due(now))

	at, ok := tab.get("a")
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), at)
}
