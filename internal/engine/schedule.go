package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Calendar frequencies all fire at 02:00 UTC. The specs are parsed once at
// init; a bad literal here is a programming error, not a runtime condition.
var (
	dailySchedule   = mustSchedule("0 2 * * *")
	weeklySchedule  = mustSchedule("0 2 * * 1")
	monthlySchedule = mustSchedule("0 2 1 * *")
)

func mustSchedule(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic("engine: bad cron spec " + spec + ": " + err.Error())
	}
	return s
}

// nextRun derives the next-due time purely from the frequency and "now" —
// no schedule-table state is consulted, so the result is reproducible.
// Continuous tasks are due immediately, interval frequencies add a fixed
// duration, calendar frequencies roll forward through their cron spec.
func nextRun(freq Frequency, now time.Time) time.Time {
	switch freq {
	case FreqContinuous:
		return now
	case FreqEveryMinute:
		return now.Add(time.Minute)
	case FreqEvery5Min:
		return now.Add(5 * time.Minute)
	case FreqEvery15Min:
		return now.Add(15 * time.Minute)
	case FreqEvery30Min:
		return now.Add(30 * time.Minute)
	case FreqHourly:
		return now.Add(time.Hour)
	case FreqDaily:
		return dailySchedule.Next(now.UTC())
	case FreqWeekly:
		return weeklySchedule.Next(now.UTC())
	case FreqMonthly:
		return monthlySchedule.Next(now.UTC())
	default:
		// Unreachable for registered tasks; validation rejects unknown
		// frequencies. Fall back to an hour so a bug cannot hot-loop.
		return now.Add(time.Hour)
	}
}

// scheduleTable maps task id to the next time the scheduler loop should
// consider it. Disabling a task removes its entry; re-enabling recomputes
// it from that moment.
type scheduleTable struct {
	mu   sync.Mutex
	next map[string]time.Time
}

func newScheduleTable() *scheduleTable {
	return &scheduleTable{next: make(map[string]time.Time)}
}

func (t *scheduleTable) set(taskID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next[taskID] = at
}

func (t *scheduleTable) remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.next, taskID)
}

func (t *scheduleTable) get(taskID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.next[taskID]
	return at, ok
}

// reschedule advances the entry from "now" per the task's frequency.
func (t *scheduleTable) reschedule(taskID string, freq Frequency, now time.Time) {
	t.set(taskID, nextRun(freq, now))
}

// deferBy pushes the entry a fixed distance into the future without
// consulting the frequency, used when the resource gate rejects a dispatch.
func (t *scheduleTable) deferBy(taskID string, now time.Time, d time.Duration) {
	t.set(taskID, now.Add(d))
}

// due returns the ids whose next-due time is at or before now, sorted so
// callers iterate deterministically.
func (t *scheduleTable) due(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, at := range t.next {
		if !at.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
