package engine

import (
	"sync"
	"time"
)

// Trend compares recent outcomes against a task's lifetime failure rate.
type Trend string

const (
	TrendUnknown   Trend = "unknown"
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
)

// trendWindow is the number of recent outcomes considered for the trend,
// and trendMinSamples how many are needed before one is reported at all.
const (
	trendWindow     = 10
	trendMinSamples = 5
)

// TaskMetrics is the rolling per-task summary. FailureRate is a percentage
// of total executions.
type TaskMetrics struct {
	TaskID        string        `json:"task_id"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	FailureRate   float64       `json:"failure_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecution time.Time     `json:"last_execution,omitempty"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	LastFailure   time.Time     `json:"last_failure,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Trend         Trend         `json:"trend"`
}

// metricsStore keeps one record per registered task. The executor is the
// only writer; the mutex exists for the readers (status views, admission's
// dependency-freshness gate, overview snapshots).
type metricsStore struct {
	mu sync.Mutex
	m  map[string]*taskRecord
}

type taskRecord struct {
	metrics       TaskMetrics
	totalDuration time.Duration
	// recent is a ring of the last trendWindow outcomes, true on success.
	recent    [trendWindow]bool
	recentLen int
	recentPos int
}

func newMetricsStore() *metricsStore {
	return &metricsStore{m: make(map[string]*taskRecord)}
}

// track seeds a zeroed record at registration so status views never miss.
func (s *metricsStore) track(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[taskID]; !ok {
		s.m[taskID] = &taskRecord{metrics: TaskMetrics{TaskID: taskID, Trend: TrendUnknown}}
	}
}

func (s *metricsStore) recordSuccess(taskID string, at time.Time, dur time.Duration) {
	s.record(taskID, at, dur, true, "")
}

func (s *metricsStore) recordFailure(taskID string, at time.Time, dur time.Duration, errMsg string) {
	s.record(taskID, at, dur, false, errMsg)
}

func (s *metricsStore) record(taskID string, at time.Time, dur time.Duration, ok bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.m[taskID]
	if !found {
		rec = &taskRecord{metrics: TaskMetrics{TaskID: taskID}}
		s.m[taskID] = rec
	}
	m := &rec.metrics
	m.Total++
	if ok {
		m.Succeeded++
		m.LastSuccess = at
	} else {
		m.Failed++
		m.LastFailure = at
		m.LastError = errMsg
	}
	m.LastExecution = at
	rec.totalDuration += dur
	m.AvgDuration = rec.totalDuration / time.Duration(m.Total)
	m.FailureRate = float64(m.Failed) / float64(m.Total) * 100

	rec.recent[rec.recentPos] = ok
	rec.recentPos = (rec.recentPos + 1) % trendWindow
	if rec.recentLen < trendWindow {
		rec.recentLen++
	}
	m.Trend = rec.trend()
}

// trend classifies the recent window against the lifetime failure rate. A
// ten-point swing in either direction counts as a real change.
func (r *taskRecord) trend() Trend {
	if r.recentLen < trendMinSamples {
		return TrendUnknown
	}
	fails := 0
	for i := 0; i < r.recentLen; i++ {
		if !r.recent[i] {
			fails++
		}
	}
	recentRate := float64(fails) / float64(r.recentLen) * 100
	switch {
	case recentRate > r.metrics.FailureRate+10:
		return TrendDegrading
	case recentRate < r.metrics.FailureRate-10:
		return TrendImproving
	default:
		return TrendStable
	}
}

// snapshot returns a copy; callers never see the live record.
func (s *metricsStore) snapshot(taskID string) (TaskMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.m[taskID]
	if !ok {
		return TaskMetrics{}, false
	}
	return rec.metrics, true
}

// lastSuccess reports the most recent successful completion, used by the
// dependency-freshness admission gate.
func (s *metricsStore) lastSuccess(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.m[taskID]
	if !ok || rec.metrics.LastSuccess.IsZero() {
		return time.Time{}, false
	}
	return rec.metrics.LastSuccess, true
}
