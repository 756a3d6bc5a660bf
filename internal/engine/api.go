package engine

import (
	"fmt"
	"time"

	logx "taskmill/pkg/logx"
)

// TaskInfo is the read-only projection of a definition exposed by the
// control API. Handlers and condition closures are deliberately absent.
type TaskInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Frequency     Frequency     `json:"frequency"`
	Priority      string        `json:"priority"`
	Enabled       bool          `json:"enabled"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	RetryMax      int           `json:"retry_max"`
	RetryDelay    time.Duration `json:"retry_delay"`
	Timeout       time.Duration `json:"timeout"`
	MaxConcurrent int           `json:"max_concurrent,omitempty"`
}

// TaskStatus answers "what is this task doing": its definition, rolling
// metrics, next scheduled evaluation and any in-flight execution.
type TaskStatus struct {
	Task     TaskInfo        `json:"task"`
	Metrics  TaskMetrics     `json:"metrics"`
	NextDue  time.Time       `json:"next_due"`
	InFlight []TaskExecution `json:"in_flight,omitempty"`
}

// TaskOverviewRow is the per-task line in the system overview.
type TaskOverviewRow struct {
	ID          string    `json:"id"`
	Priority    string    `json:"priority"`
	Enabled     bool      `json:"enabled"`
	NextDue     time.Time `json:"next_due"`
	Total       int       `json:"total_executions"`
	FailureRate float64   `json:"failure_rate"`
	Trend       Trend     `json:"trend"`
}

// SystemOverview is the engine-wide health snapshot.
type SystemOverview struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	TaskCount     int               `json:"task_count"`
	EnabledCount  int               `json:"enabled_count"`
	InFlight      []TaskExecution   `json:"in_flight,omitempty"`
	LoadShedding  bool              `json:"load_shedding"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	LoadKnown     bool              `json:"load_known"`
	Tasks         []TaskOverviewRow `json:"tasks"`
}

// RegisterTask validates def and adds it to the registry, seeds a zeroed
// metrics record and computes the first next-due entry from now.
// Dependencies must already be registered; a definition that would close a
// dependency cycle is rejected.
func (s *Service) RegisterTask(def TaskDefinition) error {
	if s.stopping() {
		return ErrStopped
	}
	if err := s.reg.register(def); err != nil {
		return err
	}
	s.metrics.track(def.ID)
	s.sched.set(def.ID, nextRun(def.Frequency, time.Now()))

	if def.MaxConcurrent > 1 {
		// The per-task execution lock serializes attempt chains, so a
		// wider concurrency budget never takes effect. Say so once.
		s.log.Warn("max_concurrent > 1 has no effect, executions are serialized per task",
			logx.String("task", def.ID),
			logx.Int("max_concurrent", def.MaxConcurrent))
	}
	s.log.Info("task registered",
		logx.String("task", def.ID),
		logx.String("frequency", string(def.Frequency)),
		logx.String("priority", def.Priority.String()),
		logx.Bool("enabled", def.Enabled))
	return nil
}

// TriggerTask dispatches id immediately as an administrative override: the
// admission gates are bypassed and the disabled flag is ignored. The
// per-task execution lock still applies, so a trigger racing a scheduled run
// queues behind it instead of overlapping. The regular schedule is not
// touched.
func (s *Service) TriggerTask(id string) (*ExecutionHandle, error) {
	if s.stopping() {
		return nil, ErrStopped
	}
	def, ok := s.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	s.log.Info("manual trigger", logx.String("task", id), logx.Bool("enabled", def.Enabled))
	return s.dispatch(def, true), nil
}

// GetTaskStatus returns the full status view for one task.
func (s *Service) GetTaskStatus(id string) (TaskStatus, error) {
	def, ok := s.reg.get(id)
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	m, _ := s.metrics.snapshot(id)
	next, _ := s.sched.get(id)
	return TaskStatus{
		Task:     taskInfo(&def),
		Metrics:  m,
		NextDue:  next,
		InFlight: s.active.forTask(id),
	}, nil
}

// GetSystemOverview returns the engine-wide snapshot: counts, live
// executions, the monitor's latest load reading and one row per task.
func (s *Service) GetSystemOverview() SystemOverview {
	now := time.Now()
	ov := SystemOverview{
		GeneratedAt:  now,
		InFlight:     s.active.all(),
		LoadShedding: s.shedding(),
	}
	if s.load != nil {
		ov.CPUPercent, ov.MemoryPercent, ov.LoadKnown = s.load.Load()
	}
	for _, id := range s.reg.ids() {
		def, ok := s.reg.get(id)
		if !ok {
			continue
		}
		ov.TaskCount++
		if def.Enabled {
			ov.EnabledCount++
		}
		m, _ := s.metrics.snapshot(id)
		next, _ := s.sched.get(id)
		ov.Tasks = append(ov.Tasks, TaskOverviewRow{
			ID:          id,
			Priority:    def.Priority.String(),
			Enabled:     def.Enabled,
			NextDue:     next,
			Total:       m.Total,
			FailureRate: m.FailureRate,
			Trend:       m.Trend,
		})
	}
	return ov
}

// EnableTask resumes scheduling for id, recomputing its next-due time from
// now rather than from wherever the old schedule left off.
func (s *Service) EnableTask(id string) error {
	found, changed := s.reg.setEnabled(id, true)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if changed {
		def, ok := s.reg.get(id)
		if ok {
			s.sched.set(id, nextRun(def.Frequency, time.Now()))
		}
		s.log.Info("task enabled", logx.String("task", id))
	}
	return nil
}

// DisableTask removes id's schedule entry so it is never dispatched until
// re-enabled. In-flight executions finish normally; metrics and manual
// triggering stay available.
func (s *Service) DisableTask(id string) error {
	found, changed := s.reg.setEnabled(id, false)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if changed {
		s.sched.remove(id)
		s.log.Info("task disabled", logx.String("task", id))
	}
	return nil
}

func taskInfo(def *TaskDefinition) TaskInfo {
	return TaskInfo{
		ID:            def.ID,
		Name:          def.Name,
		Description:   def.Description,
		Frequency:     def.Frequency,
		Priority:      def.Priority.String(),
		Enabled:       def.Enabled,
		DependsOn:     append([]string(nil), def.DependsOn...),
		RetryMax:      def.RetryMax,
		RetryDelay:    def.RetryDelay,
		Timeout:       def.Timeout,
		MaxConcurrent: def.MaxConcurrent,
	}
}
