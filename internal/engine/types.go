package engine

import (
	"context"
	"time"
)

// Frequency selects how a task's next-due time is derived.
type Frequency string

const (
	// FreqContinuous marks the task as due on every scheduler tick.
	FreqContinuous Frequency = "continuous"

	FreqEveryMinute Frequency = "every-1m"
	FreqEvery5Min   Frequency = "every-5m"
	FreqEvery15Min  Frequency = "every-15m"
	FreqEvery30Min  Frequency = "every-30m"
	FreqHourly      Frequency = "hourly"

	// Calendar frequencies fire at 02:00 UTC: daily every day, weekly on
	// Monday, monthly on the first.
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

func (f Frequency) valid() bool {
	switch f {
	case FreqContinuous, FreqEveryMinute, FreqEvery5Min, FreqEvery15Min,
		FreqEvery30Min, FreqHourly, FreqDaily, FreqWeekly, FreqMonthly:
		return true
	}
	return false
}

// Priority orders dispatch within a tick. Higher values run first; ties are
// broken by task id so ordering stays deterministic.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a single execution record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// terminal reports whether the status ends an attempt chain.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is whatever a handler chooses to report on success. The engine
// stores it on the execution record and otherwise leaves it opaque.
type Result struct {
	Payload any `json:"payload,omitempty"`
}

// Handler is the unit of work attached to a task definition. Execute must
// honor ctx cancellation; the executor derives a deadline from the task's
// Timeout before each attempt.
type Handler interface {
	Execute(ctx context.Context) (Result, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context) (Result, error) { return f(ctx) }

// Condition is a predicate evaluated at admission time. Panics inside a
// condition are treated as "not satisfied", never as engine faults.
type Condition func() bool

// ResourceRequirement declares the share of machine capacity a task expects
// to consume while running, as percentages of total CPU and memory. The
// admission controller adds these to the monitor's latest reading and
// rejects dispatch when the projection crosses the configured ceilings.
type ResourceRequirement struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

func (r ResourceRequirement) zero() bool {
	return r.CPUPercent == 0 && r.MemoryPercent == 0
}

// TaskDefinition is the registered description of a task. Definitions are
// immutable after registration except for the enabled flag, which the
// registry guards.
type TaskDefinition struct {
	ID          string
	Name        string
	Description string
	Frequency   Frequency
	Priority    Priority
	Handler     Handler

	// Enabled tasks are considered by the scheduler loop. Disabled tasks
	// keep their schedule and metrics and can still be run by TriggerTask.
	Enabled bool

	// RetryMax is the number of retries after the first failed attempt, so
	// a task runs at most RetryMax+1 times per dispatch. RetryDelay is the
	// fixed pause between attempts.
	RetryMax   int
	RetryDelay time.Duration

	// Timeout bounds each attempt. An attempt killed by its deadline is
	// terminal: timeouts are never retried.
	Timeout time.Duration

	// DependsOn lists task ids that must have completed successfully
	// recently (within the configured freshness window) before this task
	// is admitted. Referenced tasks must already be registered.
	DependsOn []string

	Conditions []Condition

	// MaxConcurrent is advisory. The per-task execution lock already
	// serializes attempt chains, so values above 1 have no effect and are
	// logged once at registration.
	MaxConcurrent int

	Resources ResourceRequirement
}

// TaskExecution is one attempt chain for a task: a single dispatch plus any
// retries it spawned. Records live in the active set while in flight and are
// discarded once their outcome has been folded into the metrics store.
type TaskExecution struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt"`
	Manual      bool          `json:"manual,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Result      Result        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`

	// Observed is the machine load at termination, a coarse proxy for what
	// the run cost. Zero when no monitor is wired.
	Observed ResourceRequirement `json:"observed,omitempty"`
}
