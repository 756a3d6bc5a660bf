package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/eventbus"
	"taskmill/internal/notify"
	logx "taskmill/pkg/logx"
)

// Escalation fires when a task has failed more than half its runs over a
// meaningful sample.
const (
	escalationRatePct = 50.0
	escalationMinRuns = 5
)

// ExecutionHandle is returned to callers that dispatch work. Acceptance is
// synchronous, completion is not: Done closes when the attempt chain ends,
// after which Outcome returns the final record.
type ExecutionHandle struct {
	ExecutionID string
	TaskID      string

	done      chan struct{}
	closeOnce sync.Once
	final     TaskExecution
}

func (h *ExecutionHandle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal execution record. Valid only after Done has
// closed.
func (h *ExecutionHandle) Outcome() TaskExecution { return h.final }

// ExecutionEvent is the bus payload for execution lifecycle events.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id"`
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt"`
	Manual      bool          `json:"manual,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// dispatch accepts one attempt chain for def and runs it on its own
// goroutine. The chain serializes on the task's keyed lock, so a manual
// trigger racing a scheduled dispatch queues instead of overlapping.
func (s *Service) dispatch(def TaskDefinition, manual bool) *ExecutionHandle {
	exec := &TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    def.ID,
		Status:    StatusPending,
		Manual:    manual,
		StartedAt: time.Now(),
	}
	handle := &ExecutionHandle{
		ExecutionID: exec.ID,
		TaskID:      def.ID,
		done:        make(chan struct{}),
	}
	s.active.add(exec)

	s.mu.Lock()
	runCtx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	s.execWG.Add(1)
	go s.run(runCtx, stopCh, def, exec.ID, manual, handle)
	return handle
}

// run executes the whole attempt chain for one dispatch while holding the
// task's lock. Retries are a flat loop with a fixed delay; a timeout or a
// NoRetry error ends the chain immediately regardless of remaining budget.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, def TaskDefinition, execID string, manual bool, handle *ExecutionHandle) {
	defer s.execWG.Done()
	defer func() {
		// A panic here is an engine bug, not a handler fault (handler
		// panics are contained inside runAttempt). Fail the record so the
		// chain still terminates cleanly.
		if r := recover(); r != nil {
			s.log.Error("panic in executor", logx.String("task", def.ID), logx.Any("panic", r))
			s.finish(def, execID, handle, StatusFailed, Result{}, fmt.Errorf("executor panic: %v", r))
		}
	}()

	lock := s.locks.get(def.ID)
	lock.Lock()
	defer lock.Unlock()

	maxAttempts := def.RetryMax + 1
	var (
		lastErr error
		res     Result
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.active.update(execID, func(e *TaskExecution) {
			e.Status = StatusRunning
			e.Attempt = attempt
		})
		if attempt == 1 {
			s.publish(eventbus.TypeTaskStarted, ExecutionEvent{
				ExecutionID: execID, TaskID: def.ID, Status: StatusRunning,
				Attempt: attempt, Manual: manual,
			})
		}

		res, lastErr = s.runAttempt(ctx, &def)
		if lastErr == nil {
			s.finish(def, execID, handle, StatusCompleted, res, nil)
			return
		}
		if errors.Is(lastErr, context.Canceled) && s.stopping() {
			s.finish(def, execID, handle, StatusCancelled, Result{}, lastErr)
			return
		}
		if errors.Is(lastErr, errTimeout) {
			s.log.Warn("attempt timed out, not retrying",
				logx.String("task", def.ID), logx.Int("attempt", attempt))
			break
		}
		if isNoRetry(lastErr) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		s.active.setStatus(execID, StatusRetrying)
		s.publish(eventbus.TypeTaskRetrying, ExecutionEvent{
			ExecutionID: execID, TaskID: def.ID, Status: StatusRetrying,
			Attempt: attempt, Error: lastErr.Error(),
		})
		s.log.Debug("attempt failed, retrying",
			logx.String("task", def.ID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Duration("delay", def.RetryDelay),
			logx.Err(lastErr))
		if !sleepRetry(def.RetryDelay, stopCh, ctx) {
			s.finish(def, execID, handle, StatusCancelled, Result{}, lastErr)
			return
		}
	}

	s.finish(def, execID, handle, StatusFailed, Result{}, lastErr)
}

// runAttempt executes the handler once under the task's timeout. The handler
// runs on its own goroutine so a handler that ignores its context cannot
// wedge the chain past the deadline; the result channel is buffered so the
// straggler can still finish and be collected.
func (s *Service) runAttempt(ctx context.Context, def *TaskDefinition) (Result, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if def.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := def.Handler.Execute(attemptCtx)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && def.Timeout > 0 && errors.Is(out.err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w (%s)", errTimeout, def.Timeout)
		}
		return out.res, out.err
	case <-attemptCtx.Done():
		if def.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w (%s)", errTimeout, def.Timeout)
		}
		return Result{}, context.Canceled
	}
}

// finish seals the execution record, folds the outcome into metrics,
// publishes the terminal event and handles failure notifications. Cancelled
// chains are not counted against the task's metrics.
func (s *Service) finish(def TaskDefinition, execID string, handle *ExecutionHandle, st Status, res Result, err error) {
	now := time.Now()
	var observed ResourceRequirement
	if s.load != nil {
		if cpu, mem, ok := s.load.Load(); ok {
			observed = ResourceRequirement{CPUPercent: cpu, MemoryPercent: mem}
		}
	}
	var final TaskExecution
	s.active.update(execID, func(e *TaskExecution) {
		e.Status = st
		e.CompletedAt = now
		e.Duration = now.Sub(e.StartedAt)
		e.Result = res
		e.Observed = observed
		if err != nil {
			e.Error = err.Error()
		}
		final = *e
	})
	s.active.remove(execID)

	switch st {
	case StatusCompleted:
		s.metrics.recordSuccess(def.ID, now, final.Duration)
		s.publish(eventbus.TypeTaskCompleted, ExecutionEvent{
			ExecutionID: execID, TaskID: def.ID, Status: st,
			Attempt: final.Attempt, Duration: final.Duration,
		})
		s.log.Info("task completed",
			logx.String("task", def.ID),
			logx.Int("attempts", final.Attempt),
			logx.Duration("duration", final.Duration))
	case StatusFailed:
		s.metrics.recordFailure(def.ID, now, final.Duration, final.Error)
		s.publish(eventbus.TypeTaskFailed, ExecutionEvent{
			ExecutionID: execID, TaskID: def.ID, Status: st,
			Attempt: final.Attempt, Duration: final.Duration, Error: final.Error,
		})
		s.log.Warn("task failed",
			logx.String("task", def.ID),
			logx.Int("attempts", final.Attempt),
			logx.Duration("duration", final.Duration),
			logx.String("error", final.Error))
		s.notifyFailure(def, final)
	case StatusCancelled:
		s.log.Info("task cancelled", logx.String("task", def.ID))
	}

	if handle != nil {
		handle.closeOnce.Do(func() {
			handle.final = final
			close(handle.done)
		})
	}
}

func (s *Service) notifyFailure(def TaskDefinition, final TaskExecution) {
	ctx := context.Background()
	_ = s.notifier.Notify(ctx, notify.Notification{
		Kind:     notify.KindFailure,
		TaskID:   def.ID,
		Subject:  fmt.Sprintf("task %s failed after %d attempt(s)", def.ID, final.Attempt),
		Body:     final.Error,
		Severity: 6,
		Time:     final.CompletedAt,
	})

	m, ok := s.metrics.snapshot(def.ID)
	if !ok || m.Total <= escalationMinRuns || m.FailureRate <= escalationRatePct {
		return
	}
	s.publish(eventbus.TypeTaskEscalated, ExecutionEvent{
		ExecutionID: final.ID, TaskID: def.ID, Status: StatusFailed, Error: final.Error,
	})
	s.log.Error("task escalated",
		logx.String("task", def.ID),
		logx.Float64("failure_rate", m.FailureRate),
		logx.Int("total_runs", m.Total))
	_ = s.notifier.Notify(ctx, notify.Notification{
		Kind:     notify.KindEscalation,
		TaskID:   def.ID,
		Subject:  fmt.Sprintf("task %s failing persistently: %.0f%% of %d runs", def.ID, m.FailureRate, m.Total),
		Body:     m.LastError,
		Severity: 9,
		Time:     final.CompletedAt,
	})
}

// sleepRetry pauses between attempts, bailing out early on shutdown.
func sleepRetry(d time.Duration, stopCh <-chan struct{}, ctx context.Context) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
