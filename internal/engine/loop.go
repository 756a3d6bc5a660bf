package engine

import (
	"runtime/debug"
	"sort"
	"time"

	logx "taskmill/pkg/logx"
)

func (s *Service) loop() {
	s.mu.Lock()
	ctx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.Tick)
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(s.tick(time.Now()))
	}
}

// tick runs one scheduling pass and returns the delay until the next one.
// A panic anywhere in the pass is contained here: the loop answers with the
// longer panic backoff instead of dying, and resumes normal ticking after.
func (s *Service) tick(now time.Time) (next time.Duration) {
	next = s.cfg.Tick
	defer func() {
		if r := recover(); r != nil {
			next = s.cfg.PanicBackoff
			s.log.Error("panic in scheduler tick",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
				logx.Duration("backoff", next))
		}
	}()
	s.tickWork(now)
	return next
}

// orderForDispatch sorts by priority descending, ties broken by task id so
// two runs over the same state dispatch identically.
func orderForDispatch(defs []TaskDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})
}

// dispatchDue lists due, enabled tasks, orders them for dispatch and walks
// each through admission.
func (s *Service) dispatchDue(now time.Time) {
	ids := s.sched.due(now)
	if len(ids) == 0 {
		return
	}

	defs := make([]TaskDefinition, 0, len(ids))
	for _, id := range ids {
		def, ok := s.reg.get(id)
		if !ok || !def.Enabled {
			// Disabling removes the schedule entry, so an entry for a
			// disabled task can only be a race with DisableTask. Skip it.
			continue
		}
		defs = append(defs, def)
	}
	orderForDispatch(defs)

	for i := range defs {
		def := defs[i]
		dec := s.admit(&def, now)
		switch dec.verdict {
		case verdictAdmit:
			s.sched.reschedule(def.ID, def.Frequency, now)
			s.dispatch(def, false)
		case verdictBusy, verdictShedding:
			// Leave the entry due: the task is re-examined next tick and
			// dispatches as soon as the chain ends or shedding lifts.
			s.log.Debug("dispatch skipped",
				logx.String("task", def.ID),
				logx.String("gate", dec.verdict.String()),
				logx.String("reason", dec.reason))
		case verdictResources:
			s.sched.deferBy(def.ID, now, s.cfg.ResourceDefer)
			s.log.Debug("dispatch deferred",
				logx.String("task", def.ID),
				logx.Duration("defer", s.cfg.ResourceDefer),
				logx.String("reason", dec.reason))
		default:
			// Dependency staleness and unmet conditions consume the slot:
			// the task waits a full period before the next evaluation.
			s.sched.reschedule(def.ID, def.Frequency, now)
			s.log.Debug("dispatch rejected",
				logx.String("task", def.ID),
				logx.String("gate", dec.verdict.String()),
				logx.String("reason", dec.reason))
		}
	}
}
