package engine

import (
	"fmt"
	"time"
)

// gateVerdict is the admission controller's answer for one dispatch attempt.
// Gates are evaluated in a fixed order and the first rejection wins.
type gateVerdict int

const (
	verdictAdmit gateVerdict = iota

	// verdictBusy: an attempt chain for this task is already in flight.
	// The schedule entry is left untouched so the task stays due.
	verdictBusy

	// verdictStaleDependency: a dependency has no successful completion
	// inside the freshness window. Rescheduled per frequency.
	verdictStaleDependency

	// verdictCondition: a registered condition returned false or panicked.
	// Rescheduled per frequency.
	verdictCondition

	// verdictResources: projected load would cross a ceiling. Deferred by
	// the short resource-defer interval instead of a full period.
	verdictResources

	// verdictShedding: load shedding is active and the task is low
	// priority. Treated like a condition rejection.
	verdictShedding
)

func (v gateVerdict) String() string {
	switch v {
	case verdictAdmit:
		return "admit"
	case verdictBusy:
		return "busy"
	case verdictStaleDependency:
		return "stale-dependency"
	case verdictCondition:
		return "condition"
	case verdictResources:
		return "resources"
	case verdictShedding:
		return "load-shedding"
	default:
		return "unknown"
	}
}

type admissionDecision struct {
	verdict gateVerdict
	reason  string
}

// admit runs a due task through the gates: concurrency, dependency
// freshness, conditions, resources. Order matters — the cheap structural
// checks run before the predicate calls and the load projection.
func (s *Service) admit(def *TaskDefinition, now time.Time) admissionDecision {
	// Gate 1: at most one attempt chain per task. The per-task execution
	// lock is the real guarantee; this check just avoids parking a
	// goroutine on a lock we know is held.
	if s.active.countForTask(def.ID) > 0 {
		return admissionDecision{verdict: verdictBusy, reason: "execution already in flight"}
	}

	if s.shedding() && def.Priority == PriorityLow {
		return admissionDecision{verdict: verdictShedding, reason: "low-priority dispatch paused under load"}
	}

	// Gate 2: every dependency must have completed successfully within the
	// freshness window.
	for _, dep := range def.DependsOn {
		last, ok := s.metrics.lastSuccess(dep)
		if !ok {
			return admissionDecision{
				verdict: verdictStaleDependency,
				reason:  fmt.Sprintf("dependency %s has never succeeded", dep),
			}
		}
		if age := now.Sub(last); age > s.cfg.DependencyFreshness {
			return admissionDecision{
				verdict: verdictStaleDependency,
				reason:  fmt.Sprintf("dependency %s last succeeded %s ago", dep, age.Round(time.Second)),
			}
		}
	}

	// Gate 3: conditions. A panicking predicate counts as unsatisfied.
	for i, cond := range def.Conditions {
		if !evalCondition(cond) {
			return admissionDecision{
				verdict: verdictCondition,
				reason:  fmt.Sprintf("condition %d not satisfied", i),
			}
		}
	}

	// Gate 4: resources. Skipped entirely when the task declares no
	// requirement or no load source is wired.
	if !def.Resources.zero() && s.load != nil {
		cpu, mem, ok := s.load.Load()
		if ok {
			if projected := cpu + def.Resources.CPUPercent; projected > s.cfg.CPUCeiling {
				return admissionDecision{
					verdict: verdictResources,
					reason:  fmt.Sprintf("projected cpu %.1f%% over ceiling %.1f%%", projected, s.cfg.CPUCeiling),
				}
			}
			if projected := mem + def.Resources.MemoryPercent; projected > s.cfg.MemoryCeiling {
				return admissionDecision{
					verdict: verdictResources,
					reason:  fmt.Sprintf("projected memory %.1f%% over ceiling %.1f%%", projected, s.cfg.MemoryCeiling),
				}
			}
		}
	}

	return admissionDecision{verdict: verdictAdmit}
}

func evalCondition(cond Condition) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return cond()
}
