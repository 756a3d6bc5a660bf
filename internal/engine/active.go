package engine

import (
	"sort"
	"sync"
)

// executionSet tracks in-flight attempt chains. Records are added when a
// dispatch is accepted and removed once the executor has folded the outcome
// into the metrics store, so readers only ever see live work.
type executionSet struct {
	mu sync.Mutex
	m  map[string]*TaskExecution // execution id -> record
}

func newExecutionSet() *executionSet {
	return &executionSet{m: make(map[string]*TaskExecution)}
}

func (s *executionSet) add(exec *TaskExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[exec.ID] = exec
}

func (s *executionSet) remove(execID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, execID)
}

// update mutates a live record under the set's lock. The executor is the
// only caller; readers always receive copies.
func (s *executionSet) update(execID string, fn func(*TaskExecution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec, ok := s.m[execID]; ok {
		fn(exec)
	}
}

func (s *executionSet) setStatus(execID string, st Status) {
	s.update(execID, func(e *TaskExecution) { e.Status = st })
}

// countForTask reports in-flight chains for one task id; the concurrency
// admission gate reads this.
func (s *executionSet) countForTask(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, exec := range s.m {
		if exec.TaskID == taskID {
			n++
		}
	}
	return n
}

func (s *executionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// forTask returns copies of live records for one task, oldest first.
func (s *executionSet) forTask(taskID string) []TaskExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskExecution
	for _, exec := range s.m {
		if exec.TaskID == taskID {
			out = append(out, *exec)
		}
	}
	sortExecutions(out)
	return out
}

// all returns copies of every live record, oldest first.
func (s *executionSet) all() []TaskExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskExecution, 0, len(s.m))
	for _, exec := range s.m {
		out = append(out, *exec)
	}
	sortExecutions(out)
	return out
}

func sortExecutions(execs []TaskExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].StartedAt.Before(execs[j].StartedAt)
		}
		return execs[i].ID < execs[j].ID
	})
}

// keyedLocks hands out one mutex per task id. Holding a task's lock for the
// whole attempt chain is what guarantees at most one chain per task.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(taskID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		k.locks[taskID] = l
	}
	return l
}
