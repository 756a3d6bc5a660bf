package engine

import (
	"fmt"
	"sort"
	"sync"
)

// registry holds validated task definitions. Definitions are stored by value
// and never handed out as pointers, so callers cannot mutate them after
// registration; the enabled flag is the one mutable field and only the
// registry touches it.
type registry struct {
	mu   sync.Mutex
	defs map[string]*TaskDefinition
}

func newRegistry() *registry {
	return &registry{defs: make(map[string]*TaskDefinition)}
}

func (r *registry) register(def TaskDefinition) error {
	if err := validateDefinition(&def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, def.ID)
	}
	for _, dep := range def.DependsOn {
		if dep == def.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, def.ID)
		}
		if _, ok := r.defs[dep]; !ok {
			return fmt.Errorf("%w: %s requires %s", ErrUnknownDependency, def.ID, dep)
		}
	}
	if err := r.checkAcyclic(&def); err != nil {
		return err
	}
	cp := def
	cp.DependsOn = append([]string(nil), def.DependsOn...)
	cp.Conditions = append([]Condition(nil), def.Conditions...)
	r.defs[def.ID] = &cp
	return nil
}

func validateDefinition(def *TaskDefinition) error {
	switch {
	case def.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	case def.Handler == nil:
		return fmt.Errorf("%w: %s has no handler", ErrInvalidDefinition, def.ID)
	case !def.Frequency.valid():
		return fmt.Errorf("%w: %s has frequency %q", ErrInvalidDefinition, def.ID, def.Frequency)
	case def.RetryMax < 0:
		return fmt.Errorf("%w: %s has negative retry_max", ErrInvalidDefinition, def.ID)
	case def.RetryDelay < 0:
		return fmt.Errorf("%w: %s has negative retry_delay", ErrInvalidDefinition, def.ID)
	case def.Timeout < 0:
		return fmt.Errorf("%w: %s has negative timeout", ErrInvalidDefinition, def.ID)
	}
	return nil
}

// checkAcyclic walks the dependency graph as it would look with def added.
// Registration order already forbids forward references, so in practice only
// self-references can close a cycle; the walk keeps the invariant honest if
// that ordering rule ever loosens.
func (r *registry) checkAcyclic(def *TaskDefinition) error {
	visiting := map[string]bool{def.ID: true}
	var visit func(id string) error
	visit = func(id string) error {
		node, ok := r.defs[id]
		if !ok {
			return nil
		}
		for _, dep := range node.DependsOn {
			if visiting[dep] {
				return fmt.Errorf("%w: via %s", ErrDependencyCycle, dep)
			}
			visiting[dep] = true
			if err := visit(dep); err != nil {
				return err
			}
			delete(visiting, dep)
		}
		return nil
	}
	for _, dep := range def.DependsOn {
		if visiting[dep] {
			return fmt.Errorf("%w: via %s", ErrDependencyCycle, dep)
		}
		visiting[dep] = true
		if err := visit(dep); err != nil {
			return err
		}
		delete(visiting, dep)
	}
	return nil
}

// get returns a copy of the definition. The handler and conditions are
// shared by reference, which is fine: they are read-only after registration.
func (r *registry) get(id string) (TaskDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	if !ok {
		return TaskDefinition{}, false
	}
	return *def, true
}

// ids returns all registered task ids, sorted for deterministic iteration.
func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// setEnabled flips the enabled flag. It reports whether the id exists and
// whether the call actually changed anything.
func (r *registry) setEnabled(id string, enabled bool) (found, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	if !ok {
		return false, false
	}
	if def.Enabled == enabled {
		return true, false
	}
	def.Enabled = enabled
	return true, true
}
