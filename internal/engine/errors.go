package engine

import "errors"

var (
	// ErrDuplicateTask is returned when registering an id that already exists.
	ErrDuplicateTask = errors.New("engine: task id already registered")

	// ErrInvalidDefinition is returned for definitions that fail validation
	// (empty id, nil handler, unknown frequency, negative retry settings).
	ErrInvalidDefinition = errors.New("engine: invalid task definition")

	// ErrUnknownDependency is returned when a definition depends on a task
	// id that has not been registered yet. Dependencies must be registered
	// before their dependents.
	ErrUnknownDependency = errors.New("engine: unknown dependency")

	// ErrDependencyCycle is returned when a definition would close a cycle
	// in the dependency graph, including a task depending on itself.
	ErrDependencyCycle = errors.New("engine: dependency cycle")

	// ErrUnknownTask is returned by control operations addressing an id
	// that is not registered.
	ErrUnknownTask = errors.New("engine: unknown task")

	// ErrStopped is returned when an operation arrives after Stop.
	ErrStopped = errors.New("engine: stopped")
)

// errTimeout marks an attempt killed by its per-attempt deadline. Timeouts
// terminate the whole attempt chain; they are never retried.
var errTimeout = errors.New("engine: attempt timed out")

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry wraps err so the executor fails the execution immediately instead
// of consuming the task's remaining retry budget.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

func isNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}
