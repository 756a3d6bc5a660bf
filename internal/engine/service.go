package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskmill/internal/eventbus"
	"taskmill/internal/notify"
	logx "taskmill/pkg/logx"
)

// Config carries the engine's timing knobs. Zero values fall back to the
// defaults applied in withDefaults.
type Config struct {
	// Tick is the scheduler loop interval.
	Tick time.Duration

	// PanicBackoff is how long the loop pauses after a tick panics before
	// resuming normal ticking.
	PanicBackoff time.Duration

	// DependencyFreshness is how recently a dependency must have succeeded
	// for its dependents to be admitted.
	DependencyFreshness time.Duration

	// ResourceDefer is the short reschedule distance applied when the
	// resource gate rejects a dispatch.
	ResourceDefer time.Duration

	// CPUCeiling and MemoryCeiling cap projected load, in percent.
	CPUCeiling    float64
	MemoryCeiling float64
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.PanicBackoff <= 0 {
		c.PanicBackoff = time.Minute
	}
	if c.DependencyFreshness <= 0 {
		c.DependencyFreshness = 25 * time.Hour
	}
	if c.ResourceDefer <= 0 {
		c.ResourceDefer = 5 * time.Minute
	}
	if c.CPUCeiling <= 0 {
		c.CPUCeiling = 90
	}
	if c.MemoryCeiling <= 0 {
		c.MemoryCeiling = 90
	}
	return c
}

// LoadSource supplies the latest machine load reading for the resource
// admission gate. ok is false while no sample has been taken yet.
type LoadSource interface {
	Load() (cpuPct, memPct float64, ok bool)
}

// Service is the orchestration engine: registry, schedule table, metrics
// store, admission controller, executor and the scheduler loop behind one
// Start/Stop lifecycle.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	notifier notify.Notifier

	reg     *registry
	sched   *scheduleTable
	metrics *metricsStore
	active  *executionSet
	locks   *keyedLocks

	load LoadSource
	shed atomic.Bool

	// tickWork is what one scheduling pass executes. Defaults to
	// dispatchDue; tests substitute it to exercise the loop's containment.
	tickWork func(now time.Time)

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
	execWG    sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("component", "engine")),
		bus:      bus,
		notifier: notifier,
		reg:      newRegistry(),
		sched:    newScheduleTable(),
		metrics:  newMetricsStore(),
		active:   newExecutionSet(),
		locks:    newKeyedLocks(),
	}
	s.tickWork = s.dispatchDue
	return s
}

// SetLoadSource wires the system monitor in after construction. Must be
// called before Start; the engine and monitor reference each other, so one
// side has to be attached late.
func (s *Service) SetLoadSource(src LoadSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.load = src
	}
}

// Start launches the scheduler loop. Safe to call once; repeat calls are
// no-ops.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop()
	}()
	s.log.Info("engine started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Duration("dependency_freshness", s.cfg.DependencyFreshness))
}

// Stop halts the loop, cancels in-flight handler contexts and waits for
// executions to wind down until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	cancel := s.runCancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Force-cancel stragglers and give them one more beat.
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.log.Warn("executions did not stop in time")
		}
	}
	cancel()
	s.log.Info("engine stopped")
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// SetLoadShedding pauses or resumes dispatch of low-priority tasks. The
// monitor flips this as a mitigation when the machine is under pressure.
func (s *Service) SetLoadShedding(on bool) {
	if s.shed.Swap(on) == on {
		return
	}
	if on {
		s.log.Warn("load shedding enabled, pausing low-priority tasks")
	} else {
		s.log.Info("load shedding disabled")
	}
	s.publish(eventbus.TypeLoadShedding, struct {
		Active bool `json:"active"`
	}{Active: on})
}

func (s *Service) shedding() bool { return s.shed.Load() }

// LiveCounts reports in-flight executions and the current due backlog. The
// monitor samples this for its concurrent-task threshold.
func (s *Service) LiveCounts() (inFlight, dueBacklog int) {
	return s.active.len(), len(s.sched.due(time.Now()))
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
	}
}
