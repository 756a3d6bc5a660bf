// Package monitor samples machine load on a fixed interval, raises alerts
// when thresholds are crossed and drives the engine's load-shedding
// mitigation. Everything it does is best-effort: a failed sample is logged
// and skipped, never fatal.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskmill/internal/eventbus"
	"taskmill/internal/notify"
	logx "taskmill/pkg/logx"
)

// Config holds the sampling interval and alert thresholds. Zero values fall
// back to defaults.
type Config struct {
	Interval time.Duration

	// Percent thresholds for host load.
	CPUAlert    float64
	MemoryAlert float64

	// ConcurrentAlert fires when this many executions run at once.
	ConcurrentAlert int

	// Mitigate enables load shedding while any threshold is exceeded.
	Mitigate bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.CPUAlert <= 0 {
		c.CPUAlert = 90
	}
	if c.MemoryAlert <= 0 {
		c.MemoryAlert = 90
	}
	if c.ConcurrentAlert <= 0 {
		c.ConcurrentAlert = 20
	}
	return c
}

// Stats is the slice of the engine the monitor reads.
type Stats interface {
	LiveCounts() (inFlight, dueBacklog int)
}

// Mitigator is the slice of the engine the monitor writes.
type Mitigator interface {
	SetLoadShedding(on bool)
}

// AlertEvent is the bus payload for threshold crossings, in both directions.
type AlertEvent struct {
	Dimension string    `json:"dimension"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Raised    bool      `json:"raised"`
	At        time.Time `json:"at"`
}

// Snapshot is the monitor's current view for status surfaces.
type Snapshot struct {
	Reading    Reading  `json:"reading"`
	Sampled    bool     `json:"sampled"`
	InFlight   int      `json:"in_flight"`
	DueBacklog int      `json:"due_backlog"`
	Alerts     []string `json:"alerts,omitempty"`
	Shedding   bool     `json:"shedding"`
}

// Service runs the sampling loop.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	notifier notify.Notifier
	source   Source

	stats     Stats
	mitigator Mitigator

	mu       sync.Mutex
	last     Reading
	sampled  bool
	alerting map[string]bool
	shedding bool

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, source Source, log logx.Logger, bus eventbus.Bus, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("component", "monitor")),
		bus:      bus,
		notifier: notifier,
		source:   source,
		alerting: make(map[string]bool),
	}
}

// AttachEngine wires the engine's stats and mitigation hooks. Must be called
// before Start.
func (s *Service) AttachEngine(stats Stats, mit Mitigator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.stats = stats
		s.mitigator = mit
	}
}

// Load implements the engine's LoadSource: the latest sample, or ok=false
// before the first one lands.
func (s *Service) Load() (cpuPct, memPct float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sampled {
		return 0, 0, false
	}
	return s.last.CPUPercent, s.last.MemoryPercent, true
}

func (s *Service) SnapshotState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Reading: s.last, Sampled: s.sampled, Shedding: s.shedding}
	for dim, on := range s.alerting {
		if on {
			snap.Alerts = append(snap.Alerts, dim)
		}
	}
	if s.stats != nil {
		snap.InFlight, snap.DueBacklog = s.stats.LiveCounts()
	}
	return snap
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.log.Info("monitor started", logx.Duration("interval", s.cfg.Interval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Prime immediately so the engine's resource gate has a reading before
	// the first full interval elapses.
	s.sampleOnce(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

// sampleOnce takes a reading, evaluates every threshold edge-triggered and
// updates the mitigation state.
func (s *Service) sampleOnce(ctx context.Context) {
	r, err := s.source.Sample(ctx)
	if err != nil {
		s.log.Warn("load sample failed", logx.Err(err))
		return
	}
	inFlight := 0
	s.mu.Lock()
	s.last = r
	s.sampled = true
	stats := s.stats
	s.mu.Unlock()
	if stats != nil {
		inFlight, _ = stats.LiveCounts()
	}

	over := false
	over = s.evaluate("cpu", r.CPUPercent, s.cfg.CPUAlert, r.At) || over
	over = s.evaluate("memory", r.MemoryPercent, s.cfg.MemoryAlert, r.At) || over
	over = s.evaluate("concurrent", float64(inFlight), float64(s.cfg.ConcurrentAlert), r.At) || over

	if s.cfg.Mitigate {
		s.setShedding(over)
	}
	s.log.Debug("load sampled",
		logx.Float64("cpu", r.CPUPercent),
		logx.Float64("memory", r.MemoryPercent),
		logx.Int("in_flight", inFlight))
}

// evaluate latches per dimension so an alert fires once on the way up and a
// recovery once on the way down, not on every sample in between.
func (s *Service) evaluate(dim string, value, threshold float64, at time.Time) bool {
	over := value > threshold
	s.mu.Lock()
	was := s.alerting[dim]
	s.alerting[dim] = over
	s.mu.Unlock()
	if over == was {
		return over
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSystemAlert, Time: at, Data: AlertEvent{
			Dimension: dim, Value: value, Threshold: threshold, Raised: over, At: at,
		}})
	}
	if over {
		s.log.Warn("threshold exceeded",
			logx.String("dimension", dim),
			logx.Float64("value", value),
			logx.Float64("threshold", threshold))
		_ = s.notifier.Notify(context.Background(), notify.Notification{
			Kind:     notify.KindAlert,
			Subject:  fmt.Sprintf("%s above threshold: %.1f > %.1f", dim, value, threshold),
			Severity: 8,
			Time:     at,
		})
	} else {
		s.log.Info("threshold recovered",
			logx.String("dimension", dim),
			logx.Float64("value", value),
			logx.Float64("threshold", threshold))
	}
	return over
}

func (s *Service) setShedding(on bool) {
	s.mu.Lock()
	changed := s.shedding != on
	s.shedding = on
	mit := s.mitigator
	s.mu.Unlock()
	if changed && mit != nil {
		mit.SetLoadShedding(on)
	}
}
