package notify

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskmill/internal/eventbus"
	logx "taskmill/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config tunes the pipeline. Zero values fall back to the defaults applied
// in applyLocked.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type job struct {
	n Notification
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements the async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sinks []Sink
	bus   eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		sinks: sinks,
		log:   log,
		bus:   bus,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		// already running
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notifier worker",
						logx.Int("worker", i),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	// Block new notifies.
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	// Now it's safe to close the queue.
	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	// Wait for workers.
	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	case <-done:
		if cancel != nil {
			cancel()
		}
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
}

func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	// Capture current config snapshot for dedup computation.
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	// Build dedup key and apply suppression.
	key := dedupKey(n)
	if dedupWindow > 0 {
		if !s.dedupAllow(key, dedupWindow, dedupMax) {
			s.publish("notify.deduped", n, key, nil)
			return nil
		}
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.publish("notify.queued", n, key, nil)
		return nil
	default:
		s.publish("notify.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop() {
	// Copy stable references.
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for j := range q {
		// If the process is stopping, stop quickly.
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.sendWithRetry(runCtx, j)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sinks := s.sinks
	log := s.log
	s.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			wctx := runCtx
			if wctx == nil {
				wctx = context.Background()
			}
			if err := lim.Wait(wctx); err != nil {
				return
			}
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx := runCtx
		if callCtx == nil {
			callCtx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(callCtx, 10*time.Second)
		err := sendAll(callCtx, sinks, j.n)
		cancel()
		if err == nil {
			s.publish("notify.sent", j.n, j.dedupKey, nil)
			return
		}
		lastErr = err
		log.Debug("notify send failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		rc := runCtx
		if rc == nil {
			rc = context.Background()
		}
		select {
		case <-t.C:
		case <-rc.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		s.publish("notify.failed", j.n, j.dedupKey, lastErr)
	}
}

// sendAll fans out to every sink and reports the last error. One broken sink
// does not block the others.
func sendAll(ctx context.Context, sinks []Sink, n Notification) error {
	var lastErr error
	for _, sink := range sinks {
		if err := sink.Send(ctx, n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NotificationEvent is the bus payload mirroring pipeline activity.
type NotificationEvent struct {
	Kind   Kind      `json:"kind"`
	TaskID string    `json:"task_id,omitempty"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

func (s *Service) publish(typ string, n Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Kind: n.Kind, TaskID: n.TaskID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if max > 0 && len(s.dedup) > max {
		// Remove entries with earliest expiry until within cap.
		for len(s.dedup) > max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, t := range s.dedup {
				if !set || t.Before(minT) {
					minKey, minT, set = k, t, true
				}
			}
			if minKey == "" {
				break
			}
			delete(s.dedup, minKey)
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
