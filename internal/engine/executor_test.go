package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/notify"
	logx "taskmill/pkg/logx"
)

// recordingNotifier captures everything the engine tries to send.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notif notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notif)
	return nil
}

func (n *recordingNotifier) byKind(kind notify.Kind) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Notification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// staticLoad feeds the resource gate a fixed reading.
type staticLoad struct {
	cpu, mem float64
	ok       bool
}

func (l staticLoad) Load() (float64, float64, bool) { return l.cpu, l.mem, l.ok }

func newTestService(t *testing.T, notifier notify.Notifier) *Service {
	t.Helper()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := New(Config{Tick: time.Hour}, logx.Nop(), nil, notifier)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, h *ExecutionHandle) TaskExecution {
	t.Helper()
	select {
	case <-h.Done():
		return h.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatalf("execution %s did not terminate", h.ExecutionID)
		return TaskExecution{}
	}
}

func TestTriggerRunsHandlerOnce(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	def := validDef("job")
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{Payload: "done"}, nil
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("job")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Attempt)
	assert.Equal(t, "done", final.Result.Payload)
	assert.EqualValues(t, 1, calls.Load())

	m, _ := s.metrics.snapshot("job")
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 1, m.Succeeded)
	assert.Zero(t, s.active.len(), "terminal executions leave the live set")
}

func TestTriggerUnknownTask(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.TriggerTask("ghost")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTriggerBypassesDisabledFlag(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	def := validDef("job")
	def.Enabled = false
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("job")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetriesThenSucceeds(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	def := validDef("flaky")
	def.RetryMax = 3
	def.RetryDelay = 5 * time.Millisecond
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		if calls.Add(1) < 3 {
			return Result{}, errors.New("transient")
		}
		return Result{}, nil
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("flaky")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Attempt)
	assert.EqualValues(t, 3, calls.Load())

	m, _ := s.metrics.snapshot("flaky")
	assert.Equal(t, 1, m.Total, "one attempt chain is one execution")
	assert.Equal(t, 1, m.Succeeded)
	assert.Zero(t, m.Failed)
}

func TestRetriesExhausted(t *testing.T) {
	notifier := &recordingNotifier{}
	s := newTestService(t, notifier)
	var calls atomic.Int32
	def := validDef("broken")
	def.RetryMax = 2
	def.RetryDelay = time.Millisecond
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("permanent")
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("broken")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempt)
	assert.EqualValues(t, 3, calls.Load())
	assert.Contains(t, final.Error, "permanent")

	require.Len(t, notifier.byKind(notify.KindFailure), 1)
}

func TestNoRetryErrorIsTerminal(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	def := validDef("fatal")
	def.RetryMax = 5
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, NoRetry(errors.New("bad input"))
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("fatal")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusFailed, final.Status)
	assert.EqualValues(t, 1, calls.Load(), "retry budget is not consumed")
}

func TestTimeoutIsTerminal(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	def := validDef("slow")
	def.RetryMax = 3
	def.Timeout = 20 * time.Millisecond
	def.Handler = HandlerFunc(func(ctx context.Context) (Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("slow")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusFailed, final.Status)
	assert.EqualValues(t, 1, calls.Load(), "timeouts are never retried")
	assert.Contains(t, final.Error, "timed out")
}

func TestTimeoutContainsRunawayHandler(t *testing.T) {
	s := newTestService(t, nil)
	release := make(chan struct{})
	def := validDef("runaway")
	def.Timeout = 20 * time.Millisecond
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		// Ignores its context entirely.
		<-release
		return Result{}, nil
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("runaway")
	require.NoError(t, err)
	final := waitDone(t, h)
	close(release)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "timed out")
}

func TestHandlerPanicIsContained(t *testing.T) {
	s := newTestService(t, nil)
	def := validDef("panicky")
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		panic("kaboom")
	})
	require.NoError(t, s.RegisterTask(def))

	h, err := s.TriggerTask("panicky")
	require.NoError(t, err)
	final := waitDone(t, h)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "kaboom")
}

func TestAttemptChainsSerializePerTask(t *testing.T) {
	s := newTestService(t, nil)
	var (
		concurrent atomic.Int32
		peak       atomic.Int32
	)
	def := validDef("serial")
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		cur := concurrent.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		concurrent.Add(-1)
		return Result{}, nil
	})
	require.NoError(t, s.RegisterTask(def))

	handles := make([]*ExecutionHandle, 0, 5)
	for i := 0; i < 5; i++ {
		h, err := s.TriggerTask("serial")
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		waitDone(t, h)
	}
	assert.EqualValues(t, 1, peak.Load(), "per-task lock allows one chain at a time")

	m, _ := s.metrics.snapshot("serial")
	assert.Equal(t, 5, m.Total)
}

func TestEscalationAfterPersistentFailures(t *testing.T) {
	notifier := &recordingNotifier{}
	s := newTestService(t, notifier)
	def := validDef("doomed")
	def.Handler = HandlerFunc(func(context.Context) (Result, error) {
		return Result{}, errors.New("always")
	})
	require.NoError(t, s.RegisterTask(def))

	// Escalation needs more than escalationMinRuns executions with a
	// failure rate above half.
	for i := 0; i < escalationMinRuns+1; i++ {
		h, err := s.TriggerTask("doomed")
		require.NoError(t, err)
		waitDone(t, h)
	}

	assert.NotEmpty(t, notifier.byKind(notify.KindEscalation))
	assert.Len(t, notifier.byKind(notify.KindFailure), escalationMinRuns+1)

	st, err := s.GetTaskStatus("doomed")
	require.NoError(t, err)
	assert.Equal(t, float64(100), st.Metrics.FailureRate)
}
