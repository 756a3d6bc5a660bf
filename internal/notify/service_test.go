package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskmill/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	got  []Notification
	fail error
}

func (c *captureSink) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, n)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func startTestService(t *testing.T, cfg Config, sinks ...Sink) *Service {
	t.Helper()
	cfg.Enabled = true
	svc := New(cfg, sinks, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func TestNotifyDelivers(t *testing.T) {
	sink := &captureSink{}
	svc := startTestService(t, Config{RatePerSec: 1000}, sink)

	err := svc.Notify(context.Background(), Notification{
		Kind: KindFailure, TaskID: "job", Subject: "job failed",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 },
		2*time.Second, time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, "job", sink.got[0].TaskID)
	assert.False(t, sink.got[0].Time.IsZero(), "enqueue stamps the time")
	sink.mu.Unlock()
}

func TestNotifyDisabled(t *testing.T) {
	svc := New(Config{Enabled: false}, nil, logx.Nop(), nil)
	err := svc.Notify(context.Background(), Notification{Kind: KindAlert})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNotifyAfterStop(t *testing.T) {
	sink := &captureSink{}
	svc := startTestService(t, Config{}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)

	err := svc.Notify(context.Background(), Notification{Kind: KindAlert})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	sink := &captureSink{}
	svc := startTestService(t, Config{RatePerSec: 1000, DedupWindow: time.Minute}, sink)
	ctx := context.Background()

	n := Notification{Kind: KindFailure, TaskID: "job", Subject: "job failed"}
	require.NoError(t, svc.Notify(ctx, n))
	require.NoError(t, svc.Notify(ctx, n), "duplicate is accepted but suppressed")
	require.NoError(t, svc.Notify(ctx, n))

	// A different subject is a different event.
	other := Notification{Kind: KindFailure, TaskID: "job", Subject: "job failed harder"}
	require.NoError(t, svc.Notify(ctx, other))

	require.Eventually(t, func() bool { return sink.count() == 2 },
		2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sink.count())
}

func TestDedupKeyIgnoresBody(t *testing.T) {
	a := Notification{Kind: KindFailure, TaskID: "job", Subject: "failed", Body: "attempt 3"}
	b := Notification{Kind: KindFailure, TaskID: "job", Subject: "failed", Body: "attempt 4"}
	assert.Equal(t, dedupKey(a), dedupKey(b))

	c := Notification{Kind: KindEscalation, TaskID: "job", Subject: "failed"}
	assert.NotEqual(t, dedupKey(a), dedupKey(c))
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingSink{release: block}
	svc := startTestService(t, Config{Workers: 1, QueueSize: 1, RatePerSec: 1000}, slow)
	defer close(block)
	ctx := context.Background()

	// First fills the worker, second fills the queue; give the worker a
	// moment to pick the first one up so the order is deterministic.
	require.NoError(t, svc.Notify(ctx, Notification{Kind: KindAlert, Subject: "one"}))
	require.Eventually(t, func() bool { return slow.started() >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, svc.Notify(ctx, Notification{Kind: KindAlert, Subject: "two"}))

	err := svc.Notify(ctx, Notification{Kind: KindAlert, Subject: "three"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

type blockingSink struct {
	mu      sync.Mutex
	count   int
	release chan struct{}
}

func (b *blockingSink) Send(context.Context, Notification) error {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	<-b.release
	return nil
}

func (b *blockingSink) started() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestSendAllReportsSinkError(t *testing.T) {
	good := &captureSink{}
	bad := &captureSink{fail: errors.New("down")}
	err := sendAll(context.Background(), []Sink{bad, good}, Notification{Kind: KindAlert})
	assert.Error(t, err)
	assert.Equal(t, 1, good.count(), "healthy sinks still receive")
}
