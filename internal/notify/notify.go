// Package notify delivers engine and monitor alerts to operators through an
// async pipeline: bounded queue, worker pool, rate limit, retry and a
// time-windowed dedup cache. Delivery targets are pluggable Sinks.
package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// Kind classifies a notification for routing and dedup purposes.
type Kind string

const (
	// KindFailure: a task execution exhausted its retries or hit a
	// terminal error.
	KindFailure Kind = "failure"

	// KindEscalation: a task's failure rate crossed the escalation
	// threshold.
	KindEscalation Kind = "escalation"

	// KindAlert: a system-level resource alert from the monitor.
	KindAlert Kind = "alert"
)

// Notification is one operator-facing message. Severity runs 0..10; sinks
// may use it for formatting, the pipeline does not interpret it beyond that.
type Notification struct {
	Kind     Kind
	TaskID   string
	Subject  string
	Body     string
	Severity int
	Time     time.Time
}

// Notifier is the intake side of the pipeline. Notify must not block on
// delivery; implementations queue and return.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sink performs the actual delivery of one notification.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Nop discards everything. Useful as a default when notifications are
// disabled.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// dedupKey hashes the fields that make two notifications "the same event".
// The body is excluded on purpose: repeated failures of one task differ only
// in timestamps and attempt counts, and those should collapse.
func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Kind))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(n.TaskID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(n.Subject))
	return fmt.Sprintf("%x", h.Sum64())
}
