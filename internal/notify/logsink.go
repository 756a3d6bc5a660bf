package notify

import (
	"context"

	logx "taskmill/pkg/logx"
)

// LogSink writes notifications to the structured log. It is the default
// sink so failures and escalations are always visible somewhere, even when
// no external channel is configured.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("component", "notify"))}
}

func (s *LogSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("kind", string(n.Kind)),
		logx.String("subject", n.Subject),
		logx.Int("severity", n.Severity),
	}
	if n.TaskID != "" {
		fields = append(fields, logx.String("task", n.TaskID))
	}
	if n.Body != "" {
		fields = append(fields, logx.String("body", n.Body))
	}
	if n.Severity >= 7 {
		s.log.Error("notification", fields...)
	} else {
		s.log.Warn("notification", fields...)
	}
	return nil
}
