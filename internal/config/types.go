package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the scheduler loop and admission gates.
	Engine EngineConfig `json:"engine"`

	// Monitor controls system-load sampling and threshold alerts.
	Monitor MonitorConfig `json:"monitor"`

	// Notifier controls the async failure/escalation notification pipeline.
	// If omitted, the notifier defaults to enabled with a log-only sink.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// HTTP controls the status/control HTTP surface.
	HTTP HTTPConfig `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls dispatch and admission behavior.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "25h").
//
// Defaults (when fields are omitted/zero):
//   - tick: "30s"
//   - panic_backoff: "60s"
//   - dependency_freshness: "25h"
//   - resource_defer: "5m"
//   - cpu_ceiling / memory_ceiling: 90 (percent)
type EngineConfig struct {
	Tick string `json:"tick,omitempty"`

	// PanicBackoff is the longer tick used after a scheduler-loop panic.
	PanicBackoff string `json:"panic_backoff,omitempty"`

	// DependencyFreshness is the maximum age of a dependency's last success
	// still considered satisfying (tuned for daily cadences).
	DependencyFreshness string `json:"dependency_freshness,omitempty"`

	// ResourceDefer is the short retry backoff applied when the resource gate
	// rejects a task.
	ResourceDefer string `json:"resource_defer,omitempty"`

	CPUCeiling    float64 `json:"cpu_ceiling,omitempty"`
	MemoryCeiling float64 `json:"memory_ceiling,omitempty"`
}

// MonitorConfig controls the system monitor loop.
type MonitorConfig struct {
	Interval string `json:"interval,omitempty"` // default "60s"

	CPUAlert        float64 `json:"cpu_alert,omitempty"`        // default 90
	MemoryAlert     float64 `json:"memory_alert,omitempty"`     // default 90
	ConcurrentAlert int     `json:"concurrent_alert,omitempty"` // default 20

	// Mitigate enables best-effort pausing of low-priority tasks under load.
	Mitigate bool `json:"mitigate"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Workers         int             `json:"workers,omitempty"`
	QueueSize       int             `json:"queue_size,omitempty"`
	RatePerSec      int             `json:"rate_per_sec,omitempty"`
	DedupWindow     string          `json:"dedup_window,omitempty"`
	DedupMaxEntries int             `json:"dedup_max_entries,omitempty"`
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig points failure/escalation alerts at a Telegram chat.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // do not log
	ChatID  int64  `json:"chat_id"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	Debug   bool   `json:"debug,omitempty"`
}

// Validate rejects values that cannot be mapped onto running services.
func (c *Config) Validate() error {
	for path, raw := range map[string]string{
		"engine.tick":                 c.Engine.Tick,
		"engine.panic_backoff":        c.Engine.PanicBackoff,
		"engine.dependency_freshness": c.Engine.DependencyFreshness,
		"engine.resource_defer":       c.Engine.ResourceDefer,
		"monitor.interval":            c.Monitor.Interval,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Engine.CPUCeiling < 0 || c.Engine.CPUCeiling > 100 {
		return fmt.Errorf("engine.cpu_ceiling: must be within [0,100]")
	}
	if c.Engine.MemoryCeiling < 0 || c.Engine.MemoryCeiling > 100 {
		return fmt.Errorf("engine.memory_ceiling: must be within [0,100]")
	}
	if c.Notifier != nil {
		if _, err := ParseDurationField("notifier.dedup_window", c.Notifier.DedupWindow); err != nil {
			return err
		}
		if tg := c.Notifier.Telegram; tg != nil && tg.Enabled {
			if strings.TrimSpace(tg.Token) == "" {
				return fmt.Errorf("notifier.telegram.token: required when telegram is enabled")
			}
			if tg.ChatID == 0 {
				return fmt.Errorf("notifier.telegram.chat_id: required when telegram is enabled")
			}
		}
	}
	return nil
}
