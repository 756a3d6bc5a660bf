// Package tasks holds the housekeeping tasks the daemon registers on boot.
// Domain job bodies live with their owners and register through the same
// control API; these built-ins only exercise the engine's own surfaces.
package tasks

import (
	"context"
	"fmt"
	"runtime"

	"taskmill/internal/engine"
	logx "taskmill/pkg/logx"
)

// RegisterAll registers the built-in tasks. Order matters only in that
// dependencies must precede dependents.
func RegisterAll(eng *engine.Service, log logx.Logger) error {
	log = log.With(logx.String("component", "tasks"))

	defs := []engine.TaskDefinition{
		{
			ID:          "system-snapshot",
			Name:        "System snapshot",
			Description: "logs an engine-wide overview for operators tailing the log",
			Frequency:   engine.FreqEvery30Min,
			Priority:    engine.PriorityLow,
			Enabled:     true,
			Handler:     snapshotHandler(eng, log),
		},
		{
			ID:          "runtime-stats",
			Name:        "Runtime stats",
			Description: "logs Go runtime memory and goroutine counts",
			Frequency:   engine.FreqHourly,
			Priority:    engine.PriorityLow,
			Enabled:     true,
			Handler:     runtimeStatsHandler(log),
		},
	}
	for _, def := range defs {
		if err := eng.RegisterTask(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}
	return nil
}

func snapshotHandler(eng *engine.Service, log logx.Logger) engine.Handler {
	return engine.HandlerFunc(func(ctx context.Context) (engine.Result, error) {
		ov := eng.GetSystemOverview()
		log.Info("system snapshot",
			logx.Int("tasks", ov.TaskCount),
			logx.Int("enabled", ov.EnabledCount),
			logx.Int("in_flight", len(ov.InFlight)),
			logx.Bool("load_shedding", ov.LoadShedding),
			logx.Float64("cpu", ov.CPUPercent),
			logx.Float64("memory", ov.MemoryPercent))
		return engine.Result{Payload: ov.GeneratedAt}, nil
	})
}

func runtimeStatsHandler(log logx.Logger) engine.Handler {
	return engine.HandlerFunc(func(ctx context.Context) (engine.Result, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		log.Info("runtime stats",
			logx.Uint64("heap_alloc", ms.HeapAlloc),
			logx.Uint64("heap_sys", ms.HeapSys),
			logx.Uint64("num_gc", uint64(ms.NumGC)),
			logx.Int("goroutines", runtime.NumGoroutine()))
		return engine.Result{}, nil
	})
}
