package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Reading is one load sample, in percent of total machine capacity.
type Reading struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	At            time.Time `json:"at"`
}

// Source takes load samples. The production implementation reads the host;
// tests substitute a static one.
type Source interface {
	Sample(ctx context.Context) (Reading, error)
}

// HostSource samples the machine via gopsutil.
type HostSource struct{}

func (HostSource) Sample(ctx context.Context) (Reading, error) {
	// Interval 0 compares against the previous call instead of blocking.
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Reading{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{MemoryPercent: vm.UsedPercent, At: time.Now()}
	if len(cpuPcts) > 0 {
		r.CPUPercent = cpuPcts[0]
	}
	return r, nil
}

// StaticSource returns whatever was last set. Test helper.
type StaticSource struct {
	mu sync.Mutex
	r  Reading
}

func (s *StaticSource) Set(cpuPct, memPct float64) {
	s.mu.Lock()
	s.r = Reading{CPUPercent: cpuPct, MemoryPercent: memPct, At: time.Now()}
	s.mu.Unlock()
}

func (s *StaticSource) Sample(context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.r
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return r, nil
}
