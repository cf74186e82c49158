package resource

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	criticalMemoryPercent    = 90.0
	constrainedMemoryPercent = 75.0
	criticalLoadPerCPU       = 2.0
	constrainedLoadPerCPU    = 1.0
)

// SystemSignal samples host memory usage and load average through gopsutil
// and grades them against fixed thresholds. Load is normalized per CPU so the
// same thresholds hold on small and large machines.
type SystemSignal struct {
	logger *slog.Logger
	cpus   int
}

func NewSystemSignal(logger *slog.Logger) *SystemSignal {
	return &SystemSignal{
		logger: logger.With("module", "resource"),
		cpus:   runtime.NumCPU(),
	}
}

func (s *SystemSignal) Sample(ctx context.Context) (Level, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return LevelGenerous, fmt.Errorf("sampling memory: %w", err)
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return LevelGenerous, fmt.Errorf("sampling load average: %w", err)
	}

	loadPerCPU := avg.Load1 / float64(s.cpus)
	level := classify(vm.UsedPercent, loadPerCPU)

	s.logger.DebugContext(ctx, "Sampled resource pressure",
		"level", level,
		"memory_used_percent", vm.UsedPercent,
		"load_per_cpu", loadPerCPU)

	return level, nil
}

// classify maps raw readings onto a level. The worse of the two signals wins.
func classify(memUsedPercent, loadPerCPU float64) Level {
	switch {
	case memUsedPercent >= criticalMemoryPercent || loadPerCPU >= criticalLoadPerCPU:
		return LevelCritical
	case memUsedPercent >= constrainedMemoryPercent || loadPerCPU >= constrainedLoadPerCPU:
		return LevelConstrained
	default:
		return LevelGenerous
	}
}
