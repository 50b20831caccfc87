package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceProbe reports host resource usage for snapshots.
type ResourceProbe interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// SystemProbe reads real CPU and memory usage from the OS.
type SystemProbe struct{}

// Sample implements ResourceProbe. The zero-interval CPU read compares
// against the previous call, so the first sample of a fresh process
// reports 0.
func (SystemProbe) Sample(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu probe: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return cpuPct, 0, fmt.Errorf("memory probe: %w", err)
	}
	return cpuPct, vm.UsedPercent, nil
}

// StaticProbe returns fixed values (used in tests and when resource
// sampling is disabled).
type StaticProbe struct {
	CPU float64
	Mem float64
	Err error
}

// Sample implements ResourceProbe.
func (p StaticProbe) Sample(context.Context) (float64, float64, error) {
	return p.CPU, p.Mem, p.Err
}
