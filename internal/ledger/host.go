package ledger

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Probe reports host capacity and load.
type Probe interface {
	// Capacity returns the raw host capacity.
	Capacity(ctx context.Context) (models.ResourceDemand, error)
	// Load returns a utilization percentage in [0, 100+].
	Load(ctx context.Context) (float64, error)
}

// HostProbe reads capacity and load from the local machine.
type HostProbe struct{}

// Capacity returns logical CPUs x 100 shares, total memory and the open
// file limit.
func (HostProbe) Capacity(ctx context.Context) (models.ResourceDemand, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return models.ResourceDemand{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return models.ResourceDemand{}, fmt.Errorf("read memory: %w", err)
	}
	return models.ResourceDemand{
		CPUShares:   cpus * 100,
		MemoryMB:    int(vm.Total / (1024 * 1024)),
		FileHandles: fileLimit(),
	}, nil
}

// Load returns the larger of the 1-minute load average per CPU and the
// memory utilization, both as percentages.
func (HostProbe) Load(ctx context.Context) (float64, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus < 1 {
		cpus = 1
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read load average: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read memory: %w", err)
	}
	return max(avg.Load1/float64(cpus)*100, vm.UsedPercent), nil
}

// Reserve subtracts reservePercent of each dimension from capacity.
func Reserve(capacity models.ResourceDemand, reservePercent int) models.ResourceDemand {
	keep := func(v int) int { return v - v*reservePercent/100 }
	return models.ResourceDemand{
		CPUShares:   keep(capacity.CPUShares),
		MemoryMB:    keep(capacity.MemoryMB),
		FileHandles: keep(capacity.FileHandles),
	}
}

// NewFromHost creates a ledger sized from the probe's capacity minus the
// reserved margin.
func NewFromHost(ctx context.Context, p Probe, reservePercent int, opts Options) (*Ledger, error) {
	capacity, err := p.Capacity(ctx)
	if err != nil {
		return nil, err
	}
	return New(Reserve(capacity, reservePercent), opts), nil
}

var _ Probe = HostProbe{}

// defaultFileLimit is used when RLIMIT_NOFILE cannot be read.
const defaultFileLimit = 1024
