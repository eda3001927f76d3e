// Package hostinfo reads the resource snapshot a worker advertises and
// sizes sandbox quotas from.
package hostinfo

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

var ErrUnavailable = errors.New("memory information unavailable")

const probeTimeout = 5 * time.Second

// Snapshot is a point-in-time view of host capacity.
type Snapshot struct {
	CPUCount    int    `json:"cpuCount"`
	TotalMemory uint64 `json:"totalMemory"`
	FreeMemory  uint64 `json:"freeMemory"`
	Platform    string `json:"platform"`
}

// Probe reports host resources. FreeMemory is called once per job and must
// return a fresh reading.
type Probe interface {
	Snapshot() (Snapshot, error)
	FreeMemory() (uint64, error)
}

// SystemProbe reads memory and CPU figures from the operating system.
// Free memory is what the kernel reports as available to new processes
// (MemAvailable on Linux), not the strictly unused pages.
type SystemProbe struct {
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	cpuCount      func(ctx context.Context) (int, error)
}

func NewSystemProbe() *SystemProbe {
	return &SystemProbe{
		virtualMemory: mem.VirtualMemoryWithContext,
		cpuCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
	}
}

func (p *SystemProbe) Snapshot() (Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	total, free, err := p.read(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	cpus, err := p.cpuCount(ctx)
	if err != nil || cpus < 1 {
		cpus = runtime.NumCPU()
	}

	return Snapshot{
		CPUCount:    cpus,
		TotalMemory: total,
		FreeMemory:  free,
		Platform:    Platform(),
	}, nil
}

func (p *SystemProbe) FreeMemory() (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	_, free, err := p.read(ctx)
	return free, err
}

func (p *SystemProbe) read(ctx context.Context) (total, free uint64, err error) {
	vm, err := p.virtualMemory(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if vm == nil || vm.Total == 0 {
		return 0, 0, fmt.Errorf("%w: no total memory reported", ErrUnavailable)
	}

	free = vm.Available
	if free > vm.Total {
		free = vm.Total
	}
	return vm.Total, free, nil
}

// Platform is the tag hosts advertise, e.g. "linux/amd64".
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// StaticProbe returns fixed figures. Useful for tests and for hosts where
// the memory figures cannot be read.
type StaticProbe struct {
	Snap Snapshot
}

func (s *StaticProbe) Snapshot() (Snapshot, error) { return s.Snap, nil }

func (s *StaticProbe) FreeMemory() (uint64, error) { return s.Snap.FreeMemory, nil }
