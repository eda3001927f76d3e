package sandbox

import (
	"fmt"
	"math"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Quota is the per-process resource ceiling. It is derived fresh for every
// job and never stored.
type Quota struct {
	MemoryBytes     int64  `json:"memory_bytes"`      // Hard memory limit
	MemorySwapBytes int64  `json:"memory_swap_bytes"` // Memory+swap limit; equal to MemoryBytes disables swap
	CPUQuota        int64  `json:"cpu_quota"`         // CFS quota in microseconds per period
	CPUPeriod       uint64 `json:"cpu_period"`        // CFS period in microseconds
}

// ComputeQuota sizes a quota as floor(free × fraction) for both memory
// ceilings. The result never exceeds free.
func ComputeQuota(free uint64, fraction float64, cpuQuota int64, cpuPeriod uint64) Quota {
	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	limit := math.Floor(float64(free) * fraction)
	var mem uint64
	if limit >= math.MaxInt64 {
		mem = math.MaxInt64
	} else {
		mem = uint64(limit)
	}
	if mem > free {
		mem = free
	}

	return Quota{
		MemoryBytes:     int64(mem),
		MemorySwapBytes: int64(mem),
		CPUQuota:        cpuQuota,
		CPUPeriod:       cpuPeriod,
	}
}

// CPUs is the fraction of cores the quota grants.
func (q Quota) CPUs() float64 {
	if q.CPUPeriod == 0 {
		return 0
	}
	return float64(q.CPUQuota) / float64(q.CPUPeriod)
}

func (q Quota) Validate() error {
	if q.MemoryBytes <= 0 {
		return fmt.Errorf("%w: memory limit must be positive, got %d", ErrInvalidSpec, q.MemoryBytes)
	}
	if q.MemorySwapBytes < q.MemoryBytes {
		return fmt.Errorf("%w: memory+swap limit %d below memory limit %d", ErrInvalidSpec, q.MemorySwapBytes, q.MemoryBytes)
	}
	if q.CPUPeriod < 1000 || q.CPUPeriod > 1000000 {
		return fmt.Errorf("%w: cpu period must be 1000-1000000, got %d", ErrInvalidSpec, q.CPUPeriod)
	}
	if q.CPUQuota < 1000 {
		return fmt.Errorf("%w: cpu quota must be >= 1000, got %d", ErrInvalidSpec, q.CPUQuota)
	}
	return nil
}

// ApplyQuota writes the quota into an OCI runtime spec.
func ApplyQuota(spec *specs.Spec, q Quota) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	period := q.CPUPeriod
	quota := q.CPUQuota
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memory := q.MemoryBytes
	swap := q.MemorySwapBytes
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memory,
		Swap:  &swap,
	}
}

// dockerArgs renders the quota as docker create flags.
func (q Quota) dockerArgs() []string {
	return []string{
		"--memory", strconv.FormatInt(q.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(q.MemorySwapBytes, 10),
		"--cpu-period", strconv.FormatUint(q.CPUPeriod, 10),
		"--cpu-quota", strconv.FormatInt(q.CPUQuota, 10),
	}
}
