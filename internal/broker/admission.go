package broker

import (
	"fmt"
	"sync"

	"sandbox-broker/internal/hostinfo"
	"sandbox-broker/internal/sandbox"
)

// Admission sizes each job's quota from current free memory. With
// reservation on, quotas of jobs still running are subtracted first, so
// concurrent sandboxes on one host never jointly exceed what was free.
type Admission struct {
	probe     hostinfo.Probe
	fraction  float64
	cpuQuota  int64
	cpuPeriod uint64
	minMemory int64
	reserve   bool

	mu       sync.Mutex
	reserved uint64
}

func NewAdmission(probe hostinfo.Probe, fraction float64, cpuQuota int64, cpuPeriod uint64, minMemory int64, reserve bool) *Admission {
	return &Admission{
		probe:     probe,
		fraction:  fraction,
		cpuQuota:  cpuQuota,
		cpuPeriod: cpuPeriod,
		minMemory: minMemory,
		reserve:   reserve,
	}
}

// Admit computes a quota and reserves it. The returned release func must be
// called once the sandbox is gone.
func (a *Admission) Admit() (sandbox.Quota, func(), error) {
	free, err := a.probe.FreeMemory()
	if err != nil {
		return sandbox.Quota{}, nil, fmt.Errorf("reading free memory: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	avail := free
	if a.reserve {
		if a.reserved >= free {
			avail = 0
		} else {
			avail = free - a.reserved
		}
	}

	q := sandbox.ComputeQuota(avail, a.fraction, a.cpuQuota, a.cpuPeriod)
	if q.MemoryBytes < a.minMemory || q.MemoryBytes <= 0 {
		return sandbox.Quota{}, nil, fmt.Errorf("%w: quota %d bytes below minimum %d", ErrInsufficientMemory, q.MemoryBytes, a.minMemory)
	}

	if !a.reserve {
		return q, func() {}, nil
	}

	held := uint64(q.MemoryBytes)
	a.reserved += held

	var once sync.Once
	release := func() {
		once.Do(func() {
			a.mu.Lock()
			a.reserved -= held
			a.mu.Unlock()
		})
	}
	return q, release, nil
}

// Reserved is the memory currently held by admitted jobs.
func (a *Admission) Reserved() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}
