package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"sandbox-broker/internal/hostinfo"
)

func TestAdmission_ReservesAndReleases(t *testing.T) {
	probe := &hostinfo.StaticProbe{Snap: hostinfo.Snapshot{FreeMemory: 1000 << 20}}
	a := NewAdmission(probe, 0.1, 100000, 100000, 6<<20, true)

	q1, release1, err := a.Admit()
	if err != nil {
		t.Fatal(err)
	}
	if q1.MemoryBytes != 100<<20 {
		t.Errorf("first quota = %d, want %d", q1.MemoryBytes, 100<<20)
	}

	q2, release2, err := a.Admit()
	if err != nil {
		t.Fatal(err)
	}
	if q2.MemoryBytes != 90<<20 {
		t.Errorf("second quota = %d, want a tenth of what is left (%d)", q2.MemoryBytes, 90<<20)
	}
	if a.Reserved() != uint64(q1.MemoryBytes+q2.MemoryBytes) {
		t.Errorf("reserved = %d", a.Reserved())
	}

	release1()
	release1()
	release2()
	if a.Reserved() != 0 {
		t.Errorf("reserved after release = %d, want 0", a.Reserved())
	}
}

func TestAdmission_WithoutReservation(t *testing.T) {
	probe := &hostinfo.StaticProbe{Snap: hostinfo.Snapshot{FreeMemory: 1000 << 20}}
	a := NewAdmission(probe, 0.1, 100000, 100000, 6<<20, false)

	q1, _, _ := a.Admit()
	q2, _, _ := a.Admit()
	if q1 != q2 {
		t.Errorf("independent quotas differ: %+v vs %+v", q1, q2)
	}
	if a.Reserved() != 0 {
		t.Errorf("reserved = %d, want 0", a.Reserved())
	}
}

func TestAdmission_BelowMinimum(t *testing.T) {
	probe := &hostinfo.StaticProbe{Snap: hostinfo.Snapshot{FreeMemory: 50 << 20}}
	a := NewAdmission(probe, 0.1, 100000, 100000, 6<<20, true)

	if _, _, err := a.Admit(); !errors.Is(err, ErrInsufficientMemory) {
		t.Errorf("error = %v, want ErrInsufficientMemory", err)
	}
	if a.Reserved() != 0 {
		t.Errorf("rejected admission reserved %d bytes", a.Reserved())
	}
}

// However many jobs are admitted concurrently, the quotas they hold never
// add up to more than the free memory each was admitted against.
func TestPropertyAdmissionNeverOversubscribes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("sum of held quotas <= free memory", prop.ForAll(
		func(free uint64, jobs int) bool {
			probe := &hostinfo.StaticProbe{Snap: hostinfo.Snapshot{FreeMemory: free}}
			a := NewAdmission(probe, 0.5, 100000, 100000, 1, true)

			var held uint64
			for i := 0; i < jobs; i++ {
				q, _, err := a.Admit()
				if err != nil {
					break
				}
				if uint64(q.MemoryBytes) > free {
					return false
				}
				held += uint64(q.MemoryBytes)
			}
			return held <= free && held == a.Reserved()
		},
		gen.UInt64Range(1, 1<<40),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
