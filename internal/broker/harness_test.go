package broker

import (
	"context"
	"testing"
	"time"

	"sandbox-broker/internal/config"
	"sandbox-broker/internal/hostinfo"
	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/store"
)

const testHost = "worker-a"

type harness struct {
	store    *store.MemoryStore
	runtime  *fakeRuntime
	metrics  *monitor.Metrics
	probe    *hostinfo.StaticProbe
	sup      *Supervisor
	intake   *Intake
	listener *Listener
}

type harnessOption func(*config.Config)

func withTimeout(d time.Duration) harnessOption {
	return func(c *config.Config) { c.Sandbox.Timeout = d }
}

func withRetention(d time.Duration) harnessOption {
	return func(c *config.Config) { c.Broker.Retention = d }
}

func newHarness(t *testing.T, rt *fakeRuntime, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Host.Name = testHost
	cfg.Broker.Retention = 0
	for _, opt := range opts {
		opt(cfg)
	}

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	metrics := monitor.NewMetrics()
	probe := &hostinfo.StaticProbe{Snap: hostinfo.Snapshot{
		CPUCount:    4,
		TotalMemory: 8 << 30,
		FreeMemory:  1 << 30,
		Platform:    "linux",
	}}
	admission := NewAdmission(probe, cfg.Sandbox.MemoryFraction, cfg.Sandbox.CPUQuota, cfg.Sandbox.CPUPeriod, cfg.Sandbox.MinMemoryBytes, cfg.Broker.ReserveQuota)
	sup := NewSupervisor(st, rt, admission, cfg.Sandbox, metrics, monitor.NewTracer(true))
	intake := NewIntake(st, sup, metrics, cfg.Broker.Retention)

	return &harness{
		store:    st,
		runtime:  rt,
		metrics:  metrics,
		probe:    probe,
		sup:      sup,
		intake:   intake,
		listener: NewListener(testHost, st, intake, metrics),
	}
}

// bind runs the listener and publishes a connection request for client.
func (h *harness) bind(t *testing.T, ctx context.Context, client string) string {
	t.Helper()

	go func() { _ = h.listener.Run(ctx) }()

	req := map[string]any{"clientId": client, "targetHost": testHost, "createdAt": time.Now().UnixMilli()}
	if err := h.store.Put(ctx, store.RequestPath("req-"+client), req); err != nil {
		t.Fatalf("put request: %v", err)
	}

	channel := store.ChannelPath(testHost, client)
	waitUntil(t, 2*time.Second, func() bool {
		for _, ch := range h.listener.Channels() {
			if ch == channel {
				return true
			}
		}
		return false
	})
	return channel
}

func (h *harness) submit(t *testing.T, channel, jobID string, job any) string {
	t.Helper()
	path := store.JobPath(channel, jobID)
	if err := h.store.Put(context.Background(), path, job); err != nil {
		t.Fatalf("put job: %v", err)
	}
	return path
}

// result waits for the job at path to be published.
func (h *harness) result(t *testing.T, path string, within time.Duration) Job {
	t.Helper()

	var job Job
	waitUntil(t, within, func() bool {
		raw, err := h.store.Get(context.Background(), path)
		if err != nil {
			return false
		}
		j, err := DecodeJob(raw)
		if err != nil || !j.Processed {
			return false
		}
		job = j
		return true
	})
	return job
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.intake.Drain(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

func waitUntil(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
