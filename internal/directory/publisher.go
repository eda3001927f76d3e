package directory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/hostinfo"
	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/store"
)

// Publisher keeps this host's record in the directory fresh.
type Publisher struct {
	store    store.Store
	probe    hostinfo.Probe
	metrics  *monitor.Metrics
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	record HostRecord
}

// NewPublisher takes the snapshot computed once at startup; only free memory
// is re-read on each heartbeat.
func NewPublisher(st store.Store, host string, snap hostinfo.Snapshot, probe hostinfo.Probe, metrics *monitor.Metrics, interval, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		store:    st,
		probe:    probe,
		metrics:  metrics,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		record: HostRecord{
			Name:        host,
			CPUCount:    snap.CPUCount,
			TotalMemory: snap.TotalMemory,
			FreeMemory:  snap.FreeMemory,
			Platform:    snap.Platform,
			Status:      StatusOnline,
		},
		logger: log.With().Str("component", "directory").Str("host", host).Logger(),
	}
}

// Run publishes the online record, refreshes it every interval and, once ctx
// is cancelled, publishes the offline record before returning.
func (p *Publisher) Run(ctx context.Context) {
	p.publish(context.Background(), StatusOnline)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if free, err := p.probe.FreeMemory(); err == nil {
				p.mu.Lock()
				p.record.FreeMemory = free
				p.mu.Unlock()
			} else {
				p.logger.Warn().Err(err).Msg("free memory unavailable, advertising last reading")
			}
			p.publish(ctx, StatusOnline)
		case <-ctx.Done():
			// ctx is already cancelled; the offline write gets its own deadline.
			p.publish(context.Background(), StatusOffline)
			return
		}
	}
}

// publish is fire-and-forget: failures are logged and counted, never retried.
func (p *Publisher) publish(parent context.Context, status string) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	p.mu.Lock()
	p.record.Status = status
	p.record.LastUpdate = p.now().UnixMilli()
	rec := p.record
	p.mu.Unlock()

	if err := p.store.Put(ctx, store.HostPath(rec.Name), rec); err != nil {
		p.metrics.HeartbeatFailures.Inc()
		p.logger.Warn().Err(err).Str("status", status).Msg("host record publish failed")
		return
	}
	p.metrics.Heartbeats.Inc()
	p.logger.Debug().
		Str("status", status).
		Uint64("free_memory", rec.FreeMemory).
		Msg("host record published")
}

// Record returns the last record this publisher wrote.
func (p *Publisher) Record() HostRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}
