package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/sandbox"
)

// Reclaimer stops sandboxes that outlived the execution timeout, such as
// those left behind by a crashed or restarted broker.
type Reclaimer struct {
	runtime     sandbox.Runtime
	maxAge      time.Duration
	interval    time.Duration
	stopTimeout time.Duration
	metrics     *monitor.Metrics
	now         func() time.Time
	logger      zerolog.Logger
}

func NewReclaimer(rt sandbox.Runtime, maxAge, interval, stopTimeout time.Duration, metrics *monitor.Metrics) *Reclaimer {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Reclaimer{
		runtime:     rt,
		maxAge:      maxAge,
		interval:    interval,
		stopTimeout: stopTimeout,
		metrics:     metrics,
		now:         time.Now,
		logger:      log.With().Str("component", "reclaimer").Logger(),
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep stops every listed process older than maxAge and returns how many
// it stopped. A failed stop is logged and the sweep moves on.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	procs, err := r.runtime.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("listing sandboxes failed")
		return 0
	}

	now := r.now()
	stopped := 0
	for _, p := range procs {
		age := now.Sub(p.CreatedAt)
		if age <= r.maxAge {
			continue
		}

		stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
		err := r.runtime.Stop(stopCtx, p.ID)
		cancel()

		switch {
		case err == nil:
			stopped++
			r.metrics.Reclaimed.Inc()
			r.logger.Info().Str("process_id", p.ID).Dur("age", age).Msg("stale sandbox stopped")
		case sandbox.IsNotFound(err):
			// Exited between List and Stop.
		default:
			r.metrics.ReclaimFailures.Inc()
			r.logger.Error().Err(err).Str("process_id", p.ID).Msg("failed to stop stale sandbox")
		}
	}

	if stopped > 0 {
		r.logger.Info().Int("stopped", stopped).Int("listed", len(procs)).Msg("sweep complete")
	}
	return stopped
}
