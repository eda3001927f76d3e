package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/store"
)

// Skip reasons reported in broker_records_skipped_total.
const (
	skipRetracted = "retracted"
	skipMalformed = "malformed"
	skipProcessed = "processed"
	skipEmptyCode = "empty_code"
	skipDuplicate = "duplicate"
)

// Intake watches request channels and hands each runnable job to the
// supervisor exactly once, however often the store redelivers it.
type Intake struct {
	store     store.Store
	sup       *Supervisor
	metrics   *monitor.Metrics
	retention time.Duration

	mu     sync.Mutex
	seen   map[string]struct{}
	jobs   sync.WaitGroup
	active atomic.Int64
}

// NewIntake creates an intake. Published jobs are nullified after retention;
// zero keeps them.
func NewIntake(st store.Store, sup *Supervisor, metrics *monitor.Metrics, retention time.Duration) *Intake {
	return &Intake{
		store:     st,
		sup:       sup,
		metrics:   metrics,
		retention: retention,
		seen:      make(map[string]struct{}),
	}
}

// Watch consumes one channel until ctx is cancelled. Jobs already handed
// off keep running after that.
func (i *Intake) Watch(ctx context.Context, channel string) error {
	events, err := i.store.Watch(ctx, channel)
	if err != nil {
		return err
	}

	log.Info().Str("channel", channel).Msg("channel open")
	for ev := range events {
		i.handle(channel, ev)
	}
	return nil
}

func (i *Intake) handle(channel string, ev store.Event) {
	if ev.Retracted() {
		i.metrics.RecordSkip(skipRetracted)
		return
	}

	job, err := DecodeJob(ev.Value)
	if err != nil {
		log.Debug().Err(err).Str("path", ev.Path).Msg("skipping channel record")
		i.metrics.RecordSkip(skipMalformed)
		return
	}
	if job.Processed {
		i.metrics.RecordSkip(skipProcessed)
		return
	}
	if job.Code == "" {
		i.metrics.RecordSkip(skipEmptyCode)
		return
	}
	if !i.claim(ev.Path) {
		i.metrics.RecordSkip(skipDuplicate)
		return
	}

	ref := JobRef{Channel: channel, ID: ev.Key, Path: ev.Path}
	i.jobs.Add(1)
	i.active.Add(1)
	go func() {
		defer i.jobs.Done()
		// Detached: shutting the service down does not abandon a job mid-run.
		res := i.sup.Run(context.Background(), ref, job.Code)
		i.active.Add(-1)
		i.retire(ref, job.Code, res.Published)
	}()
}

// claim marks a job path as taken; false means it was already handed off.
func (i *Intake) claim(path string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.seen[path]; ok {
		return false
	}
	i.seen[path] = struct{}{}
	return true
}

func (i *Intake) release(path string) {
	i.mu.Lock()
	delete(i.seen, path)
	i.mu.Unlock()
}

// retire nullifies a published job once its retention elapses, unless the
// client has reused the id for a new job in the meantime. A job whose result
// never reached the store stays claimed so it is not run a second time.
func (i *Intake) retire(ref JobRef, code string, published bool) {
	if i.retention <= 0 {
		return
	}

	time.AfterFunc(i.retention, func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		logger := log.With().Str("job_id", ref.ID).Str("channel", ref.Channel).Logger()

		raw, err := i.store.Get(ctx, ref.Path)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn().Err(err).Msg("retention check failed")
			return
		}
		if err == nil {
			if job, derr := DecodeJob(raw); derr == nil && !job.Processed {
				if !published && job.Code == code {
					logger.Warn().Msg("result never published; job left unprocessed")
					return
				}
				// The id was reused for a new job while this one ran; its
				// delivery was taken for a duplicate, so replay it now.
				i.release(ref.Path)
				i.handle(ref.Channel, store.Event{Path: ref.Path, Key: ref.ID, Value: raw})
				return
			}
			if err := i.store.Put(ctx, ref.Path, nil); err != nil {
				logger.Warn().Err(err).Msg("failed to retire job record")
				return
			}
		}
		i.release(ref.Path)
		logger.Debug().Msg("job record retired")
	})
}

// InFlight reports how many jobs have been handed off and not yet published.
func (i *Intake) InFlight() int64 {
	return i.active.Load()
}

// Drain waits for handed-off jobs to publish, or for ctx to end.
func (i *Intake) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
