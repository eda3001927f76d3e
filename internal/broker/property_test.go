package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sandbox-broker/internal/store"
)

func propertyParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	parameters.Rng.Seed(time.Now().UnixNano())
	return parameters
}

// Redelivering a job record any number of times, before or after it was
// published, runs it once and publishes it once.
func TestPropertyExactlyOnceUnderRedelivery(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("one sandbox and one publication per job", prop.ForAll(
		func(before, after int) bool {
			h := newHarness(t, newFakeRuntime(nil))
			channel := store.ChannelPath(testHost, "client-1")
			path := store.JobPath(channel, "job-1")
			pending := store.Event{Path: path, Key: "job-1", Value: json.RawMessage(`{"code":"print(1+1)","processed":false}`)}

			for i := 0; i < before; i++ {
				h.intake.handle(channel, pending)
			}
			waitUntil(t, 2*time.Second, func() bool {
				return testutil.ToFloat64(h.metrics.JobsTotal.WithLabelValues(string(OutcomeCompleted))) == 1
			})

			raw, err := h.store.Get(context.Background(), path)
			if err != nil {
				return false
			}
			published := store.Event{Path: path, Key: "job-1", Value: raw}
			for i := 0; i < after; i++ {
				h.intake.handle(channel, published)
				h.intake.handle(channel, pending)
			}
			h.drain(t)

			return len(h.runtime.created()) == 1 &&
				testutil.ToFloat64(h.metrics.JobsTotal.WithLabelValues(string(OutcomeCompleted))) == 1
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

// Any number of redelivered connection requests for one client opens a
// single channel, and each job in it runs once.
func TestPropertyIdempotentBinding(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("one channel and one supervisor per job", prop.ForAll(
		func(redeliveries, jobs int) bool {
			h := newHarness(t, newFakeRuntime(nil))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			req := store.Event{
				Path:  store.RequestPath("req-1"),
				Key:   "req-1",
				Value: json.RawMessage(fmt.Sprintf(`{"clientId":"client-1","targetHost":%q}`, testHost)),
			}
			for i := 0; i < redeliveries; i++ {
				h.listener.handle(ctx, req)
			}

			channel := store.ChannelPath(testHost, "client-1")
			for j := 0; j < jobs; j++ {
				h.submit(t, channel, fmt.Sprintf("job-%d", j), map[string]any{"code": "print(1+1)"})
			}

			waitUntil(t, 2*time.Second, func() bool {
				return testutil.ToFloat64(h.metrics.JobsTotal.WithLabelValues(string(OutcomeCompleted))) == float64(jobs)
			})
			h.drain(t)

			return len(h.listener.Channels()) == 1 &&
				testutil.ToFloat64(h.metrics.ChannelsOpen) == 1 &&
				len(h.runtime.created()) == jobs
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

// Every published record carries exactly one of output or error, matching
// the terminal state the supervisor reached.
func TestPropertyExclusiveTerminalState(t *testing.T) {
	programs := []string{"print(1+1)", "raise ValueError('x')", "break-stream", "import time; time.sleep(60)", "echo:a,b"}

	properties := gopter.NewProperties(propertyParameters())

	properties.Property("output xor error", prop.ForAll(
		func(i int) bool {
			h := newHarness(t, newFakeRuntime(nil), withTimeout(50*time.Millisecond))
			path := fmt.Sprintf("c/job-%d", i)

			res := h.sup.Run(context.Background(), JobRef{Channel: "c", ID: "job", Path: path}, programs[i])

			raw, err := h.store.Get(context.Background(), path)
			if err != nil {
				return false
			}
			job, err := DecodeJob(raw)
			if err != nil || !job.Processed {
				return false
			}

			switch res.Outcome {
			case OutcomeCompleted:
				return job.Output != nil && job.Error == nil
			case OutcomeFailed, OutcomeTimedOut:
				return job.Output == nil && job.Error != nil && *job.Error == res.Err
			default:
				return false
			}
		},
		gen.IntRange(0, len(programs)-1),
	))

	properties.TestingRun(t)
}
