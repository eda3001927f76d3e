package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sandbox-broker/internal/config"
	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/sandbox"
	"sandbox-broker/internal/store"
)

// JobLabel is stamped on every sandbox with the id of the job it runs.
const JobLabel = "sandbox-broker.job"

const (
	publishTimeout     = 10 * time.Second
	sandboxStopTimeout = 10 * time.Second
	readChunk          = 32 * 1024
)

// Supervisor drives one job from acceptance to its published result:
//
//	Accepted -> QuotaComputed -> Starting -> Running -> Completed | Failed | TimedOut -> Published
//
// Every path through Run ends in exactly one attempt to Put the job record.
type Supervisor struct {
	store     store.Store
	runtime   sandbox.Runtime
	admission *Admission
	cfg       config.SandboxConfig
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	scanner   *monitor.CodeScanner
	now       func() time.Time
}

func NewSupervisor(st store.Store, rt sandbox.Runtime, admission *Admission, cfg config.SandboxConfig, metrics *monitor.Metrics, tracer *monitor.Tracer) *Supervisor {
	return &Supervisor{
		store:     st,
		runtime:   rt,
		admission: admission,
		cfg:       cfg,
		metrics:   metrics,
		tracer:    tracer,
		scanner:   monitor.NewCodeScanner(),
		now:       time.Now,
	}
}

// Run executes code for the job at ref and publishes the result.
func (s *Supervisor) Run(ctx context.Context, ref JobRef, code string) Result {
	start := time.Now()
	s.metrics.ActiveJobs.Inc()
	defer s.metrics.ActiveJobs.Dec()

	ctx, span := s.tracer.StartSpan(ctx, "job",
		monitor.AttrJobID.String(ref.ID),
		monitor.AttrChannel.String(ref.Channel),
	)
	defer span.End()

	logger := log.With().
		Str("job_id", ref.ID).
		Str("channel", ref.Channel).
		Str("code_hash", codeHash(code)).
		Logger()
	logger.Info().Msg("job accepted")

	s.scan(code, logger)

	res := s.execute(ctx, ref, code, logger)

	span.SetAttributes(monitor.AttrOutcome.String(string(res.Outcome)))
	if res.Outcome != OutcomeCompleted {
		span.SetStatus(codes.Error, res.Err)
	}

	res.Published = s.publish(ctx, ref, code, res, logger)
	s.metrics.RecordJob(string(res.Outcome), time.Since(start).Seconds())
	return res
}

func (s *Supervisor) execute(ctx context.Context, ref JobRef, code string, logger zerolog.Logger) Result {
	quota, release, err := s.admission.Admit()
	if err != nil {
		logger.Warn().Err(err).Msg("job not admitted")
		return failed(err)
	}
	defer release()
	s.metrics.QuotaBytes.Observe(float64(quota.MemoryBytes))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(monitor.AttrQuotaMem.Int64(quota.MemoryBytes))

	spec := sandbox.ProcessSpec{
		Name:       "sandbox-" + uuid.NewString(),
		Image:      s.cfg.Image,
		Command:    append(append([]string(nil), s.cfg.Interpreter...), code),
		Quota:      quota,
		Network:    false,
		AutoRemove: true,
		Labels:     map[string]string{JobLabel: ref.ID},
	}

	id, err := s.runtime.Create(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("sandbox create failed")
		return failed(err)
	}
	logger = logger.With().Str("process_id", id).Logger()
	span.SetAttributes(monitor.AttrProcessID.String(id))

	if err := s.runtime.Start(ctx, id); err != nil {
		logger.Error().Err(err).Msg("sandbox start failed")
		s.stop(id, logger)
		return failed(err)
	}

	stream, err := s.runtime.Logs(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("sandbox output unavailable")
		s.stop(id, logger)
		return failed(err)
	}

	logger.Debug().
		Int64("memory_bytes", quota.MemoryBytes).
		Float64("cpus", quota.CPUs()).
		Msg("sandbox running")

	return s.await(id, stream, logger)
}

// await races the output stream against the execution timer. Whichever
// finishes first decides the result; the other side is muted.
func (s *Supervisor) await(id string, stream io.ReadCloser, logger zerolog.Logger) Result {
	done := make(chan drained, 1)
	go func() {
		done <- drain(stream, s.cfg.MaxOutputBytes, sandbox.MultiplexedLogs(s.runtime))
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case d := <-done:
		_ = stream.Close()
		if d.err != nil {
			logger.Warn().Err(d.err).Msg("sandbox output stream failed")
			return failed(d.err)
		}
		if d.truncated {
			logger.Warn().Int("limit", s.cfg.MaxOutputBytes).Msg("sandbox output truncated")
		}
		res := completed(d.output)
		s.metrics.OutputSizeBytes.Observe(float64(len(res.Output)))
		return res

	case <-timer.C:
		logger.Warn().Dur("timeout", s.cfg.Timeout).Msg("execution timed out, stopping sandbox")
		s.stop(id, logger)
		// Unblocks the reader; whatever it returns is discarded.
		_ = stream.Close()
		return timedOut(s.cfg.Timeout)
	}
}

func (s *Supervisor) stop(id string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), sandboxStopTimeout)
	defer cancel()

	if err := s.runtime.Stop(ctx, id); err != nil && !sandbox.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to stop sandbox")
	}
}

// publish writes the result once. A failed write is not retried.
func (s *Supervisor) publish(ctx context.Context, ref JobRef, code string, res Result, logger zerolog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.store.Put(ctx, ref.Path, res.Record(code, s.now())); err != nil {
		logger.Error().Err(err).Str("outcome", string(res.Outcome)).Msg("result publish failed")
		return false
	}
	logger.Info().Str("outcome", string(res.Outcome)).Msg("result published")
	return true
}

func (s *Supervisor) scan(code string, logger zerolog.Logger) {
	for _, d := range s.scanner.Scan(code) {
		s.metrics.RecordPattern(d.Pattern)
		logger.Warn().
			Str("pattern", d.Pattern).
			Str("severity", d.Severity).
			Int("line", d.Line).
			Msg(d.Detail)
	}
}

type drained struct {
	output    string
	truncated bool
	err       error
}

// drain reads the combined output stream to EOF, stripping the framing header
// from each chunk when the runtime multiplexes, and keeping at most limit
// bytes (0 keeps everything). A cut never splits a UTF-8 sequence.
func drain(r io.Reader, limit int, framed bool) drained {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	truncated := false

	for {
		n, err := r.Read(chunk)
		if n > 0 && !truncated {
			part := chunk[:n]
			if framed {
				part = sandbox.StripFrame(part)
			}
			if limit > 0 && buf.Len()+len(part) > limit {
				part = part[:runeBoundary(part, limit-buf.Len())]
				truncated = true
			}
			buf.Write(part)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return drained{err: err}
		}
	}

	out := buf.String()
	if truncated {
		out += "\n... [output truncated]"
	}
	return drained{output: out, truncated: truncated}
}

// runeBoundary backs n off to the start of the rune it would cut through.
func runeBoundary(p []byte, n int) int {
	if n >= len(p) {
		return len(p)
	}
	for n > 0 && !utf8.RuneStart(p[n]) {
		n--
	}
	return n
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}
