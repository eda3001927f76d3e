// Package broker binds clients to this host, accepts their jobs and runs
// each one exactly once in a sandbox, publishing the result in place.
package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedJob       = errors.New("malformed job record")
	ErrInsufficientMemory = errors.New("insufficient free memory for sandbox")
)

// Job is a record in a request channel. Clients write Code with Processed
// false; the broker rewrites the record once with the result.
type Job struct {
	Code      string  `json:"code"`
	Processed bool    `json:"processed"`
	Output    *string `json:"output,omitempty"`
	Error     *string `json:"error,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// DecodeJob validates a channel record against the job schema: a JSON
// object whose code is a string and whose processed flag, when present, is
// a boolean. Unknown fields are ignored.
func DecodeJob(raw json.RawMessage) (Job, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Job{}, fmt.Errorf("%w: not an object", ErrMalformedJob)
	}

	var job Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return job, nil
}

// Runnable reports whether the record is a job intake should accept.
func (j Job) Runnable() bool {
	return j.Code != "" && !j.Processed
}

// Outcome is how an execution ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result is the terminal state of an execution before it is published.
type Result struct {
	Outcome   Outcome
	Output    string
	Err       string
	Published bool // the record reached the store
}

// Record renders the result as the job record written back to the channel:
// the original code, exactly one of output or error, processed true and the
// publication time in unix milliseconds.
func (r Result) Record(code string, at time.Time) Job {
	job := Job{
		Code:      code,
		Processed: true,
		Timestamp: at.UnixMilli(),
	}
	if r.Outcome == OutcomeCompleted {
		out := r.Output
		job.Output = &out
	} else {
		msg := r.Err
		job.Error = &msg
	}
	return job
}

func completed(output string) Result {
	return Result{Outcome: OutcomeCompleted, Output: strings.TrimSpace(output)}
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err.Error()}
}

// TimeoutMessage is the error published for a job that outlived timeout.
func TimeoutMessage(timeout time.Duration) string {
	if timeout%time.Second == 0 {
		return fmt.Sprintf("Execution timed out after %d seconds", int64(timeout/time.Second))
	}
	return fmt.Sprintf("Execution timed out after %s", timeout)
}

func timedOut(timeout time.Duration) Result {
	return Result{Outcome: OutcomeTimedOut, Err: TimeoutMessage(timeout)}
}

// JobRef locates one job in the store.
type JobRef struct {
	Channel string
	ID      string
	Path    string
}
