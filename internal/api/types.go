package api

import (
	"encoding/json"
	"time"

	"sandbox-broker/internal/directory"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// HostView is a directory entry as the ops API reports it. Stale is set when
// the host missed enough heartbeats that its status can no longer be trusted.
type HostView struct {
	directory.HostRecord
	Age   Duration `json:"age"`
	Stale bool     `json:"stale"`
}

// JobEvent is one channel record relayed over the job stream.
type JobEvent struct {
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string   `json:"status"`
	Host       string   `json:"host"`
	Store      bool     `json:"store"`
	Runtime    bool     `json:"runtime"`
	ActiveJobs int64    `json:"active_jobs"`
	Channels   []string `json:"channels"`
	Uptime     string   `json:"uptime"`
}
