// Package directory advertises hosts in the shared store and carries the
// connection requests clients address to them.
package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var ErrMalformed = errors.New("malformed directory record")

// HostRecord is a host's advertisement. LastUpdate is unix milliseconds.
type HostRecord struct {
	Name        string `json:"name"`
	CPUCount    int    `json:"cpuCount"`
	TotalMemory uint64 `json:"totalMemory"`
	FreeMemory  uint64 `json:"freeMemory"`
	Platform    string `json:"platform"`
	Status      string `json:"status"`
	LastUpdate  int64  `json:"lastUpdate"`
}

// Updated returns LastUpdate as a time.
func (h HostRecord) Updated() time.Time {
	return time.UnixMilli(h.LastUpdate)
}

// Stale reports whether the host missed heartbeats for longer than window.
func (h HostRecord) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(h.Updated()) > window
}

// ConnectionRequest is a client's intent to bind to one host.
type ConnectionRequest struct {
	ClientID   string `json:"clientId"`
	TargetHost string `json:"targetHost"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

// DecodeRequest parses a request record. Unknown fields are tolerated;
// wrong types and missing identifiers are not.
func DecodeRequest(raw json.RawMessage) (ConnectionRequest, error) {
	var req ConnectionRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return ConnectionRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return ConnectionRequest{}, fmt.Errorf("%w: clientId is empty", ErrMalformed)
	}
	if strings.TrimSpace(req.TargetHost) == "" {
		return ConnectionRequest{}, fmt.Errorf("%w: targetHost is empty", ErrMalformed)
	}
	return req, nil
}

// DecodeHost parses a host record.
func DecodeHost(raw json.RawMessage) (HostRecord, error) {
	var h HostRecord
	if err := json.Unmarshal(raw, &h); err != nil {
		return HostRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Name == "" {
		return HostRecord{}, fmt.Errorf("%w: name is empty", ErrMalformed)
	}
	return h, nil
}
