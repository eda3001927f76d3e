package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/directory"
	"sandbox-broker/internal/sandbox"
	"sandbox-broker/internal/store"
)

// healthChecker is implemented by backends that can report reachability.
type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// JobCounter reports jobs handed to the supervisor and not yet published.
type JobCounter interface {
	InFlight() int64
}

// ChannelLister reports the request channels this host serves.
type ChannelLister interface {
	Channels() []string
}

type Handlers struct {
	host       string
	store      store.Store
	runtime    sandbox.Runtime
	view       *directory.View
	jobs       JobCounter
	channels   ChannelLister
	staleAfter time.Duration
	startTime  time.Time
	now        func() time.Time
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := healthy(r.Context(), h.store)
	runtimeOK := healthy(r.Context(), h.runtime)

	resp := HealthResponse{
		Status:   "ok",
		Host:     h.host,
		Store:    storeOK,
		Runtime:  runtimeOK,
		Channels: h.channels.Channels(),
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
	}
	resp.ActiveJobs = h.jobs.InFlight()

	status := http.StatusOK
	if !storeOK || !runtimeOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// healthy treats backends without a health probe as reachable.
func healthy(ctx context.Context, backend any) bool {
	if hc, ok := backend.(healthChecker); ok {
		return hc.Healthy(ctx)
	}
	return true
}

// HandleHosts lists the directory, optionally filtered by ?status=.
func (h *Handlers) HandleHosts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != directory.StatusOnline && status != directory.StatusOffline {
		writeError(w, "status must be online or offline", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	now := h.now()
	hosts := make([]HostView, 0)
	for _, rec := range h.view.Hosts() {
		if status != "" && rec.Status != status {
			continue
		}
		hosts = append(hosts, h.hostView(rec, now))
	}

	writeJSON(w, http.StatusOK, hosts)
}

func (h *Handlers) HandleHost(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, ok := h.view.Lookup(name)
	if !ok {
		writeError(w, "host not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, h.hostView(rec, h.now()))
}

func (h *Handlers) hostView(rec directory.HostRecord, now time.Time) HostView {
	return HostView{
		HostRecord: rec,
		Age:        Duration{Duration: now.Sub(rec.Updated()).Round(time.Second)},
		Stale:      rec.Status == directory.StatusOnline && rec.Stale(now, h.staleAfter),
	}
}

// HandleJobStream relays every record of one request channel as server-sent
// events until the client goes away.
func (h *Handlers) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	host, client := r.PathValue("host"), r.PathValue("client")
	if host == "" || client == "" {
		writeError(w, "host and client are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	sse := NewSSEWriter(w, "job")
	if sse == nil {
		writeError(w, "streaming not supported", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	channel := store.ChannelPath(host, client)
	events, err := h.store.Watch(r.Context(), channel)
	if err != nil {
		writeError(w, "channel subscription failed", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sse.Flush()

	for ev := range events {
		data, err := json.Marshal(JobEvent{ID: ev.Key, Record: ev.Value})
		if err != nil {
			sendSSEError(w, err.Error())
			return
		}
		if _, err := sse.Write(data); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
