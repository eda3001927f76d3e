// Package store is the broker's view of the shared synchronization layer: a
// path-addressed JSON record set with last-write-wins puts and child
// subscriptions that deliver existing and future records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
	ErrBadPath  = errors.New("invalid store path")
)

// Event is one delivery of a direct child of a watched path. Value is the
// raw JSON record; a retracted child is delivered with Value "null".
type Event struct {
	Path  string
	Key   string
	Value json.RawMessage
}

// Retracted reports whether the child was nullified.
func (e Event) Retracted() bool {
	return IsNull(e.Value)
}

// Store is the narrow interface the broker needs from the replicated store.
//
// Put with a nil value retracts the record. Watch delivers every current
// direct child of path and then every later write to one, at least once,
// until ctx is cancelled; the channel is closed afterwards.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Put(ctx context.Context, path string, value any) error
	Watch(ctx context.Context, path string) (<-chan Event, error)
	Close() error
}

const (
	HostsPath    = "directory/hosts"
	RequestsPath = "directory/requests"
	channelsRoot = "channels"
)

// Join builds a path from already-escaped segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Segment escapes a caller-supplied name so it occupies exactly one path segment.
func Segment(name string) string {
	return url.PathEscape(name)
}

// HostPath is the directory record for one host.
func HostPath(host string) string {
	return Join(HostsPath, Segment(host))
}

// RequestPath is one connection request in the directory feed.
func RequestPath(id string) string {
	return Join(RequestsPath, Segment(id))
}

// ChannelPath derives the request channel shared by host and client.
func ChannelPath(host, client string) string {
	return Join(channelsRoot, Segment(host), Segment(client))
}

// JobPath addresses one job inside a channel.
func JobPath(channel, jobID string) string {
	return Join(channel, Segment(jobID))
}

// Split returns the parent path and the unescaped final segment.
func Split(path string) (parent, key string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", ErrBadPath
	}
	key, err = url.PathUnescape(path[i+1:])
	if err != nil {
		return "", "", ErrBadPath
	}
	return path[:i], key, nil
}

// IsNull reports whether raw is absent or the JSON null literal.
func IsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func encode(value any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
