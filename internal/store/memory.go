package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a single-process Store. It backs tests and standalone hosts
// where clients share the process (or the ops API) instead of a replicated store.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]json.RawMessage
	watchers map[string]map[*watcher]struct{}
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]json.RawMessage),
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	raw, ok := s.records[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (s *MemoryStore) Put(_ context.Context, path string, value any) error {
	parent, key, err := Split(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.records[path] = raw
	for w := range s.watchers[parent] {
		w.push(Event{Path: path, Key: key, Value: raw})
	}
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	w := newWatcher()
	var existing []string
	for p := range s.records {
		if parent, _, err := Split(p); err == nil && parent == path {
			existing = append(existing, p)
		}
	}
	sort.Strings(existing)
	for _, p := range existing {
		_, key, _ := Split(p)
		w.push(Event{Path: p, Key: key, Value: s.records[p]})
	}

	if s.watchers[path] == nil {
		s.watchers[path] = make(map[*watcher]struct{})
	}
	s.watchers[path][w] = struct{}{}
	s.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer s.unwatch(path, w)
		w.pump(ctx, out)
	}()
	return out, nil
}

func (s *MemoryStore) unwatch(path string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[path], w)
	if len(s.watchers[path]) == 0 {
		delete(s.watchers, path)
	}
}

// Close stops every watch and rejects further use.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, set := range s.watchers {
		for w := range set {
			w.stop()
		}
	}
	return nil
}

// watcher buffers events without bound so Put never blocks on a slow reader.
type watcher struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newWatcher() *watcher {
	return &watcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *watcher) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) pump(ctx context.Context, out chan<- Event) {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}

		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}
