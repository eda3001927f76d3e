package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/store"
)

// View mirrors the host directory from a store subscription.
type View struct {
	mu    sync.RWMutex
	hosts map[string]HostRecord
	ready chan struct{}
	once  sync.Once
}

func NewView() *View {
	return &View{
		hosts: make(map[string]HostRecord),
		ready: make(chan struct{}),
	}
}

// Follow applies directory updates until ctx is cancelled or the
// subscription ends.
func (v *View) Follow(ctx context.Context, st store.Store) error {
	events, err := st.Watch(ctx, store.HostsPath)
	if err != nil {
		return err
	}
	v.once.Do(func() { close(v.ready) })

	for ev := range events {
		v.Apply(ev)
	}
	return nil
}

// Apply folds one directory event into the view.
func (v *View) Apply(ev store.Event) {
	if ev.Retracted() {
		v.mu.Lock()
		delete(v.hosts, ev.Key)
		v.mu.Unlock()
		return
	}

	h, err := DecodeHost(ev.Value)
	if err != nil {
		log.Debug().Err(err).Str("path", ev.Path).Msg("skipping host record")
		return
	}

	v.mu.Lock()
	v.hosts[ev.Key] = h
	v.mu.Unlock()
}

// Hosts returns the known hosts sorted by name.
func (v *View) Hosts() []HostRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]HostRecord, 0, len(v.hosts))
	for _, h := range v.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns one host's last known record.
func (v *View) Lookup(name string) (HostRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	h, ok := v.hosts[name]
	return h, ok
}

// Ready is closed once the subscription is established.
func (v *View) Ready() <-chan struct{} {
	return v.ready
}
