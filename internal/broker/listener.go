package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/directory"
	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/store"
)

// Listener watches the directory's request feed and opens one intake per
// client that targets this host.
type Listener struct {
	host    string
	store   store.Store
	intake  *Intake
	metrics *monitor.Metrics
	logger  zerolog.Logger

	mu   sync.Mutex
	open map[string]struct{}
}

func NewListener(host string, st store.Store, intake *Intake, metrics *monitor.Metrics) *Listener {
	return &Listener{
		host:    host,
		store:   st,
		intake:  intake,
		metrics: metrics,
		logger:  log.With().Str("component", "listener").Str("host", host).Logger(),
		open:    make(map[string]struct{}),
	}
}

// Run consumes connection requests until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	events, err := l.store.Watch(ctx, store.RequestsPath)
	if err != nil {
		return err
	}

	l.logger.Info().Msg("listening for connection requests")
	for ev := range events {
		l.handle(ctx, ev)
	}
	return nil
}

func (l *Listener) handle(ctx context.Context, ev store.Event) {
	if ev.Retracted() {
		return
	}

	req, err := directory.DecodeRequest(ev.Value)
	if err != nil {
		l.logger.Debug().Err(err).Str("path", ev.Path).Msg("skipping connection request")
		return
	}
	if req.TargetHost != l.host {
		return
	}

	channel := store.ChannelPath(l.host, req.ClientID)
	if !l.bind(channel) {
		return
	}

	l.logger.Info().Str("client_id", req.ClientID).Str("channel", channel).Msg("client bound")
	go func() {
		if err := l.intake.Watch(ctx, channel); err != nil {
			// Unbinding lets a redelivered request retry the subscription.
			l.logger.Error().Err(err).Str("channel", channel).Msg("channel subscription failed")
			l.unbind(channel)
		}
	}()
}

func (l *Listener) bind(channel string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.open[channel]; ok {
		return false
	}
	l.open[channel] = struct{}{}
	l.metrics.ChannelsOpen.Inc()
	return true
}

func (l *Listener) unbind(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.open[channel]; ok {
		delete(l.open, channel)
		l.metrics.ChannelsOpen.Dec()
	}
}

// Channels lists the open request channels.
func (l *Listener) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.open))
	for ch := range l.open {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
