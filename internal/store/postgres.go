package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS broker_kv (
	path       TEXT PRIMARY KEY,
	parent     TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS broker_kv_parent_idx ON broker_kv (parent);`

// PostgresOptions tunes the pool behind a PostgresStore.
type PostgresOptions struct {
	MaxConns        int32
	ConnMaxLifetime time.Duration
	NotifyChannel   string
}

// PostgresStore shares records between hosts through one Postgres table.
// Every put is announced with NOTIFY so watchers on any host see it.
type PostgresStore struct {
	pool    *pgxpool.Pool
	channel string
	cancel  context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
	closed   bool
}

// NewPostgresStore connects, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing store DSN: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 1
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating store schema: %w", err)
	}

	channel := opts.NotifyChannel
	if channel == "" {
		channel = "broker_kv"
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:     pool,
		channel:  channel,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		watchers: make(map[string]map[*watcher]struct{}),
	}
	go s.listen(listenCtx)

	log.Info().Str("channel", channel).Msg("connected to Postgres store")
	return s, nil
}

// Close ends every watch, stops the listener and closes the pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, set := range s.watchers {
		for w := range set {
			w.stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.pool.Close()
	return nil
}

// Healthy checks store connectivity.
func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value::text FROM broker_kv WHERE path = $1`, path).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", path, err)
	}
	return json.RawMessage(value), nil
}

func (s *PostgresStore) Put(ctx context.Context, path string, value any) error {
	parent, _, err := Split(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	query := `
		WITH up AS (
			INSERT INTO broker_kv (path, parent, value, updated_at)
			VALUES ($1, $2, $3::jsonb, now())
			ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
			RETURNING path
		)
		SELECT pg_notify($4, path) FROM up`

	if _, err := s.pool.Exec(ctx, query, path, parent, string(raw), s.channel); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Watch registers a watcher on the shared listen connection. The snapshot
// and every dispatch run under s.mu, so a record delivered from the snapshot
// is never followed by an older value of the same record.
func (s *PostgresStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	existing, err := s.children(ctx, path)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	w := newWatcher()
	for _, ev := range existing {
		w.push(ev)
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

func (s *PostgresStore) unwatch(path string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[path], w)
	if len(s.watchers[path]) == 0 {
		delete(s.watchers, path)
	}
}

// listen owns the one connection in LISTEN mode and reconnects until ctx
// ends. After a reconnect every watched path is replayed, since
// notifications sent while disconnected are lost.
func (s *PostgresStore) listen(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("channel", s.channel).Msg("store listener disconnected, reconnecting")

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer s.release(conn)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listening on %s: %w", s.channel, err)
	}

	s.readyOnce.Do(func() { close(s.ready) })
	s.replay(ctx)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, path string) {
	parent, key, err := Split(path)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	targets := s.watchers[parent]
	if len(targets) == 0 {
		return
	}
	value, err := s.Get(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read notified record")
		return
	}
	for w := range targets {
		w.push(Event{Path: path, Key: key, Value: value})
	}
}

func (s *PostgresStore) replay(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for parent, targets := range s.watchers {
		events, err := s.children(ctx, parent)
		if err != nil {
			log.Warn().Err(err).Str("path", parent).Msg("failed to replay watched path")
			continue
		}
		for w := range targets {
			for _, ev := range events {
				w.push(ev)
			}
		}
	}
}

func (s *PostgresStore) children(ctx context.Context, parent string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT path, value::text FROM broker_kv WHERE parent = $1 ORDER BY updated_at`, parent)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parent, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var p, value string
		if err := rows.Scan(&p, &value); err != nil {
			return nil, fmt.Errorf("scanning child row: %w", err)
		}
		_, key, err := Split(p)
		if err != nil {
			continue
		}
		events = append(events, Event{Path: p, Key: key, Value: json.RawMessage(value)})
	}
	return events, rows.Err()
}

func (s *PostgresStore) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		// A connection stuck in LISTEN must not go back to the pool.
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}
