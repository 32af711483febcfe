// Package registry holds the set of actively tracked ingestion streams.
// It reloads from a database-backed store and hands every subscriber an
// atomic snapshot swap rather than mutating shared state.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamState is the lifecycle state of a tracked stream.
type StreamState string

const (
	StateLive   StreamState = "live"
	StateReplay StreamState = "replay"
	StatePaused StreamState = "paused"
)

// Addresses carries the contract addresses a stream watches. Registrar is
// required; the rest are optional depending on contest configuration.
type Addresses struct {
	Registrar string
	Vault     string
	Escrow    string
}

// Stream is one tracked contest on a chain.
type Stream struct {
	ContestID   string
	ChainID     int
	Addresses   Addresses
	StartBlock  uint64
	State       StreamState
	ActiveRPC   string
	ErrorStreak int
	LagBlocks   int64
	NextPollAt  time.Time
	Metadata    map[string]string
}

// Key identifies a stream by its primary key.
type Key struct {
	ContestID string
	ChainID   int
}

func (s Stream) Key() Key { return Key{ContestID: s.ContestID, ChainID: s.ChainID} }

// Store is the persistence boundary the registry reloads from.
type Store interface {
	ListTrackedStreams(ctx context.Context) ([]Stream, error)
}

// Listener is notified with the full snapshot on subscribe and on every reload.
type Listener func(streams []Stream)

// Registry holds the live snapshot of tracked streams, swapped atomically on reload.
type Registry struct {
	store Store
	log   *logrus.Entry

	mu          sync.RWMutex
	snapshot    map[Key]Stream
	lastLoadAt  time.Time
	listeners   []Listener
	listenersMu sync.Mutex
}

// New constructs an empty Registry backed by store. Call Reload (or
// EnsureFresh) before first use.
func New(store Store, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{store: store, log: log, snapshot: make(map[Key]Stream)}
}

// Reload re-reads the tracked-stream set from the store and swaps the
// snapshot atomically. A load failure leaves the last snapshot intact and is
// logged at error, never returned as fatal to the caller's scheduler.
func (r *Registry) Reload(ctx context.Context) {
	streams, err := r.store.ListTrackedStreams(ctx)
	if err != nil {
		r.log.WithError(err).Error("registry: reload failed, keeping last snapshot")
		return
	}

	next := make(map[Key]Stream, len(streams))
	for _, s := range streams {
		next[s.Key()] = s
	}

	r.mu.Lock()
	r.snapshot = next
	r.lastLoadAt = time.Now()
	r.mu.Unlock()

	r.notify(streams)
}

// EnsureFresh reloads only if the last load is older than maxAge.
func (r *Registry) EnsureFresh(ctx context.Context, maxAge time.Duration) {
	r.mu.RLock()
	stale := time.Since(r.lastLoadAt) > maxAge
	r.mu.RUnlock()
	if stale {
		r.Reload(ctx)
	}
}

// List returns a copy of the current stream snapshot.
func (r *Registry) List() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stream, 0, len(r.snapshot))
	for _, s := range r.snapshot {
		out = append(out, s)
	}
	return out
}

// Get returns the stream for (contestId,chainId), if tracked.
func (r *Registry) Get(contestID string, chainID int) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshot[Key{ContestID: contestID, ChainID: chainID}]
	return s, ok
}

// Subscribe registers listener, immediately invoking it with the current
// snapshot, and again on every future reload.
func (r *Registry) Subscribe(listener Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, listener)
	r.listenersMu.Unlock()
	listener(r.List())
}

func (r *Registry) notify(streams []Stream) {
	r.listenersMu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()

	for _, l := range listeners {
		l(streams)
	}
}

// PostgresStore is the production Store backed by a tracked-contests table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a Store reading from ingestion_streams.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ListTrackedStreams(ctx context.Context) ([]Stream, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT contest_id, chain_id, registrar_address, vault_address, escrow_address,
		       start_block, state, active_rpc, error_streak
		FROM ingestion_streams
	`)
	if err != nil {
		return nil, fmt.Errorf("list tracked streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var s Stream
		var vault, escrow, activeRPC sql.NullString
		if err := rows.Scan(&s.ContestID, &s.ChainID, &s.Addresses.Registrar, &vault, &escrow,
			&s.StartBlock, &s.State, &activeRPC, &s.ErrorStreak); err != nil {
			return nil, fmt.Errorf("scan tracked stream: %w", err)
		}
		s.Addresses.Vault = vault.String
		s.Addresses.Escrow = escrow.String
		s.ActiveRPC = activeRPC.String
		out = append(out, s)
	}
	return out, rows.Err()
}
