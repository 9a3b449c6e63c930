package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/arbitergames/arbiter-server-go/internal/engine"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when no snapshot exists for a session id.
var ErrNotFound = errors.New("session not found")

// ErrChecksumMismatch is returned when a persisted snapshot fails its
// integrity check on load.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// SessionStore persists session snapshots. Save overwrites: the store keeps
// the latest durable state per session, which is what resumption needs.
type SessionStore interface {
	Save(ctx context.Context, snap *engine.Snapshot) error
	Load(ctx context.Context, id string) (*engine.Snapshot, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// PostgresStore persists snapshots in the game_sessions table.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a store over an open DB.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save upserts the snapshot with its checksum.
func (s *PostgresStore) Save(ctx context.Context, snap *engine.Snapshot) error {
	data, err := engine.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	sum, err := engine.SnapshotChecksum(snap)
	if err != nil {
		return err
	}
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO game_sessions (id, snapshot, checksum, initialized, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			checksum = EXCLUDED.checksum,
			initialized = EXCLUDED.initialized,
			updated_at = EXCLUDED.updated_at`,
		snap.ID, data, sum, snap.Initialized, snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	return nil
}

// Load reads and integrity-checks a snapshot.
func (s *PostgresStore) Load(ctx context.Context, id string) (*engine.Snapshot, error) {
	var data []byte
	var sum string
	err := s.db.pool.QueryRow(ctx,
		`SELECT snapshot, checksum FROM game_sessions WHERE id = $1`, id).Scan(&data, &sum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	snap, err := engine.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	computed, err := engine.SnapshotChecksum(snap)
	if err != nil {
		return nil, err
	}
	if computed != sum {
		return nil, fmt.Errorf("session %s: %w", id, ErrChecksumMismatch)
	}
	return snap, nil
}

// List returns all persisted session ids, sorted.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT id FROM game_sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a session's checkpoint.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM game_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryStore is an in-process SessionStore for tests and db-less runs.
// Snapshots round-trip through their JSON encoding so the memory store
// exercises the same serialization contract as Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Save stores the encoded snapshot.
func (s *MemoryStore) Save(_ context.Context, snap *engine.Snapshot) error {
	data, err := engine.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[snap.ID] = data
	return nil
}

// Load decodes a stored snapshot.
func (s *MemoryStore) Load(_ context.Context, id string) (*engine.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return engine.DecodeSnapshot(data)
}

// List returns stored session ids, sorted.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a stored snapshot.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}
