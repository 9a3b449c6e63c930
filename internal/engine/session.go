package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbitergames/arbiter-server-go/internal/alias"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/arbitergames/arbiter-server-go/internal/state"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Session is the per-game runtime state: the canonical tree, the compiled
// rule set, the alias mapping and the initialized flag. Sessions are fully
// independent of each other; within one session steps are strictly
// sequential.
type Session struct {
	ID          string
	Rules       *ruleset.RuleSet
	State       state.Tree
	Mapping     *alias.Mapping
	Initialized bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewSession creates a session for the given players. The canonical tree is
// seeded with one empty record per player and the declared entry phase; the
// alias mapping is created once here and is immutable thereafter.
func NewSession(id string, rs *ruleset.RuleSet, playerIDs []string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if rs == nil {
		return nil, fmt.Errorf("rule set is required")
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("rule set invalid: %w", err)
	}
	mapping, err := alias.NewMapping(playerIDs)
	if err != nil {
		return nil, fmt.Errorf("create alias mapping: %w", err)
	}

	tree := state.NewWithPlayers(mapping.IDs())
	if err := tree.Set(state.PathCurrentPhase, rs.EntryPhase()); err != nil {
		return nil, err
	}
	if err := tree.Set(state.PathGameEnded, false); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Rules:     rs,
		State:     tree,
		Mapping:   mapping,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Snapshot is the serializable form of a session. Every field survives a
// text write/read cycle losslessly: numbers, booleans, nested objects and
// player-keyed maps round-trip unchanged.
type Snapshot struct {
	ID          string           `json:"id"`
	Rules       *ruleset.RuleSet `json:"rules"`
	State       state.Tree       `json:"state"`
	Mapping     *alias.Mapping   `json:"aliasMapping"`
	Initialized bool             `json:"initialized"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Snapshot captures the session for persistence.
func (s *Session) Snapshot() *Snapshot {
	return &Snapshot{
		ID:          s.ID,
		Rules:       s.Rules,
		State:       s.State.Clone(),
		Mapping:     s.Mapping,
		Initialized: s.Initialized,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// FromSnapshot rebuilds a live session from its persisted form.
func FromSnapshot(snap *Snapshot) (*Session, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if snap.Rules == nil {
		return nil, fmt.Errorf("snapshot %s has no rule set", snap.ID)
	}
	if err := snap.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot %s rule set invalid: %w", snap.ID, err)
	}
	if snap.Mapping == nil {
		return nil, fmt.Errorf("snapshot %s has no alias mapping", snap.ID)
	}
	tree := snap.State
	if tree == nil {
		tree = state.New()
	}
	return &Session{
		ID:          snap.ID,
		Rules:       snap.Rules,
		State:       tree.Clone(),
		Mapping:     snap.Mapping,
		Initialized: snap.Initialized,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}, nil
}

// EncodeSnapshot serializes a snapshot to its canonical JSON form.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot deserializes a snapshot from its JSON form.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotChecksum computes a deterministic SHA-256 checksum of the state
// tree in canonical JSON form. encoding/json sorts map keys, so the checksum
// is independent of map iteration order. Stored with each checkpoint and
// verified on load to guard against divergent or corrupted persisted states.
func SnapshotChecksum(snap *Snapshot) (string, error) {
	data, err := json.Marshal(snap.State)
	if err != nil {
		return "", fmt.Errorf("checksum snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
