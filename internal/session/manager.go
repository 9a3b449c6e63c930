// Package session manages live game sessions: creation, lookup, step
// execution and checkpointing. Within one session steps are strictly
// sequential (a per-session lock enforces it); distinct sessions run
// concurrently with no shared mutable state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arbitergames/arbiter-server-go/internal/engine"
	"github.com/arbitergames/arbiter-server-go/internal/repository"
	"github.com/arbitergames/arbiter-server-go/internal/router"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a session is neither live nor persisted.
var ErrNotFound = errors.New("session not found")

type entry struct {
	mu   sync.Mutex
	sess *engine.Session
}

// Manager owns the live session registry and its checkpoint store.
type Manager struct {
	eng    *engine.Engine
	store  repository.SessionStore
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*entry

	watchMu  sync.Mutex
	watchers map[string]map[chan *engine.StepResult]struct{}
}

// NewManager creates a manager over an engine and a store.
func NewManager(eng *engine.Engine, store repository.SessionStore, logger *zap.Logger) *Manager {
	return &Manager{
		eng:      eng,
		store:    store,
		logger:   logger,
		sessions: make(map[string]*entry),
		watchers: make(map[string]map[chan *engine.StepResult]struct{}),
	}
}

// Create builds a new session for the rule set and players, runs the
// initialization step plus any immediately following automatic transitions,
// and checkpoints the result.
func (m *Manager) Create(ctx context.Context, rs *ruleset.RuleSet, playerIDs []string) (*engine.Session, []*engine.StepResult, error) {
	id := uuid.New().String()
	sess, err := engine.NewSession(id, rs, playerIDs)
	if err != nil {
		return nil, nil, err
	}

	e := &entry{sess: sess}
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	results, err := m.run(ctx, e, nil)
	if err != nil {
		return nil, nil, err
	}

	if m.logger != nil {
		m.logger.Info("session created",
			zap.String("session_id", id),
			zap.Int("players", len(playerIDs)),
			zap.Int("steps", len(results)),
		)
	}
	return sess, results, nil
}

// Get returns the live session, loading it from the checkpoint store on a
// cold start.
func (m *Manager) Get(ctx context.Context, id string) (*engine.Session, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.sess, nil
}

// Submit offers a player input to the session and drives it until it waits,
// halts or fails. The actor may be given as a canonical id or an alias.
func (m *Manager) Submit(ctx context.Context, id string, input *router.PlayerInput) ([]*engine.StepResult, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if input != nil && input.PlayerID != "" {
		if canonical, ok := e.sess.Mapping.CanonicalID(input.PlayerID); ok {
			input = &router.PlayerInput{PlayerID: canonical, Action: input.Action}
		}
	}
	return m.run(ctx, e, input)
}

// Advance drives the session without new input (automatic transitions only).
func (m *Manager) Advance(ctx context.Context, id string) ([]*engine.StepResult, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, e, nil)
}

// run executes an Advance loop under the per-session lock and checkpoints
// the resulting state. The driver contract: the next invocation for this
// session starts only after the previous step's state is durably produced.
func (m *Manager) run(ctx context.Context, e *entry, input *router.PlayerInput) ([]*engine.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	results, err := m.eng.Advance(ctx, e.sess, input)
	if err != nil {
		return results, err
	}

	changed := false
	for _, r := range results {
		if r.Changed {
			changed = true
			break
		}
	}
	if changed {
		if err := m.store.Save(ctx, e.sess.Snapshot()); err != nil {
			return results, fmt.Errorf("checkpoint session %s: %w", e.sess.ID, err)
		}
	}

	m.notify(e.sess.ID, results)
	return results, nil
}

// Delete removes a session from the registry and the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if m.logger != nil {
		m.logger.Info("session deleted", zap.String("session_id", id))
	}
	return nil
}

// List returns all persisted session ids.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// LiveCount returns the number of sessions currently held in memory.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) resolve(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	snap, err := m.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess, err := engine.FromSnapshot(snap)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have resumed it concurrently; keep the first.
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	e = &entry{sess: sess}
	m.sessions[id] = e
	if m.logger != nil {
		m.logger.Info("session resumed from checkpoint", zap.String("session_id", id))
	}
	return e, nil
}

// Watch subscribes to a session's step results. The returned cancel function
// must be called to release the subscription. Slow subscribers drop results
// rather than blocking step execution.
func (m *Manager) Watch(id string) (<-chan *engine.StepResult, func()) {
	ch := make(chan *engine.StepResult, 16)

	m.watchMu.Lock()
	subs, ok := m.watchers[id]
	if !ok {
		subs = make(map[chan *engine.StepResult]struct{})
		m.watchers[id] = subs
	}
	subs[ch] = struct{}{}
	m.watchMu.Unlock()

	cancel := func() {
		m.watchMu.Lock()
		if subs, ok := m.watchers[id]; ok {
			if _, present := subs[ch]; present {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(m.watchers, id)
			}
		}
		m.watchMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) notify(id string, results []*engine.StepResult) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	subs, ok := m.watchers[id]
	if !ok {
		return
	}
	for ch := range subs {
		for _, r := range results {
			select {
			case ch <- r:
			default:
			}
		}
	}
}
