// Package manager is the in-memory session registry
package manager

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/game"
)

// ErrSessionNotFound is returned for operations on an unknown session id
var ErrSessionNotFound = apperr.New(apperr.KindSessionNotFound, "session not found")

// Manager maps session ids to live sessions. Every operation is atomic with
// respect to the others.
type Manager struct {
	sessions map[string]*game.Session
	mu       sync.RWMutex

	onTimeup func(sessionID string, loser color.Color)
	logger   *zap.Logger
}

// New creates a new manager with in-memory storage
func New(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*game.Session),
		logger:   logger,
	}
}

// OnTimeup registers the callback invoked when a session clock flags. It runs
// on its own goroutine so it may call back into the manager.
func (m *Manager) OnTimeup(fn func(sessionID string, loser color.Color)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeup = fn
}

func (m *Manager) timeupFor(id string) func(color.Color) {
	return func(loser color.Color) {
		m.logger.Info("player time expired", zap.String("session_id", id), zap.String("color", string(loser)))

		// the clock may flag inside RecordMove while m.mu is held
		go func() {
			m.mu.RLock()
			fn := m.onTimeup
			m.mu.RUnlock()

			if fn != nil {
				fn(id, loser)
			}
		}()
	}
}

// GetOrCreate returns the session for id, creating it from cfg if absent.
// The second result reports whether it was created.
func (m *Manager) GetOrCreate(id string, cfg game.Config) (game.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s.Snapshot(), false
	}

	s := game.NewSession(id, cfg, m.timeupFor(id))
	m.sessions[id] = s

	m.logger.Info("created new game session",
		zap.String("session_id", id),
		zap.String("mode", string(s.Mode)),
	)

	return s.Snapshot(), true
}

// Restore installs a session rebuilt from a saved snapshot, unless one is
// already live under that id.
func (m *Manager) Restore(snap game.Snapshot) (game.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[snap.ID]; ok {
		return s.Snapshot(), nil
	}

	s, err := game.Restore(snap, m.timeupFor(snap.ID))
	if err != nil {
		return game.Snapshot{}, apperr.Wrap(apperr.KindValidation, err, "restore session "+snap.ID)
	}
	m.sessions[snap.ID] = s

	m.logger.Info("restored game session",
		zap.String("session_id", snap.ID),
		zap.Int("moves", len(s.Moves)),
	)

	return s.Snapshot(), nil
}

// AddParticipant adds connID to the session's participant set
func (m *Manager) AddParticipant(id, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	s.AddParticipant(connID)
	return nil
}

// BindSeats fills the session's unbound seats from seats
func (m *Manager) BindSeats(id string, seats map[color.Color]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, notFound(id)
	}

	n := s.BindSeats(seats)
	if n > 0 {
		m.logger.Info("seats bound", zap.String("session_id", id), zap.Int("seats", n))
	}
	return n, nil
}

// RemoveParticipant removes connID and returns how many participants remain
func (m *Manager) RemoveParticipant(id, connID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, notFound(id)
	}
	s.RemoveParticipant(connID)
	return len(s.Participants), nil
}

// RecordMove validates and appends mv, flipping the turn owner
func (m *Manager) RecordMove(id string, mv game.Move) (game.MoveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return game.MoveResult{}, notFound(id)
	}
	return s.Apply(mv)
}

// DecodeEngineMove turns a UCI reply into a move for the side to move. It
// reports false when the reply is stale: the session is gone, over, or it is
// no longer the engine's turn.
func (m *Manager) DecodeEngineMove(id, uci string) (game.Move, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsEngineTurn() {
		return game.Move{}, false, nil
	}

	mv, err := s.DecodeUCI(uci)
	if err != nil {
		return game.Move{}, true, apperr.Upstream(err, "engine reply for "+id)
	}
	mv.By = game.EngineOwner
	return mv, true, nil
}

// EngineTurn reports whether the engine is to move and returns the position
// and depth to search.
func (m *Manager) EngineTurn(id string) ([]string, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsEngineTurn() {
		return nil, 0, false
	}
	return s.UCIMoves(), s.Depth(), true
}

// Finish ends the session. Only the first caller gets true.
func (m *Manager) Finish(id, result, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	return s.Finish(result, reason)
}

// Flagged returns the side whose clock ran out
func (m *Manager) Flagged(id string) (color.Color, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	return s.Flagged()
}

// Snapshot returns a copy of the session state
func (m *Manager) Snapshot(id string) (game.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return game.Snapshot{}, notFound(id)
	}
	return s.Snapshot(), nil
}

// Has reports whether a session is live
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Evict removes a session that has no participants left
func (m *Manager) Evict(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || len(s.Participants) > 0 {
		return false
	}

	s.Stop()
	delete(m.sessions, id)

	m.logger.Info("removed game session", zap.String("session_id", id))
	return true
}

// Shutdown stops every session clock
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		s.Stop()
	}
}

func notFound(id string) error {
	return apperr.Wrap(apperr.KindSessionNotFound, ErrSessionNotFound, "session "+id)
}
