package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
)

// Result is an engine reply for a session: a best move or a failure
type Result struct {
	SessionID string
	Move      string
	Err       error
}

type entry struct {
	eng Engine // nil while starting
}

// Table owns at most one engine per session
type Table struct {
	engines      map[string]*entry
	factory      Factory
	maxEngines   int
	startTimeout time.Duration
	mu           sync.Mutex
	logger       *zap.Logger
}

// NewTable creates an empty engine table
func NewTable(factory Factory, maxEngines int, startTimeout time.Duration, logger *zap.Logger) *Table {
	return &Table{
		engines:      make(map[string]*entry),
		factory:      factory,
		maxEngines:   maxEngines,
		startTimeout: startTimeout,
		logger:       logger,
	}
}

// Start launches an engine for the session unless one is attached. It blocks
// until the engine is ready. Best moves and an unexpected exit are reported
// through onResult from a separate goroutine.
func (t *Table) Start(ctx context.Context, sessionID string, onResult func(Result)) error {
	t.mu.Lock()
	if _, ok := t.engines[sessionID]; ok {
		t.mu.Unlock()
		return nil
	}
	if t.maxEngines > 0 && len(t.engines) >= t.maxEngines {
		t.mu.Unlock()
		return apperr.New(apperr.KindUpstream, "engine limit of %d reached", t.maxEngines)
	}
	e := &entry{}
	t.engines[sessionID] = e
	t.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, t.startTimeout)
	defer cancel()

	eng, err := t.factory(startCtx)
	if err != nil {
		t.mu.Lock()
		if t.engines[sessionID] == e {
			delete(t.engines, sessionID)
		}
		t.mu.Unlock()

		t.logger.Error("failed to start engine", zap.String("session_id", sessionID), zap.Error(err))
		return apperr.Upstream(err, "engine failed to start")
	}

	t.mu.Lock()
	if t.engines[sessionID] != e {
		// stopped while starting
		t.mu.Unlock()
		_ = eng.Close()
		return nil
	}
	e.eng = eng
	t.mu.Unlock()

	go t.forward(sessionID, e, onResult)

	t.logger.Info("engine attached", zap.String("session_id", sessionID))
	return nil
}

func (t *Table) forward(sessionID string, e *entry, onResult func(Result)) {
	for {
		select {
		case mv := <-e.eng.BestMoves():
			onResult(Result{SessionID: sessionID, Move: mv})

		case <-e.eng.Done():
			t.mu.Lock()
			unexpected := t.engines[sessionID] == e
			if unexpected {
				delete(t.engines, sessionID)
			}
			t.mu.Unlock()

			if unexpected {
				err := e.eng.Err()
				if err == nil {
					err = errors.New("engine process exited")
				}
				t.logger.Error("engine exited unexpectedly", zap.String("session_id", sessionID), zap.Error(err))
				onResult(Result{SessionID: sessionID, Err: apperr.Upstream(err, "engine crashed")})
			}
			return
		}
	}
}

// Has reports whether an engine is attached or starting for the session
func (t *Table) Has(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.engines[sessionID]
	return ok
}

// Ready reports whether the session's engine has finished starting
func (t *Table) Ready(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.engines[sessionID]
	return ok && e.eng != nil
}

// Request asks the session's engine for a move. The reply arrives later as a Result.
func (t *Table) Request(sessionID string, moves []string, depth int) error {
	t.mu.Lock()
	e, ok := t.engines[sessionID]
	t.mu.Unlock()

	if !ok || e.eng == nil {
		return apperr.New(apperr.KindUpstream, "no engine attached to session %s", sessionID)
	}

	if err := e.eng.Search(SearchRequest{Moves: moves, Depth: depth}); err != nil {
		return apperr.Upstream(err, "engine request failed")
	}
	return nil
}

// Stop detaches and closes the session's engine
func (t *Table) Stop(sessionID string) error {
	t.mu.Lock()
	e, ok := t.engines[sessionID]
	delete(t.engines, sessionID)
	t.mu.Unlock()

	if !ok || e.eng == nil {
		return nil
	}

	t.logger.Info("engine detached", zap.String("session_id", sessionID))
	return e.eng.Close()
}

// Len returns the number of attached or starting engines
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.engines)
}

// Shutdown closes all engines in the table
func (t *Table) Shutdown() error {
	t.mu.Lock()
	engines := t.engines
	t.engines = make(map[string]*entry)
	t.mu.Unlock()

	var err error
	for id, e := range engines {
		if e.eng == nil {
			continue
		}
		if cerr := e.eng.Close(); cerr != nil {
			t.logger.Error("Error closing engine", zap.String("session_id", id), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}

	t.logger.Info("engine table shut down", zap.Int("count", len(engines)))
	return err
}
