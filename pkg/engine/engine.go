// Package engine runs external UCI engines, one per computer session
package engine

import (
	"context"

	"go.uber.org/zap"
)

// SearchRequest is a position, given as moves from the start position, and
// the depth to search it to
type SearchRequest struct {
	Moves []string
	Depth int
}

// Engine is a running engine process
type Engine interface {
	Search(req SearchRequest) error
	BestMoves() <-chan string
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Factory starts an engine; ctx bounds the startup only
type Factory func(ctx context.Context) (Engine, error)

// UCIFactory starts the UCI engine at path
func UCIFactory(path string, logger *zap.Logger) Factory {
	return func(ctx context.Context) (Engine, error) {
		return NewUCIEngine(ctx, path, logger)
	}
}
