package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/repository"
)

const recordTimeout = 5 * time.Second

// Recorder mirrors live sessions into their game records: every recorded
// move is appended and a finished session completes the record. Events are
// applied one at a time in publish order.
type Recorder struct {
	games  *GameService
	queue  *events.Queue
	logger *zap.Logger
}

// NewRecorder subscribes a recorder to the publisher
func NewRecorder(games *GameService, publisher *events.Publisher, logger *zap.Logger) *Recorder {
	r := &Recorder{games: games, logger: logger}
	r.queue = events.NewQueue(256, r.handle, logger)

	publisher.Subscribe(events.EventMoveRecorded, r.queue.Push)
	publisher.Subscribe(events.EventGameOver, r.queue.Push)

	return r
}

// Close flushes pending writes
func (r *Recorder) Close() {
	r.queue.Close()
}

func (r *Recorder) handle(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var err error
	switch p := e.Payload.(type) {
	case events.MovePayload:
		err = r.games.AppendMove(ctx, e.GameID, p.Move)
	case events.GameOverPayload:
		err = r.games.Complete(ctx, e.GameID, p.Result, p.Reason)
	default:
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		// ad hoc session without a game record
		r.logger.Debug("no game record for session", zap.String("session_id", e.GameID))
	case errors.Is(err, repository.ErrTerminal):
		r.logger.Debug("game record already finished",
			zap.String("session_id", e.GameID),
			zap.String("event", string(e.Type)),
		)
	default:
		r.logger.Error("failed to record session event",
			zap.String("session_id", e.GameID),
			zap.String("event", string(e.Type)),
			zap.Error(err),
		)
	}
}
