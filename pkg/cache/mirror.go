package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/pkg/events"
)

const writeTimeout = 2 * time.Second

// Mirror saves the latest snapshot of a session after every recorded move
// and when the session ends. A finished session's snapshot is dropped once
// the session is evicted; its game record is the durable copy.
type Mirror struct {
	store  *SnapshotStore
	queue  *events.Queue
	logger *zap.Logger
}

// NewMirror subscribes a mirror to the publisher
func NewMirror(store *SnapshotStore, publisher *events.Publisher, logger *zap.Logger) *Mirror {
	m := &Mirror{store: store, logger: logger}
	m.queue = events.NewQueue(256, m.handle, logger)

	publisher.Subscribe(events.EventMoveRecorded, m.queue.Push)
	publisher.Subscribe(events.EventGameOver, m.queue.Push)
	publisher.Subscribe(events.EventSessionEvicted, m.queue.Push)

	return m
}

// Close flushes pending writes
func (m *Mirror) Close() {
	m.queue.Close()
}

func (m *Mirror) handle(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch p := e.Payload.(type) {
	case events.MovePayload:
		err = m.store.Save(ctx, p.Snapshot)
	case events.GameOverPayload:
		err = m.store.Save(ctx, p.Snapshot)
	case events.EvictedPayload:
		if !p.Finished {
			return
		}
		err = m.store.Delete(ctx, e.GameID)
	default:
		return
	}

	if err != nil {
		m.logger.Warn("failed to mirror session snapshot",
			zap.String("session_id", e.GameID),
			zap.String("event", string(e.Type)),
			zap.Error(err),
		)
	}
}
