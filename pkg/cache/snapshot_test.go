package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/game"
)

func newStore(t *testing.T) (*SnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	return NewSnapshotStore(rdb, time.Hour), mr
}

func playedSession(t *testing.T, id string) *game.Session {
	t.Helper()
	s := game.NewSession(id, game.Config{TimeControl: "5+0"}, nil)
	t.Cleanup(s.Stop)

	for _, uci := range []string{"e2e4", "e7e5", "g1f3"} {
		mv, err := s.DecodeUCI(uci)
		require.NoError(t, err)
		_, err = s.Apply(mv)
		require.NoError(t, err)
	}
	return s
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	missing, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap := playedSession(t, "g1").Snapshot()
	require.NoError(t, store.Save(ctx, snap))

	assert.True(t, mr.Exists("session:g1"))
	assert.Equal(t, time.Hour, mr.TTL("session:g1"))

	loaded, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Moves, loaded.Moves)
	assert.Equal(t, color.Black, loaded.Turn)
	assert.Equal(t, snap.FEN, loaded.FEN)
	require.NotNil(t, loaded.Clock)

	restored, err := game.Restore(*loaded, nil)
	require.NoError(t, err)
	t.Cleanup(restored.Stop)
	assert.Equal(t, snap.FEN, restored.Snapshot().FEN)

	require.NoError(t, store.Delete(ctx, "g1"))
	gone, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSnapshotStoreCorruptValue(t *testing.T) {
	store, mr := newStore(t)
	require.NoError(t, mr.Set("session:bad", "{not json"))

	_, err := store.Load(context.Background(), "bad")
	assert.Error(t, err)
}

func TestConnectErrors(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = Connect(ctx, "redis://"+addr)
	assert.Error(t, err)
}

func TestMirrorSavesLatestSnapshot(t *testing.T) {
	store, _ := newStore(t)
	pub := events.NewPublisher()
	m := NewMirror(store, pub, zap.NewNop())

	s := playedSession(t, "g2")
	first := s.Snapshot()
	pub.Publish(events.Event{Type: events.EventMoveRecorded, GameID: "g2", Payload: events.MovePayload{Snapshot: first}})

	s.Finish(game.ResultWhite, "resignation")
	over := s.Snapshot()
	pub.Publish(events.Event{Type: events.EventGameOver, GameID: "g2", Payload: events.GameOverPayload{Result: game.ResultWhite, Snapshot: over}})

	m.Close()

	loaded, err := store.Load(context.Background(), "g2")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, game.StatusOver, loaded.Status)
	assert.Equal(t, game.ResultWhite, loaded.Result)
}

func TestMirrorDropsFinishedSessionOnEviction(t *testing.T) {
	store, _ := newStore(t)
	pub := events.NewPublisher()
	m := NewMirror(store, pub, zap.NewNop())

	live := playedSession(t, "live")
	pub.Publish(events.Event{Type: events.EventMoveRecorded, GameID: "live", Payload: events.MovePayload{Snapshot: live.Snapshot()}})

	done := playedSession(t, "done")
	done.Finish(game.ResultDraw, "agreement")
	pub.Publish(events.Event{Type: events.EventGameOver, GameID: "done", Payload: events.GameOverPayload{Result: game.ResultDraw, Snapshot: done.Snapshot()}})

	pub.Publish(events.Event{Type: events.EventSessionEvicted, GameID: "live", Payload: events.EvictedPayload{}})
	pub.Publish(events.Event{Type: events.EventSessionEvicted, GameID: "done", Payload: events.EvictedPayload{Finished: true}})
	m.Close()

	kept, err := store.Load(context.Background(), "live")
	require.NoError(t, err)
	assert.NotNil(t, kept, "an unfinished session stays restorable")

	gone, err := store.Load(context.Background(), "done")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
