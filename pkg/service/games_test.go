package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/game"
	"github.com/tecu23/chess-relay/pkg/repository"
)

type fixture struct {
	repo      *repository.InMemoryRepository
	publisher *events.Publisher
	games     *GameService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewInMemoryRepository(zap.NewNop())
	pub := events.NewPublisher()
	return &fixture{repo: repo, publisher: pub, games: NewGameService(repo, pub, zap.NewNop())}
}

func (f *fixture) user(t *testing.T, name string, rating int) *repository.User {
	t.Helper()
	u := &repository.User{Username: name, Email: name + "@example.com", Rating: rating}
	require.NoError(t, f.repo.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) reload(t *testing.T, id string) *repository.User {
	t.Helper()
	u, err := f.repo.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func strPtr(s string) *string { return &s }

func TestCreateComputerGame(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", 1200)

	v, err := f.games.Create(context.Background(), alice.ID, CreateGameInput{IsComputer: true, PlayerColor: "black"})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusActive, v.Status)
	assert.True(t, v.IsComputer)
	assert.Equal(t, game.DefaultDifficulty, v.ComputerDifficulty)
	assert.Equal(t, repository.DefaultTimeControl, v.TimeControl)
	assert.Nil(t, v.WhitePlayer)
	require.NotNil(t, v.BlackPlayer)
	assert.Equal(t, "alice", v.BlackPlayer.Username)

	cfg, ok, err := f.games.SessionConfig(context.Background(), v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, game.ModeEngine, cfg.Mode)
	assert.Equal(t, color.White, cfg.EngineSeat)
	assert.Equal(t, alice.ID, cfg.Seats[color.Black])
	assert.NotContains(t, cfg.Seats, color.White)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", 1200)
	ctx := context.Background()

	_, err := f.games.Create(ctx, alice.ID, CreateGameInput{TimeControl: "fast"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.games.Create(ctx, alice.ID, CreateGameInput{PlayerColor: "green"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.games.Create(ctx, "ghost", CreateGameInput{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestClampDifficulty(t *testing.T) {
	assert.Equal(t, game.DefaultDifficulty, clampDifficulty(0))
	assert.Equal(t, 1, clampDifficulty(-4))
	assert.Equal(t, 12, clampDifficulty(12))
	assert.Equal(t, game.MaxDepth, clampDifficulty(99))
}

func TestMatchmaking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)
	bob := f.user(t, "bob", 1350)
	carol := f.user(t, "carol", 1600)

	waiting, err := f.games.Create(ctx, alice.ID, CreateGameInput{TimeControl: "5+0"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusWaiting, waiting.Status)

	// carol is outside the window and opens her own game
	other, err := f.games.Create(ctx, carol.ID, CreateGameInput{TimeControl: "5+0"})
	require.NoError(t, err)
	assert.NotEqual(t, waiting.ID, other.ID)
	assert.Equal(t, repository.StatusWaiting, other.Status)

	// bob is paired into alice's game
	matched, err := f.games.Create(ctx, bob.ID, CreateGameInput{TimeControl: "5+0"})
	require.NoError(t, err)
	assert.Equal(t, waiting.ID, matched.ID)
	assert.Equal(t, repository.StatusActive, matched.Status)
	require.NotNil(t, matched.WhitePlayer)
	require.NotNil(t, matched.BlackPlayer)
	assert.Equal(t, "alice", matched.WhitePlayer.Username)
	assert.Equal(t, "bob", matched.BlackPlayer.Username)
}

func TestSeatingIsAnnounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)
	bob := f.user(t, "bob", 1200)
	carol := f.user(t, "carol", 1200)
	dave := f.user(t, "dave", 1200)

	var announced []events.Event
	f.publisher.Subscribe(events.EventSeatsFilled, func(e events.Event) {
		announced = append(announced, e)
	})

	waiting, err := f.games.Create(ctx, alice.ID, CreateGameInput{TimeControl: "3+2"})
	require.NoError(t, err)
	assert.Empty(t, announced, "a waiting game has no new opponent")

	_, err = f.games.Create(ctx, bob.ID, CreateGameInput{TimeControl: "3+2"})
	require.NoError(t, err)
	require.Len(t, announced, 1)
	assert.Equal(t, waiting.ID, announced[0].GameID)
	assert.Equal(t, map[color.Color]string{color.White: alice.ID, color.Black: bob.ID},
		announced[0].Payload.(events.SeatsPayload).Seats)

	open, err := f.games.Create(ctx, carol.ID, CreateGameInput{TimeControl: "1+0", PlayerColor: "black"})
	require.NoError(t, err)
	_, err = f.games.Join(ctx, open.ID, dave.ID)
	require.NoError(t, err)
	require.Len(t, announced, 2)
	assert.Equal(t, map[color.Color]string{color.White: dave.ID, color.Black: carol.ID},
		announced[1].Payload.(events.SeatsPayload).Seats)
}

func TestGetRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)
	mallory := f.user(t, "mallory", 1200)

	v, err := f.games.Create(ctx, alice.ID, CreateGameInput{})
	require.NoError(t, err)

	_, err = f.games.Get(ctx, v.ID, alice.ID)
	require.NoError(t, err)

	_, err = f.games.Get(ctx, v.ID, mallory.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Equal(t, 403, apperr.HTTPStatus(err))

	_, err = f.games.Get(ctx, "00000000-0000-0000-0000-000000000000", alice.ID)
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func activeGame(t *testing.T, f *fixture, white, black *repository.User) *GameView {
	t.Helper()
	ctx := context.Background()
	v, err := f.games.Create(ctx, white.ID, CreateGameInput{PlayerColor: "white"})
	require.NoError(t, err)
	v, err = f.games.Join(ctx, v.ID, black.ID)
	require.NoError(t, err)
	require.Equal(t, repository.StatusActive, v.Status)
	return v
}

func TestUpdateStatusRatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1500)
	bob := f.user(t, "bob", 1500)
	v := activeGame(t, f, alice, bob)

	var finished []events.Event
	f.publisher.Subscribe(events.EventGameFinished, func(e events.Event) { finished = append(finished, e) })

	done, err := f.games.UpdateStatus(ctx, v.ID, alice.ID, UpdateStatusInput{Status: "completed", Result: strPtr("white")})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCompleted, done.Status)
	assert.Equal(t, 16, done.RatingChanges.White)
	assert.Equal(t, -16, done.RatingChanges.Black)
	assert.NotNil(t, done.EndTime)

	a, b := f.reload(t, alice.ID), f.reload(t, bob.ID)
	assert.Equal(t, 1516, a.Rating)
	assert.Equal(t, 1484, b.Rating)
	assert.Equal(t, repository.Stats{GamesPlayed: 1, Wins: 1}, a.Stats)
	assert.Equal(t, repository.Stats{GamesPlayed: 1, Losses: 1}, b.Stats)

	require.Len(t, finished, 1)
	assert.Equal(t, events.GameFinishedPayload{Status: "completed", Result: "white"}, finished[0].Payload)

	_, err = f.games.UpdateStatus(ctx, v.ID, bob.ID, UpdateStatusInput{Status: "completed", Result: strPtr("black")})
	assert.ErrorIs(t, err, repository.ErrTerminal)
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	assert.Equal(t, a, f.reload(t, alice.ID))
	assert.Equal(t, b, f.reload(t, bob.ID))
}

func TestUpdateStatusDraw(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", 1600)
	bob := f.user(t, "bob", 1400)
	v := activeGame(t, f, alice, bob)

	done, err := f.games.UpdateStatus(context.Background(), v.ID, bob.ID, UpdateStatusInput{Status: "completed", Result: strPtr("draw")})
	require.NoError(t, err)

	assert.Equal(t, -done.RatingChanges.Black, done.RatingChanges.White)
	assert.Less(t, done.RatingChanges.White, 0, "the favourite loses points on a draw")
	assert.Equal(t, 1, f.reload(t, alice.ID).Stats.Draws)
	assert.Equal(t, 1, f.reload(t, bob.ID).Stats.Draws)
}

func TestUpdateStatusWithoutStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)
	bob := f.user(t, "bob", 1200)

	t.Run("no result", func(t *testing.T) {
		v := activeGame(t, f, alice, bob)
		done, err := f.games.UpdateStatus(ctx, v.ID, alice.ID, UpdateStatusInput{Status: "completed"})
		require.NoError(t, err)
		assert.Nil(t, done.Result)
		assert.Zero(t, f.reload(t, alice.ID).Stats.GamesPlayed)
	})

	t.Run("abandoned", func(t *testing.T) {
		v := activeGame(t, f, alice, bob)
		done, err := f.games.UpdateStatus(ctx, v.ID, alice.ID, UpdateStatusInput{Status: "abandoned", Result: strPtr("black")})
		require.NoError(t, err)
		assert.Equal(t, repository.StatusAbandoned, done.Status)
		assert.Zero(t, f.reload(t, bob.ID).Stats.GamesPlayed)
		assert.Equal(t, 1200, f.reload(t, bob.ID).Rating)
	})
}

func TestUpdateStatusRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)
	bob := f.user(t, "bob", 1200)
	mallory := f.user(t, "mallory", 1200)
	v := activeGame(t, f, alice, bob)

	_, err := f.games.UpdateStatus(ctx, v.ID, alice.ID, UpdateStatusInput{Status: "active"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.games.UpdateStatus(ctx, v.ID, alice.ID, UpdateStatusInput{Status: "completed", Result: strPtr("purple")})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.games.UpdateStatus(ctx, v.ID, mallory.ID, UpdateStatusInput{Status: "completed", Result: strPtr("white")})
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestComputerGameIsUnrated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)

	v, err := f.games.Create(ctx, alice.ID, CreateGameInput{IsComputer: true})
	require.NoError(t, err)

	require.NoError(t, f.games.Complete(ctx, v.ID, "white", "checkmate"))

	a := f.reload(t, alice.ID)
	assert.Equal(t, 1200, a.Rating)
	assert.Equal(t, repository.Stats{GamesPlayed: 1, Wins: 1}, a.Stats)

	assert.ErrorIs(t, f.games.Complete(ctx, v.ID, "black", "timeout"), repository.ErrTerminal)

	fresh, err := f.games.Create(ctx, alice.ID, CreateGameInput{IsComputer: true})
	require.NoError(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(f.games.Complete(ctx, fresh.ID, "nobody", "")))
}

func TestAppendMoveAndActiveGames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)
	bob := f.user(t, "bob", 1200)
	v := activeGame(t, f, alice, bob)

	mv := game.Move{From: "e2", To: "e4", Piece: "P", Timestamp: time.Now(), By: alice.ID}
	require.NoError(t, f.games.AppendMove(ctx, v.ID, mv))

	active, err := f.games.ActiveGames(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Len(t, active[0].Moves, 1)
	assert.Equal(t, "e4", active[0].Moves[0].To)

	cfg, ok, err := f.games.SessionConfig(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, game.ModeHuman, cfg.Mode)
	assert.Equal(t, alice.ID, cfg.Seats[color.White])
	assert.Equal(t, bob.ID, cfg.Seats[color.Black])

	_, ok, err = f.games.SessionConfig(ctx, "ad-hoc-room")
	require.NoError(t, err)
	assert.False(t, ok)
}
