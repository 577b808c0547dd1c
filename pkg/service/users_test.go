package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/auth"
	"github.com/tecu23/chess-relay/pkg/rating"
	"github.com/tecu23/chess-relay/pkg/repository"
)

func newUserService(f *fixture) (*UserService, *auth.TokenAuth) {
	tokens := auth.NewTokenAuth("test-secret", time.Hour)
	return NewUserService(f.repo, f.games, tokens, zap.NewNop()), tokens
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	users, tokens := newUserService(f)
	ctx := context.Background()

	res, err := users.Register(ctx, RegisterInput{Username: "alice", Email: "Alice@Example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, rating.DefaultRating, res.User.Rating)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.NotEqual(t, "hunter22", res.User.PasswordHash)

	claims, err := tokens.Parse(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	login, err := users.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, login.User.ID)

	_, err = users.Login(ctx, "alice", "wrong")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, err = users.Login(ctx, "nobody", "hunter22")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	users, _ := newUserService(f)
	ctx := context.Background()

	_, err := users.Register(ctx, RegisterInput{Username: "alice", Email: "a@example.com", Password: "hunter22"})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   RegisterInput
		kind apperr.Kind
	}{
		{"short username", RegisterInput{Username: "al", Email: "x@example.com", Password: "hunter22"}, apperr.KindValidation},
		{"bad email", RegisterInput{Username: "bob", Email: "bob", Password: "hunter22"}, apperr.KindValidation},
		{"short password", RegisterInput{Username: "bob", Email: "bob@example.com", Password: "123"}, apperr.KindValidation},
		{"duplicate username", RegisterInput{Username: "ALICE", Email: "other@example.com", Password: "hunter22"}, apperr.KindConflict},
		{"duplicate email", RegisterInput{Username: "bob", Email: "a@example.com", Password: "hunter22"}, apperr.KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := users.Register(ctx, tt.in)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestProfileAndStats(t *testing.T) {
	f := newFixture(t)
	users, _ := newUserService(f)
	ctx := context.Background()
	alice := f.user(t, "alice", 1500)
	bob := f.user(t, "bob", 1500)

	v := activeGame(t, f, alice, bob)
	_, err := f.games.UpdateStatus(ctx, v.ID, bob.ID, UpdateStatusInput{Status: "completed", Result: strPtr("black")})
	require.NoError(t, err)

	cg, err := f.games.Create(ctx, alice.ID, CreateGameInput{IsComputer: true})
	require.NoError(t, err)

	p, err := users.Profile(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1484, p.User.Rating)
	assert.Equal(t, repository.Stats{GamesPlayed: 1, Losses: 1}, p.Stats)
	require.Len(t, p.RecentGames, 2)

	byID := map[string]RecentGame{}
	for _, rg := range p.RecentGames {
		byID[rg.ID] = rg
	}
	assert.Equal(t, "bob", byID[v.ID].Opponent)
	assert.Equal(t, "loss", byID[v.ID].Result)
	assert.Equal(t, -16, byID[v.ID].RatingChange)
	assert.Equal(t, "Computer", byID[cg.ID].Opponent)
	assert.Empty(t, byID[cg.ID].Result)

	bp, err := users.Profile(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, bp.RecentGames, 1)
	assert.Equal(t, "alice", bp.RecentGames[0].Opponent)
	assert.Equal(t, "win", bp.RecentGames[0].Result)
	assert.Equal(t, 16, bp.RecentGames[0].RatingChange)

	st, err := users.Stats(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1516, st.Rating)
	assert.Equal(t, 1, st.Stats.Wins)

	_, err = users.Profile(ctx, "ghost")
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t)
	users, _ := newUserService(f)
	ctx := context.Background()
	alice := f.user(t, "alice", 1200)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		id := alice.ID
		require.NoError(t, f.repo.CreateGame(ctx, &repository.Game{
			WhitePlayer: &id,
			CreatedBy:   id,
			Status:      repository.StatusActive,
			TimeControl: fmt.Sprintf("%d+0", i+1),
			IsComputer:  true,
			StartTime:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	h, err := users.History(ctx, alice.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.CurrentPage)
	assert.Equal(t, 2, h.TotalPages)
	require.Len(t, h.Games, 10)
	assert.Equal(t, "12+0", h.Games[0].TimeControl, "newest first")

	h, err = users.History(ctx, alice.ID, 2, 10)
	require.NoError(t, err)
	assert.Len(t, h.Games, 2)

	h, err = users.History(ctx, alice.ID, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, h.TotalPages)
	assert.Len(t, h.Games, 12)
}
