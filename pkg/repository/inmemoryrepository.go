package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InMemoryRepository in an in-memory implementation of Repository. Records
// are copied on the way in and out.
type InMemoryRepository struct {
	games  map[string]*Game
	users  map[string]*User
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository(logger *zap.Logger) *InMemoryRepository {
	return &InMemoryRepository{
		games:  make(map[string]*Game),
		users:  make(map[string]*User),
		logger: logger,
	}
}

// CreateUser saves a new user. Usernames and emails are unique.
func (r *InMemoryRepository) CreateUser(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if strings.EqualFold(u.Username, user.Username) || strings.EqualFold(u.Email, user.Email) {
			return ErrDuplicate
		}
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	r.users[user.ID] = copyUser(user)
	return nil
}

// GetUser retrieves a user by ID
func (r *InMemoryRepository) GetUser(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByUsername retrieves a user by username
func (r *InMemoryRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// GetUsers returns the users that exist among ids
func (r *InMemoryRepository) GetUsers(_ context.Context, ids []string) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			users = append(users, copyUser(u))
		}
	}
	return users, nil
}

// CreateGame saves a new game to the repository
func (r *InMemoryRepository) CreateGame(_ context.Context, g *Game) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if _, ok := r.games[g.ID]; ok {
		return ErrDuplicate
	}
	if g.StartTime.IsZero() {
		g.StartTime = time.Now()
	}
	if g.Moves == nil {
		g.Moves = []Move{}
	}

	r.games[g.ID] = copyGame(g)
	return nil
}

// GetGame retrieves a game by ID
func (r *InMemoryRepository) GetGame(_ context.Context, id string) (*Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGame(g), nil
}

// SeatPlayer fills the free seat of a game
func (r *InMemoryRepository) SeatPlayer(_ context.Context, gameID, userID string) (*Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := seat(g, userID); err != nil {
		return nil, err
	}
	return copyGame(g), nil
}

// seat is shared with the postgres implementation, which runs it on a locked row
func seat(g *Game, userID string) error {
	if g.Status.Terminal() {
		return ErrTerminal
	}
	if g.HasPlayer(userID) {
		return nil
	}

	id := userID
	switch {
	case g.WhitePlayer == nil && !g.IsComputer:
		g.WhitePlayer = &id
	case g.BlackPlayer == nil && !g.IsComputer:
		g.BlackPlayer = &id
	default:
		return ErrSeatTaken
	}

	if g.WhitePlayer != nil && g.BlackPlayer != nil && g.Status == StatusWaiting {
		g.Status = StatusActive
		g.StartTime = time.Now()
	}
	return nil
}

// FindOpenGame returns the oldest waiting game whose creator's rating is in range
func (r *InMemoryRepository) FindOpenGame(_ context.Context, q OpenGameQuery) (*Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Game
	for _, g := range r.games {
		if g.Status != StatusWaiting || g.IsComputer || g.CreatedBy == q.ExcludeUser || g.TimeControl != q.TimeControl {
			continue
		}

		creator, ok := r.users[g.CreatedBy]
		if !ok || creator.Rating < q.MinRating || creator.Rating > q.MaxRating {
			continue
		}

		if best == nil || g.StartTime.Before(best.StartTime) {
			best = g
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}
	return copyGame(best), nil
}

// AppendMove adds mv to the durable move log of a game in progress
func (r *InMemoryRepository) AppendMove(_ context.Context, gameID string, mv Move) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return ErrNotFound
	}
	if g.Status.Terminal() {
		return ErrTerminal
	}

	g.Moves = append(g.Moves, mv)
	return nil
}

// FinishGame applies the terminal transition and profile updates atomically
func (r *InMemoryRepository) FinishGame(_ context.Context, p FinishParams) (*Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[p.GameID]
	if !ok {
		return nil, ErrNotFound
	}
	if g.Status.Terminal() {
		return nil, ErrTerminal
	}

	for _, d := range p.Profiles {
		if _, ok := r.users[d.UserID]; !ok {
			return nil, ErrNotFound
		}
	}

	end := p.EndTime
	g.Status = p.Status
	g.Result = p.Result
	g.RatingChanges = p.RatingChanges
	g.EndTime = &end

	for _, d := range p.Profiles {
		u := r.users[d.UserID]
		u.Stats.GamesPlayed++
		switch d.Outcome {
		case OutcomeWin:
			u.Stats.Wins++
		case OutcomeLoss:
			u.Stats.Losses++
		case OutcomeDraw:
			u.Stats.Draws++
		}
		u.Rating += d.Rating
	}

	r.logger.Debug("game finished",
		zap.String("game_id", g.ID),
		zap.String("status", string(g.Status)),
		zap.Int("profiles", len(p.Profiles)),
	)

	return copyGame(g), nil
}

// ListActiveGames returns the user's waiting and active games, newest first
func (r *InMemoryRepository) ListActiveGames(_ context.Context, userID string) ([]*Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	activeGames := []*Game{}
	for _, g := range r.games {
		if !g.Status.Terminal() && (g.HasPlayer(userID) || g.CreatedBy == userID) {
			activeGames = append(activeGames, copyGame(g))
		}
	}

	sortNewestFirst(activeGames)
	return activeGames, nil
}

// ListGamesByUser pages through the games the user played, newest first
func (r *InMemoryRepository) ListGamesByUser(_ context.Context, userID string, offset, limit int) ([]*Game, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Game
	for _, g := range r.games {
		if g.HasPlayer(userID) {
			all = append(all, g)
		}
	}
	sortNewestFirst(all)

	total := int64(len(all))
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}

	page := make([]*Game, 0, end-offset)
	for _, g := range all[offset:end] {
		page = append(page, copyGame(g))
	}
	return page, total, nil
}

// Close is a no-op
func (r *InMemoryRepository) Close() error {
	return nil
}

func sortNewestFirst(games []*Game) {
	sort.SliceStable(games, func(i, j int) bool {
		return games[i].StartTime.After(games[j].StartTime)
	})
}

func copyGame(g *Game) *Game {
	c := *g
	c.WhitePlayer = copyString(g.WhitePlayer)
	c.BlackPlayer = copyString(g.BlackPlayer)
	if g.Result != nil {
		res := *g.Result
		c.Result = &res
	}
	if g.EndTime != nil {
		end := *g.EndTime
		c.EndTime = &end
	}
	c.Moves = append([]Move{}, g.Moves...)
	return &c
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
