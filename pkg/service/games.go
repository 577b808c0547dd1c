// Package service implements the REST-facing operations on game records and
// player profiles
package service

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/clock"
	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/game"
	"github.com/tecu23/chess-relay/pkg/rating"
	"github.com/tecu23/chess-relay/pkg/repository"
)

// MatchWindow is the rating distance within which players are paired
const MatchWindow = 200

// PlayerView is a seat resolved to its profile
type PlayerView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

// GameView is a game record with its players resolved
type GameView struct {
	ID                 string                   `json:"id"`
	WhitePlayer        *PlayerView              `json:"whitePlayer"`
	BlackPlayer        *PlayerView              `json:"blackPlayer"`
	CreatedBy          string                   `json:"createdBy"`
	Status             repository.GameStatus    `json:"status"`
	Result             *repository.Result       `json:"result"`
	TimeControl        string                   `json:"timeControl"`
	IsComputer         bool                     `json:"isComputer"`
	ComputerDifficulty int                      `json:"computerDifficulty,omitempty"`
	PlayerColor        string                   `json:"playerColor,omitempty"`
	Moves              []repository.Move        `json:"moves"`
	RatingChanges      repository.RatingChanges `json:"ratingChanges"`
	StartTime          time.Time                `json:"startTime"`
	EndTime            *time.Time               `json:"endTime"`
}

// CreateGameInput is the body of POST /games
type CreateGameInput struct {
	TimeControl        string `json:"timeControl"`
	IsComputer         bool   `json:"isComputer"`
	ComputerDifficulty int    `json:"computerDifficulty"`
	PlayerColor        string `json:"playerColor"`
}

// UpdateStatusInput is the body of PATCH /games/:id/status
type UpdateStatusInput struct {
	Status string  `json:"status"`
	Result *string `json:"result"`
}

// GameService manages game records
type GameService struct {
	repo      repository.Repository
	publisher *events.Publisher
	logger    *zap.Logger

	now      func() time.Time
	coinFlip func() bool
}

// NewGameService creates a game service
func NewGameService(repo repository.Repository, publisher *events.Publisher, logger *zap.Logger) *GameService {
	return &GameService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		coinFlip:  func() bool { return rand.Intn(2) == 0 },
	}
}

// Create starts a computer game, pairs the caller with a waiting opponent, or
// opens a new waiting game
func (s *GameService) Create(ctx context.Context, userID string, in CreateGameInput) (*GameView, error) {
	tc := strings.TrimSpace(in.TimeControl)
	if tc == "" {
		tc = repository.DefaultTimeControl
	}
	if _, err := clock.ParseTimeControl(tc); err != nil {
		return nil, apperr.Validation("invalid time control %q", tc)
	}

	side, err := s.pickColor(in.PlayerColor)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.IsComputer {
		g := &repository.Game{
			CreatedBy:          userID,
			Status:             repository.StatusActive,
			TimeControl:        tc,
			IsComputer:         true,
			ComputerDifficulty: clampDifficulty(in.ComputerDifficulty),
			PlayerColor:        string(side),
		}
		seatUser(g, side, userID)

		if err := s.repo.CreateGame(ctx, g); err != nil {
			return nil, err
		}

		s.logger.Info("computer game created",
			zap.String("game_id", g.ID),
			zap.String("user_id", userID),
			zap.Int("difficulty", g.ComputerDifficulty),
		)
		return s.view(ctx, g)
	}

	open, err := s.repo.FindOpenGame(ctx, repository.OpenGameQuery{
		ExcludeUser: userID,
		MinRating:   user.Rating - MatchWindow,
		MaxRating:   user.Rating + MatchWindow,
		TimeControl: tc,
	})
	switch {
	case err == nil:
		seated, err := s.repo.SeatPlayer(ctx, open.ID, userID)
		if err == nil {
			s.logger.Info("player matched", zap.String("game_id", seated.ID), zap.String("user_id", userID))
			s.announceSeats(seated)
			return s.view(ctx, seated)
		}
		if !errors.Is(err, repository.ErrSeatTaken) && !errors.Is(err, repository.ErrTerminal) {
			return nil, err
		}
		// lost the race for the seat; open our own game instead
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	g := &repository.Game{
		CreatedBy:   userID,
		Status:      repository.StatusWaiting,
		TimeControl: tc,
		PlayerColor: string(side),
	}
	seatUser(g, side, userID)

	if err := s.repo.CreateGame(ctx, g); err != nil {
		return nil, err
	}

	s.logger.Info("waiting game created", zap.String("game_id", g.ID), zap.String("user_id", userID))
	return s.view(ctx, g)
}

// Get returns a game the requester takes part in
func (s *GameService) Get(ctx context.Context, id, requester string) (*GameView, error) {
	g, err := s.repo.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(g, requester) {
		return nil, apperr.Forbidden("not a participant of game %s", id)
	}
	return s.view(ctx, g)
}

// Join seats the user in a waiting game
func (s *GameService) Join(ctx context.Context, id, userID string) (*GameView, error) {
	g, err := s.repo.SeatPlayer(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.announceSeats(g)
	return s.view(ctx, g)
}

// announceSeats lets a live session bind the players seated in g
func (s *GameService) announceSeats(g *repository.Game) {
	seats := map[color.Color]string{}
	if g.WhitePlayer != nil {
		seats[color.White] = *g.WhitePlayer
	}
	if g.BlackPlayer != nil {
		seats[color.Black] = *g.BlackPlayer
	}

	s.publisher.Publish(events.Event{
		Type:    events.EventSeatsFilled,
		GameID:  g.ID,
		Payload: events.SeatsPayload{Seats: seats},
	})
}

// UpdateStatus is the client-reported terminal transition
func (s *GameService) UpdateStatus(ctx context.Context, id, requester string, in UpdateStatusInput) (*GameView, error) {
	status := repository.GameStatus(in.Status)
	if !status.Terminal() {
		return nil, apperr.Validation("status must be %q or %q", repository.StatusCompleted, repository.StatusAbandoned)
	}

	var result *repository.Result
	if in.Result != nil {
		r := repository.Result(*in.Result)
		if !r.Valid() {
			return nil, apperr.Validation("invalid result %q", *in.Result)
		}
		result = &r
	}

	g, err := s.repo.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(g, requester) {
		return nil, apperr.Forbidden("not a participant of game %s", id)
	}
	if g.Status.Terminal() {
		return nil, repository.ErrTerminal
	}

	done, err := s.finish(ctx, g, status, result, "reported")
	if err != nil {
		return nil, err
	}
	return s.view(ctx, done)
}

// Complete is the server-detected end of a game: checkmate, stalemate or timeout
func (s *GameService) Complete(ctx context.Context, id, result, reason string) error {
	g, err := s.repo.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if g.Status.Terminal() {
		return repository.ErrTerminal
	}

	r := repository.Result(result)
	if !r.Valid() {
		return apperr.Validation("invalid result %q", result)
	}

	_, err = s.finish(ctx, g, repository.StatusCompleted, &r, reason)
	return err
}

// finish computes the stats update and applies it with the transition
func (s *GameService) finish(ctx context.Context, g *repository.Game, status repository.GameStatus, result *repository.Result, reason string) (*repository.Game, error) {
	params := repository.FinishParams{
		GameID:  g.ID,
		Status:  status,
		Result:  result,
		EndTime: s.now(),
	}

	if status == repository.StatusCompleted && result != nil {
		profiles, changes, err := s.statsFor(ctx, g, *result)
		if err != nil {
			return nil, err
		}
		params.Profiles = profiles
		params.RatingChanges = changes
	}

	done, err := s.repo.FinishGame(ctx, params)
	if err != nil {
		return nil, err
	}

	finished := events.GameFinishedPayload{Status: string(status)}
	if result != nil {
		finished.Result = string(*result)
	}
	s.publisher.Publish(events.Event{
		Type:    events.EventGameFinished,
		GameID:  g.ID,
		Payload: finished,
	})

	s.logger.Info("game finished",
		zap.String("game_id", g.ID),
		zap.String("status", string(status)),
		zap.String("result", finished.Result),
		zap.String("reason", reason),
		zap.Int("white_delta", done.RatingChanges.White),
		zap.Int("black_delta", done.RatingChanges.Black),
	)
	return done, nil
}

// statsFor reads the pre-game ratings once and derives both profile updates.
// Only games between two humans are rated.
func (s *GameService) statsFor(ctx context.Context, g *repository.Game, result repository.Result) ([]repository.ProfileDelta, repository.RatingChanges, error) {
	var winner color.Color
	if result != repository.ResultDraw {
		winner = color.Color(result)
	}

	if g.IsComputer || g.WhitePlayer == nil || g.BlackPlayer == nil {
		var profiles []repository.ProfileDelta
		if g.WhitePlayer != nil {
			profiles = append(profiles, repository.ProfileDelta{UserID: *g.WhitePlayer, Outcome: outcomeFor(winner, color.White)})
		}
		if g.BlackPlayer != nil {
			profiles = append(profiles, repository.ProfileDelta{UserID: *g.BlackPlayer, Outcome: outcomeFor(winner, color.Black)})
		}
		return profiles, repository.RatingChanges{}, nil
	}

	white, err := s.repo.GetUser(ctx, *g.WhitePlayer)
	if err != nil {
		return nil, repository.RatingChanges{}, err
	}
	black, err := s.repo.GetUser(ctx, *g.BlackPlayer)
	if err != nil {
		return nil, repository.RatingChanges{}, err
	}

	dWhite, dBlack := rating.ComputeRatingDelta(white.Rating, black.Rating, rating.Score(winner, color.White))

	return []repository.ProfileDelta{
			{UserID: white.ID, Outcome: outcomeFor(winner, color.White), Rating: dWhite},
			{UserID: black.ID, Outcome: outcomeFor(winner, color.Black), Rating: dBlack},
		},
		repository.RatingChanges{White: dWhite, Black: dBlack},
		nil
}

// ActiveGames lists the user's waiting and active games
func (s *GameService) ActiveGames(ctx context.Context, userID string) ([]*GameView, error) {
	games, err := s.repo.ListActiveGames(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, games)
}

// AppendMove mirrors a recorded session move into the game record
func (s *GameService) AppendMove(ctx context.Context, id string, mv game.Move) error {
	return s.repo.AppendMove(ctx, id, repository.Move{
		From:      mv.From,
		To:        mv.To,
		Piece:     mv.Piece,
		Promotion: mv.Promotion,
		Timestamp: mv.Timestamp,
		By:        mv.By,
	})
}

// SessionConfig derives live session settings from the game record. It
// reports false when no record exists, which makes the session ad hoc.
func (s *GameService) SessionConfig(ctx context.Context, id string) (game.Config, bool, error) {
	g, err := s.repo.GetGame(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return game.Config{}, false, nil
	}
	if err != nil {
		return game.Config{}, false, err
	}

	cfg := game.Config{
		Mode:        game.ModeHuman,
		Seats:       map[color.Color]string{},
		TimeControl: g.TimeControl,
	}
	if g.WhitePlayer != nil {
		cfg.Seats[color.White] = *g.WhitePlayer
	}
	if g.BlackPlayer != nil {
		cfg.Seats[color.Black] = *g.BlackPlayer
	}

	if g.IsComputer {
		human := color.Color(g.PlayerColor)
		if !human.Valid() {
			human = color.White
		}
		cfg.Mode = game.ModeEngine
		cfg.EngineSeat = human.Opp()
		cfg.EngineDifficulty = g.ComputerDifficulty
		delete(cfg.Seats, cfg.EngineSeat)
	}

	return cfg, true, nil
}

func (s *GameService) pickColor(requested string) (color.Color, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "", "white", "w":
		return color.White, nil
	case "black", "b":
		return color.Black, nil
	case "random":
		if s.coinFlip() {
			return color.White, nil
		}
		return color.Black, nil
	default:
		return "", apperr.Validation("invalid player color %q", requested)
	}
}

func (s *GameService) view(ctx context.Context, g *repository.Game) (*GameView, error) {
	views, err := s.views(ctx, []*repository.Game{g})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (s *GameService) views(ctx context.Context, games []*repository.Game) ([]*GameView, error) {
	var ids []string
	for _, g := range games {
		if g.WhitePlayer != nil {
			ids = append(ids, *g.WhitePlayer)
		}
		if g.BlackPlayer != nil {
			ids = append(ids, *g.BlackPlayer)
		}
	}

	users, err := s.repo.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*repository.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	views := make([]*GameView, 0, len(games))
	for _, g := range games {
		moves := g.Moves
		if moves == nil {
			moves = []repository.Move{}
		}
		views = append(views, &GameView{
			ID:                 g.ID,
			WhitePlayer:        playerView(g.WhitePlayer, byID),
			BlackPlayer:        playerView(g.BlackPlayer, byID),
			CreatedBy:          g.CreatedBy,
			Status:             g.Status,
			Result:             g.Result,
			TimeControl:        g.TimeControl,
			IsComputer:         g.IsComputer,
			ComputerDifficulty: g.ComputerDifficulty,
			PlayerColor:        g.PlayerColor,
			Moves:              moves,
			RatingChanges:      g.RatingChanges,
			StartTime:          g.StartTime,
			EndTime:            g.EndTime,
		})
	}
	return views, nil
}

func playerView(id *string, users map[string]*repository.User) *PlayerView {
	if id == nil {
		return nil
	}
	u, ok := users[*id]
	if !ok {
		return &PlayerView{ID: *id}
	}
	return &PlayerView{ID: u.ID, Username: u.Username, Rating: u.Rating}
}

func seatUser(g *repository.Game, side color.Color, userID string) {
	id := userID
	if side == color.Black {
		g.BlackPlayer = &id
		return
	}
	g.WhitePlayer = &id
}

func isParticipant(g *repository.Game, userID string) bool {
	return g.HasPlayer(userID) || g.CreatedBy == userID
}

func clampDifficulty(d int) int {
	if d == 0 {
		return game.DefaultDifficulty
	}
	if d < 1 {
		return 1
	}
	if d > game.MaxDepth {
		return game.MaxDepth
	}
	return d
}

func outcomeFor(winner, side color.Color) repository.Outcome {
	switch winner {
	case "":
		return repository.OutcomeDraw
	case side:
		return repository.OutcomeWin
	default:
		return repository.OutcomeLoss
	}
}
