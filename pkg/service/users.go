package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/auth"
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/rating"
	"github.com/tecu23/chess-relay/pkg/repository"
)

const (
	recentGames         = 10
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
	minPasswordLength   = 6
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// RegisterInput is the body of POST /auth/register
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is returned by register and login
type AuthResult struct {
	Token string           `json:"token"`
	User  *repository.User `json:"user"`
}

// RecentGame is a finished or ongoing game seen from one player
type RecentGame struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	Opponent     string    `json:"opponent"`
	Result       string    `json:"result"`
	RatingChange int       `json:"ratingChange"`
}

// Profile is the response of GET /users/profile
type Profile struct {
	User        *repository.User `json:"user"`
	Stats       repository.Stats `json:"stats"`
	RecentGames []RecentGame     `json:"recentGames"`
}

// History is one page of a player's games
type History struct {
	Games       []*GameView `json:"games"`
	TotalPages  int         `json:"totalPages"`
	CurrentPage int         `json:"currentPage"`
}

// StatsView is the response of GET /users/stats
type StatsView struct {
	Stats  repository.Stats `json:"stats"`
	Rating int              `json:"rating"`
}

// UserService manages player accounts
type UserService struct {
	repo   repository.Repository
	games  *GameService
	tokens *auth.TokenAuth
	logger *zap.Logger
}

// NewUserService creates a user service
func NewUserService(repo repository.Repository, games *GameService, tokens *auth.TokenAuth, logger *zap.Logger) *UserService {
	return &UserService{repo: repo, games: games, tokens: tokens, logger: logger}
}

// Register creates a profile with the default rating and logs it in
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	if !usernamePattern.MatchString(in.Username) {
		return nil, apperr.Validation("username must be 3-32 letters, digits or underscores")
	}
	if !strings.Contains(in.Email, "@") {
		return nil, apperr.Validation("invalid email")
	}
	if len(in.Password) < minPasswordLength {
		return nil, apperr.Validation("password must be at least %d characters", minPasswordLength)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to hash password")
	}

	user := &repository.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Rating:       rating.DefaultRating,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict("username or email already taken")
		}
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return s.issue(user)
}

// Login checks the password and returns a fresh token
func (s *UserService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	user, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Unauthenticated("invalid username or password")
	}
	if err != nil {
		return nil, err
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, apperr.Unauthenticated("invalid username or password")
	}

	return s.issue(user)
}

func (s *UserService) issue(user *repository.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, apperr.Persistence(err, "could not generate token")
	}
	return &AuthResult{Token: token, User: user}, nil
}

// Profile returns the user with their most recent games
func (s *UserService) Profile(ctx context.Context, userID string) (*Profile, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	games, _, err := s.repo.ListGamesByUser(ctx, userID, 0, recentGames)
	if err != nil {
		return nil, err
	}

	views, err := s.games.views(ctx, games)
	if err != nil {
		return nil, err
	}

	recent := make([]RecentGame, 0, len(views))
	for _, v := range views {
		recent = append(recent, recentGame(v, userID))
	}

	return &Profile{User: user, Stats: user.Stats, RecentGames: recent}, nil
}

// History pages through the user's games, newest first
func (s *UserService) History(ctx context.Context, userID string, page, limit int) (*History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if page < 1 {
		page = 1
	}

	games, total, err := s.repo.ListGamesByUser(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	views, err := s.games.views(ctx, games)
	if err != nil {
		return nil, err
	}

	return &History{
		Games:       views,
		TotalPages:  int((total + int64(limit) - 1) / int64(limit)),
		CurrentPage: page,
	}, nil
}

// Stats returns the user's stats and rating
func (s *UserService) Stats(ctx context.Context, userID string) (*StatsView, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &StatsView{Stats: user.Stats, Rating: user.Rating}, nil
}

func recentGame(v *GameView, userID string) RecentGame {
	side := color.White
	opponent := v.BlackPlayer
	if v.BlackPlayer != nil && v.BlackPlayer.ID == userID {
		side = color.Black
		opponent = v.WhitePlayer
	}

	rg := RecentGame{ID: v.ID, Date: v.StartTime}

	switch {
	case v.IsComputer:
		rg.Opponent = "Computer"
	case opponent != nil:
		rg.Opponent = opponent.Username
	}

	if v.Result != nil {
		var winner color.Color
		if *v.Result != repository.ResultDraw {
			winner = color.Color(*v.Result)
		}
		rg.Result = string(outcomeFor(winner, side))
	}

	if side == color.White {
		rg.RatingChange = v.RatingChanges.White
	} else {
		rg.RatingChange = v.RatingChanges.Black
	}
	return rg
}
