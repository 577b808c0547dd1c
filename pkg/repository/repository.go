// Package repository stores game records and player profiles
package repository

import (
	"context"
	"time"

	"github.com/tecu23/chess-relay/internal/apperr"
)

var (
	ErrNotFound  = apperr.NotFound("record not found")
	ErrTerminal  = apperr.Conflict("game already finished")
	ErrDuplicate = apperr.Conflict("record already exists")
	ErrSeatTaken = apperr.Conflict("game has no free seat")
)

// GameStatus is the lifecycle state of a game record
type GameStatus string

// Game statuses
const (
	StatusWaiting   GameStatus = "waiting"
	StatusActive    GameStatus = "active"
	StatusCompleted GameStatus = "completed"
	StatusAbandoned GameStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed
func (s GameStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Result is the outcome of a completed game
type Result string

// Game results
const (
	ResultWhite Result = "white"
	ResultBlack Result = "black"
	ResultDraw  Result = "draw"
)

// Valid reports whether r is a known result
func (r Result) Valid() bool {
	return r == ResultWhite || r == ResultBlack || r == ResultDraw
}

// DefaultTimeControl is used when a game is created without one
const DefaultTimeControl = "10+0"

// Move is the durable copy of a move log entry
type Move struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Piece     string    `json:"piece"`
	Promotion string    `json:"promotion,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	By        string    `json:"by,omitempty"`
}

// RatingChanges are the deltas applied when the game completed
type RatingChanges struct {
	White int `json:"white"`
	Black int `json:"black"`
}

// Game is a persistent game record
type Game struct {
	ID                 string        `gorm:"primaryKey;type:uuid" json:"id"`
	WhitePlayer        *string       `gorm:"type:uuid;index" json:"whitePlayer"`
	BlackPlayer        *string       `gorm:"type:uuid;index" json:"blackPlayer"`
	CreatedBy          string        `gorm:"type:uuid;not null" json:"createdBy"`
	Status             GameStatus    `gorm:"type:varchar(16);not null;index" json:"status"`
	Result             *Result       `gorm:"type:varchar(8)" json:"result"`
	TimeControl        string        `gorm:"type:varchar(16);not null" json:"timeControl"`
	IsComputer         bool          `gorm:"not null" json:"isComputer"`
	ComputerDifficulty int           `json:"computerDifficulty,omitempty"`
	PlayerColor        string        `gorm:"type:varchar(8)" json:"playerColor,omitempty"`
	Moves              []Move        `gorm:"type:jsonb;serializer:json" json:"moves"`
	RatingChanges      RatingChanges `gorm:"embedded;embeddedPrefix:rating_change_" json:"ratingChanges"`
	StartTime          time.Time     `gorm:"not null;index" json:"startTime"`
	EndTime            *time.Time    `json:"endTime"`
}

// HasPlayer reports whether userID holds a seat
func (g *Game) HasPlayer(userID string) bool {
	return (g.WhitePlayer != nil && *g.WhitePlayer == userID) ||
		(g.BlackPlayer != nil && *g.BlackPlayer == userID)
}

// Stats are a player's cumulative results
type Stats struct {
	GamesPlayed int `gorm:"not null;default:0" json:"gamesPlayed"`
	Wins        int `gorm:"not null;default:0" json:"wins"`
	Losses      int `gorm:"not null;default:0" json:"losses"`
	Draws       int `gorm:"not null;default:0" json:"draws"`
}

// User is a player profile
type User struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	Username     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Rating       int       `gorm:"not null;default:1200" json:"rating"`
	Stats        Stats     `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Outcome is a game result seen from one player
type Outcome string

// Player outcomes
const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// ProfileDelta is the stats update applied to one player when a game completes
type ProfileDelta struct {
	UserID  string
	Outcome Outcome
	Rating  int
}

// FinishParams describes a terminal transition. Profiles is empty when no
// stats change.
type FinishParams struct {
	GameID        string
	Status        GameStatus
	Result        *Result
	RatingChanges RatingChanges
	EndTime       time.Time
	Profiles      []ProfileDelta
}

// OpenGameQuery selects a waiting game for matchmaking
type OpenGameQuery struct {
	ExcludeUser string
	MinRating   int
	MaxRating   int
	TimeControl string
}

// Repository is the game record store
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUsers(ctx context.Context, ids []string) ([]*User, error)

	CreateGame(ctx context.Context, g *Game) error
	GetGame(ctx context.Context, id string) (*Game, error)

	// SeatPlayer puts userID in the free seat and activates a waiting game
	SeatPlayer(ctx context.Context, gameID, userID string) (*Game, error)
	// FindOpenGame returns the oldest waiting game matching q, or ErrNotFound
	FindOpenGame(ctx context.Context, q OpenGameQuery) (*Game, error)
	AppendMove(ctx context.Context, gameID string, mv Move) error
	// FinishGame applies a terminal transition and the profile updates
	// together. It fails with ErrTerminal if the game already ended.
	FinishGame(ctx context.Context, p FinishParams) (*Game, error)

	ListActiveGames(ctx context.Context, userID string) ([]*Game, error)
	ListGamesByUser(ctx context.Context, userID string, offset, limit int) ([]*Game, int64, error)

	Close() error
}
