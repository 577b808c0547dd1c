package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/clause"

	"github.com/tecu23/chess-relay/internal/apperr"
)

var terminalStatuses = []string{string(StatusCompleted), string(StatusAbandoned)}

// PostgresRepository stores records in PostgreSQL through gorm on a lib/pq
// connection pool
type PostgresRepository struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
}

// NewPostgresRepository connects, verifies the connection and migrates the schema
func NewPostgresRepository(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresRepository, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&User{}, &Game{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("connected to database")

	return &PostgresRepository{db: db, sqlDB: sqlDB, logger: logger}, nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return mapErr(r.db.WithContext(ctx).Create(user).Error)
}

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "LOWER(username) = LOWER(?)", username).Error; err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *PostgresRepository) GetUsers(ctx context.Context, ids []string) ([]*User, error) {
	users := []*User{}
	if len(ids) == 0 {
		return users, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, mapErr(err)
	}
	return users, nil
}

func (r *PostgresRepository) CreateGame(ctx context.Context, g *Game) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.StartTime.IsZero() {
		g.StartTime = time.Now()
	}
	if g.Moves == nil {
		g.Moves = []Move{}
	}
	return mapErr(r.db.WithContext(ctx).Create(g).Error)
}

func (r *PostgresRepository) GetGame(ctx context.Context, id string) (*Game, error) {
	var g Game
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// SeatPlayer locks the game row so two joiners cannot take the same seat
func (r *PostgresRepository) SeatPlayer(ctx context.Context, gameID, userID string) (*Game, error) {
	var g Game

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", gameID).Error; err != nil {
			return err
		}

		if err := seat(&g, userID); err != nil {
			return err
		}

		return tx.Model(&g).
			Select("white_player", "black_player", "status", "start_time").
			Updates(&g).Error
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (r *PostgresRepository) FindOpenGame(ctx context.Context, q OpenGameQuery) (*Game, error) {
	query := r.db.WithContext(ctx).
		Select("games.*").
		Joins("JOIN users ON users.id = games.created_by").
		Where("games.status = ? AND games.is_computer = ? AND games.time_control = ?", string(StatusWaiting), false, q.TimeControl).
		Where("users.rating BETWEEN ? AND ?", q.MinRating, q.MaxRating)

	if q.ExcludeUser != "" {
		query = query.Where("games.created_by <> ?", q.ExcludeUser)
	}

	var g Game
	if err := query.Order("games.start_time ASC").First(&g).Error; err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// AppendMove concatenates mv onto the jsonb move array in place
func (r *PostgresRepository) AppendMove(ctx context.Context, gameID string, mv Move) error {
	raw, err := json.Marshal([]Move{mv})
	if err != nil {
		return fmt.Errorf("encode move: %w", err)
	}

	res := r.db.WithContext(ctx).Model(&Game{}).
		Where("id = ? AND status NOT IN ?", gameID, terminalStatuses).
		Update("moves", gorm.Expr("COALESCE(moves, '[]'::jsonb) || ?::jsonb", string(raw)))
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return missingOrTerminal(r.db.WithContext(ctx), gameID)
	}
	return nil
}

// FinishGame guards the transition on the current status so the profile
// updates are applied at most once
func (r *PostgresRepository) FinishGame(ctx context.Context, p FinishParams) (*Game, error) {
	var g Game

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var result interface{}
		if p.Result != nil {
			result = string(*p.Result)
		}

		res := tx.Model(&Game{}).
			Where("id = ? AND status NOT IN ?", p.GameID, terminalStatuses).
			Updates(map[string]interface{}{
				"status":              string(p.Status),
				"result":              result,
				"rating_change_white": p.RatingChanges.White,
				"rating_change_black": p.RatingChanges.Black,
				"end_time":            p.EndTime,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missingOrTerminal(tx, p.GameID)
		}

		for _, d := range p.Profiles {
			col := outcomeColumn(d.Outcome)
			res := tx.Model(&User{}).Where("id = ?", d.UserID).Updates(map[string]interface{}{
				"stats_games_played": gorm.Expr("stats_games_played + 1"),
				col:                  gorm.Expr(col + " + 1"),
				"rating":             gorm.Expr("rating + ?", d.Rating),
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
		}

		return tx.First(&g, "id = ?", p.GameID).Error
	})
	if err != nil {
		return nil, mapErr(err)
	}

	r.logger.Debug("game finished",
		zap.String("game_id", p.GameID),
		zap.String("status", string(p.Status)),
		zap.Int("profiles", len(p.Profiles)),
	)
	return &g, nil
}

func (r *PostgresRepository) ListActiveGames(ctx context.Context, userID string) ([]*Game, error) {
	games := []*Game{}
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Where("white_player = ? OR black_player = ? OR created_by = ?", userID, userID, userID).
		Order("start_time DESC").
		Find(&games).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return games, nil
}

func (r *PostgresRepository) ListGamesByUser(ctx context.Context, userID string, offset, limit int) ([]*Game, int64, error) {
	base := r.db.WithContext(ctx).Model(&Game{}).Where("white_player = ? OR black_player = ?", userID, userID)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, mapErr(err)
	}

	games := []*Game{}
	err := base.Session(&gorm.Session{}).
		Order("start_time DESC").
		Offset(offset).
		Limit(limit).
		Find(&games).Error
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return games, total, nil
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	return r.sqlDB.Close()
}

func missingOrTerminal(db *gorm.DB, gameID string) error {
	var n int64
	if err := db.Model(&Game{}).Where("id = ?", gameID).Count(&n).Error; err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrTerminal
}

func outcomeColumn(o Outcome) string {
	switch o {
	case OutcomeWin:
		return "stats_wins"
	case OutcomeLoss:
		return "stats_losses"
	default:
		return "stats_draws"
	}
}

const (
	pqUniqueViolation    = "23505"
	pqInvalidTextForType = "22P02"
)

// mapErr translates driver errors into repository errors
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminal) ||
		errors.Is(err, ErrSeatTaken) || errors.Is(err, ErrDuplicate) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return ErrDuplicate
		case pqInvalidTextForType:
			// a malformed uuid can never match a row
			return ErrNotFound
		}
	}

	return apperr.Persistence(err, "database error")
}
