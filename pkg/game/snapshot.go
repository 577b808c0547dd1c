package game

import (
	"fmt"
	"time"

	"github.com/corentings/chess/v2"

	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/clock"
)

// ClockReading is the clock state carried in snapshots and broadcasts
type ClockReading struct {
	WhiteMs int64       `json:"whiteTime"`
	BlackMs int64       `json:"blackTime"`
	Active  color.Color `json:"activeColor"`
	Running bool        `json:"running"`
	TakenAt time.Time   `json:"takenAt"`
}

// Snapshot is a point-in-time copy of a session. It is what clients receive
// on join and what the cache stores.
type Snapshot struct {
	ID               string                 `json:"gameId"`
	Participants     []string               `json:"participants"`
	Moves            []Move                 `json:"moves"`
	Turn             color.Color            `json:"currentTurn"`
	Mode             Mode                   `json:"mode"`
	EngineDifficulty int                    `json:"engineDifficulty,omitempty"`
	EngineSeat       color.Color            `json:"engineSeat,omitempty"`
	Seats            map[color.Color]string `json:"seats,omitempty"`
	TimeControl      string                 `json:"timeControl,omitempty"`
	FEN              string                 `json:"fen"`
	Status           Status                 `json:"status"`
	Result           string                 `json:"result,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	Clock            *ClockReading          `json:"clock,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// Config returns the creation settings the snapshot was taken with
func (snap Snapshot) Config() Config {
	return Config{
		Mode:             snap.Mode,
		EngineDifficulty: snap.EngineDifficulty,
		EngineSeat:       snap.EngineSeat,
		Seats:            snap.Seats,
		TimeControl:      snap.TimeControl,
	}
}

// Snapshot copies the session. Later mutations do not show through.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.ID,
		Participants:     append([]string{}, s.Participants...),
		Moves:            append([]Move{}, s.Moves...),
		Turn:             s.Turn,
		Mode:             s.Mode,
		EngineDifficulty: s.EngineDifficulty,
		EngineSeat:       s.EngineSeat,
		Seats:            make(map[color.Color]string, len(s.Seats)),
		TimeControl:      s.TimeControl,
		FEN:              s.board.FEN(),
		Status:           s.Status,
		Result:           s.Result,
		Reason:           s.Reason,
		CreatedAt:        s.CreatedAt,
	}

	for seat, owner := range s.Seats {
		snap.Seats[seat] = owner
	}

	if r, ok := s.ClockReading(); ok {
		snap.Clock = &r
	}

	return snap
}

// ClockReading returns the current clock state, if the session is timed
func (s *Session) ClockReading() (ClockReading, bool) {
	if s.clock == nil {
		return ClockReading{}, false
	}

	times := s.clock.Remaining()
	return ClockReading{
		WhiteMs: times.White.Milliseconds(),
		BlackMs: times.Black.Milliseconds(),
		Active:  s.clock.Active(),
		Running: s.clock.Running(),
		TakenAt: time.Now(),
	}, true
}

// Restore rebuilds a session from a snapshot by replaying its move log.
// Participants are not restored; they belonged to connections that are gone.
// A running clock is charged for the time since the snapshot was taken.
func Restore(snap Snapshot, onTimeup func(color.Color)) (*Session, error) {
	s := NewSession(snap.ID, snap.Config(), onTimeup)

	// the restored clock replaces the fresh one below
	fresh := s.clock
	s.clock = nil

	for i, m := range snap.Moves {
		if err := s.board.PushNotationMove(m.UCI(), chess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %d (%s) of %s: %w", i+1, m.UCI(), snap.ID, err)
		}
		s.Moves = append(s.Moves, m)
	}

	if len(snap.Moves)%2 == 1 {
		s.Turn = color.Black
	}

	if !snap.CreatedAt.IsZero() {
		s.CreatedAt = snap.CreatedAt
	}

	if snap.Status == StatusOver {
		s.Status = StatusOver
		s.Result = snap.Result
		s.Reason = snap.Reason
	}

	if fresh != nil {
		fresh.Stop()
		tc, _ := clock.ParseTimeControl(snap.TimeControl)

		if snap.Clock != nil {
			var since time.Time
			if snap.Clock.Running && s.Status == StatusPlaying {
				since = snap.Clock.TakenAt
				if since.IsZero() && len(s.Moves) > 0 {
					since = s.Moves[len(s.Moves)-1].Timestamp
				}
				if since.IsZero() {
					since = time.Now()
				}
			}
			s.clock = clock.Restore(tc, clock.Times{
				White: time.Duration(snap.Clock.WhiteMs) * time.Millisecond,
				Black: time.Duration(snap.Clock.BlackMs) * time.Millisecond,
			}, s.Turn, since, onTimeup)
		} else {
			s.clock = fresh
		}
	}

	return s, nil
}
