// Package game holds the live state of one chess session
package game

import (
	"fmt"
	"strings"
	"time"

	"github.com/corentings/chess/v2"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/clock"
)

// Mode is who sits at the board
type Mode string

// Session modes
const (
	ModeHuman  Mode = "human-vs-human"
	ModeEngine Mode = "human-vs-engine"
)

// Status is the live status of a session
type Status string

// Session statuses
const (
	StatusPlaying Status = "playing"
	StatusOver    Status = "over"
)

// Result values for a finished session
const (
	ResultWhite = "white"
	ResultBlack = "black"
	ResultDraw  = "draw"
)

// EngineOwner marks the engine as the mover or seat owner
const EngineOwner = "engine"

// Engine difficulty bounds. The difficulty is used as the search depth.
const (
	DefaultDifficulty = 5
	MaxDepth          = 20
)

// Config describes a session at creation time. The zero value is an
// unseated human-vs-human session.
type Config struct {
	Mode             Mode
	EngineDifficulty int
	EngineSeat       color.Color
	Seats            map[color.Color]string
	TimeControl      string
}

func (c Config) normalized() Config {
	if c.Mode != ModeEngine {
		c.Mode = ModeHuman
		c.EngineDifficulty = 0
		c.EngineSeat = ""
		return c
	}

	if c.EngineDifficulty <= 0 {
		c.EngineDifficulty = DefaultDifficulty
	}
	if !c.EngineSeat.Valid() {
		c.EngineSeat = color.Black
	}
	return c
}

// Move is one entry of the move log
type Move struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Piece     string    `json:"piece"`
	Promotion string    `json:"promotion,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	By        string    `json:"by,omitempty"`
}

// UCI returns the move in long algebraic form, e.g. "e7e8q"
func (m Move) UCI() string {
	return m.From + m.To + m.Promotion
}

// Outcome is set when a move ends the game
type Outcome struct {
	Result string
	Reason string
}

// Decided reports whether the game ended
func (o Outcome) Decided() bool {
	return o.Result != ""
}

// MoveResult is what RecordMove reports back
type MoveResult struct {
	Move    Move
	Turn    color.Color
	Ply     int
	Outcome Outcome
}

// Session is the transient server-side record of one game in progress.
// It is not safe for concurrent use; the registry serializes access.
type Session struct {
	ID           string
	Participants []string
	Moves        []Move
	Turn         color.Color

	Mode             Mode
	EngineDifficulty int
	EngineSeat       color.Color
	Seats            map[color.Color]string
	TimeControl      string

	Status Status
	Result string
	Reason string

	CreatedAt time.Time

	board *chess.Game
	clock *clock.Clock
}

// NewSession creates a session with white to move and an empty log. A clock is
// attached when cfg carries a parseable time control.
func NewSession(id string, cfg Config, onTimeup func(color.Color)) *Session {
	cfg = cfg.normalized()

	s := &Session{
		ID:               id,
		Participants:     []string{},
		Moves:            []Move{},
		Turn:             color.White,
		Mode:             cfg.Mode,
		EngineDifficulty: cfg.EngineDifficulty,
		EngineSeat:       cfg.EngineSeat,
		Seats:            map[color.Color]string{},
		TimeControl:      cfg.TimeControl,
		Status:           StatusPlaying,
		CreatedAt:        time.Now(),
		board:            chess.NewGame(),
	}

	for seat, owner := range cfg.Seats {
		if seat.Valid() && owner != "" {
			s.Seats[seat] = owner
		}
	}

	if cfg.TimeControl != "" {
		if tc, err := clock.ParseTimeControl(cfg.TimeControl); err == nil {
			s.clock = clock.New(tc, onTimeup)
		}
	}

	return s
}

// BindSeats assigns owners to seats that are still unbound. Bound seats and
// the engine's seat are left alone. It reports how many seats were bound.
func (s *Session) BindSeats(seats map[color.Color]string) int {
	bound := 0
	for seat, owner := range seats {
		if !seat.Valid() || owner == "" || s.Seats[seat] != "" {
			continue
		}
		if s.Mode == ModeEngine && seat == s.EngineSeat {
			continue
		}
		s.Seats[seat] = owner
		bound++
	}
	return bound
}

// AddParticipant inserts connID unless present. It reports whether it was added.
func (s *Session) AddParticipant(connID string) bool {
	for _, p := range s.Participants {
		if p == connID {
			return false
		}
	}
	s.Participants = append(s.Participants, connID)
	return true
}

// RemoveParticipant removes connID. It reports whether it was present.
func (s *Session) RemoveParticipant(connID string) bool {
	for i, p := range s.Participants {
		if p == connID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// IsEngineTurn reports whether the engine is to move
func (s *Session) IsEngineTurn() bool {
	return s.Mode == ModeEngine && s.Status == StatusPlaying && s.Turn == s.EngineSeat
}

// Depth is the search depth requested from the engine
func (s *Session) Depth() int {
	d := s.EngineDifficulty
	if d < 1 {
		d = 1
	}
	if d > MaxDepth {
		d = MaxDepth
	}
	return d
}

// UCIMoves returns the move log in UCI notation
func (s *Session) UCIMoves() []string {
	out := make([]string, 0, len(s.Moves))
	for _, m := range s.Moves {
		out = append(out, m.UCI())
	}
	return out
}

// Apply validates mv against the seat bindings, the clock and the rules, then
// appends it and flips the turn. A rejected move leaves the session unchanged.
func (s *Session) Apply(mv Move) (MoveResult, error) {
	if s.Status == StatusOver {
		return MoveResult{}, apperr.Validation("game %s is over", s.ID)
	}

	mv.From = strings.ToLower(strings.TrimSpace(mv.From))
	mv.To = strings.ToLower(strings.TrimSpace(mv.To))
	mv.Promotion = strings.ToLower(strings.TrimSpace(mv.Promotion))

	if !validSquare(mv.From) || !validSquare(mv.To) {
		return MoveResult{}, apperr.Validation("invalid move %q -> %q", mv.From, mv.To)
	}

	owner := s.seatOwner(s.Turn)
	if owner != "" && mv.By != owner {
		return MoveResult{}, apperr.Validation("it is %s's turn", s.Turn)
	}
	if mv.By == EngineOwner && owner != EngineOwner {
		return MoveResult{}, apperr.Validation("engine does not hold the %s seat", s.Turn)
	}

	piece, err := s.play(&mv)
	if err != nil {
		return MoveResult{}, apperr.Validation("illegal move %s", mv.UCI())
	}

	if s.clock != nil && !s.clock.Switch() {
		// the move arrived after the flag fell; undo it on the shadow board
		s.board = replay(s.Moves)
		return MoveResult{}, apperr.Validation("time expired for %s", s.Turn)
	}

	mv.Piece = piece
	mv.Timestamp = time.Now()

	s.Moves = append(s.Moves, mv)
	s.Turn = s.Turn.Opp()

	outcome := s.outcome()
	if outcome.Decided() {
		s.Finish(outcome.Result, outcome.Reason)
	}

	return MoveResult{
		Move:    mv,
		Turn:    s.Turn,
		Ply:     len(s.Moves),
		Outcome: outcome,
	}, nil
}

// DecodeUCI turns an engine reply such as "e7e5" into a Move for the side to move
func (s *Session) DecodeUCI(uci string) (Move, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if len(uci) < 4 || len(uci) > 5 {
		return Move{}, fmt.Errorf("malformed uci move %q", uci)
	}

	m, err := chess.UCINotation{}.Decode(s.board.Position(), uci)
	if err != nil {
		return Move{}, fmt.Errorf("decode %q: %w", uci, err)
	}

	mv := Move{
		From:  m.S1().String(),
		To:    m.S2().String(),
		Piece: pieceLetter(s.board.Position().Board().Piece(m.S1())),
	}
	if len(uci) == 5 {
		mv.Promotion = uci[4:]
	}

	return mv, nil
}

// Finish marks the session as over. It reports false if it already was.
func (s *Session) Finish(result, reason string) bool {
	if s.Status == StatusOver {
		return false
	}

	s.Status = StatusOver
	s.Result = result
	s.Reason = reason

	if s.clock != nil {
		s.clock.Stop()
	}
	return true
}

// Flagged returns the side whose clock ran out, if any
func (s *Session) Flagged() (color.Color, bool) {
	if s.clock == nil {
		return "", false
	}
	return s.clock.Flagged()
}

// Stop releases the session's timers
func (s *Session) Stop() {
	if s.clock != nil {
		s.clock.Stop()
	}
}

func (s *Session) seatOwner(side color.Color) string {
	if s.Mode == ModeEngine && side == s.EngineSeat {
		return EngineOwner
	}
	return s.Seats[side]
}

// play applies mv to the shadow board and returns the moving piece letter.
// A pawn reaching the last rank without a promotion piece becomes a queen.
func (s *Session) play(mv *Move) (string, error) {
	pos := s.board.Position()

	m, err := chess.UCINotation{}.Decode(pos, mv.UCI())
	if err != nil {
		return "", err
	}

	piece := pos.Board().Piece(m.S1())

	err = s.board.Move(m, nil)
	if err != nil && mv.Promotion == "" && piece.Type() == chess.Pawn && (mv.To[1] == '8' || mv.To[1] == '1') {
		mv.Promotion = "q"
		m, err = chess.UCINotation{}.Decode(pos, mv.UCI())
		if err == nil {
			err = s.board.Move(m, nil)
		}
		if err != nil {
			mv.Promotion = ""
		}
	}
	if err != nil {
		return "", err
	}

	return pieceLetter(piece), nil
}

func (s *Session) outcome() Outcome {
	var result string
	switch s.board.Outcome() {
	case chess.WhiteWon:
		result = ResultWhite
	case chess.BlackWon:
		result = ResultBlack
	case chess.Draw:
		result = ResultDraw
	default:
		return Outcome{}
	}

	return Outcome{Result: result, Reason: methodName(s.board.Method())}
}

func replay(moves []Move) *chess.Game {
	g := chess.NewGame()
	for _, m := range moves {
		if err := g.PushNotationMove(m.UCI(), chess.UCINotation{}, nil); err != nil {
			break
		}
	}
	return g
}

func methodName(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return "checkmate"
	case chess.Stalemate:
		return "stalemate"
	case chess.InsufficientMaterial:
		return "insufficient-material"
	case chess.FivefoldRepetition:
		return "fivefold-repetition"
	case chess.SeventyFiveMoveRule:
		return "seventy-five-move-rule"
	default:
		return "rules"
	}
}

// pieceLetter renders a piece FEN style: upper case for white
func pieceLetter(p chess.Piece) string {
	var letter string
	switch p.Type() {
	case chess.King:
		letter = "k"
	case chess.Queen:
		letter = "q"
	case chess.Rook:
		letter = "r"
	case chess.Bishop:
		letter = "b"
	case chess.Knight:
		letter = "n"
	case chess.Pawn:
		letter = "p"
	default:
		return ""
	}

	if p.Color() == chess.White {
		return strings.ToUpper(letter)
	}
	return letter
}

func validSquare(sq string) bool {
	return len(sq) == 2 && sq[0] >= 'a' && sq[0] <= 'h' && sq[1] >= '1' && sq[1] <= '8'
}
