package game

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/color"
)

func play(t *testing.T, s *Session, by string, moves ...string) MoveResult {
	t.Helper()

	var res MoveResult
	for _, uci := range moves {
		var err error
		mv := Move{From: uci[:2], To: uci[2:4], By: by}
		if len(uci) == 5 {
			mv.Promotion = uci[4:]
		}
		res, err = s.Apply(mv)
		require.NoError(t, err, uci)
	}
	return res
}

func TestNewSession(t *testing.T) {
	s := NewSession("g1", Config{}, nil)

	assert.Equal(t, color.White, s.Turn)
	assert.Empty(t, s.Moves)
	assert.Empty(t, s.Participants)
	assert.Equal(t, ModeHuman, s.Mode)
	assert.Equal(t, StatusPlaying, s.Status)
	assert.Zero(t, s.EngineDifficulty)

	_, timed := s.ClockReading()
	assert.False(t, timed)
}

func TestNewSessionEngineDefaults(t *testing.T) {
	s := NewSession("g1", Config{Mode: ModeEngine}, nil)

	assert.Equal(t, DefaultDifficulty, s.EngineDifficulty)
	assert.Equal(t, color.Black, s.EngineSeat)
	assert.False(t, s.IsEngineTurn())

	s = NewSession("g2", Config{Mode: ModeEngine, EngineSeat: color.White, EngineDifficulty: 99}, nil)
	assert.True(t, s.IsEngineTurn())
	assert.Equal(t, MaxDepth, s.Depth())
}

func TestParticipantsAreASet(t *testing.T) {
	s := NewSession("g1", Config{}, nil)

	assert.True(t, s.AddParticipant("A"))
	assert.False(t, s.AddParticipant("A"))
	assert.True(t, s.AddParticipant("B"))
	assert.Equal(t, []string{"A", "B"}, s.Participants)

	assert.True(t, s.RemoveParticipant("A"))
	assert.False(t, s.RemoveParticipant("A"))
	assert.Equal(t, []string{"B"}, s.Participants)
}

func TestApplyAlternatesTurn(t *testing.T) {
	s := NewSession("g1", Config{}, nil)

	res := play(t, s, "", "e2e4")
	assert.Equal(t, color.Black, res.Turn)
	assert.Equal(t, 1, res.Ply)
	assert.Equal(t, "P", res.Move.Piece)
	assert.False(t, res.Move.Timestamp.IsZero())

	res = play(t, s, "", "e7e5")
	assert.Equal(t, color.White, res.Turn)
	assert.Equal(t, 2, res.Ply)
	assert.Equal(t, "p", res.Move.Piece)

	assert.Equal(t, []string{"e2e4", "e7e5"}, s.UCIMoves())
}

func TestApplyTakesPieceFromBoard(t *testing.T) {
	s := NewSession("g1", Config{}, nil)

	res, err := s.Apply(Move{From: "g1", To: "f3", Piece: "wN"})
	require.NoError(t, err)
	assert.Equal(t, "N", res.Move.Piece)

	res, err = s.Apply(Move{From: "e7", To: "e5", Piece: "Q"})
	require.NoError(t, err)
	assert.Equal(t, "p", res.Move.Piece)
	assert.Equal(t, "p", s.Moves[1].Piece)
}

func TestApplyRejectsWithoutMutation(t *testing.T) {
	s := NewSession("g1", Config{}, nil)
	play(t, s, "", "e2e4")
	before := s.Snapshot()

	cases := []Move{
		{From: "e2", To: "e4"},  // no piece there any more
		{From: "e7", To: "e4"},  // blocked
		{From: "z9", To: "e5"},  // not a square
		{From: "", To: "e5"},    // missing
		{From: "d2", To: "d4"},  // white moving on black's turn
		{From: "e7", To: "e5x"}, // malformed
	}

	for _, mv := range cases {
		_, err := s.Apply(mv)
		require.Error(t, err, "%+v", mv)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}

	after := s.Snapshot()
	assert.Equal(t, before.Moves, after.Moves)
	assert.Equal(t, before.Turn, after.Turn)
	assert.Equal(t, before.FEN, after.FEN)
}

func TestApplyHonorsSeats(t *testing.T) {
	s := NewSession("g1", Config{Seats: map[color.Color]string{color.White: "alice", color.Black: "bob"}}, nil)

	_, err := s.Apply(Move{From: "e2", To: "e4", By: "bob"})
	require.Error(t, err)
	assert.Empty(t, s.Moves)

	play(t, s, "alice", "e2e4")
	play(t, s, "bob", "e7e5")
}

func TestBindSeatsFillsOnlyOpenSeats(t *testing.T) {
	s := NewSession("g1", Config{Seats: map[color.Color]string{color.White: "alice"}}, nil)

	n := s.BindSeats(map[color.Color]string{color.White: "mallory", color.Black: "bob"})
	assert.Equal(t, 1, n)
	assert.Equal(t, "alice", s.Seats[color.White])
	assert.Equal(t, "bob", s.Seats[color.Black])

	play(t, s, "alice", "e2e4")
	_, err := s.Apply(Move{From: "e7", To: "e5", By: "stranger"})
	require.Error(t, err)
	play(t, s, "bob", "e7e5")

	engine := NewSession("g2", Config{Mode: ModeEngine, EngineSeat: color.Black}, nil)
	assert.Equal(t, 0, engine.BindSeats(map[color.Color]string{color.Black: "bob"}))
	assert.Equal(t, 1, engine.BindSeats(map[color.Color]string{color.White: "alice"}))
}

func TestApplyEngineSeat(t *testing.T) {
	s := NewSession("g1", Config{Mode: ModeEngine, EngineSeat: color.Black}, nil)

	_, err := s.Apply(Move{From: "e2", To: "e4", By: EngineOwner})
	require.Error(t, err, "engine may not move for white")

	play(t, s, "u1", "e2e4")
	assert.True(t, s.IsEngineTurn())

	_, err = s.Apply(Move{From: "e7", To: "e5", By: "u1"})
	require.Error(t, err, "human may not move for the engine")

	play(t, s, EngineOwner, "e7e5")
	assert.False(t, s.IsEngineTurn())
}

func TestApplyCheckmateEndsGame(t *testing.T) {
	s := NewSession("g1", Config{}, nil)

	res := play(t, s, "", "f2f3", "e7e5", "g2g4", "d8h4")
	require.True(t, res.Outcome.Decided())
	assert.Equal(t, ResultBlack, res.Outcome.Result)
	assert.Equal(t, "checkmate", res.Outcome.Reason)
	assert.Equal(t, StatusOver, s.Status)

	_, err := s.Apply(Move{From: "a2", To: "a3"})
	assert.Error(t, err)

	assert.False(t, s.Finish(ResultWhite, "timeout"), "first finish wins")
	assert.Equal(t, ResultBlack, s.Result)
}

func TestApplyPromotesToQueenByDefault(t *testing.T) {
	s := NewSession("g1", Config{}, nil)
	play(t, s, "", "e2e4", "d7d5", "e4d5", "c7c6", "d5c6", "g8f6", "c6b7", "b8d7")

	res, err := s.Apply(Move{From: "b7", To: "a8"})
	require.NoError(t, err)
	assert.Equal(t, "q", res.Move.Promotion)
	assert.Equal(t, "b7a8q", res.Move.UCI())
}

func TestDecodeUCI(t *testing.T) {
	s := NewSession("g1", Config{}, nil)
	play(t, s, "", "e2e4")

	mv, err := s.DecodeUCI("e7e5")
	require.NoError(t, err)
	assert.Equal(t, "e7", mv.From)
	assert.Equal(t, "e5", mv.To)
	assert.Equal(t, "p", mv.Piece)

	_, err = s.DecodeUCI("(none)")
	assert.Error(t, err)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewSession("g1", Config{Seats: map[color.Color]string{color.White: "alice"}}, nil)
	s.AddParticipant("A")
	play(t, s, "alice", "e2e4")

	snap := s.Snapshot()
	snap.Moves[0].From = "a1"
	snap.Participants[0] = "Z"
	snap.Seats[color.White] = "mallory"

	assert.Equal(t, "e2", s.Moves[0].From)
	assert.Equal(t, "A", s.Participants[0])
	assert.Equal(t, "alice", s.Seats[color.White])
}

func TestRestoreReplaysMoves(t *testing.T) {
	s := NewSession("g1", Config{Mode: ModeEngine, EngineDifficulty: 3, TimeControl: "5+3"}, nil)
	s.AddParticipant("A")
	play(t, s, "", "e2e4")
	play(t, s, EngineOwner, "c7c5")
	play(t, s, "", "g1f3")
	defer s.Stop()

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	r, err := Restore(snap, nil)
	require.NoError(t, err)
	defer r.Stop()

	assert.Equal(t, s.UCIMoves(), r.UCIMoves())
	assert.Equal(t, color.Black, r.Turn)
	assert.Equal(t, s.Snapshot().FEN, r.Snapshot().FEN)
	assert.Equal(t, 3, r.EngineDifficulty)
	assert.Empty(t, r.Participants)

	reading, ok := r.ClockReading()
	require.True(t, ok)
	assert.Equal(t, color.Black, reading.Active)
	assert.True(t, reading.Running)
	assert.LessOrEqual(t, reading.WhiteMs, int64(5*60*1000+3000))

	play(t, r, EngineOwner, "d7d6")
}

func TestRestoreChargesTimeSinceSnapshot(t *testing.T) {
	s := NewSession("g1", Config{TimeControl: "1+0"}, nil)
	play(t, s, "", "e2e4")
	s.Stop()

	snap := s.Snapshot()
	require.NotNil(t, snap.Clock)
	snap.Clock.Running = true
	snap.Clock.BlackMs = 60000
	snap.Clock.TakenAt = time.Now().Add(-10 * time.Second)

	r, err := Restore(snap, nil)
	require.NoError(t, err)
	defer r.Stop()

	reading, ok := r.ClockReading()
	require.True(t, ok)
	assert.Equal(t, color.Black, reading.Active)
	assert.LessOrEqual(t, reading.BlackMs, int64(50000))
	assert.Greater(t, reading.BlackMs, int64(45000))
}

func TestRestoreRejectsCorruptLog(t *testing.T) {
	_, err := Restore(Snapshot{ID: "g1", Moves: []Move{{From: "e2", To: "e5"}}}, nil)
	assert.Error(t, err)
}
