package messages

import (
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/game"
)

// OutboundMessage is how we wrap responses before sending
// them to the client
type OutboundMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Server events
const (
	EventConnected    = "connected"
	EventGameState    = "game-state"
	EventMoveMade     = "move-made"
	EventComputerMove = "computer-move"
	EventGameOver     = "game-over"
	EventError        = "error"
)

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// GameStatePayload is the late-join catch-up: a full session snapshot
type GameStatePayload = game.Snapshot

// MoveMadePayload is broadcast to every member after a move is recorded
type MoveMadePayload struct {
	GameID      string             `json:"gameId"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	Piece       string             `json:"piece"`
	Promotion   string             `json:"promotion,omitempty"`
	CurrentTurn color.Color        `json:"currentTurn"`
	Ply         int                `json:"ply"`
	Clock       *game.ClockReading `json:"clock,omitempty"`
}

// ComputerMovePayload follows the move-made of an engine move
type ComputerMovePayload struct {
	GameID string      `json:"gameId"`
	Move   string      `json:"move"`
	From   string      `json:"from"`
	To     string      `json:"to"`
	Piece  string      `json:"piece"`
	Color  color.Color `json:"color"`
}

type GameOverPayload struct {
	GameID string `json:"gameId"`
	Result string `json:"result"`
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
