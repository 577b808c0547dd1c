package messages

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InboundMessage is the generic wrapper for messages coming from the client.
// The "event" field tells us the action; "payload" is the data we parse further.
type InboundMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Client events
const (
	EventJoinGame    = "join-game"
	EventMakeMove    = "make-move"
	EventChatMessage = "chat-message"
	EventLeaveGame   = "leave-game"
)

// GameRefPayload names a game. Clients send either a bare string or {"gameId": ...}.
type GameRefPayload struct {
	GameID string `json:"gameId"`
}

// ParseGameID reads the game id of a join-game or leave-game payload.
// An empty payload yields an empty id.
func ParseGameID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), nil
	}

	var ref GameRefPayload
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("invalid game reference: %w", err)
	}
	return strings.TrimSpace(ref.GameID), nil
}

// MakeMovePayload represents the payload for making a move during a game
type MakeMovePayload struct {
	GameID    string `json:"gameId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Piece     string `json:"piece"`
	Promotion string `json:"promotion,omitempty"`
}

// ChatMessagePayload is relayed as is, apart from the username of an
// authenticated sender
type ChatMessagePayload struct {
	GameID    string `json:"gameId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MaxChatLength caps a single chat message, in characters
const MaxChatLength = 500
