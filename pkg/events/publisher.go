package events

import (
	"sync"

	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/pkg/game"
)

// EventType represents the type of event
type EventType string

// Define event types
const (
	EventSessionCreated   EventType = "SESSION_CREATED"
	EventMoveRecorded     EventType = "MOVE_RECORDED"
	EventEngineMoved      EventType = "ENGINE_MOVED"
	EventEngineFailed     EventType = "ENGINE_FAILED"
	EventGameOver         EventType = "GAME_OVER"
	EventGameFinished     EventType = "GAME_FINISHED"
	EventSeatsFilled      EventType = "SEATS_FILLED"
	EventSessionEvicted   EventType = "SESSION_EVICTED"
	EventConnectionClosed EventType = "CONNECTION_CLOSED"
	EventChatRelayed      EventType = "CHAT_RELAYED"
)

const allEvents EventType = "*"

// Event represents an event in the system
type Event struct {
	Type    EventType
	GameID  string // Optional, can be empty for non-game events
	Payload interface{}
}

// MovePayload accompanies MOVE_RECORDED and ENGINE_MOVED
type MovePayload struct {
	Move     game.Move
	Snapshot game.Snapshot
}

// GameOverPayload accompanies GAME_OVER, raised when a live session ends
type GameOverPayload struct {
	Result   string
	Reason   string
	Snapshot game.Snapshot
}

// GameFinishedPayload accompanies GAME_FINISHED, raised when a game record
// reaches a terminal status through the REST API
type GameFinishedPayload struct {
	Status string
	Result string
}

// SeatsPayload accompanies SEATS_FILLED, raised when a player takes the open
// seat of a game record
type SeatsPayload struct {
	Seats map[color.Color]string
}

// EvictedPayload accompanies SESSION_EVICTED
type EvictedPayload struct {
	Finished bool
}

// Handler is a function that processes events
type Handler func(event Event)

// Publisher is the central event publisher. Handlers run synchronously on the
// publishing goroutine, in subscription order; slow handlers must hand off.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
}

// NewPublisher creates a new event publisher
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (p *Publisher) Subscribe(eventType EventType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers[eventType] = append(p.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for all event types
func (p *Publisher) SubscribeAll(handler Handler) {
	p.Subscribe(allEvents, handler)
}

// Publish broadcasts an event to all subscribers including "all events" handlers
func (p *Publisher) Publish(event Event) {
	p.mu.RLock()
	handlers := append([]Handler{}, p.subscribers[event.Type]...)
	handlers = append(handlers, p.subscribers[allEvents]...)
	p.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
