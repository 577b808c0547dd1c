// Package server relays live chess sessions over websockets
package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/internal/color"
	"github.com/tecu23/chess-relay/internal/messages"
	"github.com/tecu23/chess-relay/pkg/engine"
	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/game"
	"github.com/tecu23/chess-relay/pkg/manager"
	"github.com/tecu23/chess-relay/pkg/metrics"
)

const (
	prepareTimeout = 5 * time.Second
	noMove         = "(none)"
)

// GameDirectory derives the settings of a session from its game record. It
// reports false when the id has no record.
type GameDirectory interface {
	SessionConfig(ctx context.Context, id string) (game.Config, bool, error)
}

// SnapshotLoader returns the last saved snapshot of a session, or nil
type SnapshotLoader interface {
	Load(ctx context.Context, id string) (*game.Snapshot, error)
}

// Options wires the hub's optional collaborators
type Options struct {
	Directory GameDirectory
	Snapshots SnapshotLoader
	Engines   *engine.Table
	Metrics   *metrics.Metrics
	IdleTTL   time.Duration
}

// InboundHubMessage are the messages that the hub receives
type InboundHubMessage struct {
	Conn    *Connection             // who sent it
	Message messages.InboundMessage // decoded envelope
	Err     error                   // set when the frame could not be decoded
}

type joinRequest struct {
	conn     *Connection
	gameID   string
	config   game.Config
	recorded bool // config came from a game record
	snapshot *game.Snapshot
	err      error
}

type engineStarted struct {
	sessionID string
	err       error
}

type timeup struct {
	sessionID string
	loser     color.Color
}

// Hub owns every connection and session membership. All protocol events are
// handled one at a time on the Run goroutine; slow work happens elsewhere and
// comes back as another event.
type Hub struct {
	connections map[*Connection]bool            // Registered connections
	groups      map[string]map[*Connection]bool // Members of each session
	evictions   map[string]*time.Timer          // Idle sessions awaiting eviction
	starting    map[string]bool                 // Sessions whose engine is starting

	register      chan *Connection       // Incoming registration
	unregister    chan *Connection       // Incoming unregistration
	inbound       chan InboundHubMessage // Decoded client messages
	joins         chan joinRequest
	engineResults chan engine.Result
	engineReady   chan engineStarted
	timeups       chan timeup
	evict         chan string
	records       chan events.Event // Game record changes made over REST

	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	manager   *manager.Manager
	publisher *events.Publisher
	opts      Options
	logger    *zap.Logger
}

// NewHub creates a new hub. Call Run to start it.
func NewHub(gm *manager.Manager, publisher *events.Publisher, opts Options, logger *zap.Logger) *Hub {
	h := &Hub{
		connections:   make(map[*Connection]bool),
		groups:        make(map[string]map[*Connection]bool),
		evictions:     make(map[string]*time.Timer),
		starting:      make(map[string]bool),
		register:      make(chan *Connection),
		unregister:    make(chan *Connection),
		inbound:       make(chan InboundHubMessage, 64),
		joins:         make(chan joinRequest, 16),
		engineResults: make(chan engine.Result, 16),
		engineReady:   make(chan engineStarted, 16),
		timeups:       make(chan timeup, 16),
		evict:         make(chan string, 16),
		records:       make(chan events.Event, 16),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		manager:       gm,
		publisher:     publisher,
		opts:          opts,
		logger:        logger,
	}

	gm.OnTimeup(func(sessionID string, loser color.Color) {
		select {
		case h.timeups <- timeup{sessionID: sessionID, loser: loser}:
		case <-h.quit:
		}
	})

	// the publisher may be called while the hub is busy publishing
	forward := func(e events.Event) {
		go func() {
			select {
			case h.records <- e:
			case <-h.quit:
			}
		}()
	}
	publisher.Subscribe(events.EventGameFinished, forward)
	publisher.Subscribe(events.EventSeatsFilled, forward)

	return h
}

// Run is the main execution of the hub
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case conn := <-h.register:
			h.registerConnection(conn)

		case conn := <-h.unregister:
			h.unregisterConnection(conn)

		case msg := <-h.inbound:
			h.handleInbound(msg)

		case req := <-h.joins:
			h.handleJoin(req)

		case res := <-h.engineResults:
			h.handleEngineResult(res)

		case ev := <-h.engineReady:
			h.handleEngineReady(ev)

		case t := <-h.timeups:
			h.handleTimeup(t)

		case id := <-h.evict:
			h.handleEvict(id)

		case e := <-h.records:
			h.handleRecord(e)

		case <-h.quit:
			h.stop()
			return
		}
	}
}

// Shutdown stops the hub and closes every connection's send queue
func (h *Hub) Shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Register adds a connection and greets it
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.quit:
		close(conn.send)
	}
}

// Unregister removes a connection from every session it joined
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.quit:
	}
}

// Submit decodes a client frame and hands it to the hub. A join is prepared
// here, on the caller's goroutine, because it may need the record store and
// the snapshot cache.
func (h *Hub) Submit(conn *Connection, raw []byte) {
	var msg messages.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.logger.Warn("Failed to parse inbound JSON", zap.Error(err))
		h.post(InboundHubMessage{Conn: conn, Err: apperr.Validation("malformed message")})
		return
	}

	if msg.Event != messages.EventJoinGame {
		h.post(InboundHubMessage{Conn: conn, Message: msg})
		return
	}

	req := h.prepareJoin(conn, msg.Payload)
	select {
	case h.joins <- req:
	case <-h.quit:
	}
}

func (h *Hub) post(msg InboundHubMessage) {
	select {
	case h.inbound <- msg:
	case <-h.quit:
	}
}

func (h *Hub) prepareJoin(conn *Connection, payload json.RawMessage) joinRequest {
	req := joinRequest{conn: conn}

	id, err := messages.ParseGameID(payload)
	if err != nil {
		req.err = apperr.Validation("invalid join-game payload")
		return req
	}
	if id == "" {
		req.err = apperr.Validation("gameId is required")
		return req
	}
	req.gameID = id

	ctx, cancel := context.WithTimeout(context.Background(), prepareTimeout)
	defer cancel()

	live := h.manager.Has(id)
	if !live && h.opts.Snapshots != nil {
		snap, err := h.opts.Snapshots.Load(ctx, id)
		if err != nil {
			conn.logger.Warn("failed to load session snapshot", zap.String("session_id", id), zap.Error(err))
		}
		req.snapshot = snap
	}

	// the record is read even for a live session: its seats may have been
	// filled since the session was created
	if err := h.lookupRecord(ctx, &req); err != nil {
		if !live && req.snapshot == nil {
			req.err = err
			return req
		}
		conn.logger.Warn("failed to look up game record", zap.String("session_id", id), zap.Error(err))
	}

	return req
}

func (h *Hub) lookupRecord(ctx context.Context, req *joinRequest) error {
	if h.opts.Directory == nil {
		return nil
	}

	cfg, found, err := h.opts.Directory.SessionConfig(ctx, req.gameID)
	if err != nil {
		return err
	}
	if found {
		req.config = cfg
		req.recorded = true
	}
	return nil
}

func (h *Hub) registerConnection(conn *Connection) {
	h.connections[conn] = true
	conn.logger.Info("New connection registered", zap.Int("connections", len(h.connections)))

	conn.SendJSON(messages.OutboundMessage{
		Event:   messages.EventConnected,
		Payload: messages.ConnectedPayload{ConnectionID: conn.ID},
	})
	h.observe()
}

func (h *Hub) unregisterConnection(conn *Connection) {
	if _, ok := h.connections[conn]; !ok {
		return
	}

	for id := range conn.sessions {
		h.leave(conn, id)
	}

	delete(h.connections, conn)
	close(conn.send)

	h.publisher.Publish(events.Event{
		Type:    events.EventConnectionClosed,
		Payload: map[string]string{"connection_id": conn.ID},
	})

	conn.logger.Info("Connection unregistered", zap.Int("connections", len(h.connections)))
	h.observe()
}

// handleInbound routes a decoded client message
func (h *Hub) handleInbound(msg InboundHubMessage) {
	if _, ok := h.connections[msg.Conn]; !ok {
		return
	}
	if msg.Err != nil {
		h.sendError(msg.Conn, msg.Err)
		return
	}

	switch msg.Message.Event {
	case messages.EventMakeMove:
		h.handleMove(msg.Conn, msg.Message.Payload)
	case messages.EventChatMessage:
		h.handleChat(msg.Conn, msg.Message.Payload)
	case messages.EventLeaveGame:
		h.handleLeave(msg.Conn, msg.Message.Payload)
	default:
		h.sendError(msg.Conn, apperr.Validation("unknown event %q", msg.Message.Event))
	}
}

func (h *Hub) handleJoin(req joinRequest) {
	conn := req.conn
	if _, ok := h.connections[conn]; !ok {
		return
	}
	if req.err != nil {
		h.sendError(conn, req.err)
		return
	}

	id := req.gameID
	if !h.manager.Has(id) {
		if req.snapshot != nil {
			if _, err := h.manager.Restore(*req.snapshot); err != nil {
				h.sendError(conn, err)
				return
			}
			h.publishSessionCreated(id, "snapshot")
		} else if _, created := h.manager.GetOrCreate(id, req.config); created {
			h.publishSessionCreated(id, "new")
		}
	}

	if req.recorded {
		if _, err := h.manager.BindSeats(id, req.config.Seats); err != nil {
			h.sendError(conn, err)
			return
		}
	}

	if t, ok := h.evictions[id]; ok {
		t.Stop()
		delete(h.evictions, id)
	}

	if err := h.manager.AddParticipant(id, conn.ID); err != nil {
		h.sendError(conn, err)
		return
	}

	if h.groups[id] == nil {
		h.groups[id] = make(map[*Connection]bool)
	}
	h.groups[id][conn] = true
	conn.sessions[id] = true
	conn.current = id

	snap, err := h.manager.Snapshot(id)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	conn.SendJSON(messages.OutboundMessage{
		Event:   messages.EventGameState,
		Payload: messages.GameStatePayload(snap),
	})

	conn.logger.Info("joined session",
		zap.String("session_id", id),
		zap.Int("participants", len(snap.Participants)),
	)

	if h.engineWanted(id) {
		h.startEngine(id)
	}
	h.observe()
}

func (h *Hub) publishSessionCreated(id, source string) {
	h.publisher.Publish(events.Event{
		Type:    events.EventSessionCreated,
		GameID:  id,
		Payload: map[string]string{"source": source},
	})
}

func (h *Hub) handleMove(conn *Connection, raw json.RawMessage) {
	var payload messages.MakeMovePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(conn, apperr.Validation("invalid make-move payload"))
		return
	}

	if payload.From == "" || payload.To == "" {
		conn.logger.Warn("move without from/to", zap.String("from", payload.From), zap.String("to", payload.To))
		h.sendError(conn, apperr.Validation("move requires from and to"))
		return
	}

	id, err := h.joinedSession(conn, payload.GameID)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	mv := game.Move{
		From:      payload.From,
		To:        payload.To,
		Piece:     payload.Piece,
		Promotion: payload.Promotion,
		By:        conn.actor(),
	}
	if _, err := h.recordMove(id, mv); err != nil {
		conn.logger.Debug("move rejected", zap.String("session_id", id), zap.Error(err))
		h.sendError(conn, err)
	}
}

// recordMove applies a move from a client or the engine, broadcasts it, and
// follows up with the end of the game or the engine's reply
func (h *Hub) recordMove(id string, mv game.Move) (game.MoveResult, error) {
	res, err := h.manager.RecordMove(id, mv)
	if err != nil {
		return res, err
	}

	snap, err := h.manager.Snapshot(id)
	if err != nil {
		return res, err
	}

	h.broadcast(id, messages.OutboundMessage{
		Event: messages.EventMoveMade,
		Payload: messages.MoveMadePayload{
			GameID:      id,
			From:        res.Move.From,
			To:          res.Move.To,
			Piece:       res.Move.Piece,
			Promotion:   res.Move.Promotion,
			CurrentTurn: res.Turn,
			Ply:         res.Ply,
			Clock:       snap.Clock,
		},
	})

	h.publisher.Publish(events.Event{
		Type:    events.EventMoveRecorded,
		GameID:  id,
		Payload: events.MovePayload{Move: res.Move, Snapshot: snap},
	})

	if res.Outcome.Decided() {
		h.announceOver(id, res.Outcome.Result, res.Outcome.Reason, snap)
		return res, nil
	}

	if snap.Mode == game.ModeEngine {
		h.requestEngineMove(id)
	}
	return res, nil
}

func (h *Hub) handleChat(conn *Connection, raw json.RawMessage) {
	var payload messages.ChatMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(conn, apperr.Validation("invalid chat-message payload"))
		return
	}

	id, err := h.joinedSession(conn, payload.GameID)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	payload.Message = strings.TrimSpace(payload.Message)
	if payload.Message == "" {
		h.sendError(conn, apperr.Validation("chat message is empty"))
		return
	}
	if utf8.RuneCountInString(payload.Message) > messages.MaxChatLength {
		h.sendError(conn, apperr.Validation("chat message exceeds %d characters", messages.MaxChatLength))
		return
	}

	payload.GameID = id
	if conn.Identity.Username != "" {
		payload.Username = conn.Identity.Username
	}
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	h.broadcast(id, messages.OutboundMessage{
		Event:   messages.EventChatMessage,
		Payload: payload,
	})

	h.publisher.Publish(events.Event{Type: events.EventChatRelayed, GameID: id})
}

func (h *Hub) handleLeave(conn *Connection, raw json.RawMessage) {
	requested, err := messages.ParseGameID(raw)
	if err != nil {
		h.sendError(conn, apperr.Validation("invalid leave-game payload"))
		return
	}

	id, err := h.joinedSession(conn, requested)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	h.leave(conn, id)
	h.observe()
}

// leave drops one membership. The last member out stops the engine and
// schedules the session for eviction.
func (h *Hub) leave(conn *Connection, id string) {
	delete(conn.sessions, id)
	if conn.current == id {
		conn.current = ""
		for other := range conn.sessions {
			conn.current = other
			break
		}
	}

	if members, ok := h.groups[id]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.groups, id)
		}
	}

	remaining, err := h.manager.RemoveParticipant(id, conn.ID)
	if err != nil {
		return
	}

	conn.logger.Info("left session", zap.String("session_id", id), zap.Int("participants", remaining))

	if remaining == 0 {
		h.stopEngine(id)
		h.scheduleEviction(id)
	}
}

func (h *Hub) joinedSession(conn *Connection, requested string) (string, error) {
	id := strings.TrimSpace(requested)
	if id == "" {
		id = conn.current
	}
	if id == "" || !conn.sessions[id] {
		return "", apperr.Wrap(apperr.KindSessionNotFound, manager.ErrSessionNotFound, "not joined to session "+id)
	}
	return id, nil
}

func (h *Hub) scheduleEviction(id string) {
	if t, ok := h.evictions[id]; ok {
		t.Stop()
	}

	h.evictions[id] = time.AfterFunc(h.opts.IdleTTL, func() {
		select {
		case h.evict <- id:
		case <-h.quit:
		}
	})
}

func (h *Hub) handleEvict(id string) {
	delete(h.evictions, id)
	if len(h.groups[id]) > 0 {
		return
	}

	snap, err := h.manager.Snapshot(id)
	if err != nil {
		return
	}

	if h.manager.Evict(id) {
		h.stopEngine(id)
		h.publisher.Publish(events.Event{
			Type:    events.EventSessionEvicted,
			GameID:  id,
			Payload: events.EvictedPayload{Finished: snap.Status == game.StatusOver},
		})
		h.observe()
	}
}

func (h *Hub) handleTimeup(t timeup) {
	loser, ok := h.manager.Flagged(t.sessionID)
	if !ok || loser != t.loser {
		return
	}
	h.finishSession(t.sessionID, string(loser.Opp()), "timeout")
}

// handleRecord applies a game record change to its live session, if any
func (h *Hub) handleRecord(e events.Event) {
	if !h.manager.Has(e.GameID) {
		return
	}

	switch p := e.Payload.(type) {
	case events.GameFinishedPayload:
		h.finishSession(e.GameID, p.Result, p.Status)
	case events.SeatsPayload:
		if _, err := h.manager.BindSeats(e.GameID, p.Seats); err != nil {
			h.logger.Warn("failed to bind seats", zap.String("session_id", e.GameID), zap.Error(err))
		}
	}
}

// finishSession ends a session that is still playing. Only the first cause
// of the end is announced.
func (h *Hub) finishSession(id, result, reason string) {
	if !h.manager.Finish(id, result, reason) {
		return
	}

	snap, err := h.manager.Snapshot(id)
	if err != nil {
		return
	}
	h.announceOver(id, result, reason, snap)
}

func (h *Hub) announceOver(id, result, reason string, snap game.Snapshot) {
	h.stopEngine(id)

	h.broadcast(id, messages.OutboundMessage{
		Event:   messages.EventGameOver,
		Payload: messages.GameOverPayload{GameID: id, Result: result, Reason: reason},
	})

	h.publisher.Publish(events.Event{
		Type:    events.EventGameOver,
		GameID:  id,
		Payload: events.GameOverPayload{Result: result, Reason: reason, Snapshot: snap},
	})

	h.logger.Info("game over",
		zap.String("session_id", id),
		zap.String("result", result),
		zap.String("reason", reason),
	)
}

// startEngine attaches an engine to the session in the background. The hub
// hears back through engineReady.
func (h *Hub) startEngine(id string) {
	if h.opts.Engines == nil {
		h.engineFailed(id, apperr.New(apperr.KindUpstream, "no engine available"))
		return
	}
	if h.starting[id] || h.opts.Engines.Has(id) {
		return
	}
	h.starting[id] = true

	go func() {
		err := h.opts.Engines.Start(context.Background(), id, h.onEngineResult)
		select {
		case h.engineReady <- engineStarted{sessionID: id, err: err}:
		case <-h.quit:
		}
	}()
}

func (h *Hub) onEngineResult(r engine.Result) {
	select {
	case h.engineResults <- r:
	case <-h.quit:
	}
}

func (h *Hub) handleEngineReady(ev engineStarted) {
	delete(h.starting, ev.sessionID)

	if ev.err != nil {
		h.engineFailed(ev.sessionID, ev.err)
		return
	}

	if len(h.groups[ev.sessionID]) == 0 || !h.manager.Has(ev.sessionID) {
		// everyone left while it was starting
		h.stopEngine(ev.sessionID)
		return
	}

	if !h.opts.Engines.Ready(ev.sessionID) {
		// stopped while starting and joined again since; that join found the
		// start in flight and left it to us
		if h.engineWanted(ev.sessionID) {
			h.startEngine(ev.sessionID)
		}
		return
	}

	h.observe()
	h.requestEngineMove(ev.sessionID)
}

func (h *Hub) engineWanted(id string) bool {
	snap, err := h.manager.Snapshot(id)
	return err == nil && snap.Mode == game.ModeEngine && snap.Status == game.StatusPlaying
}

func (h *Hub) requestEngineMove(id string) {
	if h.opts.Engines == nil || !h.opts.Engines.Ready(id) {
		return
	}

	moves, depth, ok := h.manager.EngineTurn(id)
	if !ok {
		return
	}

	if err := h.opts.Engines.Request(id, moves, depth); err != nil {
		h.engineFailed(id, err)
	}
}

func (h *Hub) handleEngineResult(r engine.Result) {
	if r.Err != nil {
		h.engineFailed(r.SessionID, r.Err)
		return
	}
	if r.Move == "" || r.Move == noMove {
		return
	}

	mv, fresh, err := h.manager.DecodeEngineMove(r.SessionID, r.Move)
	if !fresh {
		h.logger.Debug("dropping stale engine move", zap.String("session_id", r.SessionID), zap.String("move", r.Move))
		return
	}
	if err != nil {
		h.engineFailed(r.SessionID, err)
		return
	}

	res, err := h.recordMove(r.SessionID, mv)
	if err != nil {
		h.engineFailed(r.SessionID, err)
		return
	}

	h.broadcast(r.SessionID, messages.OutboundMessage{
		Event: messages.EventComputerMove,
		Payload: messages.ComputerMovePayload{
			GameID: r.SessionID,
			Move:   r.Move,
			From:   res.Move.From,
			To:     res.Move.To,
			Piece:  res.Move.Piece,
			Color:  res.Turn.Opp(),
		},
	})

	h.publisher.Publish(events.Event{
		Type:    events.EventEngineMoved,
		GameID:  r.SessionID,
		Payload: events.MovePayload{Move: res.Move},
	})
}

// engineFailed reports an engine problem to the session. The game goes on.
func (h *Hub) engineFailed(id string, err error) {
	h.logger.Error("engine failure", zap.String("session_id", id), zap.Error(err))

	if apperr.KindOf(err) != apperr.KindUpstream {
		err = apperr.Upstream(err, "engine failure")
	}
	h.broadcast(id, errorMessage(err))

	h.publisher.Publish(events.Event{
		Type:    events.EventEngineFailed,
		GameID:  id,
		Payload: err.Error(),
	})
	h.observe()
}

func (h *Hub) stopEngine(id string) {
	if h.opts.Engines == nil {
		return
	}
	if err := h.opts.Engines.Stop(id); err != nil {
		h.logger.Warn("failed to stop engine", zap.String("session_id", id), zap.Error(err))
	}
	h.observe()
}

// broadcast enqueues msg to every member of the session
func (h *Hub) broadcast(id string, msg messages.OutboundMessage) {
	for conn := range h.groups[id] {
		conn.SendJSON(msg)
	}
}

func (h *Hub) sendError(conn *Connection, err error) {
	conn.SendJSON(errorMessage(err))
}

func errorMessage(err error) messages.OutboundMessage {
	return messages.OutboundMessage{
		Event: messages.EventError,
		Payload: messages.ErrorPayload{
			Message: apperr.Message(err),
			Kind:    string(apperr.KindOf(err)),
		},
	}
}

func (h *Hub) observe() {
	m := h.opts.Metrics
	if m == nil {
		return
	}
	m.Connections.Set(float64(len(h.connections)))
	m.Sessions.Set(float64(h.manager.Len()))
	if h.opts.Engines != nil {
		m.Engines.Set(float64(h.opts.Engines.Len()))
	}
}

func (h *Hub) stop() {
	for id, t := range h.evictions {
		t.Stop()
		delete(h.evictions, id)
	}
	for conn := range h.connections {
		delete(h.connections, conn)
		close(conn.send)
	}
	h.logger.Info("hub stopped", zap.Int("sessions", h.manager.Len()))
}
