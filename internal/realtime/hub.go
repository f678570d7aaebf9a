// ABOUTME: Websocket hub connecting browser clients to the shared message broadcast
// ABOUTME: Sends history on connect, forwards every recorded message, and records raw client pushes

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/2389/chatline/internal/auth"
	"github.com/2389/chatline/internal/conversation"
	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/metrics"
	"github.com/2389/chatline/internal/store"
)

// Event names on the wire.
const (
	EventHistory        = "history"
	EventMessageCreated = "message-created"
	EventError          = "error"
	EventMessage        = "message" // client to server
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultMaxFrameSize = 64 << 10
)

// Conversation is the part of the conversation service a session uses.
type Conversation interface {
	Record(ctx context.Context, msg *store.Message, source store.Source) (*store.Message, error)
	History(ctx context.Context) ([]*store.Message, error)
}

// MediaIndex resolves stored media names.
type MediaIndex interface {
	Open(storedName string) (*media.Object, error)
}

// Frame is one server-to-client websocket message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// clientFrame is one client-to-server websocket message.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// rawMessage is the payload of a client "message" event.
type rawMessage struct {
	Kind           store.Kind `json:"kind"`
	Text           string     `json:"text"`
	MediaReference string     `json:"mediaReference"`
	FileName       string     `json:"fileName"`
	SenderID       string     `json:"senderId"`
	RecipientID    string     `json:"recipientId"`
}

// Config configures a Hub.
type Config struct {
	AllowedOrigins []string // empty or "*" allows any origin
	SendBuffer     int      // queued frames per session beyond broadcasts
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxFrameSize   int64
}

// Hub upgrades websocket connections and runs one session per connection.
type Hub struct {
	cfg          Config
	conversation Conversation
	media        MediaIndex
	broadcaster  *conversation.Broadcaster
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewHub creates a Hub. Raw pushes may only reference media known to idx.
func NewHub(cfg Config, conv Conversation, idx MediaIndex, broadcaster *conversation.Broadcaster, logger *slog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = conversation.DefaultBufferSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:          cfg,
		conversation: conv,
		media:        idx,
		broadcaster:  broadcaster,
		logger:       logger.With("component", "realtime"),
		sessions:     make(map[string]*session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &session{
		id:        ulid.Make().String(),
		principal: auth.PrincipalID(r.Context()),
		conn:      conn,
		out:       make(chan Frame, h.cfg.SendBuffer),
		cancel:    cancel,
		hub:       h,
	}

	if !h.register(s) {
		cancel()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return
	}
	defer h.unregister(s)

	h.logger.Info("session connected", "session_id", s.id, "principal", s.principal, "remote", r.RemoteAddr)
	s.run(ctx)
	h.logger.Info("session disconnected", "session_id", s.id)
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	metrics.RealtimeSessions.Inc()
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	metrics.RealtimeSessions.Dec()
	h.wg.Done()
}

// Close disconnects every session and waits for them to finish.
// Hijacked connections are not tracked by http.Server.Shutdown, so the
// gateway calls this before shutting the server down.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session is one connected client. Only the write loop writes to conn.
type session struct {
	id        string
	principal string
	conn      *websocket.Conn
	out       chan Frame
	cancel    context.CancelFunc
	hub       *Hub
}

func (s *session) run(ctx context.Context) {
	defer s.cancel()

	// Subscribe before reading history so nothing recorded in between is missed.
	events, _ := s.hub.broadcaster.Subscribe(ctx)

	history, err := s.hub.conversation.History(ctx)
	if err != nil {
		s.hub.logger.Error("failed to load history", "session_id", s.id, "error", err)
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData("history unavailable")})
	} else {
		if history == nil {
			history = []*store.Message{}
		}
		s.enqueue(ctx, Frame{Event: EventHistory, Data: history})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, events)
	}()

	s.readLoop(ctx)
	s.cancel()
	<-writerDone
	s.conn.Close()
}

// enqueue queues a frame for this session only.
func (s *session) enqueue(ctx context.Context, f Frame) {
	select {
	case s.out <- f:
	case <-ctx.Done():
	}
}

func (s *session) writeLoop(ctx context.Context, events <-chan *store.Message) {
	pingInterval := s.hub.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	// Unblocks the read loop when writing stops first.
	defer s.conn.Close()

	for {
		// Frames queued for this session go first so history precedes broadcasts.
		select {
		case f := <-s.out:
			if !s.write(f) {
				return
			}
			continue
		default:
		}

		select {
		case f := <-s.out:
			if !s.write(f) {
				return
			}
		case msg, ok := <-events:
			if !ok {
				s.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if !s.write(Frame{Event: EventMessageCreated, Data: msg}) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *session) write(f Frame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
	if err := s.conn.WriteJSON(f); err != nil {
		s.hub.logger.Debug("websocket write failed", "session_id", s.id, "error", err)
		return false
	}
	return true
}

func (s *session) closeWith(code int, reason string) {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.hub.cfg.WriteWait))
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(s.hub.cfg.MaxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("websocket read error", "session_id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		s.handleFrame(ctx, data)
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData("frame is not valid JSON")})
		return
	}
	if frame.Event != EventMessage {
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData("unknown event: " + frame.Event)})
		return
	}

	var raw rawMessage
	if err := json.Unmarshal(frame.Data, &raw); err != nil {
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData("message payload is not an object")})
		return
	}
	if raw.Kind == "" && raw.MediaReference == "" {
		raw.Kind = store.KindText
	}
	if raw.MediaReference != "" && !s.hub.mediaExists(raw.MediaReference) {
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData("mediaReference not found")})
		return
	}

	_, err := s.hub.conversation.Record(ctx, &store.Message{
		Kind:           raw.Kind,
		Text:           raw.Text,
		MediaReference: raw.MediaReference,
		FileName:       raw.FileName,
		SenderID:       raw.SenderID,
		RecipientID:    raw.RecipientID,
	}, store.SourceSocket)
	switch {
	case errors.Is(err, store.ErrInvalidMessage):
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData(err.Error())})
	case err != nil:
		s.hub.logger.Error("failed to record socket message", "session_id", s.id, "error", err)
		s.enqueue(ctx, Frame{Event: EventError, Data: errorData("message could not be saved")})
	}
}

func (h *Hub) mediaExists(storedName string) bool {
	if h.media == nil {
		return false
	}
	obj, err := h.media.Open(storedName)
	if err != nil {
		return false
	}
	obj.Close()
	return true
}

func errorData(msg string) map[string]string {
	return map[string]string{"error": msg}
}
