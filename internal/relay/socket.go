// ABOUTME: WebSocket transport for the relay: authentication, event dispatch and room fan-out
// ABOUTME: One writer goroutine per connection keeps outbound events in order

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/dedupe"
	"github.com/2389/agentchat/internal/store"
)

const (
	outboundBufferSize = 64
	writeTimeout       = 10 * time.Second
)

// Frame is the envelope of every socket message in both directions
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SocketConfig wires a SocketServer
type SocketConfig struct {
	Relay          *Relay
	Authenticator  *auth.Authenticator
	Registry       *ConnectionRegistry
	Dedupe         *dedupe.Cache // nil disables clientMessageId dedupe
	AllowGuests    bool          // connections without a token become guests
	GuestLimit     int           // messages per agent for guests
	SendRate       rate.Limit    // message:send per second, 0 means unlimited
	SendBurst      int
	OriginPatterns []string
	Logger         *slog.Logger
}

// SocketServer serves the realtime protocol
type SocketServer struct {
	cfg    SocketConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once
}

// NewSocketServer creates a socket server
func NewSocketServer(cfg SocketConfig) *SocketServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewConnectionRegistry(logger)
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	return &SocketServer{
		cfg:     cfg,
		logger:  logger.With("component", "socket"),
		closing: make(chan struct{}),
	}
}

// Registry returns the connection registry in use
func (s *SocketServer) Registry() *ConnectionRegistry { return s.cfg.Registry }

// Wait blocks until every connection handler has returned
func (s *SocketServer) Wait() { s.wg.Wait() }

// Close disconnects every live connection. Turns in flight are abandoned;
// the messages and charges they already stored stay.
func (s *SocketServer) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// ServeHTTP authenticates and upgrades the request, then runs the connection
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrGuestsDisabled) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("failed to accept websocket", "error", err, "user_id", principal.UserID)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	principal.ConnectionID = uuid.NewString()
	if err := s.cfg.Registry.Add(principal.ConnectionID, principal.UserID); err != nil {
		ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer s.cfg.Registry.Remove(principal.ConnectionID)

	rl := s.cfg.Relay
	if principal.Guest {
		rl = rl.ForGuest(s.cfg.GuestLimit)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	c := &socketConn{
		server:    s,
		relay:     rl,
		principal: principal,
		ws:        ws,
		ctx:       ctx,
		out:       make(chan outFrame, outboundBufferSize),
		rooms:     make(map[string]roomSub),
		logger:    s.logger.With("connection_id", principal.ConnectionID, "user_id", principal.UserID),
	}
	if s.cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(s.cfg.SendRate, s.cfg.SendBurst)
	}

	c.logger.Info("socket connected", "guest", principal.Guest)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop()
	}()

	c.Emit(EventConnected, ConnectedPayload{
		ConnectionID: principal.ConnectionID,
		UserID:       principal.UserID,
		Guest:        principal.Guest,
	})
	c.readLoop()

	cancel()
	c.handlers.Wait()
	<-writerDone
	ws.Close(websocket.StatusNormalClosure, "")
	c.logger.Info("socket disconnected")
}

func (s *SocketServer) authenticate(r *http.Request) (Principal, error) {
	token, _ := auth.TokenFromRequest(r)
	if token == "" {
		if !s.cfg.AllowGuests {
			return Principal{}, auth.ErrMissingToken
		}
		return Principal{UserID: "guest-" + uuid.NewString(), Guest: true}, nil
	}
	authCtx, err := s.cfg.Authenticator.Authenticate(r.Context(), token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: authCtx.UserID, Guest: authCtx.Guest}, nil
}

// socketConn is one live connection
type socketConn struct {
	server    *SocketServer
	relay     *Relay
	principal Principal
	ws        *websocket.Conn
	ctx       context.Context
	out       chan outFrame
	limiter   *rate.Limiter
	logger    *slog.Logger

	handlers sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]roomSub // by conversation id
}

type roomSub struct {
	subID string
	leave context.CancelFunc
}

// Emit queues an event for the writer. It drops the event once the
// connection is gone.
func (c *socketConn) Emit(event string, data any) {
	select {
	case c.out <- outFrame{Event: event, Data: data}:
	case <-c.ctx.Done():
	}
}

func (c *socketConn) emitError(event string, err error) {
	code, msg := Classify(err)
	if code == CodeInternal {
		c.logger.Error("socket request failed", "event", event, "error", err)
	}
	c.Emit(EventError, ErrorPayload{Message: msg, Code: code, Event: event})
}

func (c *socketConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, f)
			cancel()
			if err != nil {
				c.logger.Debug("socket write failed", "error", err)
				return
			}
		}
	}
}

func (c *socketConn) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				c.logger.Debug("socket closed by client", "status", websocket.CloseStatus(err))
			case c.ctx.Err() != nil:
			default:
				c.logger.Warn("socket read error", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.Emit(EventError, ErrorPayload{Message: "malformed frame", Code: CodeInvalidRequest})
			continue
		}
		c.dispatch(f)
	}
}

// dispatch routes one inbound frame. Sends run concurrently so a slow
// assistant turn does not block reads; everything else is answered inline.
func (c *socketConn) dispatch(f Frame) {
	switch f.Event {
	case EventMessageSend, EventMessage:
		var req sendFrame
		if !c.decode(f, &req) {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.Emit(EventError, ErrorPayload{Message: "sending too fast", Code: CodeRateLimited, Event: f.Event})
			return
		}
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			c.handleSend(f.Event, req)
		}()

	case EventMarkMessageAsRead:
		var req struct {
			MessageID string `json:"messageId"`
		}
		if !c.decode(f, &req) {
			return
		}
		out, err := c.relay.MarkMessageRead(c.ctx, c.principal, req.MessageID)
		if err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.Emit(EventMessageMarkedAsRead, out)

	case EventMarkAllMessagesAsRead:
		var req roomFrame
		if !c.decode(f, &req) {
			return
		}
		out, err := c.relay.MarkAllRead(c.ctx, c.principal, req.ConversationID)
		if err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.Emit(EventAllMessagesMarkedAsRead, out)

	case EventGetHistory:
		var req struct {
			ConversationID string `json:"conversationId"`
			Page           int    `json:"page"`
			Limit          int    `json:"limit"`
		}
		if !c.decode(f, &req) {
			return
		}
		out, err := c.relay.History(c.ctx, c.principal, req.ConversationID, req.Page, req.Limit)
		if err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.Emit(EventConversationHistory, out)

	case EventGetConversations:
		var req struct {
			Status store.ConversationStatus `json:"status"`
			Pinned bool                     `json:"pinned"`
		}
		if !c.decode(f, &req) {
			return
		}
		convs, err := c.relay.Conversations(c.ctx, c.principal, conversation.ListFilter{Status: req.Status, PinnedOnly: req.Pinned})
		if err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.Emit(EventUserConversations, ConversationsPayload{Conversations: ConversationViews(convs)})

	case EventJoinConversation:
		var req roomFrame
		if !c.decode(f, &req) {
			return
		}
		if _, err := c.relay.Authorize(c.ctx, c.principal, req.ConversationID); err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.join(req.ConversationID)
		c.Emit(EventJoinedConversation, RoomPayload{ConversationID: req.ConversationID})

	case EventLeaveConversation:
		var req roomFrame
		if !c.decode(f, &req) {
			return
		}
		c.leave(req.ConversationID)
		c.Emit(EventLeftConversation, RoomPayload{ConversationID: req.ConversationID})

	case EventGetUnreadCount:
		n, err := c.relay.UnreadCount(c.ctx, c.principal)
		if err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.Emit(EventUnreadCount, UnreadPayload{UnreadCount: n})

	case EventGetDetails:
		var req roomFrame
		if !c.decode(f, &req) {
			return
		}
		out, err := c.relay.Details(c.ctx, c.principal, req.ConversationID)
		if err != nil {
			c.emitError(f.Event, err)
			return
		}
		c.Emit(EventConversationDetails, out)

	default:
		c.Emit(EventError, ErrorPayload{Message: "unknown event", Code: CodeInvalidRequest, Event: f.Event})
	}
}

func (c *socketConn) decode(f Frame, v any) bool {
	if len(f.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		c.Emit(EventError, ErrorPayload{Message: "invalid payload", Code: CodeInvalidRequest, Event: f.Event})
		return false
	}
	return true
}

type roomFrame struct {
	ConversationID string `json:"conversationId"`
}

type sendFrame struct {
	ConversationID  string             `json:"conversationId"`
	AgentID         string             `json:"agentId"`
	Content         string             `json:"content"`
	Message         string             `json:"message"` // older clients
	ThreadID        string             `json:"threadId"`
	Attachments     []store.Attachment `json:"attachments"`
	ClientMessageID string             `json:"clientMessageId"`
}

func (c *socketConn) handleSend(event string, req sendFrame) {
	content := req.Content
	if strings.TrimSpace(content) == "" {
		content = req.Message
	}
	if req.ThreadID != "" {
		// thread identity belongs to the conversation
		c.logger.Debug("ignoring client thread id", "thread_id", req.ThreadID)
	}

	// a dropped connection cancels the external turn and its polling
	resp, err := c.relay.SendOnce(c.ctx, c.server.cfg.Dedupe, c.principal, SendRequest{
		ConversationID:  req.ConversationID,
		AgentID:         req.AgentID,
		Content:         content,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	}, c)
	if err != nil {
		c.emitError(event, err)
		return
	}
	c.join(resp.ConversationID)
}

// join subscribes the connection to a room once
func (c *socketConn) join(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[conversationID]; ok {
		return
	}
	roomCtx, leave := context.WithCancel(c.ctx)
	events, subID := c.relay.Rooms().Subscribe(roomCtx, conversationID, c.principal.ConnectionID)
	c.rooms[conversationID] = roomSub{subID: subID, leave: leave}

	// the channel closes when the room is left or the connection ends
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		for ev := range events {
			c.Emit(ev.Name, ev.Data)
		}
	}()
}

func (c *socketConn) leave(conversationID string) {
	c.mu.Lock()
	sub, ok := c.rooms[conversationID]
	delete(c.rooms, conversationID)
	c.mu.Unlock()
	if ok {
		sub.leave()
		c.relay.Rooms().Unsubscribe(conversationID, sub.subID)
	}
}
