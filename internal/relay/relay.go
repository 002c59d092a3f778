// ABOUTME: Message Relay: the per-message pipeline from admission to the agent's reply
// ABOUTME: Orders persistence, credit deduction and the assistant turn, and fans the reply out

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentchat/internal/assistant"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/store"
)

// Relay errors. Credit and conversation errors come from their packages
// unchanged.
var (
	ErrAssistantUnavailable = errors.New("assistant unavailable")
	ErrEmptyContent         = errors.New("message content is required")
	ErrAgentRequired        = errors.New("agent id is required")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrAgentUnavailable     = errors.New("agent is not available")
	ErrAgentMismatch        = errors.New("conversation belongs to a different agent")
	ErrMessageNotFound      = errors.New("message not found")
)

const (
	maxHistoryLimit = 100

	// transcriptWindow bounds how many stored messages rebuild a thread
	transcriptWindow = 100
)

// Store is what the relay reads and writes directly
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	FindConversationByThread(ctx context.Context, threadID string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*store.Message, int, error)
	AdvanceMessageStatus(ctx context.Context, id string, to store.MessageStatus) (bool, error)
	MarkConversationMessagesRead(ctx context.Context, conversationID string) (int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Principal is the authenticated sender of a request
type Principal struct {
	UserID       string
	ConnectionID string // excluded from room broadcasts; empty for REST
	Guest        bool
}

// SendRequest is one user message. ConversationID is optional; when set it
// must belong to the sender and match AgentID.
type SendRequest struct {
	ConversationID  string
	AgentID         string
	Content         string
	Attachments     []store.Attachment
	ClientMessageID string
}

// SendResult is the outcome of a completed turn
type SendResult struct {
	Conversation *store.Conversation
	UserMessage  *store.Message
	Reply        *store.Message
	Credits      credits.Balance
}

// Response renders the result for clients
func (r *SendResult) Response(clientMessageID string) MessageResponse {
	return MessageResponse{
		ConversationID:  r.Conversation.ID,
		ClientMessageID: clientMessageID,
		UserMessage:     NewMessageView(r.UserMessage),
		Message:         NewMessageView(r.Reply),
		Credits:         r.Credits,
	}
}

// Deps wires a Relay
type Deps struct {
	Store     Store
	Ledger    *credits.Ledger
	Directory *conversation.Directory
	Assistant assistant.Client
	Poller    *assistant.Poller
	Rooms     *conversation.Broadcaster
	Stream    bool // use Streamer when the client supports it
	PageSize  int  // default history page size
	Logger    *slog.Logger
}

// Relay runs message turns and the read sub-protocol
type Relay struct {
	store     Store
	ledger    *credits.Ledger
	directory *conversation.Directory
	assistant assistant.Client
	poller    *assistant.Poller
	rooms     *conversation.Broadcaster
	stream    bool
	pageSize  int
	base      *slog.Logger
	logger    *slog.Logger
	now       func() time.Time

	turns keyedMutex
}

// New creates a Relay
func New(d Deps) *Relay {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poller := d.Poller
	if poller == nil {
		poller = assistant.NewPoller(0, 0)
	}
	rooms := d.Rooms
	if rooms == nil {
		rooms = conversation.NewBroadcaster(logger)
	}
	pageSize := d.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Relay{
		store:     d.Store,
		ledger:    d.Ledger,
		directory: d.Directory,
		assistant: d.Assistant,
		poller:    poller,
		rooms:     rooms,
		stream:    d.Stream,
		pageSize:  pageSize,
		base:      logger,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// Rooms exposes the broadcaster so transports can subscribe connections
func (r *Relay) Rooms() *conversation.Broadcaster { return r.rooms }

// Send runs one user message through the full pipeline:
// admission, resolve, persist user message, record turn, deduct, external
// turn, persist reply, record agent turn, emit and broadcast.
//
// Turns for one user and agent run one at a time from admission on, so a
// stored user message is always a charged one. Cancelling ctx abandons the
// external turn; what was stored and charged before it stays.
//
// A failure of the external turn returns an error wrapping
// ErrAssistantUnavailable; the user message and the deduction stay.
func (r *Relay) Send(ctx context.Context, p Principal, req SendRequest, emit Emitter) (*SendResult, error) {
	if emit == nil {
		emit = nopEmitter{}
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyContent
	}

	agentID := req.AgentID
	if req.ConversationID != "" {
		existing, err := r.directory.Get(ctx, p.UserID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if existing.Status != store.ConversationActive {
			return nil, conversation.ErrNotActive
		}
		if agentID == "" {
			agentID = existing.AgentID
		} else if agentID != existing.AgentID {
			return nil, ErrAgentMismatch
		}
	}
	if agentID == "" {
		return nil, ErrAgentRequired
	}
	agent, err := r.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// the balance and the active conversation are both per (user, agent)
	unlock := r.turns.Lock(p.UserID + "\x00" + agentID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// admission
	bal, err := r.ledger.Check(ctx, p.UserID, agentID)
	if err != nil {
		return nil, err
	}
	if !bal.HasCredits {
		return nil, credits.ErrInsufficientCredits
	}

	conv, err := r.directory.Resolve(ctx, p.UserID, agentID)
	if err != nil {
		return nil, err
	}
	if req.ConversationID != "" && conv.ID != req.ConversationID {
		// closed while this send waited for its turn
		return nil, conversation.ErrNotActive
	}

	logger := r.logger.With("conversation_id", conv.ID, "user_id", p.UserID, "agent_id", agentID)

	// the record of an admitted message is written even if the caller goes away
	durable := context.WithoutCancel(ctx)

	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         store.SenderUser,
		SenderID:       p.UserID,
		Content:        content,
		Status:         store.MessageDelivered,
		Attachments:    req.Attachments,
		CreatedAt:      r.now(),
	}
	if err := r.store.SaveMessage(durable, userMsg); err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}
	if err := r.directory.RecordTurn(durable, conv.ID, conversation.Turn{
		Text:   content,
		SentBy: store.SenderUser,
		At:     userMsg.CreatedAt,
	}); err != nil {
		return nil, err
	}

	bal, err = r.ledger.Deduct(durable, p.UserID, agentID)
	if err != nil {
		logger.Warn("deduction failed after user message was stored", "message_id", userMsg.ID, "error", err)
		return nil, err
	}

	reply, err := r.converse(ctx, conv, agent, content, emit)
	if err != nil {
		logger.Warn("assistant turn failed", "message_id", userMsg.ID, "error", err)
		return nil, err
	}

	replyAt := r.now()
	if !replyAt.After(userMsg.CreatedAt) {
		replyAt = userMsg.CreatedAt.Add(time.Millisecond)
	}
	agentMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         store.SenderAgent,
		SenderID:       agent.ID,
		Content:        reply.Text,
		Status:         store.MessageSent,
		Usage:          tokenUsage(reply.Usage),
		CreatedAt:      replyAt,
	}
	if err := r.store.SaveMessage(durable, agentMsg); err != nil {
		return nil, fmt.Errorf("saving agent message: %w", err)
	}
	if err := r.directory.RecordTurn(durable, conv.ID, conversation.Turn{
		Text:            reply.Text,
		SentBy:          store.SenderAgent,
		At:              agentMsg.CreatedAt,
		IncrementUnread: true,
	}); err != nil {
		return nil, err
	}

	if fresh, err := r.directory.Get(durable, p.UserID, conv.ID); err == nil {
		conv = fresh
	}

	result := &SendResult{Conversation: conv, UserMessage: userMsg, Reply: agentMsg, Credits: bal}
	resp := result.Response(req.ClientMessageID)
	emit.Emit(EventMessageResponse, resp)
	r.rooms.Publish(conv.ID, conversation.RoomEvent{Name: EventMessage, Data: resp}, p.ConnectionID)

	logger.Info("turn completed", "reply_id", agentMsg.ID, "remaining", bal.Remaining)
	return result, nil
}

func (r *Relay) agent(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if agent.Status != store.AgentStatusActive || agent.AssistantID == "" {
		return nil, ErrAgentUnavailable
	}
	return agent, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrAssistantUnavailable, err)
}

// converse submits the user content and waits for the assistant's reply,
// streaming partials to emit when possible
func (r *Relay) converse(ctx context.Context, conv *store.Conversation, agent *store.Agent, content string, emit Emitter) (*assistant.Reply, error) {
	threadID, err := r.thread(ctx, conv)
	if err != nil {
		return nil, err
	}
	if err := r.assistant.AddMessage(ctx, threadID, content, assistant.RoleUser); err != nil {
		return nil, unavailable(err)
	}

	if streamer, ok := r.assistant.(assistant.Streamer); ok && r.stream {
		var full strings.Builder
		reply, err := streamer.StreamRun(ctx, threadID, agent.AssistantID, func(chunk string) error {
			full.WriteString(chunk)
			emit.Emit(EventAssistantChunk, ChunkPayload{
				ConversationID: conv.ID,
				Chunk:          chunk,
				FullText:       full.String(),
			})
			return nil
		})
		if err != nil {
			return nil, unavailable(err)
		}
		emit.Emit(EventAssistantChunk, ChunkPayload{ConversationID: conv.ID, FullText: reply.Text, IsComplete: true})
		return reply, nil
	}

	run, err := r.assistant.CreateRun(ctx, threadID, agent.AssistantID)
	if err != nil {
		return nil, unavailable(err)
	}
	done, err := r.poller.PollUntilTerminal(ctx, r.assistant, threadID, run.ID)
	if err != nil {
		r.cancelRun(threadID, run.ID)
		return nil, unavailable(err)
	}
	if done.Status != assistant.StatusCompleted {
		return nil, unavailable(fmt.Errorf("run %s ended %s: %s", done.ID, done.Status, done.LastError))
	}

	reply, err := r.assistant.LatestReply(ctx, threadID)
	if err != nil {
		return nil, unavailable(err)
	}
	if reply.Usage == nil {
		reply.Usage = done.Usage
	}
	return reply, nil
}

// thread returns the conversation's external thread, creating and binding it
// on the first turn
func (r *Relay) thread(ctx context.Context, conv *store.Conversation) (string, error) {
	if conv.ThreadID != "" {
		return conv.ThreadID, nil
	}
	// conv may predate a bind made by the turn this one waited on
	current, err := r.directory.Get(ctx, conv.UserID, conv.ID)
	if err != nil {
		return "", err
	}
	if current.ThreadID != "" {
		conv.ThreadID = current.ThreadID
		return conv.ThreadID, nil
	}

	threadID, err := r.assistant.CreateThread(ctx)
	if err != nil {
		return "", unavailable(err)
	}

	err = r.directory.BindThread(ctx, conv.ID, threadID)
	if errors.Is(err, conversation.ErrThreadAlreadyBound) {
		// another process bound first; use its thread
		current, gerr := r.directory.Get(ctx, conv.UserID, conv.ID)
		if gerr != nil {
			return "", gerr
		}
		return current.ThreadID, nil
	}
	if err != nil {
		return "", err
	}
	conv.ThreadID = threadID
	return threadID, nil
}

// cancelRun stops an abandoned run so it does not keep working upstream.
// It runs detached from the request context, which may already be done.
func (r *Relay) cancelRun(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.assistant.CancelRun(ctx, threadID, runID); err != nil {
		r.logger.Debug("cancelling abandoned run failed", "thread_id", threadID, "run_id", runID, "error", err)
	}
}

// Transcript loads the stored turns of the conversation bound to threadID,
// oldest first, for assistant backends that keep transcripts in memory
func (r *Relay) Transcript(ctx context.Context, threadID string) ([]assistant.HistoryMessage, error) {
	conv, err := r.store.FindConversationByThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding conversation for thread: %w", err)
	}
	msgs, _, err := r.store.ListMessages(ctx, conv.ID, 1, transcriptWindow)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}

	out := make([]assistant.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Sender {
		case store.SenderUser:
			out = append(out, assistant.HistoryMessage{Role: assistant.RoleUser, Content: m.Content})
		case store.SenderAgent:
			out = append(out, assistant.HistoryMessage{Role: assistant.RoleAssistant, Content: m.Content})
		}
	}
	return out, nil
}

func tokenUsage(u *assistant.Usage) *store.TokenUsage {
	if u == nil {
		return nil
	}
	return &store.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
