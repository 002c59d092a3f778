// ABOUTME: Conversation Directory mapping (user, agent) pairs to one active conversation
// ABOUTME: Owns thread binding, the denormalized summary and the conversation lifecycle

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/agentchat/internal/store"
)

var (
	// ErrConversationNotFound is returned when a conversation does not exist
	// or belongs to another user
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrThreadAlreadyBound is returned when a conversation already has a
	// different external thread
	ErrThreadAlreadyBound = errors.New("thread already bound")

	// ErrNotActive is returned when a lifecycle change targets a conversation
	// that is no longer active
	ErrNotActive = errors.New("conversation is not active")
)

// Store defines what the directory needs from storage
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	FindActiveConversation(ctx context.Context, userID, agentID string) (*store.Conversation, error)
	BindConversationThread(ctx context.Context, id, threadID string) error
	UpdateConversationSummary(ctx context.Context, id, text string, sentBy store.Sender, at time.Time, incrementUnread bool) error
	ResetUnread(ctx context.Context, id string) error
	SetConversationStatus(ctx context.Context, id string, from, to store.ConversationStatus) error
	SetConversationPinned(ctx context.Context, id string, pinned bool) error
	ListConversations(ctx context.Context, userID string, filter store.ConversationFilter) ([]*store.Conversation, error)
}

// Turn is one side of an exchange as recorded in the conversation summary
type Turn struct {
	Text            string
	SentBy          store.Sender
	At              time.Time // zero means now
	IncrementUnread bool
}

// ListFilter narrows List
type ListFilter struct {
	Status     store.ConversationStatus
	PinnedOnly bool
	Limit      int
}

// Directory resolves and maintains conversations.
type Directory struct {
	store    Store
	inflight singleflight.Group
	logger   *slog.Logger
}

// NewDirectory creates a Directory. Pass nil logger for default.
func NewDirectory(s Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  s,
		logger: logger.With("component", "conversation"),
	}
}

// Resolve returns the active conversation for the pair, creating one if none exists.
// Concurrent callers for the same pair in this process share one lookup; a
// duplicate insert from another process is absorbed by re-querying.
func (d *Directory) Resolve(ctx context.Context, userID, agentID string) (*store.Conversation, error) {
	if userID == "" || agentID == "" {
		return nil, fmt.Errorf("user id and agent id are required")
	}

	// the shared lookup outlives any one caller; each caller waits on its own ctx
	flight := d.inflight.DoChan(userID+"\x00"+agentID, func() (any, error) {
		return d.findOrCreate(context.WithoutCancel(ctx), userID, agentID)
	})
	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	// Callers that shared the flight must not share the struct
	conv := *res.Val.(*store.Conversation)
	return &conv, nil
}

func (d *Directory) findOrCreate(ctx context.Context, userID, agentID string) (*store.Conversation, error) {
	conv, err := d.store.FindActiveConversation(ctx, userID, agentID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding conversation: %w", err)
	}

	now := time.Now()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		AgentID:   agentID,
		Status:    store.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another writer created the active conversation between our lookup and insert
			existing, lookupErr := d.store.FindActiveConversation(ctx, userID, agentID)
			if lookupErr == nil {
				d.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			d.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	d.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", userID, "agent_id", agentID)
	return conv, nil
}

// BindThread assigns the external thread id once. Binding the same id again
// is a no-op; a different id fails with ErrThreadAlreadyBound.
func (d *Directory) BindThread(ctx context.Context, conversationID, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	err := d.store.BindConversationThread(ctx, conversationID, threadID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		d.logger.Error("thread already bound", "conversation_id", conversationID, "thread_id", threadID)
		return ErrThreadAlreadyBound
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	default:
		return fmt.Errorf("binding thread: %w", err)
	}
}

// RecordTurn updates the conversation summary in a single write
func (d *Directory) RecordTurn(ctx context.Context, conversationID string, turn Turn) error {
	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}
	err := d.store.UpdateConversationSummary(ctx, conversationID, turn.Text, turn.SentBy, at, turn.IncrementUnread)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// MarkRead resets the unread counter
func (d *Directory) MarkRead(ctx context.Context, conversationID string) error {
	err := d.store.ResetUnread(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("resetting unread: %w", err)
	}
	return nil
}

// Get returns a conversation owned by userID. Other users' conversations
// are reported as ErrConversationNotFound.
func (d *Directory) Get(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// List returns a user's conversations, pinned first then most recent
func (d *Directory) List(ctx context.Context, userID string, filter ListFilter) ([]*store.Conversation, error) {
	convs, err := d.store.ListConversations(ctx, userID, store.ConversationFilter{
		Status:     filter.Status,
		PinnedOnly: filter.PinnedOnly,
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// SetPinned toggles the pinned flag, independent of status
func (d *Directory) SetPinned(ctx context.Context, userID, conversationID string, pinned bool) (*store.Conversation, error) {
	if _, err := d.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if err := d.store.SetConversationPinned(ctx, conversationID, pinned); err != nil {
		return nil, fmt.Errorf("setting pinned: %w", err)
	}
	return d.Get(ctx, userID, conversationID)
}

// Close ends an active conversation. The next message to the agent starts a new one.
func (d *Directory) Close(ctx context.Context, userID, conversationID string) error {
	return d.transition(ctx, userID, conversationID, store.ConversationClosed)
}

// Archive moves an active conversation to archived.
func (d *Directory) Archive(ctx context.Context, userID, conversationID string) error {
	return d.transition(ctx, userID, conversationID, store.ConversationArchived)
}

// ArchiveIdle archives a conversation without an ownership check. Used by maintenance.
func (d *Directory) ArchiveIdle(ctx context.Context, conversationID string) error {
	err := d.store.SetConversationStatus(ctx, conversationID, store.ConversationActive, store.ConversationArchived)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return ErrNotActive
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	default:
		return fmt.Errorf("archiving conversation: %w", err)
	}
}

func (d *Directory) transition(ctx context.Context, userID, conversationID string, to store.ConversationStatus) error {
	if _, err := d.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	err := d.store.SetConversationStatus(ctx, conversationID, store.ConversationActive, to)
	if errors.Is(err, store.ErrConflict) {
		return ErrNotActive
	}
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	d.logger.Info("conversation status changed", "conversation_id", conversationID, "status", to)
	return nil
}
