// ABOUTME: Read sub-protocol and conversation queries shared by the socket and REST layers
// ABOUTME: Every operation is scoped to the principal; other users' data reads as not found

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/store"
)

// Authorize returns the conversation when it belongs to the principal
func (r *Relay) Authorize(ctx context.Context, p Principal, conversationID string) (*store.Conversation, error) {
	return r.directory.Get(ctx, p.UserID, conversationID)
}

// MarkMessageRead advances one message to read. Repeating it is a no-op
// that still acknowledges; the room only hears about real changes.
func (r *Relay) MarkMessageRead(ctx context.Context, p Principal, messageID string) (*MessageReadPayload, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if _, err := r.directory.Get(ctx, p.UserID, msg.ConversationID); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	changed, err := r.store.AdvanceMessageStatus(ctx, messageID, store.MessageRead)
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}

	payload := &MessageReadPayload{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		Status:         store.MessageRead,
		UserID:         p.UserID,
		Timestamp:      r.now(),
	}
	if changed {
		r.rooms.Publish(msg.ConversationID, conversation.RoomEvent{Name: EventMessageStatusUpdate, Data: payload}, p.ConnectionID)
	}
	return payload, nil
}

// MarkAllRead marks every message of the conversation read and clears its
// unread counter
func (r *Relay) MarkAllRead(ctx context.Context, p Principal, conversationID string) (*AllReadPayload, error) {
	conv, err := r.directory.Get(ctx, p.UserID, conversationID)
	if err != nil {
		return nil, err
	}

	n, err := r.store.MarkConversationMessagesRead(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("marking messages read: %w", err)
	}
	if err := r.directory.MarkRead(ctx, conv.ID); err != nil {
		return nil, err
	}

	payload := &AllReadPayload{
		ConversationID:  conv.ID,
		MessagesUpdated: n,
		UnreadCount:     0,
		UserID:          p.UserID,
		Timestamp:       r.now(),
	}
	if n > 0 || conv.UnreadCount > 0 {
		r.rooms.Publish(conv.ID, conversation.RoomEvent{Name: EventConversationMarkedRead, Data: payload}, p.ConnectionID)
	}
	return payload, nil
}

// History returns one page of messages, oldest first within the page.
// page and limit fall back to 1 and the configured page size.
func (r *Relay) History(ctx context.Context, p Principal, conversationID string, page, limit int) (*HistoryPayload, error) {
	conv, err := r.directory.Get(ctx, p.UserID, conversationID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = r.pageSize
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, total, err := r.store.ListMessages(ctx, conv.ID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return &HistoryPayload{
		ConversationID: conv.ID,
		Messages:       MessageViews(msgs),
		Pagination:     NewPagination(page, limit, total),
	}, nil
}

// Conversations lists the principal's conversations, pinned first
func (r *Relay) Conversations(ctx context.Context, p Principal, filter conversation.ListFilter) ([]*store.Conversation, error) {
	return r.directory.List(ctx, p.UserID, filter)
}

// UnreadCount totals unread agent messages across the principal's conversations
func (r *Relay) UnreadCount(ctx context.Context, p Principal) (int, error) {
	n, err := r.store.CountUnread(ctx, p.UserID)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// Details describes a conversation with its agent and the principal's
// credits for that agent
func (r *Relay) Details(ctx context.Context, p Principal, conversationID string) (*DetailsPayload, error) {
	conv, err := r.directory.Get(ctx, p.UserID, conversationID)
	if err != nil {
		return nil, err
	}

	out := &DetailsPayload{Conversation: NewConversationView(conv)}
	agent, err := r.store.GetAgent(ctx, conv.AgentID)
	switch {
	case err == nil:
		out.Agent = NewAgentView(agent)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	bal, err := r.ledger.Balance(ctx, p.UserID, conv.AgentID)
	if err != nil {
		return nil, err
	}
	out.Credits = bal
	return out, nil
}
