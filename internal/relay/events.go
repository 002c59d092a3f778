// ABOUTME: Realtime event names and the JSON shapes sent to clients
// ABOUTME: Views decouple the wire format from the store types

package relay

import (
	"time"

	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/store"
)

// Events consumed from clients
const (
	EventMessageSend           = "message:send"
	EventMessage               = "message"
	EventMarkMessageAsRead     = "markMessageAsRead"
	EventMarkAllMessagesAsRead = "markAllMessagesAsRead"
	EventGetHistory            = "getConversationHistory"
	EventGetConversations      = "getUserConversations"
	EventJoinConversation      = "joinConversation"
	EventLeaveConversation     = "leaveConversation"
	EventGetUnreadCount        = "getUnreadCount"
	EventGetDetails            = "getConversationDetails"
)

// Events produced for clients. EventMessage doubles as the room broadcast of
// a new reply.
const (
	EventConnected               = "connected"
	EventMessageResponse         = "messageResponse"
	EventAssistantChunk          = "assistant_chunk"
	EventMessageMarkedAsRead     = "messageMarkedAsRead"
	EventAllMessagesMarkedAsRead = "allMessagesMarkedAsRead"
	EventMessageStatusUpdate     = "messageStatusUpdate"
	EventConversationMarkedRead  = "conversationMarkedAsRead"
	EventConversationHistory     = "conversationHistory"
	EventUserConversations       = "userConversations"
	EventJoinedConversation      = "joinedConversation"
	EventLeftConversation        = "leftConversation"
	EventUnreadCount             = "unreadCount"
	EventConversationDetails     = "conversationDetails"
	EventError                   = "error"
)

// Emitter delivers events to the client that triggered an operation
type Emitter interface {
	Emit(event string, data any)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(event string, data any)

// Emit calls f
func (f EmitterFunc) Emit(event string, data any) { f(event, data) }

type nopEmitter struct{}

func (nopEmitter) Emit(string, any) {}

// MessageView is the wire form of a message
type MessageView struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	Sender         store.Sender       `json:"sender"`
	SenderID       string             `json:"senderId,omitempty"`
	Content        string             `json:"content"`
	Status         store.MessageStatus `json:"status"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	Usage          *store.TokenUsage  `json:"usage,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// NewMessageView converts a stored message
func NewMessageView(m *store.Message) *MessageView {
	if m == nil {
		return nil
	}
	return &MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Status:         m.Status,
		Attachments:    m.Attachments,
		Usage:          m.Usage,
		CreatedAt:      m.CreatedAt,
	}
}

// MessageViews converts a slice of messages
func MessageViews(msgs []*store.Message) []*MessageView {
	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessageView(m))
	}
	return out
}

// LastMessage summarizes the latest turn of a conversation
type LastMessage struct {
	Text   string       `json:"text"`
	SentBy store.Sender `json:"sentBy"`
	At     *time.Time   `json:"at"`
}

// ConversationView is the wire form of a conversation
type ConversationView struct {
	ID          string                   `json:"id"`
	UserID      string                   `json:"userId"`
	AgentID     string                   `json:"agentId"`
	ThreadID    string                   `json:"threadId,omitempty"`
	Status      store.ConversationStatus `json:"status"`
	Pinned      bool                     `json:"pinned"`
	LastMessage *LastMessage             `json:"lastMessage,omitempty"`
	UnreadCount int                      `json:"unreadCount"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// NewConversationView converts a stored conversation
func NewConversationView(c *store.Conversation) *ConversationView {
	if c == nil {
		return nil
	}
	v := &ConversationView{
		ID:          c.ID,
		UserID:      c.UserID,
		AgentID:     c.AgentID,
		ThreadID:    c.ThreadID,
		Status:      c.Status,
		Pinned:      c.Pinned,
		UnreadCount: c.UnreadCount,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if c.LastMessageAt != nil {
		v.LastMessage = &LastMessage{Text: c.LastMessageText, SentBy: c.LastMessageSentBy, At: c.LastMessageAt}
	}
	return v
}

// ConversationViews converts a slice of conversations
func ConversationViews(convs []*store.Conversation) []*ConversationView {
	out := make([]*ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, NewConversationView(c))
	}
	return out
}

// AgentView is the public form of an agent
type AgentView struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      store.AgentStatus `json:"status"`
}

// NewAgentView converts a stored agent, hiding the assistant id
func NewAgentView(a *store.Agent) *AgentView {
	if a == nil {
		return nil
	}
	return &AgentView{ID: a.ID, Title: a.Title, Description: a.Description, Status: a.Status}
}

// Pagination describes one page of a listing
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination computes the page count
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// MessageResponse is the final reply of a send
type MessageResponse struct {
	ConversationID  string          `json:"conversationId"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	UserMessage     *MessageView    `json:"userMessage"`
	Message         *MessageView    `json:"message"`
	Credits         credits.Balance `json:"credits"`
}

// ChunkPayload is one streamed fragment of a reply
type ChunkPayload struct {
	ConversationID string `json:"conversationId"`
	Chunk          string `json:"chunk"`
	FullText       string `json:"fullText"`
	IsComplete     bool   `json:"isComplete"`
}

// ErrorPayload is the body of an error event
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
}

// MessageReadPayload acknowledges a single read
type MessageReadPayload struct {
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	Status         store.MessageStatus `json:"status"`
	UserID         string              `json:"userId,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// AllReadPayload acknowledges a bulk read
type AllReadPayload struct {
	ConversationID  string    `json:"conversationId"`
	MessagesUpdated int       `json:"messagesUpdated"`
	UnreadCount     int       `json:"unreadCount"`
	UserID          string    `json:"userId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// HistoryPayload is one page of conversation history
type HistoryPayload struct {
	ConversationID string         `json:"conversationId"`
	Messages       []*MessageView `json:"messages"`
	Pagination     Pagination     `json:"pagination"`
}

// ConversationsPayload lists a user's conversations
type ConversationsPayload struct {
	Conversations []*ConversationView `json:"conversations"`
}

// RoomPayload acknowledges a join or leave
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// UnreadPayload carries the unread total across conversations
type UnreadPayload struct {
	UnreadCount int `json:"unreadCount"`
}

// DetailsPayload describes one conversation in full
type DetailsPayload struct {
	Conversation *ConversationView `json:"conversation"`
	Agent        *AgentView        `json:"agent,omitempty"`
	Credits      credits.Balance   `json:"credits"`
}

// ConnectedPayload greets a freshly authenticated socket
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Guest        bool   `json:"guest"`
}
