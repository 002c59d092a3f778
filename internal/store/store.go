// ABOUTME: Store interface and data types for agentchat persistence
// ABOUTME: Defines users, credit balances, agents, conversations, messages, packs and payments

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// ErrInsufficient is returned when a conditional credit increment matched no row
// because the balance is exhausted.
var ErrInsufficient = errors.New("no remaining credits")

// ErrConflict is returned when a conditional update lost against the current state
// (a thread already bound, a status transition from the wrong state).
var ErrConflict = errors.New("state conflict")

// Role of a user account
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an end-user account. Credits is filled by GetUserCredits only.
type User struct {
	ID           string
	Email        string
	Name         string
	ProfileImage string
	Settings     map[string]any // client preferences, stored as JSON
	Role         Role
	CreatedAt    time.Time
	Credits      map[string]CreditBalance // agent id -> balance
}

// UserProfile is the self-editable part of a user. Nil fields stay unchanged.
type UserProfile struct {
	Name         *string
	ProfileImage *string
}

// CreditBalance tracks the message allowance of one user for one agent.
// Invariant: UsedMessages <= FreeMessages + PurchasedMessages.
type CreditBalance struct {
	UserID            string
	AgentID           string
	FreeMessages      int
	PurchasedMessages int
	UsedMessages      int
	UpdatedAt         time.Time
}

// Total is the number of messages ever granted.
func (b CreditBalance) Total() int {
	return b.FreeMessages + b.PurchasedMessages
}

// Remaining is the number of messages still available, never negative.
func (b CreditBalance) Remaining() int {
	r := b.Total() - b.UsedMessages
	if r < 0 {
		return 0
	}
	return r
}

// AgentStatus constants
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// Agent is a configured assistant persona mapped to an external assistant id
type Agent struct {
	ID          string
	Title       string
	Description string
	AssistantID string
	Status      AgentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConversationStatus constants
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationClosed   ConversationStatus = "closed"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is the durable dialogue between one user and one agent.
// At most one conversation per (UserID, AgentID) may be active.
type Conversation struct {
	ID                string
	UserID            string
	AgentID           string
	ThreadID          string // empty until the first turn binds it
	Status            ConversationStatus
	Pinned            bool
	LastMessageText   string
	LastMessageSentBy Sender
	LastMessageAt     *time.Time
	UnreadCount       int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Sender identifies which side authored a message
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// MessageStatus is the delivery state of a message. Transitions only move forward.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Rank orders statuses so forward-only transitions can be checked.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	default:
		return 0
	}
}

// Attachment is a file reference carried by a message
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// TokenUsage records what an assistant turn cost
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Message is an append-only record of one side of a turn
type Message struct {
	ID             string
	ConversationID string
	Sender         Sender
	SenderID       string
	Content        string
	Status         MessageStatus
	Attachments    []Attachment
	Usage          *TokenUsage
	CreatedAt      time.Time
}

// MessagePack is a purchasable bundle of messages
type MessagePack struct {
	ID           string
	Name         string
	Description  string
	MessageCount int
	Price        int64 // minor currency units
	Currency     string
	ValidityDays int // 0 means no expiry
	Active       bool
	DisplayOrder int
	CreatedAt    time.Time
}

// PaymentStatus constants
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment is a purchase of a message pack for one agent
type Payment struct {
	ID            string
	UserID        string
	AgentID       string
	MessagePackID string
	Quantity      int
	OrderID       string
	PaymentID     string
	Signature     string
	Amount        int64
	Currency      string
	Status        PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Notification is a message to a user outside any conversation
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// ConversationFilter narrows ListConversations
type ConversationFilter struct {
	Status     ConversationStatus // empty means any
	PinnedOnly bool
	Limit      int
}

// AgentMessageStats is one row of a per-user message breakdown
type AgentMessageStats struct {
	AgentID       string
	Conversations int
	UserMessages  int
	AgentMessages int
	Unread        int
	TotalTokens   int
}

// UserStore persists user accounts
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	UpdateUserProfile(ctx context.Context, id string, profile UserProfile) (*User, error)
	UpdateUserSettings(ctx context.Context, id string, settings map[string]any) (*User, error)
	// DeleteUser removes the account with its balances, conversations, messages
	// and notifications. Payments are kept as the purchase record.
	DeleteUser(ctx context.Context, id string) error
}

// CreditStore persists credit balances. IncrementUsedIfAvailable must be atomic.
type CreditStore interface {
	GetCreditBalance(ctx context.Context, userID, agentID string) (*CreditBalance, error)
	EnsureCreditBalance(ctx context.Context, userID, agentID string, free int) (*CreditBalance, error)
	IncrementUsedIfAvailable(ctx context.Context, userID, agentID string) (*CreditBalance, error)
	AddPurchased(ctx context.Context, userID, agentID string, amount int) (*CreditBalance, error)
	ListCreditBalances(ctx context.Context, userID string) ([]*CreditBalance, error)
}

// AgentStore persists agent definitions
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error)
}

// ConversationStore persists conversations and their summaries
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindActiveConversation(ctx context.Context, userID, agentID string) (*Conversation, error)
	FindConversationByThread(ctx context.Context, threadID string) (*Conversation, error)
	BindConversationThread(ctx context.Context, id, threadID string) error
	UpdateConversationSummary(ctx context.Context, id, text string, sentBy Sender, at time.Time, incrementUnread bool) error
	ResetUnread(ctx context.Context, id string) error
	SetConversationStatus(ctx context.Context, id string, from, to ConversationStatus) error
	SetConversationPinned(ctx context.Context, id string, pinned bool) error
	ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]*Conversation, error)
	ListIdleConversations(ctx context.Context, before time.Time) ([]*Conversation, error)
}

// MessageStore persists messages
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*Message, int, error)
	AdvanceMessageStatus(ctx context.Context, id string, to MessageStatus) (bool, error)
	MarkConversationMessagesRead(ctx context.Context, conversationID string) (int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MessageStats(ctx context.Context, userID string) ([]AgentMessageStats, error)
}

// PackStore persists the message pack catalog
type PackStore interface {
	UpsertMessagePack(ctx context.Context, pack *MessagePack) error
	GetMessagePack(ctx context.Context, id string) (*MessagePack, error)
	ListMessagePacks(ctx context.Context, activeOnly bool) ([]*MessagePack, error)
}

// PaymentStore persists payments. Complete and Cancel only act on pending rows.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error)
	CompletePayment(ctx context.Context, orderID, paymentID, signature string) (*Payment, error)
	CancelPayment(ctx context.Context, orderID string) (*Payment, error)
	ListPayments(ctx context.Context, userID string, status PaymentStatus, page, limit int) ([]*Payment, int, error)
	ExpirePendingPayments(ctx context.Context, before time.Time) (int, error)
}

// NotificationStore persists user notifications. Every call is scoped to the owner.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error)
	SetNotificationRead(ctx context.Context, userID, id string, read bool) (*Notification, error)
	DeleteNotification(ctx context.Context, userID, id string) error
}

// Store is the full persistence contract
type Store interface {
	UserStore
	CreditStore
	AgentStore
	ConversationStore
	MessageStore
	PackStore
	PaymentStore
	NotificationStore

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
