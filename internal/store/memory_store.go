// ABOUTME: In-memory Store implementation with the same conditional semantics as SQLite
// ABOUTME: Backs guest sessions (discarded on disconnect) and tests that skip SQLite

package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. All methods return copies.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	credits       map[string]*CreditBalance // keyed by "userID:agentID"
	agents        map[string]*Agent
	conversations map[string]*Conversation
	messages      map[string]*Message   // keyed by message ID
	convMessages  map[string][]string   // conversation ID -> message IDs in insertion order
	packs         map[string]*MessagePack
	payments      map[string]*Payment // keyed by order ID
	notifications map[string]*Notification
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		credits:       make(map[string]*CreditBalance),
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		convMessages:  make(map[string][]string),
		packs:         make(map[string]*MessagePack),
		payments:      make(map[string]*Payment),
		notifications: make(map[string]*Notification),
	}
}

func creditKey(userID, agentID string) string {
	return userID + ":" + agentID
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// CreateUser stores a new user.
func (m *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicate
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	u := copyUser(user)
	u.Credits = nil
	m.users[u.ID] = u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail retrieves a user by email.
func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// ListUsers returns users ordered by creation time.
func (m *MemoryStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []*User
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// UpdateUserProfile applies the non-nil profile fields.
func (m *MemoryStore) UpdateUserProfile(ctx context.Context, id string, profile UserProfile) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if profile.Name != nil {
		u.Name = *profile.Name
	}
	if profile.ProfileImage != nil {
		u.ProfileImage = *profile.ProfileImage
	}
	return copyUser(u), nil
}

// UpdateUserSettings replaces the settings document.
func (m *MemoryStore) UpdateUserSettings(ctx context.Context, id string, settings map[string]any) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Settings = maps.Clone(settings)
	if len(u.Settings) == 0 {
		u.Settings = nil
	}
	return copyUser(u), nil
}

// DeleteUser removes a user and the data it owns. Payments stay.
func (m *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)

	for key, b := range m.credits {
		if b.UserID == id {
			delete(m.credits, key)
		}
	}
	for convID, c := range m.conversations {
		if c.UserID != id {
			continue
		}
		for _, msgID := range m.convMessages[convID] {
			delete(m.messages, msgID)
		}
		delete(m.convMessages, convID)
		delete(m.conversations, convID)
	}
	for nID, n := range m.notifications {
		if n.UserID == id {
			delete(m.notifications, nID)
		}
	}
	return nil
}

func copyUser(u *User) *User {
	c := *u
	c.Settings = maps.Clone(u.Settings)
	return &c
}

// GetCreditBalance returns a copy of the balance for a pair.
func (m *MemoryStore) GetCreditBalance(ctx context.Context, userID, agentID string) (*CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.credits[creditKey(userID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *b
	return &result, nil
}

// EnsureCreditBalance seeds a balance if missing.
func (m *MemoryStore) EnsureCreditBalance(ctx context.Context, userID, agentID string, free int) (*CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := creditKey(userID, agentID)
	b, ok := m.credits[key]
	if !ok {
		b = &CreditBalance{
			UserID:       userID,
			AgentID:      agentID,
			FreeMessages: free,
			UpdatedAt:    time.Now(),
		}
		m.credits[key] = b
	}
	result := *b
	return &result, nil
}

// IncrementUsedIfAvailable consumes one message under the store lock.
func (m *MemoryStore) IncrementUsedIfAvailable(ctx context.Context, userID, agentID string) (*CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.credits[creditKey(userID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	if b.UsedMessages >= b.Total() {
		return nil, ErrInsufficient
	}
	b.UsedMessages++
	b.UpdatedAt = time.Now()
	result := *b
	return &result, nil
}

// AddPurchased adds purchased messages to an existing balance.
func (m *MemoryStore) AddPurchased(ctx context.Context, userID, agentID string, amount int) (*CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.credits[creditKey(userID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	b.PurchasedMessages += amount
	b.UpdatedAt = time.Now()
	result := *b
	return &result, nil
}

// ListCreditBalances returns all balances of a user ordered by agent.
func (m *MemoryStore) ListCreditBalances(ctx context.Context, userID string) ([]*CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var balances []*CreditBalance
	for _, b := range m.credits {
		if b.UserID == userID {
			c := *b
			balances = append(balances, &c)
		}
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].AgentID < balances[j].AgentID })
	return balances, nil
}

// UpsertAgent creates or replaces an agent.
func (m *MemoryStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.agents[agent.ID]; ok {
		agent.CreatedAt = existing.CreatedAt
	} else if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns agents ordered by title.
func (m *MemoryStore) ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Agent
	for _, a := range m.agents {
		if activeOnly && a.Status != AgentStatusActive {
			continue
		}
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Title < agents[j].Title })
	return agents, nil
}

// CreateConversation stores a conversation, enforcing one active per pair.
func (m *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	if conv.Status == ConversationActive {
		for _, c := range m.conversations {
			if c.UserID == conv.UserID && c.AgentID == conv.AgentID && c.Status == ConversationActive {
				return ErrDuplicate
			}
		}
	}
	c := copyConversation(conv)
	m.conversations[c.ID] = c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// FindActiveConversation returns the active conversation for a pair.
func (m *MemoryStore) FindActiveConversation(ctx context.Context, userID, agentID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.UserID == userID && c.AgentID == agentID && c.Status == ConversationActive {
			return copyConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

// FindConversationByThread returns the newest conversation bound to a thread.
func (m *MemoryStore) FindConversationByThread(ctx context.Context, threadID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, c := range m.conversations {
		if c.ThreadID != threadID || threadID == "" {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found), nil
}

// BindConversationThread binds a thread id once.
func (m *MemoryStore) BindConversationThread(ctx context.Context, id, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	switch c.ThreadID {
	case "":
		c.ThreadID = threadID
		c.UpdatedAt = time.Now()
		return nil
	case threadID:
		return nil
	default:
		return ErrConflict
	}
}

// UpdateConversationSummary records the latest turn.
func (m *MemoryStore) UpdateConversationSummary(ctx context.Context, id, text string, sentBy Sender, at time.Time, incrementUnread bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageText = text
	c.LastMessageSentBy = sentBy
	ts := at
	c.LastMessageAt = &ts
	if incrementUnread {
		c.UnreadCount++
	}
	c.UpdatedAt = time.Now()
	return nil
}

// ResetUnread zeroes the unread counter.
func (m *MemoryStore) ResetUnread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UnreadCount = 0
	return nil
}

// SetConversationStatus transitions from `from` to `to`.
func (m *MemoryStore) SetConversationStatus(ctx context.Context, id string, from, to ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrConflict
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

// SetConversationPinned toggles the pinned flag.
func (m *MemoryStore) SetConversationPinned(ctx context.Context, id string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Pinned = pinned
	c.UpdatedAt = time.Now()
	return nil
}

// ListConversations returns a user's conversations, pinned first then most recent.
func (m *MemoryStore) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.PinnedOnly && !c.Pinned {
			continue
		}
		convs = append(convs, copyConversation(c))
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].Pinned != convs[j].Pinned {
			return convs[i].Pinned
		}
		return lastActivity(convs[i]).After(lastActivity(convs[j]))
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// ListIdleConversations returns active conversations idle since before.
func (m *MemoryStore) ListIdleConversations(ctx context.Context, before time.Time) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.Status == ConversationActive && lastActivity(c).Before(before) {
			convs = append(convs, copyConversation(c))
		}
	}
	sort.Slice(convs, func(i, j int) bool { return lastActivity(convs[i]).Before(lastActivity(convs[j])) })
	return convs, nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func copyConversation(c *Conversation) *Conversation {
	result := *c
	if c.LastMessageAt != nil {
		ts := *c.LastMessageAt
		result.LastMessageAt = &ts
	}
	return &result
}

// SaveMessage appends a message.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	m.messages[msg.ID] = copyMessage(msg)
	m.convMessages[msg.ConversationID] = append(m.convMessages[msg.ConversationID], msg.ID)
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns one page, most recent page first, each page oldest first.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page, limit = normalizePage(page, limit, 50)
	ids := m.convMessages[conversationID]
	total := len(ids)

	end := total - (page-1)*limit
	if end <= 0 {
		return nil, total, nil
	}
	start := max(end-limit, 0)

	messages := make([]*Message, 0, end-start)
	for _, id := range ids[start:end] {
		messages = append(messages, copyMessage(m.messages[id]))
	}
	return messages, total, nil
}

// AdvanceMessageStatus moves a message forward only.
func (m *MemoryStore) AdvanceMessageStatus(ctx context.Context, id string, to MessageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if msg.Status.Rank() >= to.Rank() {
		return false, nil
	}
	msg.Status = to
	return true, nil
}

// MarkConversationMessagesRead moves sent and delivered messages to read.
func (m *MemoryStore) MarkConversationMessagesRead(ctx context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for _, id := range m.convMessages[conversationID] {
		msg := m.messages[id]
		if msg.Status == MessageSent || msg.Status == MessageDelivered {
			msg.Status = MessageRead
			changed++
		}
	}
	return changed, nil
}

// CountUnread sums the unread counters of a user's conversations.
func (m *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, c := range m.conversations {
		if c.UserID == userID {
			total += c.UnreadCount
		}
	}
	return total, nil
}

// MessageStats aggregates per agent.
func (m *MemoryStore) MessageStats(ctx context.Context, userID string) ([]AgentMessageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byAgent := make(map[string]*AgentMessageStats)
	for _, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		st, ok := byAgent[c.AgentID]
		if !ok {
			st = &AgentMessageStats{AgentID: c.AgentID}
			byAgent[c.AgentID] = st
		}
		st.Conversations++
		st.Unread += c.UnreadCount
		for _, id := range m.convMessages[c.ID] {
			msg := m.messages[id]
			switch msg.Sender {
			case SenderUser:
				st.UserMessages++
			case SenderAgent:
				st.AgentMessages++
			}
			if msg.Usage != nil {
				st.TotalTokens += msg.Usage.TotalTokens
			}
		}
	}

	stats := make([]AgentMessageStats, 0, len(byAgent))
	for _, st := range byAgent {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].AgentID < stats[j].AgentID })
	return stats, nil
}

func copyMessage(msg *Message) *Message {
	result := *msg
	result.Attachments = slices.Clone(msg.Attachments)
	if msg.Usage != nil {
		u := *msg.Usage
		result.Usage = &u
	}
	return &result
}

// UpsertMessagePack creates or replaces a pack.
func (m *MemoryStore) UpsertMessagePack(ctx context.Context, pack *MessagePack) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.packs {
		if p.Name == pack.Name && p.ID != pack.ID {
			return ErrDuplicate
		}
	}
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now()
	}
	if pack.Currency == "" {
		pack.Currency = "INR"
	}
	p := *pack
	m.packs[p.ID] = &p
	return nil
}

// GetMessagePack retrieves a pack by ID.
func (m *MemoryStore) GetMessagePack(ctx context.Context, id string) (*MessagePack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packs[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// ListMessagePacks returns packs in display order.
func (m *MemoryStore) ListMessagePacks(ctx context.Context, activeOnly bool) ([]*MessagePack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var packs []*MessagePack
	for _, p := range m.packs {
		if activeOnly && !p.Active {
			continue
		}
		c := *p
		packs = append(packs, &c)
	}
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].DisplayOrder != packs[j].DisplayOrder {
			return packs[i].DisplayOrder < packs[j].DisplayOrder
		}
		return packs[i].Price < packs[j].Price
	})
	return packs, nil
}

// CreatePayment stores a payment keyed by order id.
func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.OrderID]; ok {
		return ErrDuplicate
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	c := *p
	m.payments[c.OrderID] = &c
	return nil
}

// GetPaymentByOrderID retrieves a payment.
func (m *MemoryStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// CompletePayment transitions pending to completed.
func (m *MemoryStore) CompletePayment(ctx context.Context, orderID, paymentID, signature string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != PaymentPending {
		return nil, ErrConflict
	}
	for _, other := range m.payments {
		if other.PaymentID != "" && other.PaymentID == paymentID {
			return nil, ErrDuplicate
		}
	}
	p.Status = PaymentCompleted
	p.PaymentID = paymentID
	p.Signature = signature
	p.UpdatedAt = time.Now()
	result := *p
	return &result, nil
}

// CancelPayment transitions pending to cancelled.
func (m *MemoryStore) CancelPayment(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != PaymentPending {
		return nil, ErrConflict
	}
	p.Status = PaymentCancelled
	p.UpdatedAt = time.Now()
	result := *p
	return &result, nil
}

// ListPayments returns a user's payments newest first.
func (m *MemoryStore) ListPayments(ctx context.Context, userID string, status PaymentStatus, page, limit int) ([]*Payment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page, limit = normalizePage(page, limit, 10)

	var all []*Payment
	for _, p := range m.payments {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		c := *p
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := min(start+limit, total)
	return all[start:end], total, nil
}

// ExpirePendingPayments cancels stale pending payments.
func (m *MemoryStore) ExpirePendingPayments(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.payments {
		if p.Status == PaymentPending && p.CreatedAt.Before(before) {
			p.Status = PaymentCancelled
			p.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// CreateNotification stores a notification.
func (m *MemoryStore) CreateNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[n.ID]; ok {
		return ErrDuplicate
	}
	c := *n
	m.notifications[c.ID] = &c
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (m *MemoryStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetNotificationRead flags a notification owned by userID.
func (m *MemoryStore) SetNotificationRead(ctx context.Context, userID, id string, read bool) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotFound
	}
	n.Read = read
	c := *n
	return &c, nil
}

// DeleteNotification removes a notification owned by userID.
func (m *MemoryStore) DeleteNotification(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.notifications[id]; ok && n.UserID == userID {
		delete(m.notifications, id)
	}
	return nil
}
