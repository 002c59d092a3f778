// ABOUTME: SQLite persistence for conversations and their denormalized summaries
// ABOUTME: Thread binding and status changes are conditional updates (first writer wins)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `id, user_id, agent_id, thread_id, status, pinned,
	last_message_text, last_message_sent_by, last_message_at, unread_count, created_at, updated_at`

// CreateConversation inserts a conversation.
// Returns ErrDuplicate if the user already has an active conversation with the agent.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Status == "" {
		conv.Status = ConversationActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, agent_id, thread_id, status, pinned,
			last_message_text, last_message_sent_by, last_message_at, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.UserID,
		conv.AgentID,
		nullString(conv.ThreadID),
		string(conv.Status),
		boolToInt(conv.Pinned),
		conv.LastMessageText,
		string(conv.LastMessageSentBy),
		nullTime(conv.LastMessageAt),
		conv.UnreadCount,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID, "agent_id", conv.AgentID)
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// FindActiveConversation returns the active conversation for a (user, agent) pair
func (s *SQLiteStore) FindActiveConversation(ctx context.Context, userID, agentID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? AND agent_id = ? AND status = 'active'
	`, userID, agentID)
	return scanConversation(row)
}

// FindConversationByThread returns the conversation bound to an external thread
func (s *SQLiteStore) FindConversationByThread(ctx context.Context, threadID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE thread_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, threadID)
	return scanConversation(row)
}

// BindConversationThread sets the external thread id if none is set yet.
// Binding the same id again is a no-op; a different id returns ErrConflict.
func (s *SQLiteStore) BindConversationThread(ctx context.Context, id, threadID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET thread_id = ?, updated_at = ?
		WHERE id = ? AND thread_id IS NULL
	`, threadID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("binding thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		s.logger.Debug("bound thread", "conversation_id", id, "thread_id", threadID)
		return nil
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.ThreadID == threadID {
		return nil
	}
	return ErrConflict
}

// UpdateConversationSummary records the latest turn in a single statement
func (s *SQLiteStore) UpdateConversationSummary(ctx context.Context, id, text string, sentBy Sender, at time.Time, incrementUnread bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_text = ?, last_message_sent_by = ?, last_message_at = ?,
			unread_count = unread_count + ?, updated_at = ?
		WHERE id = ?
	`, text, string(sentBy), formatTime(at), boolToInt(incrementUnread), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating conversation summary: %w", err)
	}
	return expectOneRow(result)
}

// ResetUnread sets the unread counter to zero
func (s *SQLiteStore) ResetUnread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET unread_count = 0 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("resetting unread: %w", err)
	}
	return expectOneRow(result)
}

// SetConversationStatus moves a conversation from one status to another.
// Returns ErrConflict if the conversation is not currently in `from`.
func (s *SQLiteStore) SetConversationStatus(ctx context.Context, id string, from, to ConversationStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), formatTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// SetConversationPinned toggles the pinned flag
func (s *SQLiteStore) SetConversationPinned(ctx context.Context, id string, pinned bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET pinned = ?, updated_at = ? WHERE id = ?
	`, boolToInt(pinned), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating pinned: %w", err)
	}
	return expectOneRow(result)
}

// ListConversations returns a user's conversations, pinned first, then by latest activity
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = ?`
	args := []any{userID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PinnedOnly {
		query += ` AND pinned = 1`
	}
	query += ` ORDER BY pinned DESC, COALESCE(last_message_at, created_at) DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	return s.queryConversations(ctx, query, args...)
}

// ListIdleConversations returns active conversations with no activity since `before`
func (s *SQLiteStore) ListIdleConversations(ctx context.Context, before time.Time) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'active' AND COALESCE(last_message_at, created_at) < ?
		ORDER BY COALESCE(last_message_at, created_at) ASC
	`, formatTime(before))
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var threadID, lastAt sql.NullString
	var status, sentBy, createdAt, updatedAt string
	var pinned int

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.AgentID,
		&threadID,
		&status,
		&pinned,
		&c.LastMessageText,
		&sentBy,
		&lastAt,
		&c.UnreadCount,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.ThreadID = threadID.String
	c.Status = ConversationStatus(status)
	c.Pinned = pinned != 0
	c.LastMessageSentBy = Sender(sentBy)
	if c.LastMessageAt, err = parseNullTime(lastAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// expectOneRow maps an UPDATE that matched nothing to ErrNotFound
func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
