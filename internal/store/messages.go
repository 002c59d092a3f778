// ABOUTME: SQLite persistence for append-only conversation messages
// ABOUTME: Status only moves forward (sent -> delivered -> read), enforced in SQL

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const messageColumns = `id, conversation_id, sender, sender_id, content, status,
	attachments_json, prompt_tokens, completion_tokens, total_tokens, created_at`

// statusRankSQL ranks the status column the same way MessageStatus.Rank does
const statusRankSQL = `CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

// SaveMessage appends a message to its conversation
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	var attachments any
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("encoding attachments: %w", err)
		}
		attachments = string(data)
	}

	var prompt, completion, total any
	if msg.Usage != nil {
		prompt, completion, total = msg.Usage.PromptTokens, msg.Usage.CompletionTokens, msg.Usage.TotalTokens
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.Sender),
		msg.SenderID,
		msg.Content,
		string(msg.Status),
		attachments,
		prompt,
		completion,
		total,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "sender", msg.Sender)
	return nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns one page of a conversation's history and the total count.
// Page 1 holds the most recent `limit` messages; each page is returned oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*Message, int, error) {
	page, limit = normalizePage(page, limit, 50)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, total, nil
}

// AdvanceMessageStatus moves a message forward to `to`.
// Returns false without error when the message is already at or past `to`.
func (s *SQLiteStore) AdvanceMessageStatus(ctx context.Context, id string, to MessageStatus) (bool, error) {
	if to.Rank() == 0 {
		return false, fmt.Errorf("unknown message status %q", to)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE id = ? AND `+statusRankSQL+` < ?
	`, string(to), id, to.Rank())
	if err != nil {
		return false, fmt.Errorf("advancing message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkConversationMessagesRead moves every sent or delivered message to read
// and returns how many changed.
func (s *SQLiteStore) MarkConversationMessagesRead(ctx context.Context, conversationID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND status IN ('sent', 'delivered')
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var sender, status, createdAt string
	var attachments sql.NullString
	var prompt, completion, total sql.NullInt64

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&sender,
		&m.SenderID,
		&m.Content,
		&status,
		&attachments,
		&prompt,
		&completion,
		&total,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.Sender = Sender(sender)
	m.Status = MessageStatus(status)
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments: %w", err)
		}
	}
	if total.Valid {
		m.Usage = &TokenUsage{
			PromptTokens:     int(prompt.Int64),
			CompletionTokens: int(completion.Int64),
			TotalTokens:      int(total.Int64),
		}
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}
