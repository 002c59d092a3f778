// ABOUTME: SQLite persistence for user notifications
// ABOUTME: Reads and writes are always scoped to the owning user

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const notificationColumns = `id, user_id, kind, title, body, read, created_at`

// CreateNotification inserts a notification
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Body, boolToInt(n.Read), formatTime(n.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

// SetNotificationRead flags a notification read or unread.
// Returns ErrNotFound when it does not exist or belongs to someone else.
func (s *SQLiteStore) SetNotificationRead(ctx context.Context, userID, id string, read bool) (*Notification, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = ? WHERE id = ? AND user_id = ?
	`, boolToInt(read), id, userID)
	if err != nil {
		return nil, fmt.Errorf("updating notification: %w", err)
	}
	if err := expectRow(result); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

// DeleteNotification removes a notification. Deleting a missing one is a no-op.
func (s *SQLiteStore) DeleteNotification(ctx context.Context, userID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	return nil
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var read int
	var createdAt string
	err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &read, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning notification: %w", err)
	}
	n.Read = read != 0
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &n, nil
}
