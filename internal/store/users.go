// ABOUTME: SQLite persistence for user accounts, their profile and settings
// ABOUTME: DeleteUser removes the account and everything it owns except payments

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const userColumns = `id, email, name, role, profile_image, settings_json, created_at`

// CreateUser inserts a new user. Returns ErrDuplicate if the email is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	role := user.Role
	if role == "" {
		role = RoleUser
	}
	settings, err := encodeSettings(user.Settings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, profile_image, settings_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.Name, string(role), user.ProfileImage, settings, formatTime(user.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	user.Role = role

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time
func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// UpdateUserProfile applies the non-nil profile fields
func (s *SQLiteStore) UpdateUserProfile(ctx context.Context, id string, profile UserProfile) (*User, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = COALESCE(?, name), profile_image = COALESCE(?, profile_image)
		WHERE id = ?
	`, profile.Name, profile.ProfileImage, id)
	if err != nil {
		return nil, fmt.Errorf("updating user profile: %w", err)
	}
	if err := expectRow(result); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// UpdateUserSettings replaces the stored settings document
func (s *SQLiteStore) UpdateUserSettings(ctx context.Context, id string, settings map[string]any) (*User, error) {
	encoded, err := encodeSettings(settings)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE users SET settings_json = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return nil, fmt.Errorf("updating user settings: %w", err)
	}
	if err := expectRow(result); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes a user and the data it owns in one transaction
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting user deletion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if err := expectRow(result); err != nil {
		return err
	}

	owned := []string{
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE user_id = ?)`,
		`DELETE FROM conversations WHERE user_id = ?`,
		`DELETE FROM credit_balances WHERE user_id = ?`,
		`DELETE FROM notifications WHERE user_id = ?`,
	}
	for _, stmt := range owned {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting user data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user deletion: %w", err)
	}

	s.logger.Info("deleted user", "id", id)
	return nil
}

// expectRow maps a zero-row update to ErrNotFound
func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeSettings(settings map[string]any) (any, error) {
	if len(settings) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	return string(data), nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role, createdAt string
	var settings sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.ProfileImage, &settings, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Role = Role(role)
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &u.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings of user %s: %w", u.ID, err)
		}
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}
