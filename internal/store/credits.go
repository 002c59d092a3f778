// ABOUTME: SQLite persistence for per-user, per-agent message credit balances
// ABOUTME: Deduction is a single conditional UPDATE so the ceiling can never be crossed

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const creditColumns = `user_id, agent_id, free_messages, purchased_messages, used_messages, updated_at`

// GetCreditBalance returns the balance for a (user, agent) pair.
// Returns ErrNotFound if none has been seeded yet.
func (s *SQLiteStore) GetCreditBalance(ctx context.Context, userID, agentID string) (*CreditBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+creditColumns+` FROM credit_balances
		WHERE user_id = ? AND agent_id = ?
	`, userID, agentID)
	return scanCreditBalance(row)
}

// EnsureCreditBalance seeds a balance with `free` messages if none exists and
// returns the current balance. An existing balance is never modified.
func (s *SQLiteStore) EnsureCreditBalance(ctx context.Context, userID, agentID string, free int) (*CreditBalance, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, agent_id, free_messages, purchased_messages, used_messages, updated_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT(user_id, agent_id) DO NOTHING
	`, userID, agentID, free, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("seeding credit balance: %w", err)
	}
	return s.GetCreditBalance(ctx, userID, agentID)
}

// IncrementUsedIfAvailable consumes one message if the balance has any left.
// Returns ErrInsufficient when exhausted and ErrNotFound when no balance exists.
func (s *SQLiteStore) IncrementUsedIfAvailable(ctx context.Context, userID, agentID string) (*CreditBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET used_messages = used_messages + 1, updated_at = ?
		WHERE user_id = ? AND agent_id = ?
		  AND used_messages < free_messages + purchased_messages
		RETURNING `+creditColumns,
		formatTime(time.Now()), userID, agentID)

	balance, err := scanCreditBalance(row)
	if errors.Is(err, ErrNotFound) {
		// Either the pair has no balance or the ceiling was hit
		if _, getErr := s.GetCreditBalance(ctx, userID, agentID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInsufficient
	}
	if err != nil {
		return nil, fmt.Errorf("incrementing used messages: %w", err)
	}

	s.logger.Debug("credit consumed", "user_id", userID, "agent_id", agentID, "remaining", balance.Remaining())
	return balance, nil
}

// AddPurchased adds purchased messages to an existing balance.
func (s *SQLiteStore) AddPurchased(ctx context.Context, userID, agentID string, amount int) (*CreditBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET purchased_messages = purchased_messages + ?, updated_at = ?
		WHERE user_id = ? AND agent_id = ?
		RETURNING `+creditColumns,
		amount, formatTime(time.Now()), userID, agentID)

	balance, err := scanCreditBalance(row)
	if err != nil {
		return nil, err
	}

	s.logger.Info("credits added", "user_id", userID, "agent_id", agentID, "amount", amount)
	return balance, nil
}

// ListCreditBalances returns every balance a user holds, ordered by agent
func (s *SQLiteStore) ListCreditBalances(ctx context.Context, userID string) ([]*CreditBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+creditColumns+` FROM credit_balances
		WHERE user_id = ?
		ORDER BY agent_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying credit balances: %w", err)
	}
	defer rows.Close()

	var balances []*CreditBalance
	for rows.Next() {
		b, err := scanCreditBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credit rows: %w", err)
	}
	return balances, nil
}

// GetUserCredits loads a user together with the typed per-agent credit map
func (s *SQLiteStore) GetUserCredits(ctx context.Context, userID string) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	balances, err := s.ListCreditBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.Credits = make(map[string]CreditBalance, len(balances))
	for _, b := range balances {
		user.Credits[b.AgentID] = *b
	}
	return user, nil
}

func scanCreditBalance(row rowScanner) (*CreditBalance, error) {
	var b CreditBalance
	var updatedAt string
	err := row.Scan(&b.UserID, &b.AgentID, &b.FreeMessages, &b.PurchasedMessages, &b.UsedMessages, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credit balance: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}
