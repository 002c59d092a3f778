// ABOUTME: SQLite persistence for the message pack catalog and pack payments
// ABOUTME: Completion and cancellation only succeed from the pending state

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertMessagePack creates or replaces a message pack
func (s *SQLiteStore) UpsertMessagePack(ctx context.Context, pack *MessagePack) error {
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now()
	}
	if pack.Currency == "" {
		pack.Currency = "INR"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_packs (id, name, description, message_count, price, currency,
			validity_days, active, display_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			message_count = excluded.message_count,
			price = excluded.price,
			currency = excluded.currency,
			validity_days = excluded.validity_days,
			active = excluded.active,
			display_order = excluded.display_order
	`,
		pack.ID,
		pack.Name,
		pack.Description,
		pack.MessageCount,
		pack.Price,
		pack.Currency,
		pack.ValidityDays,
		boolToInt(pack.Active),
		pack.DisplayOrder,
		formatTime(pack.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upserting message pack: %w", err)
	}
	return nil
}

// GetMessagePack retrieves a pack by ID
func (s *SQLiteStore) GetMessagePack(ctx context.Context, id string) (*MessagePack, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, message_count, price, currency, validity_days, active, display_order, created_at
		FROM message_packs WHERE id = ?
	`, id)
	return scanMessagePack(row)
}

// ListMessagePacks returns packs in display order
func (s *SQLiteStore) ListMessagePacks(ctx context.Context, activeOnly bool) ([]*MessagePack, error) {
	query := `
		SELECT id, name, description, message_count, price, currency, validity_days, active, display_order, created_at
		FROM message_packs
	`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY display_order ASC, price ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying message packs: %w", err)
	}
	defer rows.Close()

	var packs []*MessagePack
	for rows.Next() {
		p, err := scanMessagePack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message pack rows: %w", err)
	}
	return packs, nil
}

func scanMessagePack(row rowScanner) (*MessagePack, error) {
	var p MessagePack
	var active int
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.MessageCount, &p.Price, &p.Currency,
		&p.ValidityDays, &active, &p.DisplayOrder, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message pack: %w", err)
	}
	p.Active = active != 0
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const paymentColumns = `id, user_id, agent_id, message_pack_id, quantity, order_id, payment_id,
	signature, amount, currency, status, created_at, updated_at`

// CreatePayment records a new payment. Returns ErrDuplicate on a reused order id.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *Payment) error {
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.UserID,
		p.AgentID,
		p.MessagePackID,
		p.Quantity,
		p.OrderID,
		nullString(p.PaymentID),
		nullString(p.Signature),
		p.Amount,
		p.Currency,
		string(p.Status),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting payment: %w", err)
	}

	s.logger.Debug("created payment", "order_id", p.OrderID, "user_id", p.UserID)
	return nil
}

// GetPaymentByOrderID retrieves a payment by its order id
func (s *SQLiteStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = ?`, orderID)
	return scanPayment(row)
}

// CompletePayment marks a pending payment completed.
// Returns ErrConflict if it is no longer pending.
func (s *SQLiteStore) CompletePayment(ctx context.Context, orderID, paymentID, signature string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = 'completed', payment_id = ?, signature = ?, updated_at = ?
		WHERE order_id = ? AND status = 'pending'
		RETURNING `+paymentColumns,
		paymentID, signature, formatTime(time.Now()), orderID)
	return s.finishTransition(ctx, row, orderID)
}

// CancelPayment marks a pending payment cancelled.
// Returns ErrConflict if it is no longer pending.
func (s *SQLiteStore) CancelPayment(ctx context.Context, orderID string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE payments SET status = 'cancelled', updated_at = ?
		WHERE order_id = ? AND status = 'pending'
		RETURNING `+paymentColumns,
		formatTime(time.Now()), orderID)
	return s.finishTransition(ctx, row, orderID)
}

func (s *SQLiteStore) finishTransition(ctx context.Context, row *sql.Row, orderID string) (*Payment, error) {
	p, err := scanPayment(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetPaymentByOrderID(ctx, orderID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	s.logger.Info("payment transitioned", "order_id", orderID, "status", p.Status)
	return p, nil
}

// ListPayments returns a user's payments newest first, with the total count
func (s *SQLiteStore) ListPayments(ctx context.Context, userID string, status PaymentStatus, page, limit int) ([]*Payment, int, error) {
	page, limit = normalizePage(page, limit, 10)

	where := ` WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payments: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments`+where+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating payment rows: %w", err)
	}
	return payments, total, nil
}

// ExpirePendingPayments cancels pending payments created before `before`
func (s *SQLiteStore) ExpirePendingPayments(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = 'cancelled', updated_at = ?
		WHERE status = 'pending' AND created_at < ?
	`, formatTime(time.Now()), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("expiring payments: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var paymentID, signature sql.NullString
	var status, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.UserID, &p.AgentID, &p.MessagePackID, &p.Quantity, &p.OrderID,
		&paymentID, &signature, &p.Amount, &p.Currency, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	p.PaymentID = paymentID.String
	p.Signature = signature.String
	p.Status = PaymentStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
