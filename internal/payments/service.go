// ABOUTME: Message pack purchases: order creation, signature verification and credit top-up
// ABOUTME: A verified order tops up credits exactly once, replays return the stored payment

package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/store"
)

// Payment errors
var (
	ErrInvalidSignature = errors.New("invalid payment signature")
	ErrNotPending       = errors.New("payment is not pending")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrPackUnavailable  = errors.New("message pack unavailable")
	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
)

// Store is the persistence the payment service needs
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetMessagePack(ctx context.Context, id string) (*store.MessagePack, error)
	CreatePayment(ctx context.Context, p *store.Payment) error
	GetPaymentByOrderID(ctx context.Context, orderID string) (*store.Payment, error)
	CompletePayment(ctx context.Context, orderID, paymentID, signature string) (*store.Payment, error)
	CancelPayment(ctx context.Context, orderID string) (*store.Payment, error)
	ListPayments(ctx context.Context, userID string, status store.PaymentStatus, page, limit int) ([]*store.Payment, int, error)
	CreateNotification(ctx context.Context, n *store.Notification) error
}

// TopUpper credits purchased messages
type TopUpper interface {
	TopUp(ctx context.Context, userID, agentID string, amount int) (credits.Balance, error)
}

// Order is a created, not yet paid, purchase
type Order struct {
	Payment *store.Payment
	Pack    *store.MessagePack
}

// Verification is the outcome of Verify
type Verification struct {
	Payment  *store.Payment
	Credited int             // messages added by this call, 0 on replay
	Balance  *credits.Balance // nil on replay
	Replayed bool
}

// Page of payment history
type Page struct {
	Payments []*store.Payment
	Page     int
	Limit    int
	Total    int
}

// Service sells message packs
type Service struct {
	store  Store
	ledger TopUpper
	secret []byte
	logger *slog.Logger
}

// NewService creates a payment service verifying signatures with keySecret
func NewService(s Store, ledger TopUpper, keySecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		ledger: ledger,
		secret: []byte(keySecret),
		logger: logger.With("component", "payments"),
	}
}

// Sign computes the hex HMAC-SHA256 of "orderID|paymentID"
func Sign(secret []byte, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func newOrderID() string {
	return "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// CreateOrder records a pending payment for quantity packs toward agentID
func (s *Service) CreateOrder(ctx context.Context, userID, agentID, packID string, quantity int) (*Order, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	pack, err := s.store.GetMessagePack(ctx, packID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPackUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("loading message pack: %w", err)
	}
	if !pack.Active {
		return nil, ErrPackUnavailable
	}

	p := &store.Payment{
		ID:            uuid.NewString(),
		UserID:        userID,
		AgentID:       agentID,
		MessagePackID: pack.ID,
		Quantity:      quantity,
		OrderID:       newOrderID(),
		Amount:        pack.Price * int64(quantity),
		Currency:      pack.Currency,
		Status:        store.PaymentPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	s.logger.Info("order created", "order_id", p.OrderID, "user_id", userID, "agent_id", agentID, "pack_id", pack.ID, "amount", p.Amount)
	return &Order{Payment: p, Pack: pack}, nil
}

// Verify checks the gateway signature and completes the order. Only the call
// that moves the payment out of pending tops up credits; replays of the same
// payment id get the stored payment back.
func (s *Service) Verify(ctx context.Context, userID, orderID, paymentID, signature string) (*Verification, error) {
	p, err := s.lookup(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	if p.Status == store.PaymentCompleted && p.PaymentID == paymentID {
		return &Verification{Payment: p, Replayed: true}, nil
	}
	if p.Status != store.PaymentPending {
		return nil, ErrNotPending
	}

	expected := Sign(s.secret, orderID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		s.logger.Warn("payment signature mismatch", "order_id", orderID, "user_id", userID)
		return nil, ErrInvalidSignature
	}

	completed, err := s.store.CompletePayment(ctx, orderID, paymentID, signature)
	if errors.Is(err, store.ErrConflict) {
		// a concurrent verify won the transition
		current, lerr := s.store.GetPaymentByOrderID(ctx, orderID)
		if lerr == nil && current.Status == store.PaymentCompleted && current.PaymentID == paymentID {
			return &Verification{Payment: current, Replayed: true}, nil
		}
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("completing payment: %w", err)
	}

	pack, err := s.store.GetMessagePack(ctx, completed.MessagePackID)
	if err != nil {
		return nil, fmt.Errorf("loading message pack: %w", err)
	}
	amount := pack.MessageCount * completed.Quantity
	balance, err := s.ledger.TopUp(ctx, completed.UserID, completed.AgentID, amount)
	if err != nil {
		s.logger.Error("top-up after completed payment failed", "order_id", orderID, "amount", amount, "error", err)
		return nil, fmt.Errorf("crediting messages: %w", err)
	}

	s.notifyCompleted(ctx, completed, pack, amount)

	s.logger.Info("payment verified", "order_id", orderID, "payment_id", paymentID, "credited", amount)
	return &Verification{Payment: completed, Credited: amount, Balance: &balance}, nil
}

// NotificationPaymentCompleted is the kind of notification sent after a verified purchase
const NotificationPaymentCompleted = "payment_completed"

// notifyCompleted tells the buyer their messages arrived. The credits are
// already applied, so a failure here is logged and not returned.
func (s *Service) notifyCompleted(ctx context.Context, p *store.Payment, pack *store.MessagePack, amount int) {
	agentName := p.AgentID
	if agent, err := s.store.GetAgent(ctx, p.AgentID); err == nil && agent.Title != "" {
		agentName = agent.Title
	}
	n := &store.Notification{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Kind:      NotificationPaymentCompleted,
		Title:     "Payment successful",
		Body:      fmt.Sprintf("%d messages from %s added for %s", amount, pack.Name, agentName),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		s.logger.Warn("failed to record payment notification", "order_id", p.OrderID, "error", err)
	}
}

// Cancel abandons a pending order
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (*store.Payment, error) {
	if _, err := s.lookup(ctx, userID, orderID); err != nil {
		return nil, err
	}
	p, err := s.store.CancelPayment(ctx, orderID)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling payment: %w", err)
	}
	return p, nil
}

// Get returns one of the user's payments
func (s *Service) Get(ctx context.Context, userID, orderID string) (*store.Payment, error) {
	return s.lookup(ctx, userID, orderID)
}

// History lists the user's payments, newest first
func (s *Service) History(ctx context.Context, userID string, status store.PaymentStatus, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	list, total, err := s.store.ListPayments(ctx, userID, status, page, limit)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return &Page{Payments: list, Page: page, Limit: limit, Total: total}, nil
}

// lookup loads an order owned by userID. Orders of other users are reported
// as not found.
func (s *Service) lookup(ctx context.Context, userID, orderID string) (*store.Payment, error) {
	p, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.UserID != userID) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading payment: %w", err)
	}
	return p, nil
}
