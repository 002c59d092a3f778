// ABOUTME: Credit Ledger gating how many messages a user may send to each agent
// ABOUTME: Admission is a pre-flight check; deduction is an atomic increment with a ceiling

package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/agentchat/internal/store"
)

// ErrInsufficientCredits is returned when a user has no messages left for an agent
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInvalidAmount is returned for top-ups that are not positive
var ErrInvalidAmount = errors.New("top-up amount must be positive")

// Store defines what the ledger needs from storage
type Store interface {
	GetCreditBalance(ctx context.Context, userID, agentID string) (*store.CreditBalance, error)
	EnsureCreditBalance(ctx context.Context, userID, agentID string, free int) (*store.CreditBalance, error)
	IncrementUsedIfAvailable(ctx context.Context, userID, agentID string) (*store.CreditBalance, error)
	AddPurchased(ctx context.Context, userID, agentID string, amount int) (*store.CreditBalance, error)
	ListCreditBalances(ctx context.Context, userID string) ([]*store.CreditBalance, error)
}

// Balance is the admission answer for one (user, agent) pair
type Balance struct {
	HasCredits bool `json:"hasCredits"`
	Remaining  int  `json:"remaining"`
}

// AgentCredits is one agent's line in Stats
type AgentCredits struct {
	Free      int `json:"free"`
	Purchased int `json:"purchased"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// Stats summarizes every balance a user holds
type Stats struct {
	TotalAgents    int                     `json:"totalAgents"`
	TotalFree      int                     `json:"totalFreeMessages"`
	TotalPurchased int                     `json:"totalPurchasedMessages"`
	TotalUsed      int                     `json:"totalUsedMessages"`
	TotalRemaining int                     `json:"totalRemainingMessages"`
	Agents         map[string]AgentCredits `json:"agents"`
}

// Ledger tracks per-user, per-agent free, purchased and used message counts.
type Ledger struct {
	store  Store
	free   int
	logger *slog.Logger
}

// New creates a Ledger that seeds new balances with freeMessages.
func New(s Store, freeMessages int, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		free:   freeMessages,
		logger: logger.With("component", "credits"),
	}
}

func balanceOf(b *store.CreditBalance) Balance {
	remaining := b.Remaining()
	return Balance{HasCredits: remaining > 0, Remaining: remaining}
}

// Check reports whether the user may send to the agent. A missing balance is
// seeded with the free tier; an existing balance is never modified.
func (l *Ledger) Check(ctx context.Context, userID, agentID string) (Balance, error) {
	b, err := l.store.EnsureCreditBalance(ctx, userID, agentID, l.free)
	if err != nil {
		return Balance{}, fmt.Errorf("checking credits: %w", err)
	}
	return balanceOf(b), nil
}

// Deduct consumes exactly one message. It fails with ErrInsufficientCredits,
// leaving the balance untouched, when nothing remains.
func (l *Ledger) Deduct(ctx context.Context, userID, agentID string) (Balance, error) {
	current, err := l.store.EnsureCreditBalance(ctx, userID, agentID, l.free)
	if err != nil {
		return Balance{}, fmt.Errorf("reading credits: %w", err)
	}
	if current.Remaining() <= 0 {
		return Balance{Remaining: 0}, ErrInsufficientCredits
	}

	// The conditional update re-checks the ceiling, so a concurrent send that
	// passed the read above cannot push used past free + purchased.
	b, err := l.store.IncrementUsedIfAvailable(ctx, userID, agentID)
	if errors.Is(err, store.ErrInsufficient) {
		return Balance{Remaining: 0}, ErrInsufficientCredits
	}
	if err != nil {
		return Balance{}, fmt.Errorf("deducting credit: %w", err)
	}

	l.logger.Debug("credit deducted", "user_id", userID, "agent_id", agentID, "remaining", b.Remaining())
	return balanceOf(b), nil
}

// TopUp adds purchased messages for the pair, seeding the balance if needed.
func (l *Ledger) TopUp(ctx context.Context, userID, agentID string, amount int) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("%w, got %d", ErrInvalidAmount, amount)
	}
	if _, err := l.store.EnsureCreditBalance(ctx, userID, agentID, l.free); err != nil {
		return Balance{}, fmt.Errorf("seeding credits: %w", err)
	}
	b, err := l.store.AddPurchased(ctx, userID, agentID, amount)
	if err != nil {
		return Balance{}, fmt.Errorf("adding credits: %w", err)
	}

	l.logger.Info("credits topped up", "user_id", userID, "agent_id", agentID, "amount", amount, "remaining", b.Remaining())
	return balanceOf(b), nil
}

// Stats returns the totals and per-agent breakdown of a user's balances
func (l *Ledger) Stats(ctx context.Context, userID string) (*Stats, error) {
	balances, err := l.store.ListCreditBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credits: %w", err)
	}

	stats := &Stats{Agents: make(map[string]AgentCredits, len(balances))}
	for _, b := range balances {
		line := AgentCredits{
			Free:      b.FreeMessages,
			Purchased: b.PurchasedMessages,
			Used:      b.UsedMessages,
			Remaining: b.Remaining(),
		}
		stats.Agents[b.AgentID] = line
		stats.TotalAgents++
		stats.TotalFree += line.Free
		stats.TotalPurchased += line.Purchased
		stats.TotalUsed += line.Used
		stats.TotalRemaining += line.Remaining
	}
	return stats, nil
}

// Balance returns the current balance without seeding.
// A pair that was never checked reports the free tier it would receive.
func (l *Ledger) Balance(ctx context.Context, userID, agentID string) (Balance, error) {
	b, err := l.store.GetCreditBalance(ctx, userID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Balance{HasCredits: l.free > 0, Remaining: l.free}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("reading credits: %w", err)
	}
	return balanceOf(b), nil
}
