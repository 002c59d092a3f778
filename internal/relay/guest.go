// ABOUTME: Ephemeral relays for guest connections
// ABOUTME: Guest state lives in a private in-memory store and disappears with the connection

package relay

import (
	"context"

	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/store"
)

type agentSource interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// guestStore keeps everything in memory but reads agents from the real catalog
type guestStore struct {
	*store.MemoryStore
	agents agentSource
}

func (g *guestStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	return g.agents.GetAgent(ctx, id)
}

// ForGuest returns a relay backed by a fresh in-memory store that allows
// limit messages per agent. It shares the assistant, poller and rooms of r.
func (r *Relay) ForGuest(limit int) *Relay {
	gs := &guestStore{MemoryStore: store.NewMemoryStore(), agents: r.store}
	base := r.base.With("guest", true)
	return &Relay{
		store:     gs,
		ledger:    credits.New(gs, limit, base),
		directory: conversation.NewDirectory(gs, base),
		assistant: r.assistant,
		poller:    r.poller,
		rooms:     r.rooms,
		stream:    r.stream,
		pageSize:  r.pageSize,
		base:      base,
		logger:    base.With("component", "relay"),
		now:       r.now,
	}
}
