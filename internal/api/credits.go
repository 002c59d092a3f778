// ABOUTME: Credit balance and message statistics routes
// ABOUTME: Reads never seed balances; the first send does

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleCreditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.ledger.Stats(r.Context(), principal(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": stats})
}

func (a *API) handleAgentCredits(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		a.fail(w, r, err)
		return
	}
	bal, err := a.ledger.Balance(r.Context(), principal(r).UserID, agentID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": bal})
}

func (a *API) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.MessageStats(r.Context(), principal(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]messageStatsView, 0, len(stats))
	for _, s := range stats {
		out = append(out, messageStatsView{
			AgentID:       s.AgentID,
			Conversations: s.Conversations,
			UserMessages:  s.UserMessages,
			AgentMessages: s.AgentMessages,
			Unread:        s.Unread,
			TotalTokens:   s.TotalTokens,
		})
	}
	writeJSON(w, http.StatusOK, envelope{"data": out})
}
