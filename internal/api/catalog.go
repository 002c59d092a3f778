// ABOUTME: Health checks and the public catalog of agents and message packs
// ABOUTME: These routes need no authentication

package api

import (
	"net/http"

	"github.com/2389/agentchat/internal/relay"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the store answers
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents(r.Context(), true)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]*relay.AgentView, 0, len(agents))
	for _, ag := range agents {
		out = append(out, relay.NewAgentView(ag))
	}
	writeJSON(w, http.StatusOK, envelope{"data": out})
}

func (a *API) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := a.store.ListMessagePacks(r.Context(), true)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]packView, 0, len(packs))
	for _, p := range packs {
		out = append(out, newPackView(p))
	}
	writeJSON(w, http.StatusOK, envelope{"data": out})
}
