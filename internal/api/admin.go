// ABOUTME: Admin routes for the agent and message pack catalog, users and manual top-ups
// ABOUTME: Guarded by the admin role check in the router

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

type agentRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	AssistantID string            `json:"assistantId"`
	Status      store.AgentStatus `json:"status"`
}

func (a *API) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	switch req.Status {
	case "":
		req.Status = store.AgentStatusActive
	case store.AgentStatusActive, store.AgentStatusInactive:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	agent := &store.Agent{
		ID:          chi.URLParam(r, "id"),
		Title:       req.Title,
		Description: req.Description,
		AssistantID: req.AssistantID,
		Status:      req.Status,
	}
	if err := a.store.UpsertAgent(r.Context(), agent); err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("agent saved", "agent_id", agent.ID, "status", agent.Status)
	writeJSON(w, http.StatusOK, envelope{"data": relay.NewAgentView(agent)})
}

type packRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	MessageCount int    `json:"messageCount"`
	Price        int64  `json:"price"`
	Currency     string `json:"currency"`
	ValidityDays int    `json:"validityDays"`
	Active       *bool  `json:"active"`
	DisplayOrder int    `json:"displayOrder"`
}

func (a *API) handleUpsertPack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.MessageCount < 1 || req.Price < 0 {
		writeError(w, http.StatusBadRequest, "name, a positive messageCount and a non-negative price are required")
		return
	}
	if req.Currency == "" {
		req.Currency = "INR"
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	pack := &store.MessagePack{
		ID:           chi.URLParam(r, "id"),
		Name:         req.Name,
		Description:  req.Description,
		MessageCount: req.MessageCount,
		Price:        req.Price,
		Currency:     strings.ToUpper(req.Currency),
		ValidityDays: req.ValidityDays,
		Active:       active,
		DisplayOrder: req.DisplayOrder,
	}
	if err := a.store.UpsertMessagePack(r.Context(), pack); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": newPackView(pack)})
}

type userRequest struct {
	Email string     `json:"email"`
	Name  string     `json:"name"`
	Role  store.Role `json:"role"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if req.Role == "" {
		req.Role = store.RoleUser
	}
	if req.Role != store.RoleUser && req.Role != store.RoleAdmin {
		writeError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	user := &store.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Name:      req.Name,
		Role:      req.Role,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"data": newUserView(user)})
}

type topUpRequest struct {
	UserID  string `json:"userId"`
	AgentID string `json:"agentId"`
	Amount  int    `json:"amount"`
}

func (a *API) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "userId and agentId are required")
		return
	}
	if _, err := a.store.GetUser(r.Context(), req.UserID); err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.store.GetAgent(r.Context(), req.AgentID); err != nil {
		a.fail(w, r, err)
		return
	}

	bal, err := a.ledger.TopUp(r.Context(), req.UserID, req.AgentID, req.Amount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": bal})
}
