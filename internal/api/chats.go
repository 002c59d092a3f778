// ABOUTME: Chat routes: listing, opening, sending, history, reads and lifecycle
// ABOUTME: Every route acts on the authenticated user's own conversations

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

func principal(r *http.Request) relay.Principal {
	authCtx := auth.MustFromContext(r.Context())
	return relay.Principal{UserID: authCtx.UserID, Guest: authCtx.Guest}
}

// handleListChats handles GET /api/chats?status=&pinned=true
func (a *API) handleListChats(w http.ResponseWriter, r *http.Request) {
	filter := conversation.ListFilter{
		Status:     store.ConversationStatus(r.URL.Query().Get("status")),
		PinnedOnly: r.URL.Query().Get("pinned") == "true",
	}
	convs, err := a.relay.Conversations(r.Context(), principal(r), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": relay.ConversationViews(convs)})
}

// handleOpenChat handles POST /api/chats, returning the active conversation
// with the agent and creating it when there is none
func (a *API) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, relay.ErrAgentRequired.Error())
		return
	}

	agent, err := a.store.GetAgent(r.Context(), req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		a.fail(w, r, relay.ErrAgentNotFound)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if agent.Status != store.AgentStatusActive {
		a.fail(w, r, relay.ErrAgentUnavailable)
		return
	}

	conv, err := a.directory.Resolve(r.Context(), principal(r).UserID, agent.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": relay.NewConversationView(conv)})
}

func (a *API) handleGetChat(w http.ResponseWriter, r *http.Request) {
	details, err := a.relay.Details(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": details})
}

// handleSendMessage handles POST /api/chats/{id}/message. The reply is
// returned in the response body once the assistant turn completes.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content         string             `json:"content"`
		Message         string             `json:"message"`
		Attachments     []store.Attachment `json:"attachments"`
		ClientMessageID string             `json:"clientMessageId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	content := req.Content
	if content == "" {
		content = req.Message
	}

	resp, err := a.relay.SendOnce(r.Context(), a.dedupe, principal(r), relay.SendRequest{
		ConversationID:  chi.URLParam(r, "id"),
		Content:         content,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	}, nil)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": resp, "credits": resp.Credits})
}

type renderedMessage struct {
	*relay.MessageView
	HTML string `json:"html"`
}

// handleHistory handles GET /api/chats/{id}/messages?page&limit&format=html
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page")
	if !ok {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	history, err := a.relay.History(r.Context(), principal(r), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if r.URL.Query().Get("format") != "html" {
		writeJSON(w, http.StatusOK, envelope{"data": history.Messages, "pagination": history.Pagination})
		return
	}

	rendered := make([]renderedMessage, 0, len(history.Messages))
	for _, m := range history.Messages {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(m.Content), &buf); err != nil {
			a.logger.Warn("failed to render message", "message_id", m.ID, "error", err)
			buf.Reset()
		}
		rendered = append(rendered, renderedMessage{MessageView: m, HTML: buf.String()})
	}
	writeJSON(w, http.StatusOK, envelope{"data": rendered, "pagination": history.Pagination})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	out, err := a.relay.MarkAllRead(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": out})
}

func (a *API) handlePin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pinned *bool `json:"pinned"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Pinned == nil {
		writeError(w, http.StatusBadRequest, "pinned is required")
		return
	}
	conv, err := a.directory.SetPinned(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), *req.Pinned)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": relay.NewConversationView(conv)})
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.directory.Archive)
}

// handleCloseChat handles DELETE /api/chats/{id}. History is kept; the next
// message to the agent opens a new conversation.
func (a *API) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.directory.Close)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, userID, conversationID string) error) {
	userID := principal(r).UserID
	id := chi.URLParam(r, "id")
	if err := apply(r.Context(), userID, id); err != nil {
		a.fail(w, r, err)
		return
	}
	conv, err := a.directory.Get(r.Context(), userID, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": relay.NewConversationView(conv)})
}
