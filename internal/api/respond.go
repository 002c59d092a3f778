// ABOUTME: JSON response helpers and the mapping from domain errors to HTTP status codes
// ABOUTME: Every error body is {"error": "<message>"}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/agentchat/internal/assistant"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/payments"
	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// envelope is the success body shape
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// queryInt parses an optional positive integer query parameter
func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// statusFor maps a domain error to a status code and client message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "no credits remaining for this agent"
	case errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, relay.ErrMessageNotFound),
		errors.Is(err, relay.ErrAgentNotFound),
		errors.Is(err, payments.ErrPaymentNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, conversation.ErrThreadAlreadyBound),
		errors.Is(err, conversation.ErrNotActive),
		errors.Is(err, payments.ErrNotPending),
		errors.Is(err, relay.ErrDuplicateInFlight),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, assistant.ErrPollTimeout):
		return http.StatusGatewayTimeout, "the assistant did not answer in time"
	case errors.Is(err, relay.ErrAssistantUnavailable):
		return http.StatusBadGateway, "the assistant is unavailable, please try again"
	case errors.Is(err, relay.ErrEmptyContent),
		errors.Is(err, relay.ErrAgentRequired),
		errors.Is(err, relay.ErrAgentUnavailable),
		errors.Is(err, relay.ErrAgentMismatch),
		errors.Is(err, payments.ErrInvalidSignature),
		errors.Is(err, payments.ErrPackUnavailable),
		errors.Is(err, payments.ErrInvalidQuantity),
		errors.Is(err, credits.ErrInvalidAmount):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// fail writes err, logging anything that maps to a 500
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}
