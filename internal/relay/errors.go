// ABOUTME: Maps relay errors to the codes and messages clients see
// ABOUTME: Internal failures are reported generically

package relay

import (
	"errors"

	"github.com/2389/agentchat/internal/assistant"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
)

// Error codes carried by the error event
const (
	CodeInvalidRequest       = "invalid_request"
	CodeUnauthorized         = "unauthorized"
	CodeNotFound             = "not_found"
	CodeInsufficientCredits  = "insufficient_credits"
	CodeConflict             = "conflict"
	CodeAssistantTimeout     = "assistant_timeout"
	CodeAssistantUnavailable = "assistant_unavailable"
	CodeRateLimited          = "rate_limited"
	CodeDuplicate            = "duplicate"
	CodeInternal             = "internal"
)

// Classify returns the client-facing code and message for err. Unknown
// errors become CodeInternal with a generic message.
func Classify(err error) (code, message string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return CodeInsufficientCredits, "no credits remaining for this agent"
	case errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrAgentNotFound):
		return CodeNotFound, err.Error()
	case errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrAgentRequired),
		errors.Is(err, ErrAgentUnavailable),
		errors.Is(err, ErrAgentMismatch):
		return CodeInvalidRequest, err.Error()
	case errors.Is(err, conversation.ErrNotActive),
		errors.Is(err, conversation.ErrThreadAlreadyBound):
		return CodeConflict, err.Error()
	case errors.Is(err, ErrDuplicateInFlight):
		return CodeDuplicate, err.Error()
	case errors.Is(err, assistant.ErrPollTimeout):
		return CodeAssistantTimeout, "the assistant did not answer in time"
	case errors.Is(err, ErrAssistantUnavailable):
		return CodeAssistantUnavailable, "the assistant is unavailable, please try again"
	default:
		return CodeInternal, "internal error"
	}
}
