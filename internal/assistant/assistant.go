// ABOUTME: Contract for the external assistant service (threads, messages, runs)
// ABOUTME: Shared types for runs, replies and token usage used by every backend

package assistant

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the assistant backend cannot be reached or
// rejects a request
var ErrUnavailable = errors.New("assistant unavailable")

// ErrNoReply is returned when a completed run produced no assistant message
var ErrNoReply = errors.New("assistant produced no reply")

// RunStatus is the lifecycle state of one assistant turn
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusCancelling     RunStatus = "cancelling"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
	StatusRequiresAction RunStatus = "requires_action"
)

// Terminal reports whether polling can stop at this status
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusRequiresAction:
		return true
	}
	return false
}

// Role of a message added to a thread
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Usage is the token cost of a run
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Run is a handle on one assistant turn
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
	Usage     *Usage
}

// Reply is the assistant's answer to a completed run
type Reply struct {
	Text  string
	Usage *Usage
}

// Client is the minimal run/poll surface of an assistant backend
type Client interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, content string, role Role) error
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	LatestReply(ctx context.Context, threadID string) (*Reply, error)
}

// ChunkFunc receives each streamed fragment of a reply in order.
// Returning an error aborts the stream.
type ChunkFunc func(chunk string) error

// Streamer is implemented by backends that deliver replies incrementally
type Streamer interface {
	StreamRun(ctx context.Context, threadID, assistantID string, onChunk ChunkFunc) (*Reply, error)
}
