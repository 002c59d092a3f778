// ABOUTME: Assistant backend built on a chat-completion model via langchaingo
// ABOUTME: Keeps thread transcripts in memory, rebuilds them from storage after a restart

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Generator is the langchaingo model surface used by CompletionClient
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// NewOpenAICompatibleModel builds a langchaingo model for any
// OpenAI-compatible endpoint (hosted, ollama, vLLM)
func NewOpenAICompatibleModel(apiKey, baseURL, model string) (Generator, error) {
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating completion model: %w", err)
	}
	return llm, nil
}

// HistoryMessage is one stored turn of a thread
type HistoryMessage struct {
	Role    Role
	Content string
}

// HistoryLoader returns the stored turns of a thread, oldest first. An
// unknown thread yields no messages and no error.
type HistoryLoader func(ctx context.Context, threadID string) ([]HistoryMessage, error)

type completionThread struct {
	messages []llms.MessageContent
	runs     map[string]*completionRun
	lastRun  string
}

type completionRun struct {
	run    Run
	cancel context.CancelFunc
}

// CompletionClient emulates threads and runs on top of a stateless
// completion model. The assistant id selects the model when non-empty.
type CompletionClient struct {
	model        Generator
	instructions string
	runTimeout   time.Duration
	tokens       *TokenCounter
	logger       *slog.Logger

	mu      sync.Mutex
	threads map[string]*completionThread
	history HistoryLoader
}

var (
	_ Client   = (*CompletionClient)(nil)
	_ Streamer = (*CompletionClient)(nil)
)

// NewCompletionClient wraps model. instructions, if set, is sent as the
// system message of every run.
func NewCompletionClient(model Generator, instructions string, runTimeout time.Duration, logger *slog.Logger) *CompletionClient {
	if logger == nil {
		logger = slog.Default()
	}
	if runTimeout <= 0 {
		runTimeout = DefaultPollTimeout
	}
	return &CompletionClient{
		model:        model,
		instructions: instructions,
		runTimeout:   runTimeout,
		tokens:       NewTokenCounter(""),
		logger:       logger.With("component", "assistant.completion"),
		threads:      make(map[string]*completionThread),
	}
}

// CreateThread allocates an empty transcript
func (c *CompletionClient) CreateThread(ctx context.Context) (string, error) {
	id := "thread_" + uuid.NewString()
	c.mu.Lock()
	c.threads[id] = &completionThread{runs: make(map[string]*completionRun)}
	c.mu.Unlock()
	return id, nil
}

// SetHistory installs the loader used to rebuild transcripts that are not in
// memory, such as threads created before a restart
func (c *CompletionClient) SetHistory(loader HistoryLoader) {
	c.mu.Lock()
	c.history = loader
	c.mu.Unlock()
}

// restore returns the thread's transcript, rebuilding it when this process
// has never seen the thread. restored reports whether it was rebuilt.
func (c *CompletionClient) restore(ctx context.Context, threadID string) (t *completionThread, restored bool, err error) {
	c.mu.Lock()
	t, ok := c.threads[threadID]
	loader := c.history
	c.mu.Unlock()
	if ok {
		return t, false, nil
	}

	var stored []HistoryMessage
	if loader != nil {
		if stored, err = loader(ctx, threadID); err != nil {
			return nil, false, fmt.Errorf("%w: restoring thread %s: %v", ErrUnavailable, threadID, err)
		}
	}
	fresh := &completionThread{runs: make(map[string]*completionRun)}
	for _, m := range stored {
		fresh.messages = append(fresh.messages, llms.TextParts(messageType(m.Role), m.Content))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.threads[threadID]; ok {
		return t, false, nil
	}
	c.threads[threadID] = fresh
	c.logger.Info("restored thread transcript", "thread_id", threadID, "messages", len(stored))
	return fresh, true, nil
}

func messageType(role Role) llms.ChatMessageType {
	if role == RoleAssistant {
		return llms.ChatMessageTypeAI
	}
	return llms.ChatMessageTypeHuman
}

func (c *CompletionClient) thread(threadID string) (*completionThread, error) {
	t, ok := c.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown thread %s", ErrUnavailable, threadID)
	}
	return t, nil
}

// AddMessage appends a message to the transcript
func (c *CompletionClient) AddMessage(ctx context.Context, threadID, content string, role Role) error {
	t, restored, err := c.restore(ctx, threadID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msgType := messageType(role)
	// callers store a message before adding it, so a rebuilt transcript may
	// already end with it
	if restored {
		if n := len(t.messages); n > 0 && t.messages[n-1].Role == msgType && textOf(t.messages[n-1]) == content {
			return nil
		}
	}
	t.messages = append(t.messages, llms.TextParts(msgType, content))
	return nil
}

// prompt snapshots the transcript with the system instructions in front
func (c *CompletionClient) prompt(t *completionThread) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(t.messages)+1)
	if c.instructions != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, c.instructions))
	}
	return append(out, t.messages...)
}

func callOptions(assistantID string, extra ...llms.CallOption) []llms.CallOption {
	var opts []llms.CallOption
	if assistantID != "" {
		opts = append(opts, llms.WithModel(assistantID))
	}
	return append(opts, extra...)
}

// CreateRun starts generation in the background and returns immediately
func (c *CompletionClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	t, _, err := c.restore(ctx, threadID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	runCtx, cancel := context.WithTimeout(context.Background(), c.runTimeout)
	cr := &completionRun{
		run:    Run{ID: "run_" + uuid.NewString(), ThreadID: threadID, Status: StatusInProgress},
		cancel: cancel,
	}
	t.runs[cr.run.ID] = cr
	t.lastRun = cr.run.ID
	messages := c.prompt(t)
	snapshot := cr.run
	c.mu.Unlock()

	go c.execute(runCtx, threadID, cr, messages, assistantID)
	return &snapshot, nil
}

func (c *CompletionClient) execute(ctx context.Context, threadID string, cr *completionRun, messages []llms.MessageContent, assistantID string) {
	defer cr.cancel()
	text, usage, err := c.generate(ctx, messages, callOptions(assistantID)...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cr.run.Status == StatusCancelling {
		cr.run.Status = StatusCancelled
		return
	}
	if err != nil {
		cr.run.Status = StatusFailed
		if ctx.Err() == context.DeadlineExceeded {
			cr.run.Status = StatusExpired
		}
		cr.run.LastError = err.Error()
		c.logger.Warn("completion run failed", "run_id", cr.run.ID, "error", err)
		return
	}
	if t, ok := c.threads[threadID]; ok {
		t.messages = append(t.messages, llms.TextParts(llms.ChatMessageTypeAI, text))
	}
	cr.run.Usage = usage
	cr.run.Status = StatusCompleted
}

func (c *CompletionClient) generate(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (string, *Usage, error) {
	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil, ErrNoReply
	}
	choice := resp.Choices[0]
	return choice.Content, c.usageFor(messages, choice), nil
}

// usageFor prefers provider-reported counts and estimates otherwise
func (c *CompletionClient) usageFor(messages []llms.MessageContent, choice *llms.ContentChoice) *Usage {
	u := &Usage{
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		TotalTokens:      intInfo(choice.GenerationInfo, "TotalTokens"),
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		var prompt strings.Builder
		for _, m := range messages {
			for _, p := range m.Parts {
				if tc, ok := p.(llms.TextContent); ok {
					prompt.WriteString(tc.Text)
				}
			}
		}
		u.PromptTokens = c.tokens.Count(prompt.String())
		u.CompletionTokens = c.tokens.Count(choice.Content)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// RetrieveRun reports the run's current state
func (c *CompletionClient) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.thread(threadID)
	if err != nil {
		return nil, err
	}
	cr, ok := t.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown run %s", ErrUnavailable, runID)
	}
	run := cr.run
	return &run, nil
}

// CancelRun stops an in-flight run. Cancelling a finished run is a no-op.
func (c *CompletionClient) CancelRun(ctx context.Context, threadID, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.thread(threadID)
	if err != nil {
		return err
	}
	cr, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("%w: unknown run %s", ErrUnavailable, runID)
	}
	if !cr.run.Status.Terminal() {
		cr.run.Status = StatusCancelling
		cr.cancel()
	}
	return nil
}

// LatestReply returns the newest assistant message in the transcript
func (c *CompletionClient) LatestReply(ctx context.Context, threadID string) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.thread(threadID)
	if err != nil {
		return nil, err
	}
	if n := len(t.messages); n > 0 && t.messages[n-1].Role == llms.ChatMessageTypeAI {
		reply := &Reply{Text: textOf(t.messages[n-1])}
		if cr, ok := t.runs[t.lastRun]; ok {
			reply.Usage = cr.run.Usage
		}
		return reply, nil
	}
	return nil, ErrNoReply
}

func textOf(m llms.MessageContent) string {
	for _, p := range m.Parts {
		if tc, ok := p.(llms.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// StreamRun generates synchronously, forwarding chunks as the model emits them
func (c *CompletionClient) StreamRun(ctx context.Context, threadID, assistantID string, onChunk ChunkFunc) (*Reply, error) {
	t, _, err := c.restore(ctx, threadID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	messages := c.prompt(t)
	c.mu.Unlock()

	stream := llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		return onChunk(string(chunk))
	})
	text, usage, err := c.generate(ctx, messages, callOptions(assistantID, stream)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.mu.Lock()
	t.messages = append(t.messages, llms.TextParts(llms.ChatMessageTypeAI, text))
	c.mu.Unlock()
	return &Reply{Text: text, Usage: usage}, nil
}
