// ABOUTME: HTTP client for a hosted Assistants API (threads, messages, runs)
// ABOUTME: Supports polling and server-sent-event streaming of a run's reply

package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the hosted API root used when none is configured
const DefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to the Assistants v2 REST API
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIOption customizes an OpenAIClient
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a different API root (proxies, tests)
func WithBaseURL(u string) OpenAIOption {
	return func(c *OpenAIClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(h *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = h }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewOpenAIClient creates a client authenticated with apiKey
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "assistant.openai")
	return c
}

var (
	_ Client   = (*OpenAIClient)(nil)
	_ Streamer = (*OpenAIClient)(nil)
)

// wire types

type apiRun struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
	Usage *Usage `json:"usage"`
}

func (r *apiRun) toRun() *Run {
	run := &Run{ID: r.ID, ThreadID: r.ThreadID, Status: RunStatus(r.Status), Usage: r.Usage}
	if r.LastError != nil {
		run.LastError = r.LastError.Message
	}
	return run
}

type apiContentPart struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text"`
}

type apiMessage struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	RunID   string           `json:"run_id"`
	Content []apiContentPart `json:"content"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CreateThread opens a new empty thread
func (c *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddMessage appends a message to a thread
func (c *OpenAIClient) AddMessage(ctx context.Context, threadID, content string, role Role) error {
	body := map[string]any{"role": string(role), "content": content}
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, nil)
}

// CreateRun starts the assistant on the thread
func (c *OpenAIClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	var out apiRun
	body := map[string]any{"assistant_id": assistantID}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body, &out); err != nil {
		return nil, err
	}
	return out.toRun(), nil
}

// RetrieveRun fetches the current state of a run
func (c *OpenAIClient) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var out apiRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.toRun(), nil
}

// CancelRun asks the service to stop a run
func (c *OpenAIClient) CancelRun(ctx context.Context, threadID, runID string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	return c.do(ctx, http.MethodPost, path, map[string]any{}, nil)
}

// LatestReply returns the text of the newest assistant message on the thread
func (c *OpenAIClient) LatestReply(ctx context.Context, threadID string) (*Reply, error) {
	var out struct {
		Data []apiMessage `json:"data"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=1"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || out.Data[0].Role != string(RoleAssistant) {
		return nil, ErrNoReply
	}
	text, ok := firstText(out.Data[0].Content)
	if !ok {
		return nil, ErrNoReply
	}
	return &Reply{Text: text}, nil
}

func firstText(parts []apiContentPart) (string, bool) {
	for _, p := range parts {
		if p.Type == "text" && p.Text != nil {
			return p.Text.Value, true
		}
	}
	return "", false
}

// StreamRun starts a run in streaming mode and forwards each text delta to
// onChunk. The assembled reply is returned once the run completes.
func (c *OpenAIClient) StreamRun(ctx context.Context, threadID, assistantID string, onChunk ChunkFunc) (*Reply, error) {
	body := map[string]any{"assistant_id": assistantID, "stream": true}
	resp, err := c.send(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		text  strings.Builder
		usage *Usage
		event string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		switch event {
		case "thread.message.delta":
			var delta struct {
				Delta struct {
					Content []apiContentPart `json:"content"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				c.logger.Warn("skipping malformed delta", "error", err)
				continue
			}
			for _, part := range delta.Delta.Content {
				if part.Type != "text" || part.Text == nil || part.Text.Value == "" {
					continue
				}
				text.WriteString(part.Text.Value)
				if err := onChunk(part.Text.Value); err != nil {
					return nil, err
				}
			}
		case "thread.run.completed":
			var run apiRun
			if err := json.Unmarshal([]byte(data), &run); err == nil {
				usage = run.Usage
			}
		case "thread.run.failed", "thread.run.expired", "thread.run.cancelled", "thread.run.requires_action":
			var run apiRun
			_ = json.Unmarshal([]byte(data), &run)
			r := run.toRun()
			return nil, fmt.Errorf("%w: run %s ended %s: %s", ErrUnavailable, r.ID, strings.TrimPrefix(event, "thread.run."), r.LastError)
		case "error":
			return nil, fmt.Errorf("%w: stream error: %s", ErrUnavailable, data)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading stream: %v", ErrUnavailable, err)
	}
	if text.Len() == 0 {
		return nil, ErrNoReply
	}
	return &Reply{Text: text.String(), Usage: usage}, nil
}

func (c *OpenAIClient) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %v", ErrUnavailable, method, path, err)
	}
	return nil
}

// send performs the request and returns the response only for 2xx statuses
func (c *OpenAIClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		c.logger.Debug("assistant request failed", "method", method, "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, resp.StatusCode, msg)
	}
	return resp, nil
}
