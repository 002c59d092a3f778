// ABOUTME: Tests for the REST surface using httptest against the full router
// ABOUTME: Covers auth gates, the chat flow, error mapping, payments, account and admin routes

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentchat/internal/assistant"
	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/dedupe"
	"github.com/2389/agentchat/internal/payments"
	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

const (
	testSecret     = "a-test-secret-that-is-long-enough-for-hs256"
	testPaymentKey = "rzp_test_key"
)

// instantClock never waits
type instantClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// echoAssistant answers with the last message it was given
type echoAssistant struct {
	mu     sync.Mutex
	last   string
	status assistant.RunStatus
}

func (e *echoAssistant) CreateThread(ctx context.Context) (string, error) { return "thread_x", nil }

func (e *echoAssistant) AddMessage(ctx context.Context, threadID, content string, role assistant.Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = content
	return nil
}

func (e *echoAssistant) CreateRun(ctx context.Context, threadID, assistantID string) (*assistant.Run, error) {
	return &assistant.Run{ID: "run_x", ThreadID: threadID, Status: assistant.StatusQueued}, nil
}

func (e *echoAssistant) RetrieveRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := e.status
	if status == "" {
		status = assistant.StatusCompleted
	}
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: status}, nil
}

func (e *echoAssistant) CancelRun(ctx context.Context, threadID, runID string) error { return nil }

func (e *echoAssistant) LatestReply(ctx context.Context, threadID string) (*assistant.Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &assistant.Reply{Text: "echo: " + e.last}, nil
}

type testAPI struct {
	handler  http.Handler
	store    *store.MemoryStore
	ai       *echoAssistant
	verifier *auth.JWTVerifier
	user     string
	admin    string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: "u1", Email: "u1@example.com", Role: store.RoleUser}))
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: "u2", Email: "u2@example.com", Role: store.RoleUser}))
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: "boss", Email: "boss@example.com", Role: store.RoleAdmin}))
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "astro", Title: "Astrologer", AssistantID: "asst_1", Status: store.AgentStatusActive}))
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "hidden", Title: "Hidden", AssistantID: "asst_2", Status: store.AgentStatusInactive}))
	require.NoError(t, s.UpsertMessagePack(ctx, &store.MessagePack{ID: "p10", Name: "Ten", MessageCount: 10, Price: 9900, Currency: "INR", Active: true}))

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	ai := &echoAssistant{}
	ledger := credits.New(s, 3, nil)
	dir := conversation.NewDirectory(s, nil)
	rl := relay.New(relay.Deps{
		Store:     s,
		Ledger:    ledger,
		Directory: dir,
		Assistant: ai,
		Poller:    &assistant.Poller{Interval: time.Second, Timeout: 5 * time.Second, Clock: &instantClock{}},
	})
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	handler := NewRouter(Deps{
		Store:         s,
		Relay:         rl,
		Directory:     dir,
		Ledger:        ledger,
		Payments:      payments.NewService(s, ledger, testPaymentKey, nil),
		Authenticator: auth.NewAuthenticator(s, verifier, false, nil),
		Dedupe:        cache,
	})

	user, err := verifier.Generate("u1", "user", time.Hour)
	require.NoError(t, err)
	admin, err := verifier.Generate("boss", "admin", time.Hour)
	require.NoError(t, err)

	return &testAPI{handler: handler, store: s, ai: ai, verifier: verifier, user: user, admin: admin}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (ta *testAPI) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := ta.verifier.Generate(userID, "user", time.Hour)
	require.NoError(t, err)
	return token
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "data is not an object: %v", body)
	return d
}

func (ta *testAPI) openChat(t *testing.T, token string) string {
	t.Helper()
	status, body := ta.do(t, http.MethodPost, "/api/chats", token, map[string]string{"agentId": "astro"})
	require.Equal(t, http.StatusOK, status, body)
	return data(t, body)["id"].(string)
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = ta.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
}

func TestCatalogIsPublic(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.do(t, http.MethodGet, "/api/agents", "", nil)
	require.Equal(t, http.StatusOK, status)
	agents := body["data"].([]any)
	require.Len(t, agents, 1, "inactive agents are hidden")
	agent := agents[0].(map[string]any)
	assert.Equal(t, "astro", agent["id"])
	assert.NotContains(t, agent, "assistantId")

	status, body = ta.do(t, http.MethodGet, "/api/message-packs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestChatsRequireAuth(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.do(t, http.MethodGet, "/api/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])

	status, _ = ta.do(t, http.MethodGet, "/api/chats", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestChatFlow(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.openChat(t, ta.user)

	// opening again returns the same active conversation
	assert.Equal(t, id, ta.openChat(t, ta.user))

	path := "/api/chats/" + id + "/message"
	for want := 2.0; want >= 0; want-- {
		status, body := ta.do(t, http.MethodPost, path, ta.user, map[string]string{"content": "Hello"})
		require.Equal(t, http.StatusOK, status, body)
		reply := data(t, body)["message"].(map[string]any)
		assert.Equal(t, "echo: Hello", reply["content"])
		creds := body["credits"].(map[string]any)
		assert.Equal(t, want, creds["remaining"])
	}

	status, body := ta.do(t, http.MethodPost, path, ta.user, map[string]string{"content": "one more"})
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.NotEmpty(t, body["error"])

	status, body = ta.do(t, http.MethodGet, "/api/chats/"+id+"/messages?limit=4", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 4)
	pagination := body["pagination"].(map[string]any)
	assert.Equal(t, 6.0, pagination["total"])
	assert.Equal(t, 2.0, pagination["pages"])

	status, body = ta.do(t, http.MethodGet, "/api/chats", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	chats := body["data"].([]any)
	require.Len(t, chats, 1)
	assert.Equal(t, 3.0, chats[0].(map[string]any)["unreadCount"])

	status, body = ta.do(t, http.MethodPost, "/api/chats/"+id+"/read", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 6.0, data(t, body)["messagesUpdated"])

	status, body = ta.do(t, http.MethodGet, "/api/credits/astro", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, data(t, body)["hasCredits"])

	status, body = ta.do(t, http.MethodGet, "/api/credits", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3.0, data(t, body)["totalUsedMessages"])

	status, body = ta.do(t, http.MethodGet, "/api/messages/stats", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	stats := body["data"].([]any)
	require.Len(t, stats, 1)
	assert.Equal(t, 3.0, stats[0].(map[string]any)["agentMessages"])
}

func TestSendMessage_ClientMessageIDIsIdempotent(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.openChat(t, ta.user)
	path := "/api/chats/" + id + "/message"
	req := map[string]string{"content": "once", "clientMessageId": "abc"}

	status, first := ta.do(t, http.MethodPost, path, ta.user, req)
	require.Equal(t, http.StatusOK, status)
	status, second := ta.do(t, http.MethodPost, path, ta.user, req)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, data(t, first)["message"].(map[string]any)["id"], data(t, second)["message"].(map[string]any)["id"])
	assert.Equal(t, 2.0, second["credits"].(map[string]any)["remaining"])
}

func TestHistory_HTMLFormat(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.openChat(t, ta.user)

	status, _ := ta.do(t, http.MethodPost, "/api/chats/"+id+"/message", ta.user, map[string]string{"content": "**bold** move"})
	require.Equal(t, http.StatusOK, status)

	status, body := ta.do(t, http.MethodGet, "/api/chats/"+id+"/messages?format=html", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body["data"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "**bold** move", first["content"])
	assert.Contains(t, first["html"], "<strong>bold</strong>")

	status, _ = ta.do(t, http.MethodGet, "/api/chats/"+id+"/messages?page=zero", ta.user, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestChats_OtherUsersAreNotFound(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.openChat(t, ta.user)
	other := ta.tokenFor(t, "u2")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/chats/" + id},
		{http.MethodGet, "/api/chats/" + id + "/messages"},
		{http.MethodPost, "/api/chats/" + id + "/read"},
		{http.MethodPost, "/api/chats/" + id + "/archive"},
		{http.MethodDelete, "/api/chats/" + id},
	} {
		status, body := ta.do(t, tc.method, tc.path, other, nil)
		assert.Equal(t, http.StatusNotFound, status, "%s %s", tc.method, tc.path)
		assert.NotEmpty(t, body["error"])
	}

	status, _ := ta.do(t, http.MethodPost, "/api/chats/"+id+"/message", other, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestChatLifecycle(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.openChat(t, ta.user)

	status, body := ta.do(t, http.MethodPatch, "/api/chats/"+id+"/pin", ta.user, map[string]bool{"pinned": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, data(t, body)["pinned"])

	status, _ = ta.do(t, http.MethodPatch, "/api/chats/"+id+"/pin", ta.user, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ta.do(t, http.MethodPost, "/api/chats/"+id+"/archive", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "archived", data(t, body)["status"])

	status, _ = ta.do(t, http.MethodDelete, "/api/chats/"+id, ta.user, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ta.do(t, http.MethodPost, "/api/chats/"+id+"/message", ta.user, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusConflict, status)

	fresh := ta.openChat(t, ta.user)
	assert.NotEqual(t, id, fresh)
	status, body = ta.do(t, http.MethodDelete, "/api/chats/"+fresh, ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", data(t, body)["status"])
}

func TestOpenChat_Validation(t *testing.T) {
	ta := newTestAPI(t)

	status, _ := ta.do(t, http.MethodPost, "/api/chats", ta.user, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ta.do(t, http.MethodPost, "/api/chats", ta.user, map[string]string{"agentId": "ghost"})
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = ta.do(t, http.MethodPost, "/api/chats", ta.user, map[string]string{"agentId": "hidden"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSendMessage_AssistantFailures(t *testing.T) {
	for _, tc := range []struct {
		status assistant.RunStatus
		want   int
	}{
		{assistant.StatusFailed, http.StatusBadGateway},
		{assistant.StatusInProgress, http.StatusGatewayTimeout},
	} {
		t.Run(string(tc.status), func(t *testing.T) {
			ta := newTestAPI(t)
			ta.ai.status = tc.status
			id := ta.openChat(t, ta.user)

			status, body := ta.do(t, http.MethodPost, "/api/chats/"+id+"/message", ta.user, map[string]string{"content": "hi"})
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, body["error"])

			_, history := ta.do(t, http.MethodGet, "/api/chats/"+id+"/messages", ta.user, nil)
			assert.Len(t, history["data"], 1, "no reply is stored")
		})
	}
}

func TestPayments(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.do(t, http.MethodPost, "/api/payments/orders", ta.user, map[string]any{"agentId": "astro", "messagePackId": "p10", "quantity": 1})
	require.Equal(t, http.StatusCreated, status, body)
	order := data(t, body)["order"].(map[string]any)
	orderID := order["orderId"].(string)
	assert.Equal(t, 9900.0, order["amount"])

	status, _ = ta.do(t, http.MethodPost, "/api/payments/verify", ta.user, map[string]string{"orderId": orderID, "paymentId": "pay_1", "signature": "bad"})
	assert.Equal(t, http.StatusBadRequest, status)

	sig := payments.Sign([]byte(testPaymentKey), orderID, "pay_1")
	status, body = ta.do(t, http.MethodPost, "/api/payments/verify", ta.user, map[string]string{"orderId": orderID, "paymentId": "pay_1", "signature": sig})
	require.Equal(t, http.StatusOK, status, body)
	verified := data(t, body)
	assert.Equal(t, 10.0, verified["credited"])
	assert.Equal(t, 13.0, verified["credits"].(map[string]any)["remaining"])

	status, body = ta.do(t, http.MethodPost, "/api/payments/verify", ta.user, map[string]string{"orderId": orderID, "paymentId": "pay_1", "signature": sig})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, data(t, body)["replayed"])

	status, _ = ta.do(t, http.MethodPost, "/api/payments/"+orderID+"/cancel", ta.user, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ta.do(t, http.MethodGet, "/api/payments?status=completed", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, 1.0, body["pagination"].(map[string]any)["total"])

	status, _ = ta.do(t, http.MethodPost, "/api/payments/orders", ta.user, map[string]any{"agentId": "astro", "messagePackId": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMe(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.do(t, http.MethodGet, "/api/me", ta.user, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "u1@example.com", data(t, body)["email"])

	status, body = ta.do(t, http.MethodPut, "/api/me", ta.user, map[string]string{"name": "  Asha  ", "profileImage": "https://img.example.com/a.png"})
	require.Equal(t, http.StatusOK, status, body)
	me := data(t, body)
	assert.Equal(t, "Asha", me["name"])
	assert.Equal(t, "https://img.example.com/a.png", me["profileImage"])

	status, _ = ta.do(t, http.MethodPut, "/api/me", ta.user, map[string]string{"name": " "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ta.do(t, http.MethodPut, "/api/me/settings", ta.user, map[string]any{"settings": map[string]any{"theme": "dark"}})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, map[string]any{"theme": "dark"}, data(t, body)["settings"])

	status, _ = ta.do(t, http.MethodPut, "/api/me/settings", ta.user, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	// a profile update leaves settings alone
	status, body = ta.do(t, http.MethodPut, "/api/me", ta.user, map[string]string{"profileImage": ""})
	require.Equal(t, http.StatusOK, status, body)
	me = data(t, body)
	assert.Equal(t, "Asha", me["name"])
	assert.Nil(t, me["profileImage"])
	assert.Equal(t, map[string]any{"theme": "dark"}, me["settings"])

	// the other account is untouched
	status, body = ta.do(t, http.MethodGet, "/api/me", ta.tokenFor(t, "u2"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, data(t, body)["name"])
}

func TestMe_Delete(t *testing.T) {
	ta := newTestAPI(t)
	chatID := ta.openChat(t, ta.user)

	status, _ := ta.do(t, http.MethodDelete, "/api/me", ta.user, nil)
	require.Equal(t, http.StatusNoContent, status)

	_, err := ta.store.GetUser(context.Background(), "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = ta.store.GetConversation(context.Background(), chatID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// the token outlives the account but no longer authenticates
	status, _ = ta.do(t, http.MethodGet, "/api/me", ta.user, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestNotifications(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.do(t, http.MethodGet, "/api/notifications", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"])

	status, body = ta.do(t, http.MethodPost, "/api/payments/orders", ta.user, map[string]any{"agentId": "astro", "messagePackId": "p10", "quantity": 1})
	require.Equal(t, http.StatusCreated, status, body)
	orderID := data(t, body)["order"].(map[string]any)["orderId"].(string)
	sig := payments.Sign([]byte(testPaymentKey), orderID, "pay_1")
	status, body = ta.do(t, http.MethodPost, "/api/payments/verify", ta.user, map[string]string{"orderId": orderID, "paymentId": "pay_1", "signature": sig})
	require.Equal(t, http.StatusOK, status, body)

	status, body = ta.do(t, http.MethodGet, "/api/notifications", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	n := list[0].(map[string]any)
	assert.Equal(t, payments.NotificationPaymentCompleted, n["kind"])
	assert.Equal(t, false, n["read"])
	id := n["id"].(string)

	// another user can neither see nor touch it
	other := ta.tokenFor(t, "u2")
	status, body = ta.do(t, http.MethodGet, "/api/notifications", other, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"])
	status, _ = ta.do(t, http.MethodPut, "/api/notifications/"+id+"/read", other, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = ta.do(t, http.MethodPut, "/api/notifications/"+id+"/read", ta.user, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, data(t, body)["read"])

	status, body = ta.do(t, http.MethodPut, "/api/notifications/"+id+"/read", ta.user, map[string]bool{"read": false})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, false, data(t, body)["read"])

	status, _ = ta.do(t, http.MethodGet, "/api/notifications?limit=0", ta.user, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ta.do(t, http.MethodDelete, "/api/notifications/"+id, ta.user, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, body = ta.do(t, http.MethodGet, "/api/notifications", ta.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"])
}

func TestAdminRoutes(t *testing.T) {
	ta := newTestAPI(t)

	status, _ := ta.do(t, http.MethodPut, "/api/admin/agents/sage", ta.user, map[string]string{"title": "Sage"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := ta.do(t, http.MethodPut, "/api/admin/agents/sage", ta.admin, map[string]string{"title": "Sage", "assistantId": "asst_9"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "active", data(t, body)["status"])

	status, _ = ta.do(t, http.MethodPut, "/api/admin/message-packs/p50", ta.admin, map[string]any{"name": "Fifty", "messageCount": 50, "price": 39900})
	require.Equal(t, http.StatusOK, status)
	_, packs := ta.do(t, http.MethodGet, "/api/message-packs", "", nil)
	assert.Len(t, packs["data"], 2)

	status, body = ta.do(t, http.MethodPost, "/api/admin/users", ta.admin, map[string]string{"email": "New@Example.com"})
	require.Equal(t, http.StatusCreated, status)
	created := data(t, body)
	assert.Equal(t, "new@example.com", created["email"])
	assert.Equal(t, "user", created["role"])

	status, _ = ta.do(t, http.MethodPost, "/api/admin/users", ta.admin, map[string]string{"email": "new@example.com"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = ta.do(t, http.MethodPost, "/api/admin/credits/topup", ta.admin, map[string]any{"userId": "u1", "agentId": "sage", "amount": 5})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, 8.0, data(t, body)["remaining"])

	for _, bad := range []map[string]any{
		{"userId": "u1", "agentId": "sage", "amount": 0},
		{"userId": "u1"},
	} {
		status, _ = ta.do(t, http.MethodPost, "/api/admin/credits/topup", ta.admin, bad)
		assert.Equal(t, http.StatusBadRequest, status, fmt.Sprint(bad))
	}
	status, _ = ta.do(t, http.MethodPost, "/api/admin/credits/topup", ta.admin, map[string]any{"userId": "ghost", "agentId": "sage", "amount": 1})
	assert.Equal(t, http.StatusNotFound, status)
}
