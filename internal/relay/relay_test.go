// ABOUTME: Tests for the message pipeline, the read sub-protocol and guest relays
// ABOUTME: Uses the in-memory store, a scripted assistant and a fake clock

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/2389/agentchat/internal/assistant"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/store"
)

// stepClock advances only when Sleep is called
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeAssistant scripts run statuses and replies
type fakeAssistant struct {
	mu        sync.Mutex
	threads   int
	runs      int
	added     []string
	statuses  []assistant.RunStatus // returned by RetrieveRun in order, last repeats
	polls     int
	reply     string
	usage     *assistant.Usage
	addErr    error
	cancelled []string
}

func (f *fakeAssistant) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return fmt.Sprintf("thread_%d", f.threads), nil
}

func (f *fakeAssistant) AddMessage(ctx context.Context, threadID, content string, role assistant.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, content)
	return nil
}

func (f *fakeAssistant) CreateRun(ctx context.Context, threadID, assistantID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.polls = 0
	return &assistant.Run{ID: fmt.Sprintf("run_%d", f.runs), ThreadID: threadID, Status: assistant.StatusQueued}, nil
}

func (f *fakeAssistant) RetrieveRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.polls, len(f.statuses)-1)
	f.polls++
	run := &assistant.Run{ID: runID, ThreadID: threadID, Status: f.statuses[i]}
	if run.Status == assistant.StatusCompleted {
		run.Usage = f.usage
	}
	return run, nil
}

func (f *fakeAssistant) CancelRun(ctx context.Context, threadID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeAssistant) LatestReply(ctx context.Context, threadID string) (*assistant.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &assistant.Reply{Text: f.reply}, nil
}

// streamingAssistant adds Streamer on top of the scripted client
type streamingAssistant struct {
	*fakeAssistant
	chunks []string
	err    error
}

func (s *streamingAssistant) StreamRun(ctx context.Context, threadID, assistantID string, onChunk assistant.ChunkFunc) (*assistant.Reply, error) {
	text := ""
	for _, c := range s.chunks {
		if err := onChunk(c); err != nil {
			return nil, err
		}
		text += c
	}
	if s.err != nil {
		return nil, s.err
	}
	return &assistant.Reply{Text: text}, nil
}

// blockingAssistant parks the first poll until its context ends
type blockingAssistant struct {
	*fakeAssistant
	polling   chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func newBlockingAssistant() *blockingAssistant {
	return &blockingAssistant{
		fakeAssistant: completing("never"),
		polling:       make(chan struct{}),
		cancelled:     make(chan struct{}),
	}
}

func (b *blockingAssistant) RetrieveRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	b.once.Do(func() { close(b.polling) })
	<-ctx.Done()
	select {
	case <-b.cancelled:
	default:
		close(b.cancelled)
	}
	return nil, ctx.Err()
}

func (f *fakeAssistant) cancelledRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// recorder collects emitted events
type recorder struct {
	mu     sync.Mutex
	events []outFrame
}

func (r *recorder) Emit(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, outFrame{Event: event, Data: data})
}

func (r *recorder) named(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

type fixture struct {
	relay  *Relay
	store  *store.MemoryStore
	ai     *fakeAssistant
	ledger *credits.Ledger
	dir    *conversation.Directory
}

func newFixture(t *testing.T, client assistant.Client, stream bool) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "astro", Title: "Astrologer", AssistantID: "asst_1", Status: store.AgentStatusActive}))
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "sage", Title: "Sage", AssistantID: "asst_2", Status: store.AgentStatusActive}))
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "retired", Title: "Retired", AssistantID: "asst_3", Status: store.AgentStatusInactive}))

	ledger := credits.New(s, 3, nil)
	dir := conversation.NewDirectory(s, nil)
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(Deps{
		Store:     s,
		Ledger:    ledger,
		Directory: dir,
		Assistant: client,
		Poller:    &assistant.Poller{Interval: assistant.DefaultPollInterval, Timeout: assistant.DefaultPollTimeout, Clock: clock},
		Stream:    stream,
	})

	f := &fixture{relay: r, store: s, ledger: ledger, dir: dir}
	switch c := client.(type) {
	case *fakeAssistant:
		f.ai = c
	case *streamingAssistant:
		f.ai = c.fakeAssistant
	case *blockingAssistant:
		f.ai = c.fakeAssistant
	}
	return f
}

func completing(reply string) *fakeAssistant {
	return &fakeAssistant{
		statuses: []assistant.RunStatus{assistant.StatusQueued, assistant.StatusInProgress, assistant.StatusCompleted},
		reply:    reply,
		usage:    &assistant.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}
}

func TestSend_FirstMessage(t *testing.T) {
	f := newFixture(t, completing("Hi there"), false)
	ctx := context.Background()
	rec := &recorder{}

	res, err := f.relay.Send(ctx, Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "  Hello  ", ClientMessageID: "c-1"}, rec)
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.UserMessage.Content)
	assert.Equal(t, store.MessageDelivered, res.UserMessage.Status)
	assert.Equal(t, "Hi there", res.Reply.Content)
	assert.Equal(t, store.MessageSent, res.Reply.Status)
	assert.Equal(t, store.SenderAgent, res.Reply.Sender)
	require.NotNil(t, res.Reply.Usage)
	assert.Equal(t, 16, res.Reply.Usage.TotalTokens)
	assert.True(t, res.Reply.CreatedAt.After(res.UserMessage.CreatedAt))
	assert.Equal(t, credits.Balance{HasCredits: true, Remaining: 2}, res.Credits)

	conv := res.Conversation
	assert.Equal(t, "thread_1", conv.ThreadID)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "Hi there", conv.LastMessageText)
	assert.Equal(t, store.SenderAgent, conv.LastMessageSentBy)

	msgs, total, err := f.store.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, store.SenderAgent, msgs[1].Sender)

	responses := rec.named(EventMessageResponse)
	require.Len(t, responses, 1)
	resp := responses[0].(MessageResponse)
	assert.Equal(t, "c-1", resp.ClientMessageID)
	assert.Equal(t, conv.ID, resp.ConversationID)
	assert.Equal(t, []string{"Hello"}, f.ai.added)
}

func TestSend_ReusesConversationAndThread(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	first, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "one"}, nil)
	require.NoError(t, err)
	second, err := f.relay.Send(ctx, p, SendRequest{ConversationID: first.Conversation.ID, Content: "two"}, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, "thread_1", second.Conversation.ThreadID)
	assert.Equal(t, 1, f.ai.threads)
	assert.Equal(t, 2, second.Conversation.UnreadCount)

	other, err := f.relay.Send(ctx, p, SendRequest{AgentID: "sage", Content: "hi"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Conversation.ID, other.Conversation.ID)
	assert.Equal(t, 2, other.Credits.Remaining, "credits are per agent")
}

func TestSend_FreeCreditsRunOut(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	for want := 2; want >= 0; want-- {
		res, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hey"}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, res.Credits.Remaining)
	}

	_, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "one more"}, nil)
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	conv, err := f.dir.Resolve(ctx, "u1", "astro")
	require.NoError(t, err)
	_, total, err := f.store.ListMessages(ctx, conv.ID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 6, total, "rejected message is not stored")
	assert.Len(t, f.ai.added, 3, "rejected message never reaches the assistant")
}

func TestSend_PollTimeoutLeavesNoReply(t *testing.T) {
	ai := &fakeAssistant{statuses: []assistant.RunStatus{assistant.StatusInProgress}, reply: "too late"}
	f := newFixture(t, ai, false)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hello"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssistantUnavailable)
	assert.ErrorIs(t, err, assistant.ErrPollTimeout)

	var timeout *assistant.PollTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, assistant.StatusInProgress, timeout.LastStatus)
	assert.Equal(t, []string{"run_1"}, ai.cancelled)

	conv, err := f.dir.Resolve(ctx, "u1", "astro")
	require.NoError(t, err)
	msgs, total, err := f.store.ListMessages(ctx, conv.ID, 1, 50)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Zero(t, conv.UnreadCount)
	assert.Equal(t, "Hello", conv.LastMessageText)

	bal, err := f.ledger.Balance(ctx, "u1", "astro")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.Remaining, "the attempt is still charged")
}

func TestSend_FailedRun(t *testing.T) {
	ai := &fakeAssistant{statuses: []assistant.RunStatus{assistant.StatusFailed}}
	f := newFixture(t, ai, false)

	_, err := f.relay.Send(context.Background(), Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hello"}, nil)
	assert.ErrorIs(t, err, ErrAssistantUnavailable)
	assert.NotErrorIs(t, err, assistant.ErrPollTimeout)
	assert.Empty(t, ai.cancelled)
}

func TestSend_AddMessageFailure(t *testing.T) {
	ai := completing("never")
	ai.addErr = errors.New("connection refused")
	f := newFixture(t, ai, false)

	_, err := f.relay.Send(context.Background(), Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hello"}, nil)
	assert.ErrorIs(t, err, ErrAssistantUnavailable)
	assert.Zero(t, ai.runs)
}

func TestSend_Streaming(t *testing.T) {
	client := &streamingAssistant{fakeAssistant: completing(""), chunks: []string{"Hel", "lo ", "there"}}
	f := newFixture(t, client, true)
	rec := &recorder{}

	res, err := f.relay.Send(context.Background(), Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hi"}, rec)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.Reply.Content)
	assert.Zero(t, client.runs, "streaming skips the run protocol")

	chunks := rec.named(EventAssistantChunk)
	require.Len(t, chunks, 4)
	assert.Equal(t, "Hel", chunks[0].(ChunkPayload).FullText)
	assert.Equal(t, "Hello ", chunks[1].(ChunkPayload).FullText)
	last := chunks[3].(ChunkPayload)
	assert.True(t, last.IsComplete)
	assert.Equal(t, "Hello there", last.FullText)

	// the final response comes after every chunk
	rec.mu.Lock()
	assert.Equal(t, EventMessageResponse, rec.events[len(rec.events)-1].Event)
	rec.mu.Unlock()
}

func TestSend_StreamingFailure(t *testing.T) {
	client := &streamingAssistant{fakeAssistant: completing(""), chunks: []string{"partial"}, err: errors.New("stream reset")}
	f := newFixture(t, client, true)

	_, err := f.relay.Send(context.Background(), Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hi"}, nil)
	assert.ErrorIs(t, err, ErrAssistantUnavailable)

	conv, err := f.dir.Resolve(context.Background(), "u1", "astro")
	require.NoError(t, err)
	_, total, err := f.store.ListMessages(context.Background(), conv.ID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSend_StreamDisabledUsesRuns(t *testing.T) {
	client := &streamingAssistant{fakeAssistant: completing("polled"), chunks: []string{"streamed"}}
	f := newFixture(t, client, false)

	res, err := f.relay.Send(context.Background(), Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "polled", res.Reply.Content)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()

	owned, err := f.relay.Send(ctx, Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "mine"}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		p    Principal
		req  SendRequest
		want error
	}{
		{name: "empty content", p: Principal{UserID: "u1"}, req: SendRequest{AgentID: "astro", Content: "   "}, want: ErrEmptyContent},
		{name: "no agent", p: Principal{UserID: "u1"}, req: SendRequest{Content: "hi"}, want: ErrAgentRequired},
		{name: "unknown agent", p: Principal{UserID: "u1"}, req: SendRequest{AgentID: "ghost", Content: "hi"}, want: ErrAgentNotFound},
		{name: "inactive agent", p: Principal{UserID: "u1"}, req: SendRequest{AgentID: "retired", Content: "hi"}, want: ErrAgentUnavailable},
		{name: "someone else's conversation", p: Principal{UserID: "u2"}, req: SendRequest{ConversationID: owned.Conversation.ID, Content: "hi"}, want: conversation.ErrConversationNotFound},
		{name: "agent mismatch", p: Principal{UserID: "u1"}, req: SendRequest{ConversationID: owned.Conversation.ID, AgentID: "sage", Content: "hi"}, want: ErrAgentMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.Send(ctx, tt.p, tt.req, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Len(t, f.ai.added, 1)
}

func TestSend_BroadcastsToRoomExceptSender(t *testing.T) {
	f := newFixture(t, completing("hello both"), false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := f.dir.Resolve(ctx, "u1", "astro")
	require.NoError(t, err)
	mine, _ := f.relay.Rooms().Subscribe(ctx, conv.ID, "conn-1")
	theirs, _ := f.relay.Rooms().Subscribe(ctx, conv.ID, "conn-2")

	_, err = f.relay.Send(ctx, Principal{UserID: "u1", ConnectionID: "conn-1"}, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	require.NoError(t, err)

	select {
	case ev := <-theirs:
		assert.Equal(t, EventMessage, ev.Name)
		assert.Equal(t, "hello both", ev.Data.(MessageResponse).Message.Content)
	case <-time.After(time.Second):
		t.Fatal("room did not receive the reply")
	}
	select {
	case ev := <-mine:
		t.Fatalf("sender received its own broadcast: %v", ev.Name)
	default:
	}
}

func TestMarkMessageRead(t *testing.T) {
	f := newFixture(t, completing("read me"), false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := Principal{UserID: "u1", ConnectionID: "conn-1"}

	res, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	require.NoError(t, err)
	room, _ := f.relay.Rooms().Subscribe(ctx, res.Conversation.ID, "conn-2")

	out, err := f.relay.MarkMessageRead(ctx, p, res.Reply.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageRead, out.Status)
	assert.Equal(t, res.Conversation.ID, out.ConversationID)

	msg, err := f.store.GetMessage(ctx, res.Reply.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageRead, msg.Status)

	select {
	case ev := <-room:
		assert.Equal(t, EventMessageStatusUpdate, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("no status update broadcast")
	}

	// repeating acknowledges without another broadcast
	again, err := f.relay.MarkMessageRead(ctx, p, res.Reply.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageRead, again.Status)
	select {
	case ev := <-room:
		t.Fatalf("unexpected broadcast %s", ev.Name)
	default:
	}

	_, err = f.relay.MarkMessageRead(ctx, Principal{UserID: "u2"}, res.Reply.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = f.relay.MarkMessageRead(ctx, p, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMarkAllRead(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	res, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "again"}, nil)
	require.NoError(t, err)

	n, err := f.relay.UnreadCount(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err := f.relay.MarkAllRead(ctx, p, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, out.MessagesUpdated)
	assert.Zero(t, out.UnreadCount)

	n, err = f.relay.UnreadCount(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := f.relay.MarkAllRead(ctx, p, res.Conversation.ID)
	require.NoError(t, err)
	assert.Zero(t, again.MessagesUpdated)

	_, err = f.relay.MarkAllRead(ctx, Principal{UserID: "u2"}, res.Conversation.ID)
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	var convID string
	for i := range 3 {
		res, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: fmt.Sprintf("m%d", i)}, nil)
		require.NoError(t, err)
		convID = res.Conversation.ID
	}

	latest, err := f.relay.History(ctx, p, convID, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, Pagination{Page: 1, Limit: 4, Total: 6, Pages: 2}, latest.Pagination)
	require.Len(t, latest.Messages, 4)
	assert.Equal(t, "m1", latest.Messages[0].Content)

	oldest, err := f.relay.History(ctx, p, convID, 2, 4)
	require.NoError(t, err)
	require.Len(t, oldest.Messages, 2)
	assert.Equal(t, "m0", oldest.Messages[0].Content)

	defaults, err := f.relay.History(ctx, p, convID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, defaults.Pagination.Limit)

	_, err = f.relay.History(ctx, Principal{UserID: "u2"}, convID, 1, 10)
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound)
}

func TestDetailsAndConversations(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	res, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	require.NoError(t, err)

	d, err := f.relay.Details(ctx, p, res.Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, d.Agent)
	assert.Equal(t, "Astrologer", d.Agent.Title)
	assert.Equal(t, 2, d.Credits.Remaining)
	assert.Equal(t, "ok", d.Conversation.LastMessage.Text)

	convs, err := f.relay.Conversations(ctx, p, conversation.ListFilter{})
	require.NoError(t, err)
	require.Len(t, convs, 1)

	none, err := f.relay.Conversations(ctx, Principal{UserID: "u2"}, conversation.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestForGuest(t *testing.T) {
	f := newFixture(t, completing("welcome"), false)
	ctx := context.Background()
	guest := f.relay.ForGuest(1)
	p := Principal{UserID: "guest-1", Guest: true}

	res, err := guest.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "welcome", res.Reply.Content)
	assert.Zero(t, res.Credits.Remaining)

	_, err = guest.Send(ctx, p, SendRequest{AgentID: "astro", Content: "more"}, nil)
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

	// nothing reached the shared store
	convs, err := f.store.ListConversations(ctx, "guest-1", store.ConversationFilter{})
	require.NoError(t, err)
	assert.Empty(t, convs)

	// a second guest relay starts from scratch
	fresh := f.relay.ForGuest(1)
	_, err = fresh.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	assert.NoError(t, err)
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	var mu sync.Mutex
	inside := map[string]int{}
	peak := 0

	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := []string{"a", "b"}[i%2]
			unlock := k.Lock(key)
			mu.Lock()
			inside[key]++
			peak = max(peak, inside[key])
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Empty(t, k.locks)
}

func TestSend_ClosedConversation(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	res, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "hi"}, nil)
	require.NoError(t, err)
	require.NoError(t, f.dir.Archive(ctx, "u1", res.Conversation.ID))

	_, err = f.relay.Send(ctx, p, SendRequest{ConversationID: res.Conversation.ID, Content: "still there?"}, nil)
	assert.ErrorIs(t, err, conversation.ErrNotActive)

	// addressing the agent opens a fresh conversation
	next, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "new start"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, res.Conversation.ID, next.Conversation.ID)
	assert.Equal(t, "thread_2", next.Conversation.ThreadID)
}

func TestSend_ConcurrentSendsAtLastCredit(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()
	p := Principal{UserID: "u1"}

	for range 2 {
		_, err := f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: "warm up"}, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.relay.Send(ctx, p, SendRequest{AgentID: "astro", Content: fmt.Sprintf("race %d", i)}, nil)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	}
	assert.Equal(t, 1, succeeded)

	conv, err := f.dir.Resolve(ctx, "u1", "astro")
	require.NoError(t, err)
	msgs, _, err := f.store.ListMessages(ctx, conv.ID, 1, 100)
	require.NoError(t, err)
	userMessages := 0
	for _, m := range msgs {
		if m.Sender == store.SenderUser {
			userMessages++
		}
	}
	bal, err := f.store.GetCreditBalance(ctx, "u1", "astro")
	require.NoError(t, err)
	assert.Equal(t, 3, bal.UsedMessages)
	assert.Equal(t, bal.UsedMessages, userMessages, "every stored user message is charged")
}

func TestSend_CancelStopsPollingButKeepsCharge(t *testing.T) {
	ai := newBlockingAssistant()
	f := newFixture(t, ai, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := f.relay.Send(ctx, Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hello"}, nil)
		done <- err
	}()

	<-ai.polling
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAssistantUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not stop after cancel")
	}
	assert.Equal(t, []string{"run_1"}, ai.cancelledRuns(), "the abandoned run is cancelled upstream")

	bg := context.Background()
	conv, err := f.dir.Resolve(bg, "u1", "astro")
	require.NoError(t, err)
	_, total, err := f.store.ListMessages(bg, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	bal, err := f.ledger.Balance(bg, "u1", "astro")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.Remaining)
}

func TestSend_CancelledBeforeAdmission(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.relay.Send(ctx, Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "Hello"}, nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.store.FindActiveConversation(context.Background(), "u1", "astro")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing is stored")
}

func TestThread_UsesBindingMadeWhileWaiting(t *testing.T) {
	f := newFixture(t, completing("ok"), false)
	ctx := context.Background()

	stale, err := f.dir.Resolve(ctx, "u1", "astro")
	require.NoError(t, err)
	require.NoError(t, f.dir.BindThread(ctx, stale.ID, "thread_earlier"))

	threadID, err := f.relay.thread(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, "thread_earlier", threadID)
	assert.Zero(t, f.ai.threads, "no second thread was created upstream")
}

// countingModel is a langchaingo model that reports the prompt size back
type countingModel struct {
	mu      sync.Mutex
	prompts [][]llms.MessageContent
}

func (m *countingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, messages)
	m.mu.Unlock()
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        fmt.Sprintf("heard %d messages", len(messages)),
		GenerationInfo: map[string]any{"PromptTokens": 10, "CompletionTokens": 3},
	}}}, nil
}

func TestSend_CompletionThreadSurvivesRestart(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "astro", Title: "Astrologer", AssistantID: "gpt-4o-mini", Status: store.AgentStatusActive}))

	boot := func(model *countingModel) *Relay {
		client := assistant.NewCompletionClient(model, "", time.Second, nil)
		r := New(Deps{
			Store:     s,
			Ledger:    credits.New(s, 3, nil),
			Directory: conversation.NewDirectory(s, nil),
			Assistant: client,
			Stream:    true,
		})
		client.SetHistory(r.Transcript)
		return r
	}
	p := Principal{UserID: "u1"}

	first, err := boot(&countingModel{}).Send(ctx, p, SendRequest{AgentID: "astro", Content: "one"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "heard 1 messages", first.Reply.Content)

	model := &countingModel{}
	second, err := boot(model).Send(ctx, p, SendRequest{AgentID: "astro", Content: "two"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Conversation.ThreadID, second.Conversation.ThreadID)
	assert.Equal(t, "heard 3 messages", second.Reply.Content, "earlier turns were restored")

	model.mu.Lock()
	prompt := model.prompts[0]
	model.mu.Unlock()
	require.Len(t, prompt, 3)
	assert.Equal(t, llms.ChatMessageTypeHuman, prompt[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, prompt[1].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, prompt[2].Role)

	bal, err := s.GetCreditBalance(ctx, "u1", "astro")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.UsedMessages)
}

func TestTranscript(t *testing.T) {
	f := newFixture(t, completing("fine"), false)
	ctx := context.Background()

	res, err := f.relay.Send(ctx, Principal{UserID: "u1"}, SendRequest{AgentID: "astro", Content: "how are you"}, nil)
	require.NoError(t, err)

	history, err := f.relay.Transcript(ctx, res.Conversation.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []assistant.HistoryMessage{
		{Role: assistant.RoleUser, Content: "how are you"},
		{Role: assistant.RoleAssistant, Content: "fine"},
	}, history)

	history, err = f.relay.Transcript(ctx, "thread_nobody_knows")
	require.NoError(t, err)
	assert.Empty(t, history)
}
