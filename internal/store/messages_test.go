// ABOUTME: Tests for message persistence
// ABOUTME: Covers paging order, forward-only status and usage statistics

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessages(t *testing.T, s Store, convID string, n int) {
	t.Helper()
	base := now().Add(-time.Hour)
	for i := range n {
		sender := SenderUser
		if i%2 == 1 {
			sender = SenderAgent
		}
		require.NoError(t, s.SaveMessage(context.Background(), &Message{
			ID:             fmt.Sprintf("%s-m%02d", convID, i),
			ConversationID: convID,
			Sender:         sender,
			SenderID:       "sender",
			Content:        fmt.Sprintf("message %d", i),
			Status:         MessageSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestSaveMessage(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "a1", now())))

		msg := &Message{
			ID:             "m1",
			ConversationID: "c1",
			Sender:         SenderAgent,
			SenderID:       "a1",
			Content:        "Hi there",
			Status:         MessageDelivered,
			Attachments:    []Attachment{{Name: "a.png", URL: "https://cdn.example.com/a.png", MimeType: "image/png"}},
			Usage:          &TokenUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
			CreatedAt:      now(),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))

		got, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "Hi there", got.Content)
		assert.Equal(t, MessageDelivered, got.Status)
		require.Len(t, got.Attachments, 1)
		assert.Equal(t, "image/png", got.Attachments[0].MimeType)
		require.NotNil(t, got.Usage)
		assert.Equal(t, 15, got.Usage.TotalTokens)

		assert.ErrorIs(t, s.SaveMessage(ctx, msg), ErrDuplicate)

		orphan := *msg
		orphan.ID = "m2"
		orphan.ConversationID = "missing"
		assert.ErrorIs(t, s.SaveMessage(ctx, &orphan), ErrNotFound)
	})
}

func TestListMessages_MostRecentPageFirstOldestFirstWithin(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "a1", now())))
		seedMessages(t, s, "c1", 7)

		page1, total, err := s.ListMessages(ctx, "c1", 1, 3)
		require.NoError(t, err)
		assert.Equal(t, 7, total)
		require.Len(t, page1, 3)
		assert.Equal(t, "c1-m04", page1[0].ID)
		assert.Equal(t, "c1-m06", page1[2].ID)

		page3, _, err := s.ListMessages(ctx, "c1", 3, 3)
		require.NoError(t, err)
		require.Len(t, page3, 1)
		assert.Equal(t, "c1-m00", page3[0].ID)

		page4, total, err := s.ListMessages(ctx, "c1", 4, 3)
		require.NoError(t, err)
		assert.Empty(t, page4)
		assert.Equal(t, 7, total)
	})
}

func TestAdvanceMessageStatus_ForwardOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "a1", now())))
		seedMessages(t, s, "c1", 1)
		id := "c1-m00"

		changed, err := s.AdvanceMessageStatus(ctx, id, MessageRead)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.AdvanceMessageStatus(ctx, id, MessageDelivered)
		require.NoError(t, err)
		assert.False(t, changed, "read never goes back to delivered")

		changed, err = s.AdvanceMessageStatus(ctx, id, MessageRead)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := s.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, MessageRead, got.Status)

		_, err = s.AdvanceMessageStatus(ctx, "missing", MessageRead)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkConversationMessagesRead(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "a1", now())))
		seedMessages(t, s, "c1", 4)
		_, err := s.AdvanceMessageStatus(ctx, "c1-m00", MessageRead)
		require.NoError(t, err)

		n, err := s.MarkConversationMessagesRead(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.MarkConversationMessagesRead(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestCountUnreadAndMessageStats(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "a1", now())))
		require.NoError(t, s.CreateConversation(ctx, newConversation("c2", "u1", "a2", now())))
		seedMessages(t, s, "c1", 4)

		require.NoError(t, s.SaveMessage(ctx, &Message{
			ID: "c2-reply", ConversationID: "c2", Sender: SenderAgent, SenderID: "a2",
			Content: "ok", Status: MessageSent, CreatedAt: now(),
			Usage: &TokenUsage{TotalTokens: 40},
		}))
		require.NoError(t, s.UpdateConversationSummary(ctx, "c1", "x", SenderAgent, now(), true))
		require.NoError(t, s.UpdateConversationSummary(ctx, "c2", "ok", SenderAgent, now(), true))
		require.NoError(t, s.UpdateConversationSummary(ctx, "c2", "ok", SenderAgent, now(), true))

		unread, err := s.CountUnread(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 3, unread)

		stats, err := s.MessageStats(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, stats, 2)
		assert.Equal(t, AgentMessageStats{AgentID: "a1", Conversations: 1, UserMessages: 2, AgentMessages: 2, Unread: 1}, stats[0])
		assert.Equal(t, AgentMessageStats{AgentID: "a2", Conversations: 1, AgentMessages: 1, Unread: 2, TotalTokens: 40}, stats[1])

		none, err := s.CountUnread(ctx, "nobody")
		require.NoError(t, err)
		assert.Zero(t, none)
	})
}
