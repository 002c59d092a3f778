// ABOUTME: SQLite aggregation queries for per-user message usage
// ABOUTME: Feeds the unread badge and the per-agent message statistics endpoint

package store

import (
	"context"
	"fmt"
)

// CountUnread returns the total unread count across a user's conversations
func (s *SQLiteStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unread_count), 0) FROM conversations WHERE user_id = ?
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return total, nil
}

// MessageStats aggregates a user's conversations and messages per agent
func (s *SQLiteStore) MessageStats(ctx context.Context, userID string) ([]AgentMessageStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.agent_id,
			COUNT(DISTINCT c.id),
			COALESCE(SUM(CASE WHEN m.sender = 'user' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN m.sender = 'agent' THEN 1 ELSE 0 END), 0),
			(SELECT COALESCE(SUM(c2.unread_count), 0) FROM conversations c2
				WHERE c2.user_id = c.user_id AND c2.agent_id = c.agent_id),
			COALESCE(SUM(m.total_tokens), 0)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = ?
		GROUP BY c.agent_id
		ORDER BY c.agent_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying message stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentMessageStats
	for rows.Next() {
		var st AgentMessageStats
		if err := rows.Scan(
			&st.AgentID,
			&st.Conversations,
			&st.UserMessages,
			&st.AgentMessages,
			&st.Unread,
			&st.TotalTokens,
		); err != nil {
			return nil, fmt.Errorf("scanning message stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message stats: %w", err)
	}

	s.logger.Debug("computed message stats", "user_id", userID, "agents", len(stats))
	return stats, nil
}
