package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Conversation is one (session, customer phone) thread in the ledger
// shared with the human-agent subsystem. A non-nil HumanAgentID means
// a human has claimed the thread and auto-reply must stand down.
type Conversation struct {
	ID            int64
	SessionID     string
	Phone         string
	PushName      string
	HumanAgentID  *int64
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertConversation creates or refreshes the thread for an inbound
// message and returns the current row, including any human-agent
// assignment made by the external subsystem.
func (s *Store) UpsertConversation(ctx context.Context, sessionID, phone, pushName string, at time.Time) (*Conversation, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (session_id, phone, push_name, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, phone) DO UPDATE SET
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE conversations.push_name END,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		sessionID, phone, pushName, fmtTime(at), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	var c Conversation
	var agent sql.NullInt64
	var lastMsg sql.NullString
	var createdAt, updatedAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, session_id, phone, push_name, human_agent_id,
		       last_message_at, created_at, updated_at
		FROM conversations WHERE session_id = ? AND phone = ?`,
		sessionID, phone).
		Scan(&c.ID, &c.SessionID, &c.Phone, &c.PushName, &agent,
			&lastMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if agent.Valid {
		c.HumanAgentID = &agent.Int64
	}
	c.LastMessageAt = parseTime(lastMsg)
	c.CreatedAt = mustTime(createdAt)
	c.UpdatedAt = mustTime(updatedAt)
	return &c, nil
}

// AssignHumanAgent claims or releases a thread for a human agent.
// Pass nil to release.
func (s *Store) AssignHumanAgent(ctx context.Context, conversationID int64, agentID *int64) error {
	var v any
	if agentID != nil {
		v = *agentID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET human_agent_id = ?, updated_at = ? WHERE id = ?`,
		v, now(), conversationID)
	if err != nil {
		return fmt.Errorf("assign human agent: %w", err)
	}
	return nil
}

// AddConversationMessage appends one line to the thread transcript.
func (s *Store) AddConversationMessage(ctx context.Context, conversationID int64, direction Direction, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, direction, content, created_at)
		VALUES (?, ?, ?, ?)`, conversationID, direction, content, now())
	if err != nil {
		return fmt.Errorf("add conversation message: %w", err)
	}
	return nil
}
