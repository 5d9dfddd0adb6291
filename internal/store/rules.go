package store

import (
	"context"
	"fmt"
	"time"
)

// MatchMode selects how an auto-reply rule trigger is evaluated.
type MatchMode string

const (
	MatchExact      MatchMode = "exact"
	MatchContains   MatchMode = "contains"
	MatchStartsWith MatchMode = "starts_with"
	MatchEndsWith   MatchMode = "ends_with"
	MatchRegex      MatchMode = "regex"
)

// Rule is one user-managed auto-reply rule.
type Rule struct {
	ID        int64
	SessionID string
	Trigger   string
	MatchMode MatchMode
	Priority  int
	Reply     string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateRule inserts a rule.
func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	if r.MatchMode == "" {
		r.MatchMode = MatchContains
	}
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_reply_rules (session_id, trigger_text, match_mode, priority, reply, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Trigger, r.MatchMode, r.Priority, r.Reply, r.IsActive, ts, ts)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ActiveRules returns a session's active rules in evaluation order:
// descending priority, then ascending id.
func (s *Store) ActiveRules(ctx context.Context, sessionID string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, trigger_text, match_mode, priority, reply, is_active,
		       created_at, updated_at
		FROM auto_reply_rules
		WHERE session_id = ? AND is_active = 1
		ORDER BY priority DESC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("active rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		var r Rule
		var createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Trigger, &r.MatchMode,
			&r.Priority, &r.Reply, &r.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.CreatedAt = mustTime(createdAt)
		r.UpdatedAt = mustTime(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
