package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Contact is one address-book entry, unique per (user, session, phone).
type Contact struct {
	ID            int64
	UserID        int64
	SessionID     string
	Phone         string
	DisplayName   string // human-assigned; never clobbered by upserts
	PushName      string
	IsBusiness    bool
	IsGroup       bool
	Metadata      map[string]any
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertContact merges a contact by (user, session, phone). Incoming
// non-empty values win, except display_name: once a human has assigned
// one it is preserved.
func (s *Store) UpsertContact(ctx context.Context, c *Contact) error {
	meta, _ := json.Marshal(c.Metadata)
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whatsapp_contacts
			(user_id, session_id, phone, display_name, push_name, is_business,
			 is_group, metadata, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id, phone) DO UPDATE SET
			display_name = CASE
				WHEN whatsapp_contacts.display_name != '' THEN whatsapp_contacts.display_name
				ELSE excluded.display_name END,
			push_name = CASE
				WHEN excluded.push_name != '' THEN excluded.push_name
				ELSE whatsapp_contacts.push_name END,
			is_business = MAX(whatsapp_contacts.is_business, excluded.is_business),
			metadata = CASE
				WHEN excluded.metadata != '' AND excluded.metadata != 'null'
				THEN excluded.metadata ELSE whatsapp_contacts.metadata END,
			last_message_at = COALESCE(excluded.last_message_at, whatsapp_contacts.last_message_at),
			updated_at = excluded.updated_at`,
		c.UserID, c.SessionID, c.Phone, c.DisplayName, c.PushName, c.IsBusiness,
		c.IsGroup, string(meta), nullTime(c.LastMessageAt), ts, ts)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// UpsertContacts applies UpsertContact to a batch inside one
// transaction. Used by the scraper's batched persistence.
func (s *Store) UpsertContacts(ctx context.Context, contacts []*Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		for _, c := range contacts {
			meta, _ := json.Marshal(c.Metadata)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO whatsapp_contacts
					(user_id, session_id, phone, display_name, push_name, is_business,
					 is_group, metadata, last_message_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, session_id, phone) DO UPDATE SET
					display_name = CASE
						WHEN whatsapp_contacts.display_name != '' THEN whatsapp_contacts.display_name
						ELSE excluded.display_name END,
					push_name = CASE
						WHEN excluded.push_name != '' THEN excluded.push_name
						ELSE whatsapp_contacts.push_name END,
					is_business = MAX(whatsapp_contacts.is_business, excluded.is_business),
					metadata = CASE
						WHEN excluded.metadata != '' AND excluded.metadata != 'null'
						THEN excluded.metadata ELSE whatsapp_contacts.metadata END,
					last_message_at = COALESCE(excluded.last_message_at, whatsapp_contacts.last_message_at),
					updated_at = excluded.updated_at`,
				c.UserID, c.SessionID, c.Phone, c.DisplayName, c.PushName,
				c.IsBusiness, c.IsGroup, string(meta), nullTime(c.LastMessageAt), ts, ts)
			if err != nil {
				return fmt.Errorf("upsert contact %s: %w", c.Phone, err)
			}
		}
		return nil
	})
}

// ListContacts returns the contacts for one session.
func (s *Store) ListContacts(ctx context.Context, userID int64, sessionID string) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, phone, display_name, push_name,
		       is_business, is_group, metadata, last_message_at, created_at,
		       updated_at
		FROM whatsapp_contacts
		WHERE user_id = ? AND session_id = ?
		ORDER BY id`, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		var meta, lastMsg sql.NullString
		var createdAt, updatedAt string
		err := rows.Scan(&c.ID, &c.UserID, &c.SessionID, &c.Phone,
			&c.DisplayName, &c.PushName, &c.IsBusiness, &c.IsGroup, &meta,
			&lastMsg, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.LastMessageAt = parseTime(lastMsg)
		c.CreatedAt = mustTime(createdAt)
		c.UpdatedAt = mustTime(updatedAt)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &c.Metadata)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountContacts returns the number of contacts stored for a session.
func (s *Store) CountContacts(ctx context.Context, userID int64, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM whatsapp_contacts WHERE user_id = ? AND session_id = ?`,
		userID, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}
