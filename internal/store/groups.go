package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/wagate/internal/gateway"
)

// Group is one joined group chat, unique per (user, session, groupJid).
type Group struct {
	ID               int64
	UserID           int64
	SessionID        string
	GroupJID         string
	Name             string
	Description      string
	OwnerJID         string
	ParticipantCount int
	AdminCount       int
	IsAnnounce       bool
	IsLocked         bool
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GroupMember is one participant row, unique per (group, participantJid).
type GroupMember struct {
	ID             int64
	GroupID        int64
	ParticipantJID string
	Phone          string // empty when only a LID is known
	DisplayName    string
	PushName       string
	IsAdmin        bool
	IsSuperAdmin   bool
	IsLID          bool
}

// UpsertGroup merges a group row and returns its internal id.
func (s *Store) UpsertGroup(ctx context.Context, g *Group) (int64, error) {
	meta, _ := json.Marshal(g.Metadata)
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whatsapp_groups
			(user_id, session_id, group_jid, name, description, owner_jid,
			 participant_count, admin_count, is_announce, is_locked, metadata,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id, group_jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE whatsapp_groups.name END,
			description = excluded.description,
			owner_jid = CASE WHEN excluded.owner_jid != '' THEN excluded.owner_jid ELSE whatsapp_groups.owner_jid END,
			participant_count = excluded.participant_count,
			admin_count = excluded.admin_count,
			is_announce = excluded.is_announce,
			is_locked = excluded.is_locked,
			metadata = CASE
				WHEN excluded.metadata != '' AND excluded.metadata != 'null'
				THEN excluded.metadata ELSE whatsapp_groups.metadata END,
			updated_at = excluded.updated_at`,
		g.UserID, g.SessionID, g.GroupJID, g.Name, g.Description, g.OwnerJID,
		g.ParticipantCount, g.AdminCount, g.IsAnnounce, g.IsLocked,
		string(meta), ts, ts)
	if err != nil {
		return 0, fmt.Errorf("upsert group: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM whatsapp_groups WHERE user_id = ? AND session_id = ? AND group_jid = ?`,
		g.UserID, g.SessionID, g.GroupJID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("load group id: %w", err)
	}
	g.ID = id
	return id, nil
}

// GroupByJID loads a group row.
func (s *Store) GroupByJID(ctx context.Context, userID int64, sessionID, groupJID string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, group_jid, name, description, owner_jid,
		       participant_count, admin_count, is_announce, is_locked, metadata,
		       created_at, updated_at
		FROM whatsapp_groups
		WHERE user_id = ? AND session_id = ? AND group_jid = ?`,
		userID, sessionID, groupJID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupJID, gateway.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	return g, nil
}

// ListGroups returns the groups stored for one session.
func (s *Store) ListGroups(ctx context.Context, userID int64, sessionID string) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, group_jid, name, description, owner_jid,
		       participant_count, admin_count, is_announce, is_locked, metadata,
		       created_at, updated_at
		FROM whatsapp_groups
		WHERE user_id = ? AND session_id = ?
		ORDER BY id`, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var g Group
	var meta sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&g.ID, &g.UserID, &g.SessionID, &g.GroupJID, &g.Name,
		&g.Description, &g.OwnerJID, &g.ParticipantCount, &g.AdminCount,
		&g.IsAnnounce, &g.IsLocked, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	g.CreatedAt = mustTime(createdAt)
	g.UpdatedAt = mustTime(updatedAt)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &g.Metadata)
	}
	return &g, nil
}

// UpsertGroupMember merges a member row and refreshes the group's
// participant count in the same transaction.
func (s *Store) UpsertGroupMember(ctx context.Context, m *GroupMember) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO whatsapp_group_members
				(group_id, participant_jid, phone, display_name, push_name,
				 is_admin, is_super_admin, is_lid, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id, participant_jid) DO UPDATE SET
				phone = COALESCE(NULLIF(excluded.phone, ''), whatsapp_group_members.phone),
				push_name = CASE
					WHEN excluded.push_name != '' THEN excluded.push_name
					ELSE whatsapp_group_members.push_name END,
				is_admin = excluded.is_admin,
				is_super_admin = excluded.is_super_admin,
				is_lid = excluded.is_lid,
				updated_at = excluded.updated_at`,
			m.GroupID, m.ParticipantJID, m.Phone, m.DisplayName, m.PushName,
			m.IsAdmin, m.IsSuperAdmin, m.IsLID, ts, ts)
		if err != nil {
			return fmt.Errorf("upsert group member: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE whatsapp_groups SET
				participant_count = (SELECT COUNT(*) FROM whatsapp_group_members WHERE group_id = ?),
				admin_count = (SELECT COUNT(*) FROM whatsapp_group_members WHERE group_id = ? AND is_admin = 1),
				updated_at = ?
			WHERE id = ?`,
			m.GroupID, m.GroupID, ts, m.GroupID)
		if err != nil {
			return fmt.Errorf("refresh group counts: %w", err)
		}
		return nil
	})
}

// ListGroupMembers returns the stored members of a group.
func (s *Store) ListGroupMembers(ctx context.Context, groupID int64) ([]*GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, participant_jid, phone, display_name, push_name,
		       is_admin, is_super_admin, is_lid
		FROM whatsapp_group_members
		WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var out []*GroupMember
	for rows.Next() {
		var m GroupMember
		var phone sql.NullString
		err := rows.Scan(&m.ID, &m.GroupID, &m.ParticipantJID, &phone,
			&m.DisplayName, &m.PushName, &m.IsAdmin, &m.IsSuperAdmin, &m.IsLID)
		if err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		m.Phone = phone.String
		out = append(out, &m)
	}
	return out, rows.Err()
}
