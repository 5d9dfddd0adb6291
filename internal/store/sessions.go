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

// SessionStatus is the persisted connection state of a session.
type SessionStatus string

const (
	StatusQRPending    SessionStatus = "qr_pending"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
	StatusFailed       SessionStatus = "failed"
)

// Settings is the free-form per-session options blob. Nil pointers
// mean "not set"; the accessor methods apply the documented defaults.
type Settings struct {
	AutoReplyEnabled   *bool  `json:"autoReplyEnabled,omitempty"`
	AutoSaveContacts   *bool  `json:"autoSaveContacts,omitempty"`
	CustomSystemPrompt string `json:"customSystemPrompt,omitempty"`
}

// AutoReply reports whether auto-reply is enabled (default true).
func (s Settings) AutoReply() bool {
	return s.AutoReplyEnabled == nil || *s.AutoReplyEnabled
}

// SaveContacts reports whether inbound contacts are auto-saved
// (default true).
func (s Settings) SaveContacts() bool {
	return s.AutoSaveContacts == nil || *s.AutoSaveContacts
}

// Session is one tenant attachment to the chat network.
type Session struct {
	ID                 int64
	SessionID          string
	UserID             int64
	Name               string
	PhoneNumber        string // empty until paired
	Status             SessionStatus
	QRCode             string
	QRExpiresAt        *time.Time
	AIAssistantType    string
	AIConfig           map[string]any
	WebhookURL         string
	Settings           Settings
	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time
	IsActive           bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// QRValid reports whether the persisted QR payload is still usable at t.
func (s *Session) QRValid(t time.Time) bool {
	return s.QRCode != "" && s.QRExpiresAt != nil && t.Before(*s.QRExpiresAt)
}

const sessionCols = `id, session_id, user_id, name, phone_number, status,
	qr_code, qr_expires_at, ai_assistant_type, ai_config, webhook_url,
	settings, last_connected_at, last_disconnected_at, is_active,
	deleted_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var phone, qr, aiCfg, settings sql.NullString
	var qrExp, lastConn, lastDisc, delAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.Name, &phone, &s.Status,
		&qr, &qrExp, &s.AIAssistantType, &aiCfg, &s.WebhookURL,
		&settings, &lastConn, &lastDisc, &s.IsActive,
		&delAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.PhoneNumber = phone.String
	s.QRCode = qr.String
	s.QRExpiresAt = parseTime(qrExp)
	s.LastConnectedAt = parseTime(lastConn)
	s.LastDisconnectedAt = parseTime(lastDisc)
	s.DeletedAt = parseTime(delAt)
	s.CreatedAt = mustTime(createdAt)
	s.UpdatedAt = mustTime(updatedAt)
	if aiCfg.Valid && aiCfg.String != "" {
		_ = json.Unmarshal([]byte(aiCfg.String), &s.AIConfig)
	}
	if settings.Valid && settings.String != "" {
		_ = json.Unmarshal([]byte(settings.String), &s.Settings)
	}
	return &s, nil
}

// CreateSession inserts a new session row in qr_pending state.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.Status == "" {
		sess.Status = StatusQRPending
	}
	aiCfg, _ := json.Marshal(sess.AIConfig)
	settings, _ := json.Marshal(sess.Settings)
	ts := now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO whatsapp_sessions
			(session_id, user_id, name, phone_number, status, ai_assistant_type,
			 ai_config, webhook_url, settings, is_active, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, 1, ?, ?)`,
		sess.SessionID, sess.UserID, sess.Name, sess.PhoneNumber, sess.Status,
		orDefault(sess.AIAssistantType, "general"), string(aiCfg),
		sess.WebhookURL, string(settings), ts, ts)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	sess.ID, _ = res.LastInsertId()
	sess.IsActive = true
	return nil
}

// SessionByID loads a non-deleted session by its external id.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM whatsapp_sessions
		 WHERE session_id = ? AND deleted_at IS NULL`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, gateway.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// SessionForUser loads a session and enforces tenant ownership.
func (s *Store) SessionForUser(ctx context.Context, sessionID string, userID int64) (*Session, error) {
	sess, err := s.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, gateway.ErrForbidden)
	}
	return sess, nil
}

// ListSessions returns the user's non-deleted sessions, optionally
// filtered to active ones.
func (s *Store) ListSessions(ctx context.Context, userID int64, activeOnly bool) ([]*Session, error) {
	q := `SELECT ` + sessionCols + ` FROM whatsapp_sessions
		WHERE user_id = ? AND deleted_at IS NULL`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ActiveSessions returns every active session across all users. The
// gateway resumes these on boot.
func (s *Store) ActiveSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM whatsapp_sessions
		WHERE is_active = 1 AND deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus persists a status transition. Connected and
// disconnected transitions also stamp the corresponding timestamps.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	ts := now()
	var extra string
	switch status {
	case StatusConnected:
		extra = `, last_connected_at = '` + ts + `'`
	case StatusDisconnected, StatusFailed:
		extra = `, last_disconnected_at = '` + ts + `'`
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET status = ?, updated_at = ?`+extra+`
		 WHERE session_id = ?`, status, ts, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// SetSessionPhone records the paired phone number.
func (s *Store) SetSessionPhone(ctx context.Context, sessionID, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET phone_number = ?, updated_at = ?
		 WHERE session_id = ?`, phone, now(), sessionID)
	if err != nil {
		return fmt.Errorf("set session phone: %w", err)
	}
	return nil
}

// SetSessionQR persists the current QR payload and its expiry.
func (s *Store) SetSessionQR(ctx context.Context, sessionID, qr string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET qr_code = ?, qr_expires_at = ?, updated_at = ?
		 WHERE session_id = ?`, qr, fmtTime(expiresAt), now(), sessionID)
	if err != nil {
		return fmt.Errorf("set session qr: %w", err)
	}
	return nil
}

// ClearSessionQR discards any cached QR payload.
func (s *Store) ClearSessionQR(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET qr_code = NULL, qr_expires_at = NULL, updated_at = ?
		 WHERE session_id = ?`, now(), sessionID)
	if err != nil {
		return fmt.Errorf("clear session qr: %w", err)
	}
	return nil
}

// UpdateSessionSettings replaces the settings blob.
func (s *Store) UpdateSessionSettings(ctx context.Context, sessionID string, settings Settings) error {
	blob, _ := json.Marshal(settings)
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET settings = ?, updated_at = ?
		 WHERE session_id = ?`, string(blob), now(), sessionID)
	if err != nil {
		return fmt.Errorf("update session settings: %w", err)
	}
	return nil
}

// SoftDeleteSession marks the session deleted and inactive.
func (s *Store) SoftDeleteSession(ctx context.Context, sessionID string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET deleted_at = ?, is_active = 0, updated_at = ?
		 WHERE session_id = ?`, ts, ts, sessionID)
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	return nil
}

// ClearExpiredQRCodes removes QR payloads whose expiry has passed.
// Returns the number of sessions swept.
func (s *Store) ClearExpiredQRCodes(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_sessions SET qr_code = NULL, qr_expires_at = NULL, updated_at = ?
		 WHERE qr_expires_at IS NOT NULL AND qr_expires_at < ?`,
		now(), fmtTime(asOf))
	if err != nil {
		return 0, fmt.Errorf("clear expired qr codes: %w", err)
	}
	return res.RowsAffected()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
