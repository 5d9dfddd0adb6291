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

// Message direction, type, and status enumerations.
type (
	Direction     string
	MessageType   string
	MessageStatus string
	ReplySource   string
)

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"

	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeOther    MessageType = "other"

	MsgPending   MessageStatus = "pending"
	MsgSent      MessageStatus = "sent"
	MsgDelivered MessageStatus = "delivered"
	MsgRead      MessageStatus = "read"
	MsgFailed    MessageStatus = "failed"

	SourceOpenAI     ReplySource = "openai"
	SourceRajaOngkir ReplySource = "rajaongkir"
	SourceManual     ReplySource = "manual"
)

// statusRank orders message statuses for the monotonic-progression
// invariant. failed is terminal and never advanced out of.
var statusRank = map[MessageStatus]int{
	MsgPending:   0,
	MsgSent:      1,
	MsgDelivered: 2,
	MsgRead:      3,
	MsgFailed:    4,
}

// Message is one persisted inbound or outbound message.
type Message struct {
	ID           int64
	MessageID    string // external idempotency key
	SessionID    string
	Direction    Direction
	Type         MessageType
	FromNumber   string
	ToNumber     string
	PushName     string
	Content      string
	MediaMeta    map[string]any
	Status       MessageStatus
	AutoReply    bool
	ReplySource  ReplySource
	ReplyContext map[string]any
	SentAt       *time.Time
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	CreatedAt    time.Time
}

// InsertMessage persists a message. Insertion is idempotent on the
// external message_id: re-insertion returns inserted = false with no
// side effects.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (inserted bool, err error) {
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Status == "" {
		m.Status = MsgPending
	}
	media, _ := json.Marshal(m.MediaMeta)
	replyCtx, _ := json.Marshal(m.ReplyContext)
	ts := now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO whatsapp_messages
			(message_id, session_id, direction, type, from_number, to_number,
			 push_name, content, media_meta, status, auto_reply, reply_source,
			 reply_context, sent_at, delivered_at, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.SessionID, m.Direction, m.Type, m.FromNumber, m.ToNumber,
		m.PushName, m.Content, string(media), m.Status, m.AutoReply,
		string(m.ReplySource), string(replyCtx),
		nullTime(m.SentAt), nullTime(m.DeliveredAt), nullTime(m.ReadAt), ts)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	m.ID, _ = res.LastInsertId()
	m.CreatedAt = mustTime(ts)
	return true, nil
}

// MessageExists reports whether the external message id is already
// persisted.
func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM whatsapp_messages WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return true, nil
}

// MessageByID loads a message by external id.
func (s *Store) MessageByID(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, session_id, direction, type, from_number,
		       to_number, push_name, content, media_meta, status, auto_reply,
		       reply_source, reply_context, sent_at, delivered_at, read_at,
		       created_at
		FROM whatsapp_messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, gateway.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	return m, nil
}

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var media, source, replyCtx sql.NullString
	var sentAt, deliveredAt, readAt sql.NullString
	var createdAt string

	err := row.Scan(&m.ID, &m.MessageID, &m.SessionID, &m.Direction, &m.Type,
		&m.FromNumber, &m.ToNumber, &m.PushName, &m.Content, &media, &m.Status,
		&m.AutoReply, &source, &replyCtx, &sentAt, &deliveredAt, &readAt,
		&createdAt)
	if err != nil {
		return nil, err
	}
	m.ReplySource = ReplySource(source.String)
	m.SentAt = parseTime(sentAt)
	m.DeliveredAt = parseTime(deliveredAt)
	m.ReadAt = parseTime(readAt)
	m.CreatedAt = mustTime(createdAt)
	if media.Valid && media.String != "" {
		_ = json.Unmarshal([]byte(media.String), &m.MediaMeta)
	}
	if replyCtx.Valid && replyCtx.String != "" {
		_ = json.Unmarshal([]byte(replyCtx.String), &m.ReplyContext)
	}
	return &m, nil
}

// AdvanceMessageStatus moves a message forward through the
// pending → sent → delivered → read progression, stamping the matching
// timestamp. Regressions are ignored; failed is terminal.
func (s *Store) AdvanceMessageStatus(ctx context.Context, messageID string, status MessageStatus, at time.Time) error {
	newRank, ok := statusRank[status]
	if !ok {
		return fmt.Errorf("status %q: %w", status, gateway.ErrInvalidArgument)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current MessageStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM whatsapp_messages WHERE message_id = ?`,
			messageID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, gateway.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read message status: %w", err)
		}
		if current == MsgFailed || statusRank[current] >= newRank {
			return nil
		}

		var stampCol string
		switch status {
		case MsgSent:
			stampCol = "sent_at"
		case MsgDelivered:
			stampCol = "delivered_at"
		case MsgRead:
			stampCol = "read_at"
		}
		q := `UPDATE whatsapp_messages SET status = ?`
		args := []any{status}
		if stampCol != "" {
			q += `, ` + stampCol + ` = COALESCE(` + stampCol + `, ?)`
			args = append(args, fmtTime(at))
		}
		q += ` WHERE message_id = ?`
		args = append(args, messageID)

		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("advance message status: %w", err)
		}
		return nil
	})
}

// FailMessage marks a message failed and records the reason in the
// reply context blob.
func (s *Store) FailMessage(ctx context.Context, messageID, reason string) error {
	blob, _ := json.Marshal(map[string]any{"error": reason})
	_, err := s.db.ExecContext(ctx,
		`UPDATE whatsapp_messages SET status = ?, reply_context = ? WHERE message_id = ?`,
		MsgFailed, string(blob), messageID)
	if err != nil {
		return fmt.Errorf("fail message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages, newest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, direction, type, from_number,
		       to_number, push_name, content, media_meta, status, auto_reply,
		       reply_source, reply_context, sent_at, delivered_at, read_at,
		       created_at
		FROM whatsapp_messages WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ConversationHistory returns the most recent messages exchanged with
// one counterparty in chronological order, for the AI context window.
func (s *Store) ConversationHistory(ctx context.Context, sessionID, phone string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, direction, type, from_number,
		       to_number, push_name, content, media_meta, status, auto_reply,
		       reply_source, reply_context, sent_at, delivered_at, read_at,
		       created_at
		FROM whatsapp_messages
		WHERE session_id = ? AND (from_number = ? OR to_number = ?)
		ORDER BY id DESC LIMIT ?`, sessionID, phone, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
