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

// CampaignStatus is the broadcast campaign state machine position.
type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// RecipientStatus is the per-recipient delivery state.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

// Template is the campaign message template. Filename and Mimetype
// only apply to document templates.
type Template struct {
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	MediaURL  string            `json:"mediaUrl,omitempty"`
	Caption   string            `json:"caption,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	Mimetype  string            `json:"mimetype,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Campaign is one named bulk send.
type Campaign struct {
	ID          int64
	UserID      int64
	SessionID   string
	Name        string
	Template    Template
	Status      CampaignStatus
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Total       int
	Sent        int
	Failed      int
	BatchSize   int
	BatchDelay  time.Duration
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pending derives the outstanding recipient count.
func (c *Campaign) Pending() int {
	return c.Total - c.Sent - c.Failed
}

// Recipient is one campaign target.
type Recipient struct {
	ID         int64
	CampaignID int64
	Phone      string
	Name       string
	Status     RecipientStatus
	SentAt     *time.Time
	Error      string
}

// CreateCampaign persists the campaign and its recipient list in one
// transaction. All recipients start pending.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign, recipients []Recipient) error {
	vars, _ := json.Marshal(c.Template.Variables)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO broadcast_campaigns
				(user_id, session_id, name, template_type, template_content,
				 template_media_url, template_caption, template_filename,
				 template_mimetype, template_variables,
				 status, scheduled_at, total_count, batch_size, batch_delay_ms,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.UserID, c.SessionID, c.Name, c.Template.Type, c.Template.Content,
			c.Template.MediaURL, c.Template.Caption, c.Template.Filename,
			c.Template.Mimetype, string(vars),
			c.Status, nullTime(c.ScheduledAt), len(recipients), c.BatchSize,
			c.BatchDelay.Milliseconds(), ts, ts)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		c.ID, _ = res.LastInsertId()
		c.Total = len(recipients)

		for i := range recipients {
			recipients[i].CampaignID = c.ID
			recipients[i].Status = RecipientPending
			_, err := tx.ExecContext(ctx, `
				INSERT INTO broadcast_recipients (campaign_id, phone, name, status)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(campaign_id, phone) DO NOTHING`,
				c.ID, recipients[i].Phone, recipients[i].Name, RecipientPending)
			if err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}

		// Duplicates in the input collapse on the unique key; keep the
		// stored total consistent with the surviving rows.
		var total int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM broadcast_recipients WHERE campaign_id = ?`,
			c.ID).Scan(&total); err != nil {
			return fmt.Errorf("count recipients: %w", err)
		}
		if total != c.Total {
			c.Total = total
			if _, err := tx.ExecContext(ctx,
				`UPDATE broadcast_campaigns SET total_count = ? WHERE id = ?`,
				total, c.ID); err != nil {
				return fmt.Errorf("fix campaign total: %w", err)
			}
		}
		return nil
	})
}

const campaignCols = `id, user_id, session_id, name, template_type,
	template_content, template_media_url, template_caption,
	template_filename, template_mimetype, template_variables,
	status, scheduled_at, started_at, completed_at,
	total_count, sent_count, failed_count, batch_size, batch_delay_ms,
	created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*Campaign, error) {
	var c Campaign
	var vars sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var batchDelayMs int64

	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.Name, &c.Template.Type,
		&c.Template.Content, &c.Template.MediaURL, &c.Template.Caption,
		&c.Template.Filename, &c.Template.Mimetype,
		&vars, &c.Status, &scheduledAt, &startedAt, &completedAt,
		&c.Total, &c.Sent, &c.Failed, &c.BatchSize, &batchDelayMs,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.ScheduledAt = parseTime(scheduledAt)
	c.StartedAt = parseTime(startedAt)
	c.CompletedAt = parseTime(completedAt)
	c.BatchDelay = time.Duration(batchDelayMs) * time.Millisecond
	c.CreatedAt = mustTime(createdAt)
	c.UpdatedAt = mustTime(updatedAt)
	if vars.Valid && vars.String != "" {
		_ = json.Unmarshal([]byte(vars.String), &c.Template.Variables)
	}
	return &c, nil
}

// CampaignByID loads one campaign.
func (s *Store) CampaignByID(ctx context.Context, id int64) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM broadcast_campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %d: %w", id, gateway.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns the user's campaigns, optionally filtered by
// status, newest first.
func (s *Store) ListCampaigns(ctx context.Context, userID int64, status CampaignStatus) ([]*Campaign, error) {
	q := `SELECT ` + campaignCols + ` FROM broadcast_campaigns WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DueScheduledCampaigns returns scheduled campaigns whose start time
// has arrived.
func (s *Store) DueScheduledCampaigns(ctx context.Context, asOf time.Time) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM broadcast_campaigns
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY id`, CampaignScheduled, fmtTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// campaignTransitions lists the legal status moves.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:      {CampaignScheduled, CampaignProcessing, CampaignCancelled},
	CampaignScheduled:  {CampaignProcessing, CampaignCancelled},
	CampaignProcessing: {CampaignCompleted, CampaignFailed, CampaignCancelled},
}

// TransitionCampaign moves a campaign through its state machine,
// returning ErrPrecondition when the move is not legal from the
// current state. Processing stamps started_at; terminal states stamp
// completed_at.
func (s *Store) TransitionCampaign(ctx context.Context, id int64, to CampaignStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current CampaignStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM broadcast_campaigns WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("campaign %d: %w", id, gateway.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read campaign status: %w", err)
		}

		allowed := false
		for _, next := range campaignTransitions[current] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("campaign %d: %s → %s: %w", id, current, to, gateway.ErrPrecondition)
		}

		ts := now()
		var stamp string
		switch to {
		case CampaignProcessing:
			stamp = `, started_at = '` + ts + `'`
		case CampaignCompleted, CampaignFailed, CampaignCancelled:
			stamp = `, completed_at = '` + ts + `'`
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE broadcast_campaigns SET status = ?, updated_at = ?`+stamp+` WHERE id = ?`,
			to, ts, id)
		if err != nil {
			return fmt.Errorf("transition campaign: %w", err)
		}
		return nil
	})
}

// CampaignStatusByID reads just the status column; the executor polls
// it to observe cancellation.
func (s *Store) CampaignStatusByID(ctx context.Context, id int64) (CampaignStatus, error) {
	var status CampaignStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM broadcast_campaigns WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("campaign %d: %w", id, gateway.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read campaign status: %w", err)
	}
	return status, nil
}

// SetCampaignProgress persists the cumulative sent/failed counters.
func (s *Store) SetCampaignProgress(ctx context.Context, id int64, sent, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_campaigns SET sent_count = ?, failed_count = ?, updated_at = ? WHERE id = ?`,
		sent, failed, now(), id)
	if err != nil {
		return fmt.Errorf("set campaign progress: %w", err)
	}
	return nil
}

// PendingRecipients returns a campaign's outstanding recipients in
// stable id order.
func (s *Store) PendingRecipients(ctx context.Context, campaignID int64) ([]*Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone, name, status, sent_at, error
		FROM broadcast_recipients
		WHERE campaign_id = ? AND status = ?
		ORDER BY id`, campaignID, RecipientPending)
	if err != nil {
		return nil, fmt.Errorf("pending recipients: %w", err)
	}
	defer rows.Close()
	return collectRecipients(rows)
}

// ListRecipients returns all recipients of a campaign in id order.
func (s *Store) ListRecipients(ctx context.Context, campaignID int64) ([]*Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone, name, status, sent_at, error
		FROM broadcast_recipients
		WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()
	return collectRecipients(rows)
}

func collectRecipients(rows *sql.Rows) ([]*Recipient, error) {
	var out []*Recipient
	for rows.Next() {
		var r Recipient
		var sentAt sql.NullString
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Phone, &r.Name, &r.Status,
			&sentAt, &r.Error); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.SentAt = parseTime(sentAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkRecipient records a recipient's delivery outcome.
func (s *Store) MarkRecipient(ctx context.Context, id int64, status RecipientStatus, sentAt *time.Time, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_recipients SET status = ?, sent_at = ?, error = ? WHERE id = ?`,
		status, nullTime(sentAt), errText, id)
	if err != nil {
		return fmt.Errorf("mark recipient: %w", err)
	}
	return nil
}
