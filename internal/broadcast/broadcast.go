// Package broadcast validates, schedules, and executes bulk-send
// campaigns. Execution is deliberately slow: every recipient passes
// the adaptive rate limiter, and batches pause between themselves so a
// campaign looks like a patient human, not a cannon.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/identity"
	"github.com/nugget/wagate/internal/store"
)

// RecipientInput is one raw target from the API.
type RecipientInput struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// CreateRequest is a validated-on-entry campaign description.
type CreateRequest struct {
	Name        string           `json:"name"`
	Template    store.Template   `json:"template"`
	Recipients  []RecipientInput `json:"recipients"`
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
	BatchSize   int              `json:"batchSize,omitempty"`
	BatchDelay  time.Duration    `json:"-"`
}

// Create validates the request and persists the campaign. Invalid
// phone numbers are dropped from the recipient list; a list with no
// survivors is an error.
func (s *Service) Create(ctx context.Context, userID int64, sessionID string, req CreateRequest) (*store.Campaign, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("campaign name required: %w", gateway.ErrInvalidArgument)
	}
	if err := validateTemplate(req.Template); err != nil {
		return nil, err
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("no recipients: %w", gateway.ErrInvalidArgument)
	}
	if len(req.Recipients) > s.cfg.MaxRecipients {
		return nil, fmt.Errorf("%d recipients exceeds the %d cap: %w",
			len(req.Recipients), s.cfg.MaxRecipients, gateway.ErrInvalidArgument)
	}

	recipients := make([]store.Recipient, 0, len(req.Recipients))
	var dropped int
	for _, r := range req.Recipients {
		phone := identity.NormalizePhone(r.Phone)
		if !identity.ValidPhone(phone) {
			dropped++
			continue
		}
		recipients = append(recipients, store.Recipient{Phone: phone, Name: r.Name})
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no valid recipients: %w", gateway.ErrInvalidArgument)
	}
	if dropped > 0 {
		s.logger.Info("invalid recipients dropped",
			"campaign", req.Name,
			"dropped", dropped,
			"kept", len(recipients),
		)
	}

	status := store.CampaignDraft
	if req.ScheduledAt != nil {
		if req.ScheduledAt.Before(s.clock.Now()) {
			return nil, fmt.Errorf("scheduled time is in the past: %w", gateway.ErrInvalidArgument)
		}
		status = store.CampaignScheduled
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	batchDelay := req.BatchDelay
	if batchDelay <= 0 {
		batchDelay = time.Duration(s.cfg.BatchDelayMs) * time.Millisecond
	}

	c := &store.Campaign{
		UserID:      userID,
		SessionID:   sessionID,
		Name:        req.Name,
		Template:    req.Template,
		Status:      status,
		ScheduledAt: req.ScheduledAt,
		BatchSize:   batchSize,
		BatchDelay:  batchDelay,
	}
	if err := s.store.CreateCampaign(ctx, c, recipients); err != nil {
		return nil, err
	}
	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"session_id", sessionID,
		"status", status,
		"recipients", c.Total,
	)
	return c, nil
}

// validateTemplate enforces the per-type content rules.
func validateTemplate(t store.Template) error {
	switch t.Type {
	case store.TypeText, "":
		if strings.TrimSpace(t.Content) == "" {
			return fmt.Errorf("text template needs content: %w", gateway.ErrInvalidArgument)
		}
	case store.TypeImage:
		if t.MediaURL == "" {
			return fmt.Errorf("image template needs a media url: %w", gateway.ErrInvalidArgument)
		}
	case store.TypeDocument:
		if t.MediaURL == "" {
			return fmt.Errorf("document template needs a media url: %w", gateway.ErrInvalidArgument)
		}
		if strings.TrimSpace(t.Filename) == "" {
			return fmt.Errorf("document template needs a filename: %w", gateway.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("template type %q: %w", t.Type, gateway.ErrInvalidArgument)
	}
	return nil
}

// renderTemplate substitutes {name} and the campaign-level variables
// into the template content.
func renderTemplate(t store.Template, recipientName string) string {
	content := t.Content
	name := recipientName
	if name == "" {
		name = "Kak"
	}
	content = strings.ReplaceAll(content, "{name}", name)
	for k, v := range t.Variables {
		content = strings.ReplaceAll(content, "{"+k+"}", v)
	}
	return content
}

// Cancel stops a campaign from any non-terminal state. The executor
// observes the transition on its next poll.
func (s *Service) Cancel(ctx context.Context, campaignID int64) error {
	if err := s.store.TransitionCampaign(ctx, campaignID, store.CampaignCancelled); err != nil {
		return err
	}
	s.logger.Info("campaign cancelled", "campaign_id", campaignID)
	return nil
}

// cfgOrDefault fills a zero-valued config from the package defaults.
func cfgOrDefault(cfg config.BroadcastConfig) config.BroadcastConfig {
	def := config.Default().Broadcast
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelayMs <= 0 {
		cfg.BatchDelayMs = def.BatchDelayMs
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = def.MaxRecipients
	}
	return cfg
}
