package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/identity"
	"github.com/nugget/wagate/internal/ratelimit"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
)

// progressEvery is how many recipients between broadcast:progress
// events.
const progressEvery = 5

// Store is the slice of the persistence gateway the service needs.
type Store interface {
	CreateCampaign(ctx context.Context, c *store.Campaign, recipients []store.Recipient) error
	CampaignByID(ctx context.Context, id int64) (*store.Campaign, error)
	CampaignStatusByID(ctx context.Context, id int64) (store.CampaignStatus, error)
	TransitionCampaign(ctx context.Context, id int64, to store.CampaignStatus) error
	SetCampaignProgress(ctx context.Context, id int64, sent, failed int) error
	PendingRecipients(ctx context.Context, campaignID int64) ([]*store.Recipient, error)
	MarkRecipient(ctx context.Context, id int64, status store.RecipientStatus, sentAt *time.Time, errText string) error
}

// Transports exposes the live transport handles.
type Transports interface {
	Get(sessionID string) transport.Transport
}

// Limiter is the adaptive rate limiter.
type Limiter interface {
	Check(ctx context.Context, sessionID string) (ratelimit.Decision, error)
	RecordSent(ctx context.Context, sessionID string) error
}

// Publisher is the live event sink.
type Publisher interface {
	Publish(ev events.Event, keys ...string)
}

// Service creates and executes campaigns.
type Service struct {
	store      Store
	transports Transports
	limiter    Limiter
	hub        Publisher
	clock      gateway.Clock
	cfg        config.BroadcastConfig
	logger     *slog.Logger

	mu      sync.Mutex
	running map[int64]bool
}

// NewService creates a broadcast service.
func NewService(st Store, transports Transports, limiter Limiter, hub Publisher, clock gateway.Clock, cfg config.BroadcastConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		transports: transports,
		limiter:    limiter,
		hub:        hub,
		clock:      clock,
		cfg:        cfgOrDefault(cfg),
		logger:     logger,
		running:    make(map[int64]bool),
	}
}

// Start transitions the campaign to processing and runs the executor
// in a new goroutine. Starting an already-running or non-startable
// campaign is an error.
func (s *Service) Start(ctx context.Context, campaignID int64) error {
	s.mu.Lock()
	if s.running[campaignID] {
		s.mu.Unlock()
		return fmt.Errorf("campaign %d already running: %w", campaignID, gateway.ErrPrecondition)
	}
	s.running[campaignID] = true
	s.mu.Unlock()

	if err := s.store.TransitionCampaign(ctx, campaignID, store.CampaignProcessing); err != nil {
		s.mu.Lock()
		delete(s.running, campaignID)
		s.mu.Unlock()
		return err
	}

	go s.run(context.Background(), campaignID)
	return nil
}

// run drives one campaign to a terminal state.
func (s *Service) run(ctx context.Context, campaignID int64) {
	defer func() {
		s.mu.Lock()
		delete(s.running, campaignID)
		s.mu.Unlock()
	}()

	c, err := s.store.CampaignByID(ctx, campaignID)
	if err != nil {
		s.logger.Error("campaign load failed", "campaign_id", campaignID, "error", err)
		return
	}
	logger := s.logger.With("campaign_id", c.ID, "session_id", c.SessionID)

	s.publish(c, events.TypeBroadcastStarted, map[string]any{
		"name":  c.Name,
		"total": c.Total,
	})
	logger.Info("campaign started", "total", c.Total, "batch_size", c.BatchSize)

	pending, err := s.store.PendingRecipients(ctx, c.ID)
	if err != nil {
		logger.Error("recipient load failed", "error", err)
		s.finish(ctx, c, store.CampaignFailed, "recipient load failed")
		return
	}

	sent, failed := c.Sent, c.Failed
	inBatch := 0
	for i, r := range pending {
		// Cancellation is observed between recipients, from the row the
		// API writes.
		status, err := s.store.CampaignStatusByID(ctx, c.ID)
		if err != nil {
			logger.Error("status poll failed", "error", err)
			c.Sent, c.Failed = sent, failed
			s.finish(ctx, c, store.CampaignFailed, "status poll failed")
			return
		}
		if status == store.CampaignCancelled {
			logger.Info("campaign cancelled mid-run", "sent", sent, "failed", failed)
			return
		}

		tr := s.transports.Get(c.SessionID)
		if tr == nil || !tr.Authenticated() {
			logger.Warn("session lost mid-campaign", "sent", sent, "failed", failed)
			c.Sent, c.Failed = sent, failed
			s.finish(ctx, c, store.CampaignFailed, "session disconnected")
			return
		}

		if err := s.admit(ctx, c, logger); err != nil {
			if errors.Is(err, errCampaignCancelled) || errors.Is(err, context.Canceled) {
				logger.Info("campaign stopped mid-run", "sent", sent, "failed", failed)
				return
			}
			logger.Error("rate limit gate failed", "error", err)
			c.Sent, c.Failed = sent, failed
			s.finish(ctx, c, store.CampaignFailed, "rate limit check failed")
			return
		}

		if err := s.deliver(ctx, tr, c, r); err != nil {
			failed++
			if markErr := s.store.MarkRecipient(ctx, r.ID, store.RecipientFailed, nil, err.Error()); markErr != nil {
				logger.Error("recipient mark failed", "recipient_id", r.ID, "error", markErr)
			}
			logger.Warn("recipient delivery failed", "phone", r.Phone, "error", err)
		} else {
			sent++
			now := s.clock.Now()
			if markErr := s.store.MarkRecipient(ctx, r.ID, store.RecipientSent, &now, ""); markErr != nil {
				logger.Error("recipient mark failed", "recipient_id", r.ID, "error", markErr)
			}
			if err := s.limiter.RecordSent(ctx, c.SessionID); err != nil {
				logger.Error("rate bucket update failed", "error", err)
			}
		}

		if err := s.store.SetCampaignProgress(ctx, c.ID, sent, failed); err != nil {
			logger.Error("progress persist failed", "error", err)
		}
		if (sent+failed)%progressEvery == 0 || i == len(pending)-1 {
			s.publish(c, events.TypeBroadcastProgress, map[string]any{
				"sent":   sent,
				"failed": failed,
				"total":  c.Total,
			})
		}

		inBatch++
		if inBatch >= c.BatchSize {
			inBatch = 0
			logger.Debug("batch complete, pausing", "delay", c.BatchDelay)
			if err := s.clock.Sleep(ctx, c.BatchDelay); err != nil {
				return
			}
		}
	}

	if err := s.store.SetCampaignProgress(ctx, c.ID, sent, failed); err != nil {
		logger.Error("progress persist failed", "error", err)
	}
	c.Sent, c.Failed = sent, failed
	s.finish(ctx, c, store.CampaignCompleted, "")
	logger.Info("campaign completed", "sent", sent, "failed", failed)
}

// errCampaignCancelled distinguishes an observed cancellation from a
// hard failure inside the rate-limit gate.
var errCampaignCancelled = errors.New("campaign cancelled")

// admit blocks until the rate limiter clears the next send. Denials
// sleep out the advertised delay and re-check rather than failing the
// recipient. Returns errCampaignCancelled when a pause revealed a
// cancellation, the context error when the sleep was interrupted, and
// any other error when the gate itself broke.
func (s *Service) admit(ctx context.Context, c *store.Campaign, logger *slog.Logger) error {
	for {
		decision, err := s.limiter.Check(ctx, c.SessionID)
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if decision.CanSend {
			return s.clock.Sleep(ctx, decision.Delay)
		}

		logger.Info("campaign paused by rate limit",
			"reason", decision.Reason,
			"resume_in", decision.Delay,
		)
		if err := s.clock.Sleep(ctx, decision.Delay); err != nil {
			return err
		}
		// Re-check cancellation after a long pause.
		status, err := s.store.CampaignStatusByID(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("status poll: %w", err)
		}
		if status == store.CampaignCancelled {
			return errCampaignCancelled
		}
	}
}

// deliver sends the rendered template to one recipient.
func (s *Service) deliver(ctx context.Context, tr transport.Transport, c *store.Campaign, r *store.Recipient) error {
	jid := identity.UserJID(r.Phone)
	content := renderTemplate(c.Template, r.Name)

	var err error
	switch c.Template.Type {
	case store.TypeImage:
		_, err = tr.SendImage(ctx, jid, c.Template.MediaURL, renderTemplate(store.Template{
			Content:   c.Template.Caption,
			Variables: c.Template.Variables,
		}, r.Name))
	case store.TypeDocument:
		_, err = tr.SendDocument(ctx, jid, c.Template.MediaURL, c.Template.Filename, c.Template.Mimetype)
	default:
		_, err = tr.SendText(ctx, jid, content)
	}
	return err
}

// finish moves the campaign to a terminal state and publishes the
// matching event.
func (s *Service) finish(ctx context.Context, c *store.Campaign, to store.CampaignStatus, reason string) {
	if err := s.store.TransitionCampaign(ctx, c.ID, to); err != nil {
		s.logger.Error("terminal transition failed",
			"campaign_id", c.ID,
			"to", to,
			"error", err,
		)
		return
	}

	payload := map[string]any{
		"sent":   c.Sent,
		"failed": c.Failed,
		"total":  c.Total,
	}
	evType := events.TypeBroadcastCompleted
	if to == store.CampaignFailed {
		evType = events.TypeBroadcastFailed
		payload["reason"] = reason
	}
	s.publish(c, evType, payload)
}

func (s *Service) publish(c *store.Campaign, evType string, payload map[string]any) {
	s.hub.Publish(events.Event{
		Type:      evType,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		Payload:   payload,
	}, events.UserKey(c.UserID), events.SessionKey(c.SessionID), events.BroadcastKey(c.ID))
}
