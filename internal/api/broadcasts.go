package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/wagate/internal/broadcast"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
)

// campaignView is the wire shape of a campaign row.
type campaignView struct {
	ID          int64                `json:"id"`
	SessionID   string               `json:"sessionId"`
	Name        string               `json:"name"`
	Template    store.Template       `json:"template"`
	Status      store.CampaignStatus `json:"status"`
	ScheduledAt *time.Time           `json:"scheduledAt,omitempty"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	Total       int                  `json:"total"`
	Sent        int                  `json:"sent"`
	Failed      int                  `json:"failed"`
	Pending     int                  `json:"pending"`
	BatchSize   int                  `json:"batchSize"`
	CreatedAt   time.Time            `json:"createdAt"`
}

func viewCampaign(c *store.Campaign) campaignView {
	return campaignView{
		ID:          c.ID,
		SessionID:   c.SessionID,
		Name:        c.Name,
		Template:    c.Template,
		Status:      c.Status,
		ScheduledAt: c.ScheduledAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		Total:       c.Total,
		Sent:        c.Sent,
		Failed:      c.Failed,
		Pending:     c.Pending(),
		BatchSize:   c.BatchSize,
		CreatedAt:   c.CreatedAt,
	}
}

type broadcastCreateRequest struct {
	SessionID    string                     `json:"sessionId"`
	Name         string                     `json:"name"`
	Template     store.Template             `json:"template"`
	Recipients   []broadcast.RecipientInput `json:"recipients"`
	ScheduledAt  *time.Time                 `json:"scheduledAt,omitempty"`
	BatchSize    int                        `json:"batchSize,omitempty"`
	BatchDelayMs int                        `json:"batchDelayMs,omitempty"`
}

func (s *Server) handleBroadcastCreate(w http.ResponseWriter, r *http.Request) {
	var req broadcastCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	sess, err := s.ownedSession(r, req.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !sess.IsActive {
		s.fail(w, fmt.Errorf("session %s is not active: %w", sess.SessionID, gateway.ErrPrecondition))
		return
	}

	c, err := s.deps.Broadcasts.Create(r.Context(), sess.UserID, sess.SessionID, broadcast.CreateRequest{
		Name:        req.Name,
		Template:    req.Template,
		Recipients:  req.Recipients,
		ScheduledAt: req.ScheduledAt,
		BatchSize:   req.BatchSize,
		BatchDelay:  time.Duration(req.BatchDelayMs) * time.Millisecond,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.created(w, viewCampaign(c))
}

func (s *Server) handleBroadcastList(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	status := store.CampaignStatus(r.URL.Query().Get("status"))
	campaigns, err := s.deps.Store.ListCampaigns(r.Context(), uid, status)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]campaignView, len(campaigns))
	for i, c := range campaigns {
		views[i] = viewCampaign(c)
	}
	s.ok(w, views)
}

// ownedCampaign resolves the path campaign against the caller.
func (s *Server) ownedCampaign(r *http.Request) (*store.Campaign, error) {
	uid, err := userID(r)
	if err != nil {
		return nil, err
	}
	cid, err := strconv.ParseInt(r.PathValue("cid"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid campaign id: %w", gateway.ErrInvalidArgument)
	}
	c, err := s.deps.Store.CampaignByID(r.Context(), cid)
	if err != nil {
		return nil, err
	}
	if c.UserID != uid {
		return nil, fmt.Errorf("campaign %d: %w", cid, gateway.ErrForbidden)
	}
	return c, nil
}

func (s *Server) handleBroadcastGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCampaign(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, viewCampaign(c))
}

func (s *Server) handleBroadcastRecipients(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCampaign(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	recipients, err := s.deps.Store.ListRecipients(r.Context(), c.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, recipients)
}

func (s *Server) handleBroadcastExecute(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCampaign(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !s.deps.Sessions.IsConnected(c.SessionID) {
		s.fail(w, fmt.Errorf("session %s not connected: %w", c.SessionID, gateway.ErrPrecondition))
		return
	}
	if err := s.deps.Broadcasts.Start(r.Context(), c.ID); err != nil {
		s.fail(w, err)
		return
	}
	// Delivery continues in the background; progress arrives over the
	// live channel and the detail endpoint.
	s.ok(w, map[string]any{"campaignId": c.ID, "status": store.CampaignProcessing})
}

func (s *Server) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCampaign(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Broadcasts.Cancel(r.Context(), c.ID); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{"campaignId": c.ID, "status": store.CampaignCancelled})
}
