package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wagate/internal/store"
)

// sessionView is the wire shape of a session row.
type sessionView struct {
	SessionID       string              `json:"sessionId"`
	Name            string              `json:"name"`
	PhoneNumber     string              `json:"phoneNumber,omitempty"`
	Status          store.SessionStatus `json:"status"`
	AIAssistantType string              `json:"aiAssistantType,omitempty"`
	WebhookURL      string              `json:"webhookUrl,omitempty"`
	Settings        store.Settings      `json:"settings"`
	IsActive        bool                `json:"isActive"`
	LastConnectedAt *time.Time          `json:"lastConnectedAt,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func viewSession(s *store.Session) sessionView {
	return sessionView{
		SessionID:       s.SessionID,
		Name:            s.Name,
		PhoneNumber:     s.PhoneNumber,
		Status:          s.Status,
		AIAssistantType: s.AIAssistantType,
		WebhookURL:      s.WebhookURL,
		Settings:        s.Settings,
		IsActive:        s.IsActive,
		LastConnectedAt: s.LastConnectedAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

type sessionCreateRequest struct {
	SessionID       string         `json:"sessionId,omitempty"`
	Name            string         `json:"name"`
	WebhookURL      string         `json:"webhookUrl,omitempty"`
	AIAssistantType string         `json:"aiAssistantType,omitempty"`
	AIConfig        map[string]any `json:"aiConfig,omitempty"`
	Settings        store.Settings `json:"settings"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	var req sessionCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess := &store.Session{
		SessionID:       req.SessionID,
		UserID:          uid,
		Name:            req.Name,
		WebhookURL:      req.WebhookURL,
		AIAssistantType: req.AIAssistantType,
		AIConfig:        req.AIConfig,
		Settings:        req.Settings,
	}
	if err := s.deps.Store.CreateSession(r.Context(), sess); err != nil {
		s.fail(w, err)
		return
	}

	// Pairing completes asynchronously; the row comes back qr_pending
	// and the QR arrives over the live channel.
	if err := s.deps.Sessions.Create(r.Context(), req.SessionID); err != nil {
		s.fail(w, err)
		return
	}

	fresh, err := s.deps.Store.SessionByID(r.Context(), req.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.created(w, viewSession(fresh))
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	sessions, err := s.deps.Store.ListSessions(r.Context(), uid, activeOnly)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = viewSession(sess)
	}
	s.ok(w, views)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{
		"session":     viewSession(sess),
		"isActive":    s.deps.Sessions.IsActive(sess.SessionID),
		"isConnected": s.deps.Sessions.IsConnected(sess.SessionID),
	})
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	now := s.deps.Clock.Now()
	s.ok(w, map[string]any{
		"qrCode":    sess.QRCode,
		"expiresAt": sess.QRExpiresAt,
		"expired":   !sess.QRValid(now),
	})
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	// Create is idempotent: a live session is left untouched, a dead
	// one is redialed (re-issuing a QR when credentials are gone).
	if err := s.deps.Sessions.Create(r.Context(), sess.SessionID); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{"sessionId": sess.SessionID, "connecting": true})
}

type disconnectRequest struct {
	Logout bool `json:"logout,omitempty"`
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var req disconnectRequest
	if r.ContentLength > 0 {
		if err := s.decodeBody(r, &req); err != nil {
			s.fail(w, err)
			return
		}
	}

	if req.Logout {
		err = s.deps.Sessions.Logout(r.Context(), sess.SessionID)
	} else {
		err = s.deps.Sessions.Disconnect(r.Context(), sess.SessionID)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{"sessionId": sess.SessionID, "loggedOut": req.Logout})
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	if s.deps.Sessions.IsActive(sess.SessionID) {
		if err := s.deps.Sessions.Disconnect(r.Context(), sess.SessionID); err != nil {
			s.fail(w, err)
			return
		}
	}
	if err := s.deps.Sessions.PurgeCredentials(sess.SessionID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Store.ClearSessionQR(r.Context(), sess.SessionID); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{"sessionId": sess.SessionID, "cleaned": true})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	if s.deps.Sessions.IsActive(sess.SessionID) {
		if err := s.deps.Sessions.Disconnect(r.Context(), sess.SessionID); err != nil {
			s.fail(w, err)
			return
		}
	}
	if err := s.deps.Store.SoftDeleteSession(r.Context(), sess.SessionID); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{"sessionId": sess.SessionID, "deleted": true})
}

func (s *Server) handleSessionSettings(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var settings store.Settings
	if err := s.decodeBody(r, &settings); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Store.UpdateSessionSettings(r.Context(), sess.SessionID, settings); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, settings)
}
