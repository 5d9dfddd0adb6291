package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/identity"
	"github.com/nugget/wagate/internal/store"
)

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.To == "" || req.Message == "" {
		s.fail(w, fmt.Errorf("to and message required: %w", gateway.ErrInvalidArgument))
		return
	}

	sess, err := s.ownedSession(r, req.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}

	to := identity.NormalizePhone(req.To)
	msgID, err := s.deps.Replies.Send(r.Context(), sess, to, req.Message, store.SourceManual, false)
	if err != nil {
		s.failSend(w, r, sess.SessionID, err)
		return
	}
	s.ok(w, map[string]any{"messageId": msgID, "to": to})
}

type sendMediaRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Type      string `json:"type"` // image or document
	MediaURL  string `json:"mediaUrl"`
	Caption   string `json:"caption,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Mimetype  string `json:"mimetype,omitempty"`
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.To == "" || req.MediaURL == "" {
		s.fail(w, fmt.Errorf("to and mediaUrl required: %w", gateway.ErrInvalidArgument))
		return
	}
	var msgType store.MessageType
	switch req.Type {
	case "image":
		msgType = store.TypeImage
	case "document":
		msgType = store.TypeDocument
	default:
		s.fail(w, fmt.Errorf("type must be image or document: %w", gateway.ErrInvalidArgument))
		return
	}

	sess, err := s.ownedSession(r, req.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()
	to := identity.NormalizePhone(req.To)

	msgID := uuid.NewString()
	msg := &store.Message{
		MessageID:  msgID,
		SessionID:  sess.SessionID,
		Direction:  store.DirectionOutgoing,
		Type:       msgType,
		FromNumber: sess.PhoneNumber,
		ToNumber:   to,
		Content:    req.Caption,
		MediaMeta: map[string]any{
			"mediaUrl": req.MediaURL,
			"caption":  req.Caption,
			"filename": req.Filename,
			"mimetype": req.Mimetype,
		},
		Status: store.MsgPending,
	}
	if _, err := s.deps.Store.InsertMessage(ctx, msg); err != nil {
		s.fail(w, err)
		return
	}

	decision, err := s.deps.Limiter.Check(ctx, sess.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !decision.CanSend {
		if err := s.deps.Store.FailMessage(ctx, msgID, decision.Reason); err != nil {
			s.logger.Error("message fail-mark failed", "message_id", msgID, "error", err)
		}
		s.failSend(w, r, sess.SessionID, decision.Err())
		return
	}
	if err := s.deps.Clock.Sleep(ctx, decision.Delay); err != nil {
		s.fail(w, err)
		return
	}

	tr := s.deps.Sessions.Get(sess.SessionID)
	if tr == nil || !tr.Authenticated() {
		reason := "session not connected"
		if err := s.deps.Store.FailMessage(ctx, msgID, reason); err != nil {
			s.logger.Error("message fail-mark failed", "message_id", msgID, "error", err)
		}
		s.fail(w, fmt.Errorf("%s: %w", reason, gateway.ErrPrecondition))
		return
	}

	jid := identity.RecipientJID(to)
	switch msgType {
	case store.TypeImage:
		_, err = tr.SendImage(ctx, jid, req.MediaURL, req.Caption)
	default:
		_, err = tr.SendDocument(ctx, jid, req.MediaURL, req.Filename, req.Mimetype)
	}
	if err != nil {
		if ferr := s.deps.Store.FailMessage(ctx, msgID, err.Error()); ferr != nil {
			s.logger.Error("message fail-mark failed", "message_id", msgID, "error", ferr)
		}
		s.fail(w, err)
		return
	}

	now := s.deps.Clock.Now()
	if err := s.deps.Store.AdvanceMessageStatus(ctx, msgID, store.MsgSent, now); err != nil {
		s.logger.Error("message status advance failed", "message_id", msgID, "error", err)
	}
	if err := s.deps.Limiter.RecordSent(ctx, sess.SessionID); err != nil {
		s.logger.Error("rate bucket update failed", "session_id", sess.SessionID, "error", err)
	}
	s.deps.Hub.Publish(events.Event{
		Type:      events.TypeMessageSent,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Payload:   map[string]any{"messageId": msgID, "to": to, "type": string(msgType)},
	}, events.UserKey(sess.UserID), events.SessionKey(sess.SessionID))

	s.ok(w, map[string]any{"messageId": msgID, "to": to})
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), sess.SessionID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, msgs)
}

type groupBroadcastRequest struct {
	GroupIDs []string `json:"groupIds"`
	Message  string   `json:"message"`
}

type groupSendResult struct {
	GroupID string `json:"groupId"`
	Status  string `json:"status"` // sent, failed, skipped
	Error   string `json:"error,omitempty"`
}

// handleGroupBroadcast sends one message to each named group, gated
// per send by the rate limiter. A limiter denial skips the remaining
// groups rather than queueing them.
func (s *Server) handleGroupBroadcast(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var req groupBroadcastRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if len(req.GroupIDs) == 0 || req.Message == "" {
		s.fail(w, fmt.Errorf("groupIds and message required: %w", gateway.ErrInvalidArgument))
		return
	}

	tr := s.deps.Sessions.Get(sess.SessionID)
	if tr == nil || !tr.Authenticated() {
		s.fail(w, fmt.Errorf("session not connected: %w", gateway.ErrPrecondition))
		return
	}

	ctx := r.Context()
	results := make([]groupSendResult, 0, len(req.GroupIDs))
	denied := ""
	for _, gid := range req.GroupIDs {
		if denied != "" {
			results = append(results, groupSendResult{GroupID: gid, Status: "skipped", Error: denied})
			continue
		}

		decision, err := s.deps.Limiter.Check(ctx, sess.SessionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if !decision.CanSend {
			denied = decision.Reason
			results = append(results, groupSendResult{GroupID: gid, Status: "skipped", Error: denied})
			continue
		}
		if err := s.deps.Clock.Sleep(ctx, decision.Delay); err != nil {
			s.fail(w, err)
			return
		}

		if _, err := tr.SendText(ctx, gid, req.Message); err != nil {
			results = append(results, groupSendResult{GroupID: gid, Status: "failed", Error: err.Error()})
			continue
		}
		if err := s.deps.Limiter.RecordSent(ctx, sess.SessionID); err != nil {
			s.logger.Error("rate bucket update failed", "session_id", sess.SessionID, "error", err)
		}
		results = append(results, groupSendResult{GroupID: gid, Status: "sent"})
	}
	s.ok(w, results)
}
