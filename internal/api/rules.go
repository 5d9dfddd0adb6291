package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
)

type ruleCreateRequest struct {
	Trigger   string `json:"trigger"`
	MatchMode string `json:"matchMode,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Reply     string `json:"reply"`
	IsActive  *bool  `json:"isActive,omitempty"`
}

var validMatchModes = map[store.MatchMode]bool{
	store.MatchExact:      true,
	store.MatchContains:   true,
	store.MatchStartsWith: true,
	store.MatchEndsWith:   true,
	store.MatchRegex:      true,
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var req ruleCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if strings.TrimSpace(req.Trigger) == "" || strings.TrimSpace(req.Reply) == "" {
		s.fail(w, fmt.Errorf("trigger and reply required: %w", gateway.ErrInvalidArgument))
		return
	}
	mode := store.MatchMode(req.MatchMode)
	if mode != "" && !validMatchModes[mode] {
		s.fail(w, fmt.Errorf("unknown match mode %q: %w", req.MatchMode, gateway.ErrInvalidArgument))
		return
	}

	rule := &store.Rule{
		SessionID: sess.SessionID,
		Trigger:   req.Trigger,
		MatchMode: mode,
		Priority:  req.Priority,
		Reply:     req.Reply,
		IsActive:  req.IsActive == nil || *req.IsActive,
	}
	if err := s.deps.Store.CreateRule(r.Context(), rule); err != nil {
		s.fail(w, err)
		return
	}
	s.created(w, rule)
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	rules, err := s.deps.Store.ActiveRules(r.Context(), sess.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, rules)
}

type agentAssignRequest struct {
	AgentID *int64 `json:"agentId"` // null releases the conversation
}

// handleAgentAssign pins a conversation to a human agent, which
// suppresses auto-replies for it, or releases it back to the bot.
func (s *Server) handleAgentAssign(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		s.fail(w, err)
		return
	}
	cid, err := strconv.ParseInt(r.PathValue("cid"), 10, 64)
	if err != nil {
		s.fail(w, fmt.Errorf("invalid conversation id: %w", gateway.ErrInvalidArgument))
		return
	}

	var req agentAssignRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Store.AssignHumanAgent(r.Context(), cid, req.AgentID); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]any{"conversationId": cid, "agentId": req.AgentID})
}
