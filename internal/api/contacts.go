package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/emersion/go-vcard"

	"github.com/nugget/wagate/internal/gateway"
)

func (s *Server) handleContactScrape(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	summary, err := s.deps.Scraper.ScrapeContacts(r.Context(), sess)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, summary)
}

func (s *Server) handleContactList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	contacts, err := s.deps.Store.ListContacts(r.Context(), sess.UserID, sess.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, contacts)
}

func (s *Server) handleContactStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	quota, err := s.deps.Scraper.Quota(r.Context(), sess.UserID, sess.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, quota)
}

// handleContactExport streams the session's contacts as a vCard 4.0
// file. Entries known only by an unresolved LID have no dialable
// number and are left out.
func (s *Server) handleContactExport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	contacts, err := s.deps.Store.ListContacts(r.Context(), sess.UserID, sess.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="contacts.vcf"`)

	enc := vcard.NewEncoder(w)
	for _, c := range contacts {
		if strings.HasPrefix(c.Phone, "LID_") {
			continue
		}
		name := c.DisplayName
		if name == "" {
			name = c.PushName
		}
		if name == "" {
			name = c.Phone
		}

		card := make(vcard.Card)
		card.SetValue(vcard.FieldFormattedName, name)
		card.SetValue(vcard.FieldTelephone, "+"+c.Phone)
		if c.IsBusiness {
			card.SetValue(vcard.FieldOrganization, name)
		}
		vcard.ToV4(card)
		if err := enc.Encode(card); err != nil {
			s.logger.Debug("vcard encode failed", "phone", c.Phone, "error", err)
			return
		}
	}
}

func (s *Server) handleGroupScrape(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	summary, err := s.deps.Scraper.ScrapeGroups(r.Context(), sess)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, summary)
}

func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r, r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	groups, err := s.deps.Store.ListGroups(r.Context(), sess.UserID, sess.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, groups)
}

// sessionFromQuery resolves the sessionId query parameter for
// group-member routes, where the path names the group instead.
func (s *Server) sessionFromQuery(r *http.Request) (sid string, err error) {
	sid = r.URL.Query().Get("sessionId")
	if sid == "" {
		return "", fmt.Errorf("sessionId query parameter required: %w", gateway.ErrInvalidArgument)
	}
	return sid, nil
}

func (s *Server) handleGroupMemberScrape(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionFromQuery(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.ownedSession(r, sid)
	if err != nil {
		s.fail(w, err)
		return
	}
	summary, err := s.deps.Scraper.ScrapeGroupMembers(r.Context(), sess, r.PathValue("gid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, summary)
}

func (s *Server) handleGroupMemberList(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionFromQuery(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.ownedSession(r, sid)
	if err != nil {
		s.fail(w, err)
		return
	}
	g, err := s.deps.Store.GroupByJID(r.Context(), sess.UserID, sess.SessionID, r.PathValue("gid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	members, err := s.deps.Store.ListGroupMembers(r.Context(), g.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, members)
}
