// Package scraper harvests contacts, groups, and group membership
// from a connected session's directory. Harvesting is quota-bound and
// paced: a per-day scrape budget, a cooldown between runs, randomized
// pauses between group enumerations, and batched persistence keep the
// session's footprint indistinguishable from a curious human.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/identity"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
)

// lidBatchSize is the transport's resolve ceiling per call.
const lidBatchSize = 50

// Store is the slice of the persistence gateway the scraper needs.
type Store interface {
	StartScrapingLog(ctx context.Context, userID int64, sessionID string, kind store.ScrapeKind) (int64, error)
	FinishScrapingLog(ctx context.Context, id int64, status store.ScrapeStatus, total int, errText string, at time.Time) error
	CompletedScrapesSince(ctx context.Context, userID int64, sessionID string, since time.Time) (int, error)
	LastCompletedScrape(ctx context.Context, userID int64, sessionID string) (*time.Time, error)
	UpsertContacts(ctx context.Context, contacts []*store.Contact) error
	UpsertGroup(ctx context.Context, g *store.Group) (int64, error)
	UpsertGroupMember(ctx context.Context, m *store.GroupMember) error
	CountContacts(ctx context.Context, userID int64, sessionID string) (int, error)
}

// Transports exposes the live transport handles.
type Transports interface {
	Get(sessionID string) transport.Transport
}

// Summary reports one scrape run.
type Summary struct {
	Kind      store.ScrapeKind `json:"kind"`
	Total     int              `json:"total"`
	Truncated bool             `json:"truncated"` // hit the per-run cap
}

// Scraper runs directory harvests for connected sessions.
type Scraper struct {
	store      Store
	transports Transports
	clock      gateway.Clock
	rng        gateway.RNG
	cfg        config.ScraperConfig
	logger     *slog.Logger
}

// New creates a scraper with the given pacing profile.
func New(st Store, transports Transports, clock gateway.Clock, rng gateway.RNG, cfg config.ScraperConfig, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		store:      st,
		transports: transports,
		clock:      clock,
		rng:        rng,
		cfg:        cfg,
		logger:     logger,
	}
}

// QuotaStatus is the operator-visible view of the scrape budget.
type QuotaStatus struct {
	ScrapesToday  int        `json:"scrapesToday"`
	MaxPerDay     int        `json:"maxPerDay"`
	Remaining     int        `json:"remaining"`
	LastScrapeAt  *time.Time `json:"lastScrapeAt,omitempty"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	CanScrapeNow  bool       `json:"canScrapeNow"`
}

// Quota reports how much of the daily scrape budget remains and when
// the cooldown clears.
func (s *Scraper) Quota(ctx context.Context, userID int64, sessionID string) (*QuotaStatus, error) {
	now := s.clock.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	done, err := s.store.CompletedScrapesSince(ctx, userID, sessionID, dayStart)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastCompletedScrape(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	st := &QuotaStatus{
		ScrapesToday: done,
		MaxPerDay:    s.cfg.MaxScrapesPerDay,
		Remaining:    max(0, s.cfg.MaxScrapesPerDay-done),
		LastScrapeAt: last,
	}
	if last != nil {
		until := last.Add(time.Duration(s.cfg.CooldownBetweenScrapesMn) * time.Minute)
		if until.After(now) {
			st.CooldownUntil = &until
		}
	}
	st.CanScrapeNow = st.Remaining > 0 && st.CooldownUntil == nil
	return st, nil
}

// checkQuota enforces the daily budget and the inter-run cooldown.
func (s *Scraper) checkQuota(ctx context.Context, userID int64, sessionID string) error {
	now := s.clock.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	done, err := s.store.CompletedScrapesSince(ctx, userID, sessionID, dayStart)
	if err != nil {
		return err
	}
	if done >= s.cfg.MaxScrapesPerDay {
		return fmt.Errorf("daily scrape quota of %d reached: %w",
			s.cfg.MaxScrapesPerDay, gateway.ErrRateLimited)
	}

	last, err := s.store.LastCompletedScrape(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if last != nil {
		cooldown := time.Duration(s.cfg.CooldownBetweenScrapesMn) * time.Minute
		if wait := cooldown - now.Sub(*last); wait > 0 {
			return fmt.Errorf("scrape cooldown, retry in %s: %w",
				wait.Round(time.Minute), gateway.ErrRateLimited)
		}
	}
	return nil
}

// connectedTransport returns the session's transport or ErrPrecondition.
func (s *Scraper) connectedTransport(sessionID string) (transport.Transport, error) {
	tr := s.transports.Get(sessionID)
	if tr == nil || !tr.Authenticated() {
		return nil, fmt.Errorf("session %s not connected: %w", sessionID, gateway.ErrPrecondition)
	}
	return tr, nil
}

// ScrapeContacts harvests phone contacts from the directory, the chat
// list, and group participants, in that priority order, until the
// per-run cap. LIDs are resolved in transport-sized batches; the
// unresolvable ones are stored under their pseudo-identifier.
func (s *Scraper) ScrapeContacts(ctx context.Context, sess *store.Session) (*Summary, error) {
	if err := s.checkQuota(ctx, sess.UserID, sess.SessionID); err != nil {
		return nil, err
	}
	tr, err := s.connectedTransport(sess.SessionID)
	if err != nil {
		return nil, err
	}

	logID, err := s.store.StartScrapingLog(ctx, sess.UserID, sess.SessionID, store.ScrapeContacts)
	if err != nil {
		return nil, err
	}

	summary, err := s.scrapeContacts(ctx, sess, tr)
	if err != nil {
		if logErr := s.store.FinishScrapingLog(ctx, logID, store.ScrapeFailed, 0, err.Error(), s.clock.Now()); logErr != nil {
			s.logger.Error("scrape log close failed", "log_id", logID, "error", logErr)
		}
		return nil, err
	}

	if err := s.store.FinishScrapingLog(ctx, logID, store.ScrapeCompleted, summary.Total, "", s.clock.Now()); err != nil {
		s.logger.Error("scrape log close failed", "log_id", logID, "error", err)
	}
	s.logger.Info("contact scrape finished",
		"session_id", sess.SessionID,
		"total", summary.Total,
		"truncated", summary.Truncated,
	)
	return summary, nil
}

func (s *Scraper) scrapeContacts(ctx context.Context, sess *store.Session, tr transport.Transport) (*Summary, error) {
	seen := make(map[string]bool) // phone or LID pseudo-id
	var batch []*store.Contact
	total := 0
	truncated := false

	add := func(phone, name, pushName string, business bool) bool {
		if phone == "" || seen[phone] {
			return true
		}
		if total >= s.cfg.MaxContactsPerScrape {
			truncated = true
			return false
		}
		seen[phone] = true
		total++
		batch = append(batch, &store.Contact{
			UserID:      sess.UserID,
			SessionID:   sess.SessionID,
			Phone:       phone,
			DisplayName: name,
			PushName:    pushName,
			IsBusiness:  business,
		})
		return true
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.UpsertContacts(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		delay := time.Duration(s.cfg.BatchSaveDelayMs) * time.Millisecond
		return s.clock.Sleep(ctx, gateway.Jitter(delay, 0.2, s.rng))
	}

	// Primary source: the synced address book.
	contacts, err := tr.Contacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	for _, c := range contacts {
		id, ok := identity.FromJID(c.JID)
		if !ok || id.Kind != identity.KindPhone {
			continue
		}
		if !add(id.Phone, c.Name, c.PushName, c.IsBusiness) {
			break
		}
		if len(batch) >= s.cfg.ContactsPerBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	// Secondary source: direct chat counterparties missing from the
	// address book.
	if !truncated {
		chats, err := tr.Chats(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		for _, ch := range chats {
			if ch.IsGroup {
				continue
			}
			id, ok := identity.FromJID(ch.JID)
			if !ok || id.Kind != identity.KindPhone {
				continue
			}
			if !add(id.Phone, "", ch.Name, false) {
				break
			}
			if len(batch) >= s.cfg.ContactsPerBatch {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}

	// Tertiary source: group participants, paced per group.
	if !truncated {
		if err := s.harvestGroupParticipants(ctx, tr, add, flush); err != nil {
			return nil, err
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return &Summary{Kind: store.ScrapeContacts, Total: total, Truncated: truncated}, nil
}

// harvestGroupParticipants walks every joined group, resolving LID
// members where the transport can.
func (s *Scraper) harvestGroupParticipants(ctx context.Context, tr transport.Transport, add func(phone, name, pushName string, business bool) bool, flush func() error) error {
	groups, err := tr.Groups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	minDelay := time.Duration(s.cfg.MinDelayBetweenGroupsMs) * time.Millisecond
	maxDelay := time.Duration(s.cfg.MaxDelayBetweenGroupsMs) * time.Millisecond

	for i, g := range groups {
		if i > 0 {
			if err := s.clock.Sleep(ctx, gateway.Between(minDelay, maxDelay, s.rng)); err != nil {
				return err
			}
		}

		participants, err := tr.GroupParticipants(ctx, g.JID)
		if err != nil {
			s.logger.Warn("participant list failed", "group_jid", g.JID, "error", err)
			continue
		}

		var lids []string
		byLID := make(map[string]transport.Participant)
		for _, p := range participants {
			id, ok := identity.FromJID(p.JID)
			if !ok {
				continue
			}
			if id.Kind == identity.KindPhone {
				if !add(id.Phone, "", p.PushName, false) {
					return flush()
				}
				continue
			}
			lids = append(lids, id.LID)
			byLID[id.LID] = p
		}

		resolved := s.resolveLIDs(ctx, tr, lids)
		for _, lid := range lids {
			p := byLID[lid]
			phone, ok := resolved[lid]
			if !ok {
				// Keep the member under its pseudo-identifier so the
				// row exists when resolution becomes possible.
				phone = identity.Identity{Kind: identity.KindLID, LID: lid}.String()
			}
			if !add(phone, "", p.PushName, false) {
				return flush()
			}
		}

		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}

// resolveLIDs maps LIDs to phone numbers in transport-sized batches.
// Failures degrade to an empty mapping rather than aborting the run.
func (s *Scraper) resolveLIDs(ctx context.Context, tr transport.Transport, lids []string) map[string]string {
	out := make(map[string]string, len(lids))
	for start := 0; start < len(lids); start += lidBatchSize {
		end := min(start+lidBatchSize, len(lids))
		m, err := tr.ResolveLIDs(ctx, lids[start:end])
		if err != nil {
			s.logger.Warn("lid resolution failed", "batch", len(lids[start:end]), "error", err)
			continue
		}
		for lid, phone := range m {
			out[lid] = identity.NormalizePhone(phone)
		}
	}
	return out
}

// ScrapeGroups harvests the joined-group directory.
func (s *Scraper) ScrapeGroups(ctx context.Context, sess *store.Session) (*Summary, error) {
	if err := s.checkQuota(ctx, sess.UserID, sess.SessionID); err != nil {
		return nil, err
	}
	tr, err := s.connectedTransport(sess.SessionID)
	if err != nil {
		return nil, err
	}

	logID, err := s.store.StartScrapingLog(ctx, sess.UserID, sess.SessionID, store.ScrapeGroups)
	if err != nil {
		return nil, err
	}

	groups, err := tr.Groups(ctx)
	if err != nil {
		if logErr := s.store.FinishScrapingLog(ctx, logID, store.ScrapeFailed, 0, err.Error(), s.clock.Now()); logErr != nil {
			s.logger.Error("scrape log close failed", "log_id", logID, "error", logErr)
		}
		return nil, fmt.Errorf("list groups: %w", err)
	}

	total := 0
	for _, g := range groups {
		_, err := s.store.UpsertGroup(ctx, &store.Group{
			UserID:           sess.UserID,
			SessionID:        sess.SessionID,
			GroupJID:         g.JID,
			Name:             g.Name,
			Description:      g.Description,
			OwnerJID:         g.OwnerJID,
			ParticipantCount: g.ParticipantCount,
			IsAnnounce:       g.IsAnnounce,
			IsLocked:         g.IsLocked,
		})
		if err != nil {
			s.logger.Warn("group upsert failed", "group_jid", g.JID, "error", err)
			continue
		}
		total++
	}

	if err := s.store.FinishScrapingLog(ctx, logID, store.ScrapeCompleted, total, "", s.clock.Now()); err != nil {
		s.logger.Error("scrape log close failed", "log_id", logID, "error", err)
	}
	s.logger.Info("group scrape finished", "session_id", sess.SessionID, "total", total)
	return &Summary{Kind: store.ScrapeGroups, Total: total}, nil
}

// ScrapeGroupMembers harvests the membership of one group into the
// member table, resolving LIDs where possible.
func (s *Scraper) ScrapeGroupMembers(ctx context.Context, sess *store.Session, groupJID string) (*Summary, error) {
	if err := s.checkQuota(ctx, sess.UserID, sess.SessionID); err != nil {
		return nil, err
	}
	tr, err := s.connectedTransport(sess.SessionID)
	if err != nil {
		return nil, err
	}

	logID, err := s.store.StartScrapingLog(ctx, sess.UserID, sess.SessionID, store.ScrapeMembers)
	if err != nil {
		return nil, err
	}

	summary, err := s.scrapeMembers(ctx, sess, tr, groupJID)
	if err != nil {
		if logErr := s.store.FinishScrapingLog(ctx, logID, store.ScrapeFailed, 0, err.Error(), s.clock.Now()); logErr != nil {
			s.logger.Error("scrape log close failed", "log_id", logID, "error", logErr)
		}
		return nil, err
	}

	if err := s.store.FinishScrapingLog(ctx, logID, store.ScrapeCompleted, summary.Total, "", s.clock.Now()); err != nil {
		s.logger.Error("scrape log close failed", "log_id", logID, "error", err)
	}
	return summary, nil
}

func (s *Scraper) scrapeMembers(ctx context.Context, sess *store.Session, tr transport.Transport, groupJID string) (*Summary, error) {
	groupID, err := s.store.UpsertGroup(ctx, &store.Group{
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		GroupJID:  groupJID,
	})
	if err != nil {
		return nil, err
	}

	participants, err := tr.GroupParticipants(ctx, groupJID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	var lids []string
	for _, p := range participants {
		if id, ok := identity.FromJID(p.JID); ok && id.Kind == identity.KindLID {
			lids = append(lids, id.LID)
		}
	}
	resolved := s.resolveLIDs(ctx, tr, lids)

	total := 0
	for _, p := range participants {
		id, ok := identity.FromJID(p.JID)
		if !ok {
			continue
		}
		m := &store.GroupMember{
			GroupID:        groupID,
			ParticipantJID: p.JID,
			PushName:       p.PushName,
			IsAdmin:        p.IsAdmin,
			IsSuperAdmin:   p.IsSuperAdmin,
		}
		switch id.Kind {
		case identity.KindPhone:
			m.Phone = id.Phone
		case identity.KindLID:
			m.IsLID = true
			if phone, ok := resolved[id.LID]; ok {
				m.Phone = phone
				m.IsLID = false
			}
		}
		if err := s.store.UpsertGroupMember(ctx, m); err != nil {
			s.logger.Warn("member upsert failed", "group_jid", groupJID, "error", err)
			continue
		}
		total++
	}
	return &Summary{Kind: store.ScrapeMembers, Total: total}, nil
}
