package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/wagate/internal/gateway"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(t *testing.T, s *Store, sid string) *Session {
	t.Helper()
	sess := &Session{SessionID: sid, UserID: 1, Name: "test"}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := testSession(t, s, "s1")
	if sess.Status != StatusQRPending {
		t.Errorf("new session status = %s, want qr_pending", sess.Status)
	}

	// Ownership enforcement.
	if _, err := s.SessionForUser(ctx, "s1", 2); !errors.Is(err, gateway.ErrForbidden) {
		t.Errorf("foreign user error = %v, want ErrForbidden", err)
	}
	if _, err := s.SessionByID(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing session error = %v, want ErrNotFound", err)
	}

	// QR persist and expiry.
	expiry := time.Now().Add(time.Minute)
	if err := s.SetSessionQR(ctx, "s1", "data:image/png;base64,AAA", expiry); err != nil {
		t.Fatalf("set qr: %v", err)
	}
	got, err := s.SessionByID(ctx, "s1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.QRValid(time.Now()) {
		t.Error("QR should be valid before expiry")
	}
	if got.QRValid(expiry.Add(time.Second)) {
		t.Error("QR should be invalid after expiry")
	}

	// Connected transition stamps phone and timestamp.
	if err := s.SetSessionPhone(ctx, "s1", "628111111111"); err != nil {
		t.Fatalf("set phone: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "s1", StatusConnected); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.SessionByID(ctx, "s1")
	if got.Status != StatusConnected || got.PhoneNumber != "628111111111" {
		t.Errorf("session = %s/%s, want connected/628111111111", got.Status, got.PhoneNumber)
	}
	if got.LastConnectedAt == nil {
		t.Error("last_connected_at not stamped")
	}

	// Soft delete hides the row.
	if err := s.SoftDeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.SessionByID(ctx, "s1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("deleted session error = %v, want ErrNotFound", err)
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")

	m := &Message{
		MessageID: "m-42",
		SessionID: "s1",
		Direction: DirectionIncoming,
		Content:   "hi",
		Status:    MsgDelivered,
	}
	ins, err := s.InsertMessage(ctx, m)
	if err != nil || !ins {
		t.Fatalf("first insert = %v, %v; want true, nil", ins, err)
	}

	dup := &Message{MessageID: "m-42", SessionID: "s1", Direction: DirectionIncoming, Content: "hi again"}
	ins, err = s.InsertMessage(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if ins {
		t.Error("duplicate insert reported inserted = true")
	}

	got, err := s.MessageByID(ctx, "m-42")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Content != "hi" {
		t.Errorf("content = %q, original row should be untouched", got.Content)
	}
}

func TestMessageStatusMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")

	m := &Message{MessageID: "m-1", SessionID: "s1", Direction: DirectionOutgoing, Status: MsgPending}
	if _, err := s.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	t0 := time.Now()
	steps := []MessageStatus{MsgSent, MsgDelivered, MsgRead}
	for _, st := range steps {
		if err := s.AdvanceMessageStatus(ctx, "m-1", st, t0); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}

	// A regression attempt is ignored.
	if err := s.AdvanceMessageStatus(ctx, "m-1", MsgSent, t0.Add(time.Hour)); err != nil {
		t.Fatalf("regression attempt errored: %v", err)
	}
	got, _ := s.MessageByID(ctx, "m-1")
	if got.Status != MsgRead {
		t.Errorf("status = %s after regression attempt, want read", got.Status)
	}
	if got.SentAt == nil || got.DeliveredAt == nil || got.ReadAt == nil {
		t.Error("timestamps not stamped on advancement")
	}
}

func TestUpsertContactPreservesDisplayName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &Contact{UserID: 1, SessionID: "s1", Phone: "628123", DisplayName: "Budi (VIP)", PushName: "budi"}
	if err := s.UpsertContact(ctx, c); err != nil {
		t.Fatal(err)
	}

	// A scraped update must not clobber the human-assigned name but
	// should refresh the push name.
	update := &Contact{UserID: 1, SessionID: "s1", Phone: "628123", DisplayName: "auto", PushName: "budi-new"}
	if err := s.UpsertContact(ctx, update); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListContacts(ctx, 1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("contacts = %d, want 1", len(list))
	}
	if list[0].DisplayName != "Budi (VIP)" {
		t.Errorf("display_name = %q, human-assigned name clobbered", list[0].DisplayName)
	}
	if list[0].PushName != "budi-new" {
		t.Errorf("push_name = %q, want refreshed value", list[0].PushName)
	}
}

func TestCampaignTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &Campaign{UserID: 1, SessionID: "s1", Name: "promo", Status: CampaignDraft,
		Template: Template{Type: TypeText, Content: "hello {{name}}"},
		BatchSize: 10, BatchDelay: time.Second}
	recips := []Recipient{{Phone: "6281"}, {Phone: "6282"}, {Phone: "6281"}}
	if err := s.CreateCampaign(ctx, c, recips); err != nil {
		t.Fatal(err)
	}
	if c.Total != 2 {
		t.Errorf("total = %d after duplicate collapse, want 2", c.Total)
	}

	if err := s.TransitionCampaign(ctx, c.ID, CampaignProcessing); err != nil {
		t.Fatalf("draft → processing: %v", err)
	}
	if err := s.TransitionCampaign(ctx, c.ID, CampaignScheduled); !errors.Is(err, gateway.ErrPrecondition) {
		t.Errorf("processing → scheduled error = %v, want ErrPrecondition", err)
	}
	if err := s.TransitionCampaign(ctx, c.ID, CampaignCompleted); err != nil {
		t.Fatalf("processing → completed: %v", err)
	}
	if err := s.TransitionCampaign(ctx, c.ID, CampaignCancelled); !errors.Is(err, gateway.ErrPrecondition) {
		t.Errorf("cancel after completion error = %v, want ErrPrecondition", err)
	}

	got, _ := s.CampaignByID(ctx, c.ID)
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("transition timestamps not stamped")
	}
}

func TestRateBucketRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sent := time.Now().UTC().Truncate(time.Second)
	_, err := s.WithRateBucket(ctx, "s1", func(b *RateBucket) error {
		b.HourCount = 3
		b.DayCount = 7
		b.LastSentAt = &sent
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	b, err := s.RateBucketFor(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if b.HourCount != 3 || b.DayCount != 7 {
		t.Errorf("counters = %d/%d, want 3/7", b.HourCount, b.DayCount)
	}
	if b.LastSentAt == nil || !b.LastSentAt.Equal(sent) {
		t.Errorf("last_sent_at = %v, want %v", b.LastSentAt, sent)
	}
}

func TestScrapingQuotaCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.StartScrapingLog(ctx, 1, "s1", ScrapeContacts)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishScrapingLog(ctx, id, ScrapeCompleted, 10, "", time.Now()); err != nil {
		t.Fatal(err)
	}

	// A failed attempt does not count toward the quota.
	id2, _ := s.StartScrapingLog(ctx, 1, "s1", ScrapeContacts)
	_ = s.FinishScrapingLog(ctx, id2, ScrapeFailed, 0, "boom", time.Now())

	n, err := s.CompletedScrapesSince(ctx, 1, "s1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("completed scrapes = %d, want 1", n)
	}

	last, err := s.LastCompletedScrape(ctx, 1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Error("last completed scrape missing")
	}
}

func TestActiveRulesOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rules := []*Rule{
		{SessionID: "s1", Trigger: "a", Priority: 1, Reply: "low", IsActive: true},
		{SessionID: "s1", Trigger: "b", Priority: 5, Reply: "high", IsActive: true},
		{SessionID: "s1", Trigger: "c", Priority: 5, Reply: "high-later", IsActive: true},
		{SessionID: "s1", Trigger: "d", Priority: 9, Reply: "off", IsActive: false},
	}
	for _, r := range rules {
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ActiveRules(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("active rules = %d, want 3", len(got))
	}
	if got[0].Reply != "high" || got[1].Reply != "high-later" || got[2].Reply != "low" {
		t.Errorf("order = %q, %q, %q", got[0].Reply, got[1].Reply, got[2].Reply)
	}
}

func TestConversationHumanAgentGate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c, err := s.UpsertConversation(ctx, "s1", "628123", "budi", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if c.HumanAgentID != nil {
		t.Error("fresh conversation should have no agent")
	}

	agent := int64(99)
	if err := s.AssignHumanAgent(ctx, c.ID, &agent); err != nil {
		t.Fatal(err)
	}
	c2, err := s.UpsertConversation(ctx, "s1", "628123", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if c2.ID != c.ID {
		t.Errorf("conversation id changed on upsert: %d != %d", c2.ID, c.ID)
	}
	if c2.HumanAgentID == nil || *c2.HumanAgentID != 99 {
		t.Error("agent assignment lost on upsert")
	}
	if c2.PushName != "budi" {
		t.Errorf("push_name = %q, empty update should not clear it", c2.PushName)
	}
}
