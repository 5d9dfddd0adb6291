package scraper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
	"github.com/nugget/wagate/internal/transport/transporttest"
)

type instantClock struct{ t time.Time }

func (c *instantClock) Now() time.Time { return c.t }

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fixedRNG struct{}

func (fixedRNG) Float64() float64 { return 0.5 }
func (fixedRNG) Intn(n int) int   { return n / 2 }

type fakeTransports struct{ tr transport.Transport }

func (f fakeTransports) Get(string) transport.Transport { return f.tr }

type fixture struct {
	sc    *Scraper
	store *store.Store
	tr    *transporttest.Fake
	clock *instantClock
	sess  *store.Session
}

func testConfig() config.ScraperConfig {
	return config.ScraperConfig{
		Profile:                  "balanced",
		MaxScrapesPerDay:         3,
		CooldownBetweenScrapesMn: 60,
		MaxContactsPerScrape:     100,
		ContactsPerBatch:         10,
		BatchSaveDelayMs:         10,
		MinDelayBetweenGroupsMs:  10,
		MaxDelayBetweenGroupsMs:  20,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sess := &store.Session{SessionID: "s1", UserID: 1, Name: "test"}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	tr := &transporttest.Fake{
		SessionID:    "s1",
		GroupMembers: make(map[string][]transport.Participant),
		LIDDirectory: make(map[string]string),
	}
	tr.EmitPaired("628000000001")
	clock := &instantClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	sc := New(s, fakeTransports{tr: tr}, clock, fixedRNG{}, testConfig(), slog.Default())
	return &fixture{sc: sc, store: s, tr: tr, clock: clock, sess: sess}
}

func TestScrapeContactsMergesSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tr.ContactList = []transport.DirectoryContact{
		{JID: "62811111111@s.whatsapp.net", Name: "Ani", PushName: "ani", IsBusiness: true},
		{JID: "62822222222@s.whatsapp.net", Name: "Budi"},
	}
	f.tr.ChatList = []transport.DirectoryChat{
		{JID: "62822222222@s.whatsapp.net", Name: "Budi"}, // duplicate of address book
		{JID: "62833333333@s.whatsapp.net", Name: "Citra"},
		{JID: "12036302@g.us", Name: "Keluarga", IsGroup: true}, // groups skipped here
	}
	f.tr.GroupList = []transport.GroupInfo{{JID: "12036302@g.us", Name: "Keluarga"}}
	f.tr.GroupMembers["12036302@g.us"] = []transport.Participant{
		{JID: "62844444444@s.whatsapp.net", PushName: "dedi"},
		{JID: "62811111111@s.whatsapp.net"}, // duplicate again
	}

	summary, err := f.sc.ScrapeContacts(ctx, f.sess)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 4 || summary.Truncated {
		t.Errorf("summary = %+v, want 4 unique contacts", summary)
	}

	contacts, err := f.store.ListContacts(ctx, 1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 4 {
		t.Fatalf("%d contacts persisted, want 4", len(contacts))
	}
	byPhone := make(map[string]*store.Contact)
	for _, c := range contacts {
		byPhone[c.Phone] = c
	}
	if c := byPhone["62811111111"]; c == nil || c.DisplayName != "Ani" || !c.IsBusiness {
		t.Errorf("address book contact = %+v", c)
	}
	if _, ok := byPhone["62833333333"]; !ok {
		t.Error("chat counterparty missing")
	}
	if _, ok := byPhone["62844444444"]; !ok {
		t.Error("group participant missing")
	}
}

func TestScrapeContactsResolvesLIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tr.GroupList = []transport.GroupInfo{{JID: "12036302@g.us"}}
	f.tr.GroupMembers["12036302@g.us"] = []transport.Participant{
		{JID: "111111111111111111@lid", PushName: "resolved"},
		{JID: "222222222222222222@lid", PushName: "opaque"},
	}
	f.tr.LIDDirectory["111111111111111111"] = "62855555555"

	summary, err := f.sc.ScrapeContacts(ctx, f.sess)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 {
		t.Errorf("total = %d, want 2", summary.Total)
	}

	contacts, err := f.store.ListContacts(ctx, 1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	byPhone := make(map[string]bool)
	for _, c := range contacts {
		byPhone[c.Phone] = true
	}
	if !byPhone["62855555555"] {
		t.Error("resolved LID missing under its phone number")
	}
	if !byPhone["LID_222222222222222222"] {
		t.Error("unresolvable LID missing under its pseudo-identifier")
	}
}

func TestScrapeContactsHonorsCap(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.MaxContactsPerScrape = 2
	f.sc.cfg = cfg

	f.tr.ContactList = []transport.DirectoryContact{
		{JID: "62811111111@s.whatsapp.net"},
		{JID: "62822222222@s.whatsapp.net"},
		{JID: "62833333333@s.whatsapp.net"},
	}

	summary, err := f.sc.ScrapeContacts(context.Background(), f.sess)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 || !summary.Truncated {
		t.Errorf("summary = %+v, want 2 truncated", summary)
	}
}

func TestDailyQuotaAndCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sc.ScrapeContacts(ctx, f.sess); err != nil {
		t.Fatal(err)
	}

	// Inside the cooldown window the next run is refused.
	if _, err := f.sc.ScrapeContacts(ctx, f.sess); !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("within cooldown: err = %v, want ErrRateLimited", err)
	}

	// Cooldown elapsed, quota still has room.
	f.clock.t = f.clock.t.Add(61 * time.Minute)
	if _, err := f.sc.ScrapeContacts(ctx, f.sess); err != nil {
		t.Fatal(err)
	}
	f.clock.t = f.clock.t.Add(61 * time.Minute)
	if _, err := f.sc.ScrapeContacts(ctx, f.sess); err != nil {
		t.Fatal(err)
	}

	// Third completed run exhausts the daily budget.
	f.clock.t = f.clock.t.Add(61 * time.Minute)
	if _, err := f.sc.ScrapeContacts(ctx, f.sess); !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("over quota: err = %v, want ErrRateLimited", err)
	}
}

func TestScrapeRequiresConnectedSession(t *testing.T) {
	f := newFixture(t)
	f.tr.EmitDisconnect(transport.CloseReason{Class: transport.CloseTransient})

	if _, err := f.sc.ScrapeContacts(context.Background(), f.sess); !errors.Is(err, gateway.ErrPrecondition) {
		t.Errorf("err = %v, want ErrPrecondition", err)
	}
}

func TestScrapeGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tr.GroupList = []transport.GroupInfo{
		{JID: "111@g.us", Name: "Keluarga", ParticipantCount: 12, IsAnnounce: true},
		{JID: "222@g.us", Name: "Kantor", ParticipantCount: 40},
	}

	summary, err := f.sc.ScrapeGroups(ctx, f.sess)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 {
		t.Errorf("total = %d, want 2", summary.Total)
	}

	g, err := f.store.GroupByJID(ctx, 1, "s1", "111@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if g.Name != "Keluarga" || !g.IsAnnounce {
		t.Errorf("group = %+v", g)
	}
}

func TestScrapeGroupMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tr.GroupMembers["111@g.us"] = []transport.Participant{
		{JID: "62811111111@s.whatsapp.net", IsAdmin: true, IsSuperAdmin: true},
		{JID: "333333333333333333@lid", PushName: "anon"},
	}
	f.tr.LIDDirectory["333333333333333333"] = "62866666666"

	summary, err := f.sc.ScrapeGroupMembers(ctx, f.sess, "111@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 {
		t.Errorf("total = %d, want 2", summary.Total)
	}

	g, err := f.store.GroupByJID(ctx, 1, "s1", "111@g.us")
	if err != nil {
		t.Fatal(err)
	}
	members, err := f.store.ListGroupMembers(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("%d members, want 2", len(members))
	}
	byJID := make(map[string]*store.GroupMember)
	for _, m := range members {
		byJID[m.ParticipantJID] = m
	}
	admin := byJID["62811111111@s.whatsapp.net"]
	if admin == nil || !admin.IsAdmin || !admin.IsSuperAdmin {
		t.Errorf("admin member = %+v", admin)
	}
	lid := byJID["333333333333333333@lid"]
	if lid == nil || lid.Phone != "62866666666" || lid.IsLID {
		t.Errorf("resolved lid member = %+v", lid)
	}
}
