package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/ratelimit"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
	"github.com/nugget/wagate/internal/transport/transporttest"
)

type instantClock struct{ t time.Time }

func (c instantClock) Now() time.Time { return c.t }

func (c instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// hookLimiter admits everything and lets tests interpose on Check.
type hookLimiter struct {
	onCheck  func(checks int)
	checks   int
	checkErr error
}

func (l *hookLimiter) Check(ctx context.Context, sessionID string) (ratelimit.Decision, error) {
	l.checks++
	if l.onCheck != nil {
		l.onCheck(l.checks)
	}
	if l.checkErr != nil {
		return ratelimit.Decision{}, l.checkErr
	}
	return ratelimit.Decision{CanSend: true}, nil
}

func (l *hookLimiter) RecordSent(ctx context.Context, sessionID string) error { return nil }

type fakeTransports struct{ tr transport.Transport }

func (f fakeTransports) Get(string) transport.Transport { return f.tr }

type fixture struct {
	svc     *Service
	store   *store.Store
	tr      *transporttest.Fake
	limiter *hookLimiter
	hub     *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sess := &store.Session{SessionID: "s1", UserID: 1, Name: "test", PhoneNumber: "628000000001"}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	tr := &transporttest.Fake{SessionID: "s1"}
	tr.EmitPaired("628000000001")
	limiter := &hookLimiter{}
	hub := events.New(slog.Default())
	clock := instantClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.BroadcastConfig{BatchSize: 2, BatchDelayMs: 10, MaxRecipients: 100}

	svc := NewService(s, fakeTransports{tr: tr}, limiter, hub, clock, cfg, slog.Default())
	return &fixture{svc: svc, store: s, tr: tr, limiter: limiter, hub: hub}
}

func createCampaign(t *testing.T, f *fixture, phones ...string) *store.Campaign {
	t.Helper()
	recipients := make([]RecipientInput, len(phones))
	for i, p := range phones {
		recipients[i] = RecipientInput{Phone: p, Name: "Budi"}
	}
	c, err := f.svc.Create(context.Background(), 1, "s1", CreateRequest{
		Name:       "promo",
		Template:   store.Template{Type: store.TypeText, Content: "Halo {name}, promo {produk}!", Variables: map[string]string{"produk": "sepatu"}},
		Recipients: recipients,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func waitStatus(t *testing.T, f *fixture, id int64, want store.CampaignStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := f.store.CampaignStatusByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := f.store.CampaignStatusByID(context.Background(), id)
	t.Fatalf("campaign status = %s, want %s", status, want)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty name", CreateRequest{
			Template:   store.Template{Content: "x"},
			Recipients: []RecipientInput{{Phone: "0812345678"}},
		}},
		{"no recipients", CreateRequest{Name: "c", Template: store.Template{Content: "x"}}},
		{"text without content", CreateRequest{
			Name:       "c",
			Template:   store.Template{Type: store.TypeText},
			Recipients: []RecipientInput{{Phone: "0812345678"}},
		}},
		{"image without media", CreateRequest{
			Name:       "c",
			Template:   store.Template{Type: store.TypeImage},
			Recipients: []RecipientInput{{Phone: "0812345678"}},
		}},
		{"document without filename", CreateRequest{
			Name:       "c",
			Template:   store.Template{Type: store.TypeDocument, MediaURL: "https://cdn.example/brosur.pdf"},
			Recipients: []RecipientInput{{Phone: "0812345678"}},
		}},
		{"all invalid phones", CreateRequest{
			Name:       "c",
			Template:   store.Template{Content: "x"},
			Recipients: []RecipientInput{{Phone: "123"}, {Phone: "abc"}},
		}},
	}
	for _, tc := range cases {
		if _, err := f.svc.Create(ctx, 1, "s1", tc.req); !errors.Is(err, gateway.ErrInvalidArgument) {
			t.Errorf("%s: err = %v, want ErrInvalidArgument", tc.name, err)
		}
	}

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.svc.Create(ctx, 1, "s1", CreateRequest{
		Name:        "c",
		Template:    store.Template{Content: "x"},
		Recipients:  []RecipientInput{{Phone: "0812345678"}},
		ScheduledAt: &past,
	})
	if !errors.Is(err, gateway.ErrInvalidArgument) {
		t.Errorf("past schedule: err = %v, want ErrInvalidArgument", err)
	}
}

func TestCreateNormalizesAndDropsInvalidPhones(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.Create(context.Background(), 1, "s1", CreateRequest{
		Name:     "c",
		Template: store.Template{Content: "x"},
		Recipients: []RecipientInput{
			{Phone: "0812345678"},   // leading zero rewritten
			{Phone: "62812345678"},  // duplicate of the first after normalization
			{Phone: "not-a-number"}, // dropped
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 1 {
		t.Errorf("total = %d, want 1 after normalization and dedup", c.Total)
	}
	recipients, err := f.store.ListRecipients(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 1 || recipients[0].Phone != "62812345678" {
		t.Errorf("recipients = %+v", recipients)
	}
}

func TestRenderTemplate(t *testing.T) {
	tpl := store.Template{
		Content:   "Halo {name}, diskon {pct} untuk {produk}",
		Variables: map[string]string{"pct": "20%", "produk": "sepatu"},
	}
	got := renderTemplate(tpl, "Budi")
	if got != "Halo Budi, diskon 20% untuk sepatu" {
		t.Errorf("rendered = %q", got)
	}
	if got := renderTemplate(tpl, ""); !strings.HasPrefix(got, "Halo Kak,") {
		t.Errorf("fallback name render = %q", got)
	}
}

func TestExecutorCompletesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createCampaign(t, f, "0811111111", "0822222222", "0833333333")

	sub := f.hub.NewSubscription(1)
	f.hub.Subscribe(sub, events.BroadcastKey(c.ID))

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignCompleted)

	final, err := f.store.CampaignByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Sent != 3 || final.Failed != 0 {
		t.Errorf("sent/failed = %d/%d, want 3/0", final.Sent, final.Failed)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	msgs := f.tr.Sent()
	if len(msgs) != 3 {
		t.Fatalf("%d messages sent, want 3", len(msgs))
	}
	if msgs[0].Body != "Halo Budi, promo sepatu!" {
		t.Errorf("body = %q, want rendered template", msgs[0].Body)
	}

	var sawStarted, sawCompleted bool
	for len(sub.C) > 0 {
		switch ev := <-sub.C; ev.Type {
		case events.TypeBroadcastStarted:
			sawStarted = true
		case events.TypeBroadcastCompleted:
			sawCompleted = true
		}
	}
	if !sawStarted || !sawCompleted {
		t.Errorf("events: started=%v completed=%v", sawStarted, sawCompleted)
	}
}

func TestExecutorObservesCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createCampaign(t, f, "0811111111", "0822222222", "0833333333")

	// Cancel through the API path after the first admission check; the
	// executor must stop before the second recipient.
	f.limiter.onCheck = func(checks int) {
		if checks == 1 {
			if err := f.svc.Cancel(ctx, c.ID); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
	}

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignCancelled)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(f.tr.Sent()); n > 1 {
		t.Errorf("%d messages sent after cancellation, want at most 1", n)
	}
	pending, err := f.store.PendingRecipients(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) < 2 {
		t.Errorf("%d recipients still pending, want at least 2", len(pending))
	}
}

func TestExecutorFailsWhenSessionLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createCampaign(t, f, "0811111111", "0822222222")

	f.tr.EmitDisconnect(transport.CloseReason{Class: transport.CloseTransient})

	sub := f.hub.NewSubscription(1)
	f.hub.Subscribe(sub, events.BroadcastKey(c.ID))

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignFailed)

	var sawFailed bool
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Type == events.TypeBroadcastFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("no broadcast:failed event published")
	}
}

func TestExecutorFailsCampaignWhenLimiterBreaks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createCampaign(t, f, "0811111111", "0822222222")

	// The gate breaks before the second recipient; the campaign must
	// land in failed, not sit in processing forever.
	f.limiter.onCheck = func(checks int) {
		if checks == 2 {
			f.limiter.checkErr = errors.New("rate limit table locked")
		}
	}

	sub := f.hub.NewSubscription(1)
	f.hub.Subscribe(sub, events.BroadcastKey(c.ID))

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignFailed)

	final, err := f.store.CampaignByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Sent != 1 {
		t.Errorf("sent = %d, want 1 before the gate broke", final.Sent)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not stamped on failure")
	}

	var sawFailed bool
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Type == events.TypeBroadcastFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("no broadcast:failed event published")
	}
}

func TestProgressPublishedOnFinalRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Three recipients never hit a multiple of progressEvery; the final
	// recipient must still produce a progress event.
	c := createCampaign(t, f, "0811111111", "0822222222", "0833333333")

	sub := f.hub.NewSubscription(1)
	f.hub.Subscribe(sub, events.BroadcastKey(c.ID))

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignCompleted)

	var last map[string]any
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Type == events.TypeBroadcastProgress {
			last = ev.Payload.(map[string]any)
		}
	}
	if last == nil {
		t.Fatal("no broadcast:progress event published")
	}
	if last["sent"] != 3 || last["total"] != 3 {
		t.Errorf("final progress = %v, want sent=3 total=3", last)
	}
}

func TestDocumentCampaignSendsFilenameAndMimetype(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, 1, "s1", CreateRequest{
		Name: "katalog",
		Template: store.Template{
			Type:     store.TypeDocument,
			MediaURL: "https://cdn.example/katalog.pdf",
			Filename: "katalog-agustus.pdf",
			Mimetype: "application/pdf",
		},
		Recipients: []RecipientInput{{Phone: "0811111111"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignCompleted)

	msgs := f.tr.Sent()
	if len(msgs) != 1 || msgs[0].Kind != "document" {
		t.Fatalf("sent = %+v, want one document", msgs)
	}
	if msgs[0].Filename != "katalog-agustus.pdf" || msgs[0].Mimetype != "application/pdf" {
		t.Errorf("document sent as %q/%q, want template filename and mimetype",
			msgs[0].Filename, msgs[0].Mimetype)
	}
}

func TestExecutorMarksFailedRecipientAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createCampaign(t, f, "0811111111", "0822222222")

	// First send fails, the rest succeed.
	f.tr.SendErr = errors.New("recipient unavailable")
	f.limiter.onCheck = func(checks int) {
		if checks == 2 {
			f.tr.SendErr = nil
		}
	}

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f, c.ID, store.CampaignCompleted)

	final, err := f.store.CampaignByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Sent != 1 || final.Failed != 1 {
		t.Errorf("sent/failed = %d/%d, want 1/1", final.Sent, final.Failed)
	}

	recipients, err := f.store.ListRecipients(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	var failed *store.Recipient
	for _, r := range recipients {
		if r.Status == store.RecipientFailed {
			failed = r
		}
	}
	if failed == nil || failed.Error == "" {
		t.Errorf("recipients = %+v, want one failed with an error", recipients)
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createCampaign(t, f, "0811111111")

	// Hold the executor inside its first admission check so the second
	// Start observes it running.
	release := make(chan struct{})
	f.limiter.onCheck = func(int) { <-release }

	if err := f.svc.Start(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	err := f.svc.Start(ctx, c.ID)
	close(release)
	if !errors.Is(err, gateway.ErrPrecondition) {
		t.Errorf("second start: err = %v, want ErrPrecondition", err)
	}
	waitStatus(t, f, c.ID, store.CampaignCompleted)
}
