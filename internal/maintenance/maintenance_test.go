package maintenance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/wagate/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func (c fixedClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type recordingStarter struct {
	started []int64
	err     error
}

func (r *recordingStarter) Start(_ context.Context, campaignID int64) error {
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, campaignID)
	return nil
}

func seedScheduled(t *testing.T, st *store.Store, sessionID string, at time.Time) *store.Campaign {
	t.Helper()
	c := &store.Campaign{
		UserID:      1,
		SessionID:   sessionID,
		Name:        "scheduled promo",
		Template:    store.Template{Type: store.TypeText, Content: "halo"},
		Status:      store.CampaignScheduled,
		ScheduledAt: &at,
		Total:       1,
		BatchSize:   10,
		BatchDelay:  time.Millisecond,
	}
	err := st.CreateCampaign(context.Background(), c, []store.Recipient{
		{Phone: "62811111111", Status: store.RecipientPending},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestKickDueCampaigns(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.CreateSession(ctx, &store.Session{SessionID: "s1", UserID: 1, Name: "s1"}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	due := seedScheduled(t, st, "s1", now.Add(-time.Minute))
	notYet := seedScheduled(t, st, "s1", now.Add(time.Hour))

	starter := &recordingStarter{}
	r := New(st, starter, fixedClock{t: now}, slog.Default())

	r.kickDueCampaigns()

	if len(starter.started) != 1 || starter.started[0] != due.ID {
		t.Errorf("started = %v, want [%d]", starter.started, due.ID)
	}
	for _, id := range starter.started {
		if id == notYet.ID {
			t.Error("future campaign started early")
		}
	}
}

func TestSweepExpiredQR(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.CreateSession(ctx, &store.Session{SessionID: "s1", UserID: 1, Name: "s1"}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if err := st.SetSessionQR(ctx, "s1", "data:image/png;base64,abc", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	r := New(st, &recordingStarter{}, fixedClock{t: now}, slog.Default())
	r.sweepExpiredQR()

	sess, err := st.SessionByID(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.QRCode != "" {
		t.Errorf("qr code = %q, want cleared", sess.QRCode)
	}
}

func TestPruneIdleRateBuckets(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	// Touch a bucket so a row exists.
	if _, err := st.WithRateBucket(ctx, "s1", func(b *store.RateBucket) error {
		b.HourCount = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// A clock far in the future makes the bucket idle past the sweep age.
	future := time.Now().Add(30 * 24 * time.Hour)
	r := New(st, &recordingStarter{}, fixedClock{t: future}, slog.Default())
	r.pruneRateBuckets()

	// The runner already deleted the row, so a direct prune with an even
	// later cutoff finds nothing left.
	n, err := st.PruneRateBuckets(ctx, future.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows remaining after sweep = %d, want 0", n)
	}
}
