package inbound

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
	"github.com/nugget/wagate/internal/transport/transporttest"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func (c fixedClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fixedRNG struct{}

func (fixedRNG) Float64() float64 { return 0.5 }
func (fixedRNG) Intn(n int) int   { return n / 2 }

// fakeTransports serves one fake transport for every session id.
type fakeTransports struct {
	tr        *transporttest.Fake
	connected bool
}

func (f *fakeTransports) Get(string) transport.Transport {
	if f.tr == nil {
		return nil
	}
	return f.tr
}

func (f *fakeTransports) IsConnected(string) bool { return f.connected }

// recordingReplier captures the messages handed to auto-reply.
type recordingReplier struct {
	mu   sync.Mutex
	got  []*store.Message
	done chan struct{}
}

func newRecordingReplier() *recordingReplier {
	return &recordingReplier{done: make(chan struct{}, 16)}
}

func (r *recordingReplier) Reply(ctx context.Context, sess *store.Session, msg *store.Message) {
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recordingReplier) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("auto-reply never invoked")
	}
}

type fixture struct {
	d     *Dispatcher
	store *store.Store
	tr    *fakeTransports
	hub   *events.Hub
	rep   *recordingReplier
	now   time.Time
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
	if err := s.SetSessionPhone(context.Background(), "s1", "628000000001"); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tr := &fakeTransports{tr: &transporttest.Fake{SessionID: "s1"}, connected: true}
	hub := events.New(slog.Default())
	rep := newRecordingReplier()
	d := New(s, tr, hub, fixedClock{t: now}, fixedRNG{}, rep, slog.Default())
	return &fixture{d: d, store: s, tr: tr, hub: hub, rep: rep, now: now}
}

func textEvent(id, fromJID, text string, at time.Time) transport.MessageEvent {
	return transport.MessageEvent{
		ID:        id,
		RemoteJID: fromJID,
		PushName:  "Budi",
		Timestamp: at,
		Kind:      transport.EventNotify,
		Type:      "text",
		Text:      text,
	}
}

func TestHandlePersistsAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.hub.NewSubscription(1)
	f.hub.Subscribe(sub, events.SessionKey("s1"))

	f.d.Handle("s1", textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now))

	msg, err := f.store.MessageByID(ctx, "m1")
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Direction != store.DirectionIncoming || msg.Status != store.MsgDelivered {
		t.Errorf("persisted as %s/%s", msg.Direction, msg.Status)
	}
	if msg.FromNumber != "6281234" {
		t.Errorf("from = %q, want normalized phone", msg.FromNumber)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != events.TypeMessageIncoming {
			t.Errorf("event type = %s", ev.Type)
		}
	default:
		t.Error("no message:incoming published")
	}

	contacts, err := f.store.ListContacts(ctx, 1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].PushName != "Budi" {
		t.Errorf("contacts = %+v, want auto-saved sender", contacts)
	}

	eventually(t, func() bool {
		marks := f.tr.tr.ReadMarks()
		return len(marks) == 1 && marks[0] == "m1"
	}, "message never marked read")
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// gateClock blocks Sleep until released, exposing callers that hold
// the read-mark pause on the event goroutine.
type gateClock struct {
	t       time.Time
	release chan struct{}
}

func (c *gateClock) Now() time.Time { return c.t }

func (c *gateClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestHandleDoesNotBlockOnReadMarkPause(t *testing.T) {
	f := newFixture(t)
	clock := &gateClock{t: f.now, release: make(chan struct{})}
	f.d.clock = clock

	returned := make(chan struct{})
	go func() {
		f.d.Handle("s1", textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on the read-mark pause")
	}
	if marks := f.tr.tr.ReadMarks(); len(marks) != 0 {
		t.Fatalf("read mark sent before the pause elapsed: %v", marks)
	}

	close(clock.release)
	eventually(t, func() bool {
		return len(f.tr.tr.ReadMarks()) == 1
	}, "message never marked read after the pause")
}

func TestHandleDropsDuplicates(t *testing.T) {
	f := newFixture(t)

	ev := textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now)
	f.d.Handle("s1", ev)
	f.rep.wait(t)
	f.d.Handle("s1", ev)

	time.Sleep(20 * time.Millisecond)
	if got := f.rep.count(); got != 1 {
		t.Errorf("auto-reply invoked %d times, want 1", got)
	}
	msgs, err := f.store.ListMessages(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("%d rows persisted, want 1", len(msgs))
	}
}

func TestHandleDropsOwnAndStaleMessages(t *testing.T) {
	f := newFixture(t)

	own := textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now)
	own.FromMe = true
	f.d.Handle("s1", own)

	stale := textEvent("m2", "6281234@s.whatsapp.net", "halo", f.now.Add(-6*time.Minute))
	f.d.Handle("s1", stale)

	// An append inside its wider window still lands.
	replay := textEvent("m3", "6281234@s.whatsapp.net", "halo", f.now.Add(-20*time.Minute))
	replay.Kind = transport.EventAppend
	f.d.Handle("s1", replay)

	msgs, err := f.store.ListMessages(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "m3" {
		t.Errorf("persisted %+v, want only the append replay", msgs)
	}
}

func TestHandleDropsWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	f.tr.connected = false

	f.d.Handle("s1", textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now))

	msgs, _ := f.store.ListMessages(context.Background(), "s1", 10)
	if len(msgs) != 0 {
		t.Errorf("persisted %d rows for a disconnected session", len(msgs))
	}
}

func TestGroupMessageCapturesMembershipAndSkipsAutoReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := textEvent("m1", "12036302@g.us", "halo semua", f.now)
	ev.Participant = "6281234@s.whatsapp.net"
	f.d.Handle("s1", ev)

	g, err := f.store.GroupByJID(ctx, 1, "s1", "12036302@g.us")
	if err != nil {
		t.Fatalf("group not captured: %v", err)
	}
	members, err := f.store.ListGroupMembers(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Phone != "6281234" {
		t.Errorf("members = %+v", members)
	}

	time.Sleep(20 * time.Millisecond)
	if f.rep.count() != 0 {
		t.Error("auto-reply fired for a group message")
	}
}

func TestLIDSenderGetsPseudoIdentity(t *testing.T) {
	f := newFixture(t)

	ev := textEvent("m1", "123456789012345678@lid", "halo", f.now)
	f.d.Handle("s1", ev)

	msg, err := f.store.MessageByID(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.FromNumber != "LID_123456789012345678" {
		t.Errorf("from = %q, want LID pseudo-identity", msg.FromNumber)
	}

	// LID senders are not auto-saved as contacts.
	contacts, _ := f.store.ListContacts(context.Background(), 1, "s1")
	if len(contacts) != 0 {
		t.Errorf("contacts = %+v, want none for a LID sender", contacts)
	}
}

func TestHumanAgentSuppressesAutoReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.UpsertConversation(ctx, "s1", "6281234", "Budi", f.now)
	if err != nil {
		t.Fatal(err)
	}
	agent := int64(9)
	if err := f.store.AssignHumanAgent(ctx, conv.ID, &agent); err != nil {
		t.Fatal(err)
	}

	f.d.Handle("s1", textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now))

	time.Sleep(20 * time.Millisecond)
	if f.rep.count() != 0 {
		t.Error("auto-reply fired on a human-claimed thread")
	}

	// Releasing the agent reopens the thread for the machine.
	if err := f.store.AssignHumanAgent(ctx, conv.ID, nil); err != nil {
		t.Fatal(err)
	}
	f.d.Handle("s1", textEvent("m2", "6281234@s.whatsapp.net", "halo lagi", f.now))
	f.rep.wait(t)
}

func TestAutoReplyRespectsSessionSetting(t *testing.T) {
	f := newFixture(t)
	off := false
	err := f.store.UpdateSessionSettings(context.Background(), "s1", store.Settings{AutoReplyEnabled: &off})
	if err != nil {
		t.Fatal(err)
	}

	f.d.Handle("s1", textEvent("m1", "6281234@s.whatsapp.net", "halo", f.now))

	time.Sleep(20 * time.Millisecond)
	if f.rep.count() != 0 {
		t.Error("auto-reply fired with the session setting off")
	}
}
