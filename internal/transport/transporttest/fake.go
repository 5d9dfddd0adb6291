// Package transporttest provides a scripted in-memory Transport and
// Dialer for tests, in the spirit of net/http/httptest. Tests connect
// a fake, then push QR, pairing, message, and disconnect events through
// the handler hooks the session manager registered.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/wagate/internal/transport"
)

// SentMessage records one outbound send through the fake.
type SentMessage struct {
	ToJID    string
	Body     string
	MediaURL string
	Caption  string
	Filename string
	Mimetype string
	Kind     string // text, image, document
}

// Fake is a scriptable Transport. The zero value is not usable; create
// instances through a Dialer.
type Fake struct {
	SessionID string
	CredsDir  string

	mu            sync.Mutex
	handlers      transport.Handlers
	connected     bool
	authenticated bool
	phone         string
	closed        bool
	closeCalls    int

	// ConnectErr, when set, fails every Connect.
	ConnectErr error

	sent      []SentMessage
	presences []transport.PresenceState
	readMarks []string // message ids marked read

	// SendErr, when set, fails every outbound send.
	SendErr error
	// PresenceErr, when set, fails presence updates.
	PresenceErr error

	// Directory fixtures returned by the enumeration calls.
	ContactList     []transport.DirectoryContact
	ChatList        []transport.DirectoryChat
	GroupList       []transport.GroupInfo
	GroupMembers    map[string][]transport.Participant
	LIDDirectory    map[string]string // lid → phone
	ResolveLIDCalls [][]string
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("transport closed")
	}
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	f.closeCalls++
	return nil
}

// CloseCalls reports how many times Close has been invoked.
func (f *Fake) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.authenticated = false
	f.closed = true
	return nil
}

func (f *Fake) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *Fake) SelfPhone() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phone
}

func (f *Fake) SendText(ctx context.Context, toJID, body string) (transport.SendReceipt, error) {
	return f.record(SentMessage{ToJID: toJID, Body: body, Kind: "text"})
}

func (f *Fake) SendImage(ctx context.Context, toJID, mediaURL, caption string) (transport.SendReceipt, error) {
	return f.record(SentMessage{ToJID: toJID, MediaURL: mediaURL, Caption: caption, Kind: "image"})
}

func (f *Fake) SendDocument(ctx context.Context, toJID, mediaURL, filename, mimetype string) (transport.SendReceipt, error) {
	return f.record(SentMessage{ToJID: toJID, MediaURL: mediaURL, Filename: filename, Mimetype: mimetype, Kind: "document"})
}

func (f *Fake) record(m SentMessage) (transport.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return transport.SendReceipt{}, f.SendErr
	}
	f.sent = append(f.sent, m)
	return transport.SendReceipt{MessageID: fmt.Sprintf("fake-%d", len(f.sent))}, nil
}

func (f *Fake) SendPresence(ctx context.Context, toJID string, state transport.PresenceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PresenceErr != nil {
		return f.PresenceErr
	}
	f.presences = append(f.presences, state)
	return nil
}

func (f *Fake) MarkRead(ctx context.Context, remoteJID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readMarks = append(f.readMarks, messageID)
	return nil
}

func (f *Fake) Contacts(ctx context.Context) ([]transport.DirectoryContact, error) {
	return f.ContactList, nil
}

func (f *Fake) Chats(ctx context.Context) ([]transport.DirectoryChat, error) {
	return f.ChatList, nil
}

func (f *Fake) Groups(ctx context.Context) ([]transport.GroupInfo, error) {
	return f.GroupList, nil
}

func (f *Fake) GroupParticipants(ctx context.Context, groupJID string) ([]transport.Participant, error) {
	return f.GroupMembers[groupJID], nil
}

func (f *Fake) ResolveLIDs(ctx context.Context, lids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(lids) > 50 {
		return nil, fmt.Errorf("resolve batch too large: %d", len(lids))
	}
	f.ResolveLIDCalls = append(f.ResolveLIDCalls, lids)
	out := make(map[string]string)
	for _, lid := range lids {
		if phone, ok := f.LIDDirectory[lid]; ok {
			out[lid] = phone
		}
	}
	return out, nil
}

// Sent returns a copy of the outbound messages recorded so far.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Presences returns the presence updates sent so far.
func (f *Fake) Presences() []transport.PresenceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.PresenceState(nil), f.presences...)
}

// ReadMarks returns the message ids marked read so far.
func (f *Fake) ReadMarks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.readMarks...)
}

// Connected reports whether Connect has been called without a
// subsequent Close.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// EmitQR pushes a pairing payload through the OnQR hook.
func (f *Fake) EmitQR(payload string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnQR != nil {
		h.OnQR(payload)
	}
}

// EmitPaired marks the fake authenticated and fires OnConnected.
func (f *Fake) EmitPaired(phone string) {
	f.mu.Lock()
	f.authenticated = true
	f.phone = phone
	h := f.handlers
	f.mu.Unlock()
	if h.OnConnected != nil {
		h.OnConnected(phone)
	}
}

// EmitDisconnect fires OnDisconnected with the given reason.
func (f *Fake) EmitDisconnect(reason transport.CloseReason) {
	f.mu.Lock()
	f.connected = false
	f.authenticated = false
	h := f.handlers
	f.mu.Unlock()
	if h.OnDisconnected != nil {
		h.OnDisconnected(reason)
	}
}

// EmitMessage pushes an inbound message event through OnMessage.
func (f *Fake) EmitMessage(ev transport.MessageEvent) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(ev)
	}
}

// Dialer hands out Fakes and remembers them by session id.
type Dialer struct {
	mu    sync.Mutex
	fakes map[string]*Fake

	// DialErr, when set, fails every Dial.
	DialErr error
	// ConnectErr, when set, is copied onto every dialed fake so its
	// Connect fails.
	ConnectErr error
	// AutoAuth, when set, makes dialed fakes report authenticated with
	// this phone immediately (simulating stored credentials).
	AutoAuth string
}

// NewDialer creates an empty fake dialer.
func NewDialer() *Dialer {
	return &Dialer{fakes: make(map[string]*Fake)}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, sessionID, credsDir string, h transport.Handlers) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	f := &Fake{
		SessionID:    sessionID,
		CredsDir:     credsDir,
		handlers:     h,
		ConnectErr:   d.ConnectErr,
		GroupMembers: make(map[string][]transport.Participant),
		LIDDirectory: make(map[string]string),
	}
	if d.AutoAuth != "" {
		f.authenticated = true
		f.phone = d.AutoAuth
	}
	d.fakes[sessionID] = f
	return f, nil
}

// Fake returns the most recently dialed fake for a session.
func (d *Dialer) Fake(sessionID string) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fakes[sessionID]
}
