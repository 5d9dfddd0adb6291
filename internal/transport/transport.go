// Package transport defines the contract with the third-party chat
// protocol client. The gateway never depends on the provider library
// directly; the session manager dials transports through a Dialer and
// receives events through the Handlers callbacks.
package transport

import (
	"context"
	"time"
)

// PresenceState is a chat presence update sent to a counterparty.
type PresenceState string

const (
	PresenceComposing PresenceState = "composing"
	PresencePaused    PresenceState = "paused"
)

// EventKind distinguishes live notifications from history appends
// during resync. The inbound dispatcher applies a stricter freshness
// window to live events.
type EventKind string

const (
	EventNotify EventKind = "notify"
	EventAppend EventKind = "append"
)

// MessageEvent is one raw inbound message from the transport.
type MessageEvent struct {
	ID          string // provider-assigned message id (idempotency key)
	RemoteJID   string // chat the message arrived in
	Participant string // sender JID inside group chats
	FromMe      bool
	PushName    string
	Timestamp   time.Time
	Kind        EventKind
	Type        string // text, image, video, audio, document, sticker, location, contact
	Text        string
	Media       map[string]any
}

// CloseClass partitions transport closures into recoverable and
// unrecoverable.
type CloseClass int

const (
	// CloseTransient closures (timeouts, dropped connections) drive
	// reconnection.
	CloseTransient CloseClass = iota
	// CloseFatal closures (logout, replaced session, auth rejection)
	// purge credentials and fail the session.
	CloseFatal
)

// CloseReason describes why a transport closed.
type CloseReason struct {
	Class       CloseClass
	Code        int    // provider status code when available (401, 403, 500, ...)
	Tag         string // provider reason tag (loggedOut, badSession, replaced, timedOut, connectionLost)
	Description string
}

// fatalTags are provider reason tags that end a session for good.
var fatalTags = map[string]bool{
	"loggedOut":           true,
	"badSession":          true,
	"replaced":            true,
	"multideviceMismatch": true,
}

// Classify derives the close class from a provider code and tag.
// Auth-class status codes and explicit logout tags are fatal;
// everything else is transient.
func Classify(code int, tag string) CloseClass {
	if fatalTags[tag] {
		return CloseFatal
	}
	switch code {
	case 401, 403, 440, 500:
		return CloseFatal
	}
	return CloseTransient
}

// Friendly maps a close reason to the user-facing text published in
// session:connection_failed events.
func (r CloseReason) Friendly() string {
	switch r.Tag {
	case "loggedOut":
		return "Logged out from phone. Scan the QR code to reconnect."
	case "badSession", "multideviceMismatch":
		return "Session is no longer valid. Scan the QR code to pair again."
	case "replaced":
		return "Session was opened on another device."
	}
	switch r.Code {
	case 401, 403:
		return "Authentication was rejected by the server."
	case 500:
		return "The server closed the session permanently."
	}
	if r.Description != "" {
		return r.Description
	}
	return "Connection closed."
}

// SendReceipt is the provider acknowledgment for an outbound message.
type SendReceipt struct {
	MessageID string
	Timestamp time.Time
}

// DirectoryContact is one entry from the transport's contact store.
type DirectoryContact struct {
	JID        string
	Phone      string
	Name       string
	PushName   string
	IsBusiness bool
}

// DirectoryChat is one entry from the transport's chat list.
type DirectoryChat struct {
	JID      string
	Name     string
	IsGroup  bool
	LastSeen time.Time
}

// GroupInfo describes one joined group.
type GroupInfo struct {
	JID              string
	Name             string
	Description      string
	OwnerJID         string
	ParticipantCount int
	IsAnnounce       bool
	IsLocked         bool
}

// Participant is one group member as reported by the transport.
type Participant struct {
	JID          string
	PushName     string
	IsAdmin      bool
	IsSuperAdmin bool
}

// Handlers are the inbound hooks a transport invokes. All callbacks
// are optional; the transport runs them on its own goroutine, so they
// must not block for long.
type Handlers struct {
	// OnQR delivers a fresh pairing payload. The transport re-emits a
	// new payload automatically when the previous one expires.
	OnQR func(payload string)
	// OnConnected fires once authentication completes; phone is the
	// paired number in normalized form.
	OnConnected func(phone string)
	// OnDisconnected fires when the underlying socket closes.
	OnDisconnected func(reason CloseReason)
	// OnMessage delivers inbound message events.
	OnMessage func(ev MessageEvent)
}

// Transport is one live attachment to the chat network. Instances are
// owned exclusively by the session manager.
type Transport interface {
	// Connect opens the socket. When no stored credentials exist the
	// transport starts QR pairing and completes asynchronously.
	Connect(ctx context.Context) error
	// Close tears the socket down without touching credentials.
	Close() error
	// Logout invalidates the pairing server-side and closes.
	Logout(ctx context.Context) error

	// Authenticated reports whether login has completed (the internal
	// user identity is populated).
	Authenticated() bool
	// SelfPhone returns the paired phone number, or "" before pairing.
	SelfPhone() string

	SendText(ctx context.Context, toJID, body string) (SendReceipt, error)
	SendImage(ctx context.Context, toJID, mediaURL, caption string) (SendReceipt, error)
	SendDocument(ctx context.Context, toJID, mediaURL, filename, mimetype string) (SendReceipt, error)
	SendPresence(ctx context.Context, toJID string, state PresenceState) error
	MarkRead(ctx context.Context, remoteJID, messageID string) error

	Contacts(ctx context.Context) ([]DirectoryContact, error)
	Chats(ctx context.Context) ([]DirectoryChat, error)
	Groups(ctx context.Context) ([]GroupInfo, error)
	GroupParticipants(ctx context.Context, groupJID string) ([]Participant, error)
	// ResolveLIDs maps Linked Identity identifiers to phone numbers.
	// The provider caps each query at 50 identifiers; unresolvable
	// entries are absent from the result map.
	ResolveLIDs(ctx context.Context, lids []string) (map[string]string, error)
}

// Dialer constructs transports. credsDir is the per-session on-disk
// credential directory; an empty directory starts fresh QR pairing.
type Dialer interface {
	Dial(ctx context.Context, sessionID, credsDir string, h Handlers) (Transport, error)
}
