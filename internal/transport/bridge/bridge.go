// Package bridge dials chat-network transports through an external
// helper process. One subprocess runs per session in JSON-RPC mode over
// stdio: the gateway writes requests to stdin and reads responses and
// push notifications (QR payloads, connection state, inbound messages)
// from stdout. Keeping the provider library in a separate process
// isolates its crashes and lets it be upgraded independently.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/wagate/internal/transport"
)

// Dialer launches one bridge subprocess per session.
type Dialer struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewDialer creates a Dialer that runs command with the given base
// arguments. Per-session flags (--session, --store) are appended at
// dial time.
func NewDialer(command string, args []string, logger *slog.Logger) *Dialer {
	if command == "" {
		command = "wagate-bridge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{command: command, args: args, logger: logger}
}

// Dial starts the subprocess for sessionID and returns a Transport
// bound to it. The process is running but not yet connected; call
// Connect on the returned transport.
func (d *Dialer) Dial(ctx context.Context, sessionID, credsDir string, h transport.Handlers) (transport.Transport, error) {
	logger := d.logger.With("session_id", sessionID)

	args := append(append([]string{}, d.args...),
		"--session", sessionID,
		"--store", credsDir,
		"jsonrpc",
	)

	t := &Transport{
		proc:     newProc(logger),
		handlers: h,
		logger:   logger,
	}
	if err := t.proc.start(ctx, d.command, args); err != nil {
		return nil, err
	}
	go t.dispatchLoop()
	return t, nil
}

// Transport is one live bridge attachment. Instances are owned
// exclusively by the session manager.
type Transport struct {
	proc     *proc
	handlers transport.Handlers
	logger   *slog.Logger

	mu            sync.Mutex
	authenticated bool
	phone         string
}

// Connect asks the bridge to open the socket. When stored credentials
// exist the result carries the restored phone; otherwise the bridge
// starts QR pairing and completes asynchronously via notifications.
func (t *Transport) Connect(ctx context.Context) error {
	raw, err := t.proc.call(ctx, "connect", nil)
	if err != nil {
		return fmt.Errorf("bridge connect: %w", err)
	}
	var res connectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("unmarshal connect result: %w", err)
	}
	if res.Phone != "" {
		t.setAuthenticated(res.Phone)
	}
	return nil
}

// Close tears the subprocess down without touching credentials.
func (t *Transport) Close() error {
	return t.proc.stop()
}

// Logout invalidates the pairing server-side, then closes.
func (t *Transport) Logout(ctx context.Context) error {
	if _, err := t.proc.call(ctx, "logout", nil); err != nil {
		// Close anyway; the caller purges local credentials regardless.
		t.proc.stop()
		return fmt.Errorf("bridge logout: %w", err)
	}
	return t.proc.stop()
}

// Authenticated reports whether login has completed.
func (t *Transport) Authenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated
}

// SelfPhone returns the paired phone number, or "" before pairing.
func (t *Transport) SelfPhone() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phone
}

func (t *Transport) setAuthenticated(phone string) {
	t.mu.Lock()
	t.authenticated = true
	if phone != "" {
		t.phone = phone
	}
	t.mu.Unlock()
}

func (t *Transport) SendText(ctx context.Context, toJID, body string) (transport.SendReceipt, error) {
	return t.send(ctx, "sendText", map[string]any{"to": toJID, "body": body})
}

func (t *Transport) SendImage(ctx context.Context, toJID, mediaURL, caption string) (transport.SendReceipt, error) {
	return t.send(ctx, "sendImage", map[string]any{"to": toJID, "url": mediaURL, "caption": caption})
}

func (t *Transport) SendDocument(ctx context.Context, toJID, mediaURL, filename, mimetype string) (transport.SendReceipt, error) {
	return t.send(ctx, "sendDocument", map[string]any{
		"to":       toJID,
		"url":      mediaURL,
		"filename": filename,
		"mimetype": mimetype,
	})
}

func (t *Transport) send(ctx context.Context, method string, params map[string]any) (transport.SendReceipt, error) {
	raw, err := t.proc.call(ctx, method, params)
	if err != nil {
		return transport.SendReceipt{}, fmt.Errorf("bridge %s: %w", method, err)
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return transport.SendReceipt{}, fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return transport.SendReceipt{
		MessageID: res.ID,
		Timestamp: time.UnixMilli(res.Timestamp),
	}, nil
}

func (t *Transport) SendPresence(ctx context.Context, toJID string, state transport.PresenceState) error {
	_, err := t.proc.call(ctx, "sendPresence", map[string]any{"to": toJID, "state": string(state)})
	if err != nil {
		return fmt.Errorf("bridge sendPresence: %w", err)
	}
	return nil
}

func (t *Transport) MarkRead(ctx context.Context, remoteJID, messageID string) error {
	_, err := t.proc.call(ctx, "markRead", map[string]any{"chat": remoteJID, "id": messageID})
	if err != nil {
		return fmt.Errorf("bridge markRead: %w", err)
	}
	return nil
}

func (t *Transport) Contacts(ctx context.Context) ([]transport.DirectoryContact, error) {
	raw, err := t.proc.call(ctx, "contacts", nil)
	if err != nil {
		return nil, fmt.Errorf("bridge contacts: %w", err)
	}
	var rows []wireContact
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal contacts: %w", err)
	}
	out := make([]transport.DirectoryContact, 0, len(rows))
	for _, r := range rows {
		out = append(out, transport.DirectoryContact{
			JID:        r.JID,
			Phone:      r.Phone,
			Name:       r.Name,
			PushName:   r.PushName,
			IsBusiness: r.IsBusiness,
		})
	}
	return out, nil
}

func (t *Transport) Chats(ctx context.Context) ([]transport.DirectoryChat, error) {
	raw, err := t.proc.call(ctx, "chats", nil)
	if err != nil {
		return nil, fmt.Errorf("bridge chats: %w", err)
	}
	var rows []wireChat
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal chats: %w", err)
	}
	out := make([]transport.DirectoryChat, 0, len(rows))
	for _, r := range rows {
		c := transport.DirectoryChat{JID: r.JID, Name: r.Name, IsGroup: r.IsGroup}
		if r.LastSeen != 0 {
			c.LastSeen = time.UnixMilli(r.LastSeen)
		}
		out = append(out, c)
	}
	return out, nil
}

func (t *Transport) Groups(ctx context.Context) ([]transport.GroupInfo, error) {
	raw, err := t.proc.call(ctx, "groups", nil)
	if err != nil {
		return nil, fmt.Errorf("bridge groups: %w", err)
	}
	var rows []wireGroup
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal groups: %w", err)
	}
	out := make([]transport.GroupInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, transport.GroupInfo{
			JID:              r.JID,
			Name:             r.Name,
			Description:      r.Description,
			OwnerJID:         r.OwnerJID,
			ParticipantCount: r.ParticipantCount,
			IsAnnounce:       r.IsAnnounce,
			IsLocked:         r.IsLocked,
		})
	}
	return out, nil
}

func (t *Transport) GroupParticipants(ctx context.Context, groupJID string) ([]transport.Participant, error) {
	raw, err := t.proc.call(ctx, "groupParticipants", map[string]any{"group": groupJID})
	if err != nil {
		return nil, fmt.Errorf("bridge groupParticipants: %w", err)
	}
	var rows []wireParticipant
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal groupParticipants: %w", err)
	}
	out := make([]transport.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, transport.Participant{
			JID:          r.JID,
			PushName:     r.PushName,
			IsAdmin:      r.IsAdmin,
			IsSuperAdmin: r.IsSuperAdmin,
		})
	}
	return out, nil
}

func (t *Transport) ResolveLIDs(ctx context.Context, lids []string) (map[string]string, error) {
	raw, err := t.proc.call(ctx, "resolveLids", map[string]any{"lids": lids})
	if err != nil {
		return nil, fmt.Errorf("bridge resolveLids: %w", err)
	}
	var res resolveResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal resolveLids: %w", err)
	}
	return res.Mappings, nil
}

// dispatchLoop drains bridge notifications and invokes the session
// manager's handlers. Running outside readLoop keeps RPC responses
// flowing even while a handler calls back into the bridge.
func (t *Transport) dispatchLoop() {
	for raw := range t.proc.notifs {
		switch raw.Method {
		case "qr":
			var n qrNotification
			if err := json.Unmarshal(raw.Params, &n); err != nil {
				t.logger.Warn("malformed qr notification", "error", err)
				continue
			}
			if t.handlers.OnQR != nil {
				t.handlers.OnQR(n.Payload)
			}

		case "connected":
			var n connectedNotification
			if err := json.Unmarshal(raw.Params, &n); err != nil {
				t.logger.Warn("malformed connected notification", "error", err)
				continue
			}
			t.setAuthenticated(n.Phone)
			if t.handlers.OnConnected != nil {
				t.handlers.OnConnected(n.Phone)
			}

		case "disconnected":
			var n disconnectedNotification
			if err := json.Unmarshal(raw.Params, &n); err != nil {
				t.logger.Warn("malformed disconnected notification", "error", err)
				continue
			}
			t.mu.Lock()
			t.authenticated = false
			t.mu.Unlock()
			if t.handlers.OnDisconnected != nil {
				t.handlers.OnDisconnected(transport.CloseReason{
					Class:       transport.Classify(n.Code, n.Tag),
					Code:        n.Code,
					Tag:         n.Tag,
					Description: n.Description,
				})
			}

		case "message":
			var n messageNotification
			if err := json.Unmarshal(raw.Params, &n); err != nil {
				t.logger.Warn("malformed message notification", "error", err)
				continue
			}
			if t.handlers.OnMessage != nil {
				t.handlers.OnMessage(toMessageEvent(n))
			}

		default:
			t.logger.Debug("unknown bridge notification", "method", raw.Method)
		}
	}
}

func toMessageEvent(n messageNotification) transport.MessageEvent {
	kind := transport.EventNotify
	if n.Kind == string(transport.EventAppend) {
		kind = transport.EventAppend
	}
	ev := transport.MessageEvent{
		ID:          n.ID,
		RemoteJID:   n.Chat,
		Participant: n.Participant,
		FromMe:      n.FromMe,
		PushName:    n.PushName,
		Timestamp:   time.UnixMilli(n.Timestamp),
		Kind:        kind,
		Type:        n.Type,
		Text:        n.Text,
	}
	if len(n.Media) > 0 {
		var media map[string]any
		if err := json.Unmarshal(n.Media, &media); err == nil {
			ev.Media = media
		}
	}
	return ev
}
