// Package session owns the per-session transports: pairing, the
// connection state machine, resilient reconnection, and the send
// primitives every other engine goes through.
//
// The manager is the only component that holds live transport handles.
// Persistence is reached through the narrow SessionStore interface and
// every durable state change lands before the matching live event is
// published, so an observer that polls after an event always sees
// consistent status.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
)

// SessionStore is the slice of the persistence gateway the manager
// needs. *store.Store satisfies it.
type SessionStore interface {
	SessionByID(ctx context.Context, sessionID string) (*store.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error
	SetSessionPhone(ctx context.Context, sessionID, phone string) error
	SetSessionQR(ctx context.Context, sessionID, qr string, expiresAt time.Time) error
	ClearSessionQR(ctx context.Context, sessionID string) error
}

// Publisher is the live event sink. *events.Hub satisfies it.
type Publisher interface {
	Publish(ev events.Event, keys ...string)
}

// Config shapes pairing and reconnection behavior.
type Config struct {
	// StoragePath is the root of per-session credential directories.
	StoragePath string
	// QRTTL is how long an issued QR payload stays valid.
	QRTTL time.Duration
	// ReconnectBase / ReconnectMax bound the exponential backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxAttempts is the quick-retry budget before the long cool-off.
	MaxAttempts int
	// Cooloff is the long pause after the quick retries are exhausted;
	// afterwards the attempt counter resets and retrying resumes.
	Cooloff time.Duration
	// ConnectTimeout bounds each transport connect call.
	ConnectTimeout time.Duration
}

// MessageHandler receives inbound message events; the inbound
// dispatcher registers itself here.
type MessageHandler func(sessionID string, ev transport.MessageEvent)

// Manager drives the session lifecycle.
type Manager struct {
	dialer   transport.Dialer
	sessions SessionStore
	hub      Publisher
	clock    gateway.Clock
	logger   *slog.Logger
	cfg      Config

	onMessage MessageHandler

	mu      sync.Mutex
	handles map[string]*handle
}

// handle is the live state for one session.
type handle struct {
	sessionID string
	userID    int64
	tr        transport.Transport

	// manual marks a user-initiated disconnect; the reconnect loop
	// checks it before every attempt.
	manual bool
	// attempts counts quick reconnect tries since the last success.
	attempts int
	// cancel aborts the reconnect loop.
	cancel context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(dialer transport.Dialer, sessions SessionStore, hub Publisher, clock gateway.Clock, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		sessions: sessions,
		hub:      hub,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		handles:  make(map[string]*handle),
	}
}

// OnMessage registers the inbound message hook. Must be called before
// the first Create.
func (m *Manager) OnMessage(fn MessageHandler) {
	m.onMessage = fn
}

// CredentialsDir returns the on-disk credential directory for a
// session.
func (m *Manager) CredentialsDir(sessionID string) string {
	return filepath.Join(m.cfg.StoragePath, sessionID)
}

// Create opens a transport for the session. Idempotent: if a live
// handle already exists it returns without side effects. Pairing
// completes asynchronously, so a pending QR is not an error.
func (m *Manager) Create(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.handles[sessionID]; ok {
		m.mu.Unlock()
		return nil
	}
	h := &handle{sessionID: sessionID, userID: sess.UserID}
	m.handles[sessionID] = h
	m.mu.Unlock()

	credsDir := m.CredentialsDir(sessionID)
	if err := os.MkdirAll(credsDir, 0o700); err != nil {
		m.dropHandle(sessionID)
		return fmt.Errorf("create credentials dir: %w", err)
	}

	if err := m.dial(ctx, h, credsDir); err != nil {
		m.dropHandle(sessionID)
		return err
	}

	m.logger.Info("session transport opened",
		"session_id", sessionID,
		"user_id", sess.UserID,
	)
	return nil
}

// dial opens a transport into h and connects it.
func (m *Manager) dial(ctx context.Context, h *handle, credsDir string) error {
	sessionID := h.sessionID
	handlers := transport.Handlers{
		OnQR: func(payload string) { m.handleQR(sessionID, payload) },
		OnConnected: func(phone string) { m.handleConnected(sessionID, phone) },
		OnDisconnected: func(reason transport.CloseReason) {
			m.handleDisconnected(sessionID, reason)
		},
		OnMessage: func(ev transport.MessageEvent) {
			if m.onMessage != nil {
				m.onMessage(sessionID, ev)
			}
		},
	}

	tr, err := m.dialer.Dial(ctx, sessionID, credsDir, handlers)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}

	connectCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := tr.Connect(connectCtx); err != nil {
		// The dialed transport is live (the bridge dialer has already
		// started its subprocess); close it or every failed attempt
		// leaks one.
		if cerr := tr.Close(); cerr != nil {
			m.logger.Warn("close after failed connect", "session_id", sessionID, "error", cerr)
		}
		return fmt.Errorf("connect transport: %w: %w", err, gateway.ErrTransientTransport)
	}

	m.mu.Lock()
	h.tr = tr
	m.mu.Unlock()
	return nil
}

// Get returns the live transport for a session, or nil.
func (m *Manager) Get(sessionID string) transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[sessionID]; ok {
		return h.tr
	}
	return nil
}

// IsActive reports whether a transport exists for the session.
func (m *Manager) IsActive(sessionID string) bool {
	return m.Get(sessionID) != nil
}

// IsConnected reports whether the session's transport has completed
// authentication.
func (m *Manager) IsConnected(sessionID string) bool {
	tr := m.Get(sessionID)
	return tr != nil && tr.Authenticated()
}

// Send delivers a text through the session's transport. Callers must
// run the rate-limit check first. Transport errors are surfaced
// unchanged; retrying is the caller's decision.
func (m *Manager) Send(ctx context.Context, sessionID, toJID, body string) (transport.SendReceipt, error) {
	tr := m.Get(sessionID)
	if tr == nil || !tr.Authenticated() {
		return transport.SendReceipt{}, fmt.Errorf("session %s not connected: %w", sessionID, gateway.ErrPrecondition)
	}
	return tr.SendText(ctx, toJID, body)
}

// Disconnect closes the session's transport gracefully, keeping the
// on-disk credentials so a later Create reconnects without pairing.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	h := m.takeHandle(sessionID, true)
	if h == nil {
		return nil
	}
	if h.tr != nil {
		if err := h.tr.Close(); err != nil {
			m.logger.Warn("transport close failed", "session_id", sessionID, "error", err)
		}
	}

	if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusDisconnected); err != nil {
		m.logger.Error("persist disconnect failed", "session_id", sessionID, "error", err)
	}
	m.publish(events.Event{
		Type:      events.TypeSessionDisco,
		SessionID: sessionID,
		UserID:    h.userID,
		Payload:   map[string]any{"manual": true},
	}, h.userID, sessionID)
	return nil
}

// Logout disconnects and additionally destroys the on-disk credentials
// and any cached QR, forcing a fresh pairing next time.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	h := m.takeHandle(sessionID, true)
	if h != nil && h.tr != nil {
		if err := h.tr.Logout(ctx); err != nil {
			m.logger.Warn("transport logout failed", "session_id", sessionID, "error", err)
		}
	}

	if err := m.PurgeCredentials(sessionID); err != nil {
		m.logger.Warn("credential purge failed", "session_id", sessionID, "error", err)
	}
	if err := m.sessions.ClearSessionQR(ctx, sessionID); err != nil {
		m.logger.Warn("qr clear failed", "session_id", sessionID, "error", err)
	}
	if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusDisconnected); err != nil {
		m.logger.Error("persist logout failed", "session_id", sessionID, "error", err)
	}
	if h != nil {
		m.publish(events.Event{
			Type:      events.TypeSessionDisco,
			SessionID: sessionID,
			UserID:    h.userID,
			Payload:   map[string]any{"manual": true, "loggedOut": true},
		}, h.userID, sessionID)
	}
	return nil
}

// PurgeCredentials removes the session's credential directory.
func (m *Manager) PurgeCredentials(sessionID string) error {
	dir := m.CredentialsDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

// Shutdown closes every live transport without marking sessions
// manually disconnected, so they reconnect on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		h.manual = true
		if h.cancel != nil {
			h.cancel()
		}
		handles = append(handles, h)
	}
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		if h.tr != nil {
			_ = h.tr.Close()
		}
	}
}

// handleQR persists and publishes a fresh pairing payload.
func (m *Manager) handleQR(sessionID, payload string) {
	ctx := context.Background()

	img, err := encodeQRDataURI(payload)
	if err != nil {
		m.logger.Error("qr encode failed", "session_id", sessionID, "error", err)
		return
	}
	expiresAt := m.clock.Now().Add(m.cfg.QRTTL)

	// Row first, event second: a poller that reacts to the event must
	// see the fresh payload.
	if err := m.sessions.SetSessionQR(ctx, sessionID, img, expiresAt); err != nil {
		m.logger.Error("qr persist failed", "session_id", sessionID, "error", err)
	}
	if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusQRPending); err != nil {
		m.logger.Error("qr status persist failed", "session_id", sessionID, "error", err)
	}

	userID := m.userIDFor(sessionID)
	m.publish(events.Event{
		Type:      events.TypeSessionQR,
		SessionID: sessionID,
		UserID:    userID,
		Payload: map[string]any{
			"qrCode":    img,
			"expiresAt": expiresAt,
		},
	}, userID, sessionID)

	m.logger.Info("session qr issued", "session_id", sessionID, "expires_at", expiresAt)
}

// handleConnected records a completed pairing or login.
func (m *Manager) handleConnected(sessionID, phone string) {
	ctx := context.Background()

	m.mu.Lock()
	if h, ok := m.handles[sessionID]; ok {
		h.attempts = 0
	}
	m.mu.Unlock()

	if err := m.sessions.SetSessionPhone(ctx, sessionID, phone); err != nil {
		m.logger.Error("phone persist failed", "session_id", sessionID, "error", err)
	}
	if err := m.sessions.ClearSessionQR(ctx, sessionID); err != nil {
		m.logger.Warn("qr clear failed", "session_id", sessionID, "error", err)
	}
	if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusConnected); err != nil {
		m.logger.Error("connected status persist failed", "session_id", sessionID, "error", err)
	}

	userID := m.userIDFor(sessionID)
	m.publish(events.Event{
		Type:      events.TypeSessionConnected,
		SessionID: sessionID,
		UserID:    userID,
		Payload:   map[string]any{"phoneNumber": phone},
	}, userID, sessionID)

	m.logger.Info("session connected", "session_id", sessionID, "phone", phone)
}

// handleDisconnected classifies a closure and either fails the session
// for good or schedules reconnection.
func (m *Manager) handleDisconnected(sessionID string, reason transport.CloseReason) {
	ctx := context.Background()

	m.mu.Lock()
	h, ok := m.handles[sessionID]
	manual := ok && h.manual
	m.mu.Unlock()

	if !ok || manual {
		// Manual disconnects already persisted and published.
		return
	}

	if reason.Class == transport.CloseFatal {
		m.logger.Warn("session closed fatally",
			"session_id", sessionID,
			"code", reason.Code,
			"tag", reason.Tag,
		)
		if err := m.PurgeCredentials(sessionID); err != nil {
			m.logger.Warn("credential purge failed", "session_id", sessionID, "error", err)
		}
		if err := m.sessions.ClearSessionQR(ctx, sessionID); err != nil {
			m.logger.Warn("qr clear failed", "session_id", sessionID, "error", err)
		}
		if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusFailed); err != nil {
			m.logger.Error("failed status persist failed", "session_id", sessionID, "error", err)
		}
		m.dropHandle(sessionID)
		m.publish(events.Event{
			Type:      events.TypeSessionFailed,
			SessionID: sessionID,
			UserID:    h.userID,
			Payload:   map[string]any{"reason": reason.Friendly()},
		}, h.userID, sessionID)
		return
	}

	m.logger.Info("session closed, will reconnect",
		"session_id", sessionID,
		"code", reason.Code,
		"tag", reason.Tag,
	)
	if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusDisconnected); err != nil {
		m.logger.Error("disconnect status persist failed", "session_id", sessionID, "error", err)
	}
	m.publish(events.Event{
		Type:      events.TypeSessionDisco,
		SessionID: sessionID,
		UserID:    h.userID,
		Payload:   map[string]any{"reason": reason.Friendly(), "reconnecting": true},
	}, h.userID, sessionID)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	m.mu.Unlock()

	go m.reconnectLoop(loopCtx, h)
}

// reconnectLoop retries the connection with exponential backoff. After
// MaxAttempts quick tries it takes the long cool-off, resets the
// counter, and resumes — unless a manual disconnect intervened.
func (m *Manager) reconnectLoop(ctx context.Context, h *handle) {
	credsDir := m.CredentialsDir(h.sessionID)

	for {
		m.mu.Lock()
		if h.manual {
			m.mu.Unlock()
			return
		}
		h.attempts++
		attempt := h.attempts
		m.mu.Unlock()

		if attempt > m.cfg.MaxAttempts {
			m.logger.Warn("reconnect attempts exhausted, entering cool-off",
				"session_id", h.sessionID,
				"cooloff", m.cfg.Cooloff,
			)
			if err := m.clock.Sleep(ctx, m.cfg.Cooloff); err != nil {
				return
			}
			m.mu.Lock()
			h.attempts = 0
			m.mu.Unlock()
			continue
		}

		delay := gateway.ReconnectDelay(attempt, m.cfg.ReconnectBase, m.cfg.ReconnectMax)
		m.logger.Debug("reconnect scheduled",
			"session_id", h.sessionID,
			"attempt", attempt,
			"delay", delay,
		)
		if err := m.clock.Sleep(ctx, delay); err != nil {
			return
		}

		m.mu.Lock()
		if h.manual {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.sessions.UpdateSessionStatus(ctx, h.sessionID, store.StatusConnecting); err != nil {
			m.logger.Error("connecting status persist failed", "session_id", h.sessionID, "error", err)
		}

		if err := m.dial(ctx, h, credsDir); err != nil {
			m.logger.Warn("reconnect attempt failed",
				"session_id", h.sessionID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		m.logger.Info("session reconnected", "session_id", h.sessionID, "attempt", attempt)
		return
	}
}

// takeHandle removes and returns the handle, optionally marking it
// manually disconnected first.
func (m *Manager) takeHandle(sessionID string, manual bool) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	if !ok {
		return nil
	}
	if manual {
		h.manual = true
	}
	if h.cancel != nil {
		h.cancel()
	}
	delete(m.handles, sessionID)
	return h
}

func (m *Manager) dropHandle(sessionID string) {
	m.mu.Lock()
	delete(m.handles, sessionID)
	m.mu.Unlock()
}

func (m *Manager) userIDFor(sessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[sessionID]; ok {
		return h.userID
	}
	return 0
}

// publish fans an event out to the owning user's and the session's
// channels.
func (m *Manager) publish(ev events.Event, userID int64, sessionID string) {
	m.hub.Publish(ev, events.UserKey(userID), events.SessionKey(sessionID))
}
