// Package webhook mirrors live gateway events to per-session webhook
// endpoints. A session that carries a webhook_url receives every event
// published for it as a JSON POST; sessions without one cost nothing.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/httpkit"
	"github.com/nugget/wagate/internal/store"
)

// Store is the slice of the persistence gateway the notifier needs.
type Store interface {
	SessionByID(ctx context.Context, sessionID string) (*store.Session, error)
}

// queueDepth bounds the delivery backlog. Hub taps run synchronously
// inside Publish, so enqueue must never block; a full queue drops the
// event instead.
const queueDepth = 256

// deliverTimeout caps one POST including retries.
const deliverTimeout = 30 * time.Second

// Notifier receives hub events via a tap and delivers them to session
// webhook URLs from a single worker goroutine.
type Notifier struct {
	store  Store
	client *http.Client
	logger *slog.Logger

	queue chan events.Event

	mu      sync.Mutex
	done    chan struct{}
	started bool
}

// New creates a notifier. Call Attach to register it on the hub and
// start the delivery worker.
func New(st Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store: st,
		client: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
		queue:  make(chan events.Event, queueDepth),
		done:   make(chan struct{}),
	}
}

// Attach registers the notifier as a hub tap and starts the worker.
// The worker runs until ctx is cancelled.
func (n *Notifier) Attach(ctx context.Context, hub *events.Hub) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	hub.Tap(n.enqueue)
	go n.worker(ctx)
}

// Wait blocks until the worker has drained and exited.
func (n *Notifier) Wait() {
	<-n.done
}

func (n *Notifier) enqueue(ev events.Event) {
	if ev.SessionID == "" {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("webhook queue full, dropping event",
			"type", ev.Type,
			"session_id", ev.SessionID,
		)
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev events.Event) {
	sess, err := n.store.SessionByID(ctx, ev.SessionID)
	if err != nil {
		n.logger.Debug("webhook session lookup failed",
			"session_id", ev.SessionID, "error", err)
		return
	}
	if sess.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"type", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sess.WebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed",
			"url", sess.WebhookURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", ev.Type)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			"session_id", ev.SessionID,
			"type", ev.Type,
			"error", err,
		)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook endpoint rejected event",
			"session_id", ev.SessionID,
			"type", ev.Type,
			"status", resp.StatusCode,
		)
		return
	}
	n.logger.Debug("webhook delivered",
		"session_id", ev.SessionID, "type", ev.Type)
}
