// Package inbound turns raw transport message events into durable
// state: the message ledger, the contact book, group membership, the
// conversation transcript, and the live message:incoming fan-out. It
// is also the point where auto-reply is (or is not) kicked off.
package inbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/identity"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
)

// Freshness windows. Live notifications older than notifyWindow are
// stale replays; history-sync appends get a wider allowance.
const (
	notifyWindow = 5 * time.Minute
	appendWindow = 30 * time.Minute
)

// Store is the slice of the persistence gateway the dispatcher needs.
type Store interface {
	SessionByID(ctx context.Context, sessionID string) (*store.Session, error)
	MessageExists(ctx context.Context, messageID string) (bool, error)
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
	UpsertContact(ctx context.Context, c *store.Contact) error
	UpsertGroup(ctx context.Context, g *store.Group) (int64, error)
	UpsertGroupMember(ctx context.Context, m *store.GroupMember) error
	UpsertConversation(ctx context.Context, sessionID, phone, pushName string, at time.Time) (*store.Conversation, error)
	AddConversationMessage(ctx context.Context, conversationID int64, direction store.Direction, content string) error
}

// Transports exposes the live transport handles. *session.Manager
// satisfies it.
type Transports interface {
	Get(sessionID string) transport.Transport
	IsConnected(sessionID string) bool
}

// Publisher is the live event sink.
type Publisher interface {
	Publish(ev events.Event, keys ...string)
}

// Replier handles a persisted inbound message that qualifies for an
// automatic answer. Implementations run in their own goroutine.
type Replier interface {
	Reply(ctx context.Context, sess *store.Session, msg *store.Message)
}

// Dispatcher routes inbound message events through the persistence
// pipeline.
type Dispatcher struct {
	store      Store
	transports Transports
	hub        Publisher
	clock      gateway.Clock
	rng        gateway.RNG
	replier    Replier
	logger     *slog.Logger
}

// New creates a dispatcher. replier may be nil to disable auto-reply
// entirely.
func New(st Store, transports Transports, hub Publisher, clock gateway.Clock, rng gateway.RNG, replier Replier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      st,
		transports: transports,
		hub:        hub,
		clock:      clock,
		rng:        rng,
		replier:    replier,
		logger:     logger,
	}
}

// Handle processes one inbound event. Safe to call from the transport
// callback goroutine; the pipeline itself is synchronous except for
// the detached read mark and auto-reply.
func (d *Dispatcher) Handle(sessionID string, ev transport.MessageEvent) {
	ctx := context.Background()

	if ev.FromMe {
		return
	}
	if !d.fresh(ev) {
		d.logger.Debug("stale message dropped",
			"session_id", sessionID,
			"message_id", ev.ID,
			"age", d.clock.Now().Sub(ev.Timestamp),
		)
		return
	}
	if !d.transports.IsConnected(sessionID) {
		d.logger.Debug("message for unconnected session dropped",
			"session_id", sessionID,
			"message_id", ev.ID,
		)
		return
	}

	sess, err := d.store.SessionByID(ctx, sessionID)
	if err != nil {
		d.logger.Warn("inbound for unknown session",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	isGroup := identity.IsGroupJID(ev.RemoteJID)
	senderJID := ev.RemoteJID
	if isGroup {
		senderJID = ev.Participant
	}
	sender, ok := identity.FromJID(senderJID)
	if !ok {
		d.logger.Debug("message without a sender identity dropped",
			"session_id", sessionID,
			"remote_jid", ev.RemoteJID,
		)
		return
	}
	from := sender.String()

	exists, err := d.store.MessageExists(ctx, ev.ID)
	if err != nil {
		d.logger.Error("dedup check failed", "message_id", ev.ID, "error", err)
		return
	}
	if exists {
		return
	}

	msg := &store.Message{
		MessageID:   ev.ID,
		SessionID:   sessionID,
		Direction:   store.DirectionIncoming,
		Type:        messageType(ev.Type),
		FromNumber:  from,
		ToNumber:    sess.PhoneNumber,
		PushName:    ev.PushName,
		Content:     ev.Text,
		MediaMeta:   ev.Media,
		Status:      store.MsgDelivered,
		DeliveredAt: &ev.Timestamp,
	}
	if isGroup {
		if msg.MediaMeta == nil {
			msg.MediaMeta = map[string]any{}
		}
		msg.MediaMeta["groupJid"] = ev.RemoteJID
	}
	if err := d.persistWithRetry(ctx, msg); err != nil {
		d.logger.Error("inbound message lost, persistence failed twice",
			"session_id", sessionID,
			"message_id", ev.ID,
			"error", err,
		)
		return
	}

	if sess.Settings.SaveContacts() && sender.Kind == identity.KindPhone {
		c := &store.Contact{
			UserID:        sess.UserID,
			SessionID:     sessionID,
			Phone:         sender.Phone,
			PushName:      ev.PushName,
			LastMessageAt: &ev.Timestamp,
		}
		if err := d.store.UpsertContact(ctx, c); err != nil {
			d.logger.Warn("contact auto-save failed", "phone", sender.Phone, "error", err)
		}
	}

	if isGroup {
		d.captureGroupMember(ctx, sess, ev, sender)
	}

	// markRead sleeps a human-scale pause; run it detached so the
	// transport callback goroutine keeps draining notifications.
	go d.markRead(context.Background(), sessionID, ev)

	conv, err := d.store.UpsertConversation(ctx, sessionID, from, ev.PushName, ev.Timestamp)
	if err != nil {
		d.logger.Warn("conversation upsert failed", "session_id", sessionID, "error", err)
	} else if ev.Text != "" {
		if err := d.store.AddConversationMessage(ctx, conv.ID, store.DirectionIncoming, ev.Text); err != nil {
			d.logger.Warn("transcript append failed", "conversation_id", conv.ID, "error", err)
		}
	}

	d.hub.Publish(events.Event{
		Type:      events.TypeMessageIncoming,
		SessionID: sessionID,
		UserID:    sess.UserID,
		Payload: map[string]any{
			"messageId": ev.ID,
			"from":      from,
			"pushName":  ev.PushName,
			"type":      string(msg.Type),
			"content":   ev.Text,
			"isGroup":   isGroup,
			"timestamp": ev.Timestamp,
		},
	}, events.UserKey(sess.UserID), events.SessionKey(sessionID))

	if d.shouldAutoReply(sess, conv, ev, isGroup) {
		go d.replier.Reply(context.Background(), sess, msg)
	}
}

// fresh applies the per-kind staleness windows.
func (d *Dispatcher) fresh(ev transport.MessageEvent) bool {
	window := notifyWindow
	if ev.Kind == transport.EventAppend {
		window = appendWindow
	}
	return d.clock.Now().Sub(ev.Timestamp) <= window
}

// persistWithRetry inserts the message, retrying once on a transient
// database failure.
func (d *Dispatcher) persistWithRetry(ctx context.Context, msg *store.Message) error {
	_, err := d.store.InsertMessage(ctx, msg)
	if err == nil {
		return nil
	}
	d.logger.Warn("message insert failed, retrying once",
		"message_id", msg.MessageID,
		"error", err,
	)
	_, err = d.store.InsertMessage(ctx, msg)
	return err
}

// captureGroupMember records the group and the sender's membership.
func (d *Dispatcher) captureGroupMember(ctx context.Context, sess *store.Session, ev transport.MessageEvent, sender identity.Identity) {
	groupID, err := d.store.UpsertGroup(ctx, &store.Group{
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		GroupJID:  ev.RemoteJID,
	})
	if err != nil {
		d.logger.Warn("group upsert failed", "group_jid", ev.RemoteJID, "error", err)
		return
	}
	member := &store.GroupMember{
		GroupID:        groupID,
		ParticipantJID: ev.Participant,
		PushName:       ev.PushName,
		IsLID:          sender.Kind == identity.KindLID,
	}
	if sender.Kind == identity.KindPhone {
		member.Phone = sender.Phone
	}
	if err := d.store.UpsertGroupMember(ctx, member); err != nil {
		d.logger.Warn("group member upsert failed", "group_jid", ev.RemoteJID, "error", err)
	}
}

// markRead acknowledges the message after a human-scale pause scaled
// to the message length.
func (d *Dispatcher) markRead(ctx context.Context, sessionID string, ev transport.MessageEvent) {
	tr := d.transports.Get(sessionID)
	if tr == nil {
		return
	}
	if err := d.clock.Sleep(ctx, gateway.ReadMarkDelay(len(ev.Text), d.rng)); err != nil {
		return
	}
	if err := tr.MarkRead(ctx, ev.RemoteJID, ev.ID); err != nil {
		d.logger.Debug("read mark failed", "message_id", ev.ID, "error", err)
	}
}

// shouldAutoReply gates the automatic answer: direct text messages
// only, fresh notifications only, session opt-in honored, and a thread
// claimed by a human agent is never answered by the machine.
func (d *Dispatcher) shouldAutoReply(sess *store.Session, conv *store.Conversation, ev transport.MessageEvent, isGroup bool) bool {
	if d.replier == nil || isGroup {
		return false
	}
	if ev.Kind != transport.EventNotify {
		return false
	}
	if ev.Text == "" {
		return false
	}
	if !sess.Settings.AutoReply() {
		return false
	}
	if conv != nil && conv.HumanAgentID != nil {
		return false
	}
	return true
}

// messageType maps the transport's content label onto the persisted
// enumeration.
func messageType(t string) store.MessageType {
	switch store.MessageType(t) {
	case store.TypeText, store.TypeImage, store.TypeVideo, store.TypeAudio,
		store.TypeDocument, store.TypeSticker, store.TypeLocation, store.TypeContact:
		return store.MessageType(t)
	case "":
		return store.TypeText
	default:
		return store.TypeOther
	}
}
