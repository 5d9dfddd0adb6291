// Package autoreply decides how to answer an inbound message (static
// rules first, then the shipping-cost command, then AI fallback) and
// owns the paced outbound send path every automatic and manual text
// goes through: rate-limit admission, adaptive delay, and the typing
// simulation that keeps sessions looking human.
package autoreply

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wagate/internal/ai"
	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/identity"
	"github.com/nugget/wagate/internal/ratelimit"
	"github.com/nugget/wagate/internal/shipping"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport"
)

// historyWindow is how many prior messages feed the AI context.
const historyWindow = 10

// Store is the slice of the persistence gateway the engine needs.
type Store interface {
	ActiveRules(ctx context.Context, sessionID string) ([]*store.Rule, error)
	ConversationHistory(ctx context.Context, sessionID, phone string, limit int) ([]*store.Message, error)
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
	FailMessage(ctx context.Context, messageID, reason string) error
	AdvanceMessageStatus(ctx context.Context, messageID string, status store.MessageStatus, at time.Time) error
	UpsertConversation(ctx context.Context, sessionID, phone, pushName string, at time.Time) (*store.Conversation, error)
	AddConversationMessage(ctx context.Context, conversationID int64, direction store.Direction, content string) error
}

// Transports exposes the live transport handles.
type Transports interface {
	Get(sessionID string) transport.Transport
}

// Limiter is the adaptive rate limiter. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Check(ctx context.Context, sessionID string) (ratelimit.Decision, error)
	RecordSent(ctx context.Context, sessionID string) error
}

// Completer generates AI answers. *ai.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, messages []ai.Message) (string, error)
}

// RateSource answers shipping-cost queries. *shipping.Client satisfies it.
type RateSource interface {
	FindCity(ctx context.Context, name string) (*shipping.City, error)
	Cost(ctx context.Context, originID, destID string, weightGrams int, courier string) ([]shipping.Rate, error)
}

// Publisher is the live event sink.
type Publisher interface {
	Publish(ev events.Event, keys ...string)
}

// Engine answers inbound messages and sends paced outbound texts.
type Engine struct {
	store      Store
	transports Transports
	limiter    Limiter
	completer  Completer
	shipping   RateSource
	hub        Publisher
	clock      gateway.Clock
	rng        gateway.RNG
	logger     *slog.Logger
}

// New creates an engine. completer and rates may be nil; the matching
// tiers are skipped when their collaborator is absent.
func New(st Store, transports Transports, limiter Limiter, completer Completer, rates RateSource, hub Publisher, clock gateway.Clock, rng gateway.RNG, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      st,
		transports: transports,
		limiter:    limiter,
		completer:  completer,
		shipping:   rates,
		hub:        hub,
		clock:      clock,
		rng:        rng,
		logger:     logger,
	}
}

// Reply answers one persisted inbound message. Implements the inbound
// dispatcher's Replier; runs detached, so failures are logged rather
// than returned.
func (e *Engine) Reply(ctx context.Context, sess *store.Session, msg *store.Message) {
	text, source := e.compose(ctx, sess, msg)
	if text == "" {
		return
	}
	if _, err := e.Send(ctx, sess, msg.FromNumber, text, source, true); err != nil {
		e.logger.Warn("auto-reply send failed",
			"session_id", sess.SessionID,
			"to", msg.FromNumber,
			"source", source,
			"error", err,
		)
	}
}

// compose picks the reply text: static rules, then the shipping
// command, then the AI fallback. An empty result means stay silent.
func (e *Engine) compose(ctx context.Context, sess *store.Session, msg *store.Message) (string, store.ReplySource) {
	rules, err := e.store.ActiveRules(ctx, sess.SessionID)
	if err != nil {
		e.logger.Warn("rule load failed", "session_id", sess.SessionID, "error", err)
	} else if reply := firstMatch(rules, msg.Content, e.logger); reply != "" {
		return reply, store.SourceManual
	}

	if q, ok := parseOngkir(msg.Content); ok {
		if e.shipping == nil {
			return "", ""
		}
		return e.answerOngkir(ctx, q), store.SourceRajaOngkir
	}

	if e.completer == nil {
		return "", ""
	}
	reply, err := e.aiAnswer(ctx, sess, msg)
	if err != nil {
		e.logger.Warn("ai reply failed",
			"session_id", sess.SessionID,
			"from", msg.FromNumber,
			"error", err,
		)
		return "", ""
	}
	return reply, store.SourceOpenAI
}

// aiAnswer builds the conversation context and asks the completer.
func (e *Engine) aiAnswer(ctx context.Context, sess *store.Session, msg *store.Message) (string, error) {
	history, err := e.store.ConversationHistory(ctx, sess.SessionID, msg.FromNumber, historyWindow)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	messages := []ai.Message{{
		Role:    "system",
		Content: systemPrompt(sess.AIAssistantType, sess.Settings.CustomSystemPrompt),
	}}
	for _, h := range history {
		role := "user"
		if h.Direction == store.DirectionOutgoing {
			role = "assistant"
		}
		if h.Content == "" {
			continue
		}
		messages = append(messages, ai.Message{Role: role, Content: h.Content})
	}
	// History already ends with the triggering message; make sure it is
	// present even when the window missed it.
	if len(history) == 0 || history[len(history)-1].MessageID != msg.MessageID {
		messages = append(messages, ai.Message{Role: "user", Content: msg.Content})
	}

	return e.completer.Complete(ctx, messages)
}

// Send runs the full paced outbound path for one text message and
// returns the internal message id. The message row exists in a
// terminal or sent state by the time Send returns.
func (e *Engine) Send(ctx context.Context, sess *store.Session, to, text string, source store.ReplySource, autoReply bool) (string, error) {
	msgID := uuid.NewString()
	msg := &store.Message{
		MessageID:   msgID,
		SessionID:   sess.SessionID,
		Direction:   store.DirectionOutgoing,
		Type:        store.TypeText,
		FromNumber:  sess.PhoneNumber,
		ToNumber:    to,
		Content:     text,
		Status:      store.MsgPending,
		AutoReply:   autoReply,
		ReplySource: source,
	}
	if _, err := e.store.InsertMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("persist outbound: %w", err)
	}

	decision, err := e.limiter.Check(ctx, sess.SessionID)
	if err != nil {
		e.fail(ctx, sess, msgID, "rate limit check failed")
		return "", fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.CanSend {
		e.fail(ctx, sess, msgID, decision.Reason)
		return "", fmt.Errorf("send denied: %s: %w", decision.Reason, decision.Err())
	}
	if err := e.clock.Sleep(ctx, decision.Delay); err != nil {
		e.fail(ctx, sess, msgID, "cancelled")
		return "", err
	}

	tr := e.transports.Get(sess.SessionID)
	if tr == nil || !tr.Authenticated() {
		e.fail(ctx, sess, msgID, "session not connected")
		return "", fmt.Errorf("session %s not connected: %w", sess.SessionID, gateway.ErrPrecondition)
	}

	jid := identity.RecipientJID(to)
	if err := e.simulateTyping(ctx, tr, jid, text); err != nil {
		e.fail(ctx, sess, msgID, "connection lost")
		return "", fmt.Errorf("typing simulation: %w", err)
	}

	receipt, err := tr.SendText(ctx, jid, text)
	if err != nil {
		e.fail(ctx, sess, msgID, err.Error())
		return "", fmt.Errorf("send text: %w", err)
	}

	sentAt := e.clock.Now()
	if err := e.store.AdvanceMessageStatus(ctx, msgID, store.MsgSent, sentAt); err != nil {
		e.logger.Error("sent status persist failed", "message_id", msgID, "error", err)
	}
	if err := e.limiter.RecordSent(ctx, sess.SessionID); err != nil {
		e.logger.Error("rate bucket update failed", "session_id", sess.SessionID, "error", err)
	}

	if conv, err := e.store.UpsertConversation(ctx, sess.SessionID, to, "", sentAt); err == nil {
		if err := e.store.AddConversationMessage(ctx, conv.ID, store.DirectionOutgoing, text); err != nil {
			e.logger.Warn("transcript append failed", "conversation_id", conv.ID, "error", err)
		}
	}

	e.hub.Publish(events.Event{
		Type:      events.TypeMessageSent,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Payload: map[string]any{
			"messageId":  msgID,
			"providerId": receipt.MessageID,
			"to":         to,
			"autoReply":  autoReply,
			"source":     string(source),
		},
	}, events.UserKey(sess.UserID), events.SessionKey(sess.SessionID))

	return msgID, nil
}

// simulateTyping runs the composing/paused presence sequence with
// human-scale delays. Any presence failure means the connection is
// gone and the send must abort.
func (e *Engine) simulateTyping(ctx context.Context, tr transport.Transport, jid, text string) error {
	if err := tr.SendPresence(ctx, jid, transport.PresenceComposing); err != nil {
		return fmt.Errorf("composing presence: %w", err)
	}
	if err := e.clock.Sleep(ctx, gateway.TypingDelay(text, e.rng)); err != nil {
		return err
	}
	if err := tr.SendPresence(ctx, jid, transport.PresencePaused); err != nil {
		return fmt.Errorf("paused presence: %w", err)
	}
	return e.clock.Sleep(ctx, gateway.PausedDelay(e.rng))
}

// fail marks the message failed and publishes the terminal status.
func (e *Engine) fail(ctx context.Context, sess *store.Session, msgID, reason string) {
	if err := e.store.FailMessage(ctx, msgID, reason); err != nil {
		e.logger.Error("fail status persist failed", "message_id", msgID, "error", err)
	}
	e.hub.Publish(events.Event{
		Type:      events.TypeMessageStatus,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Payload: map[string]any{
			"messageId": msgID,
			"status":    string(store.MsgFailed),
			"reason":    reason,
		},
	}, events.UserKey(sess.UserID), events.SessionKey(sess.SessionID))
}
