// Package mqttsink bridges the live event fan-out to an MQTT broker.
// Every hub event is republished as JSON under a per-session topic so
// external consumers can follow gateway activity without holding a
// WebSocket open. The sink is optional and config-gated.
package mqttsink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/events"
)

// queueDepth bounds the republish backlog. Hub taps run synchronously
// inside Publish, so enqueue never blocks; a full queue drops events.
const queueDepth = 256

// Sink manages the broker connection and republishes hub events.
type Sink struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	queue  chan events.Event
}

// New creates a Sink but does not connect. Call [Sink.Start] to begin
// the connection and republish loop.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "wagate"
	}
	return &Sink{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan events.Event, queueDepth),
	}
}

// Attach registers the sink as a hub tap. Safe to call before Start;
// events queued before the broker connects are held up to queueDepth.
func (s *Sink) Attach(hub *events.Hub) {
	hub.Tap(s.enqueue)
}

// Start connects to the MQTT broker and begins the republish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes an
// "online" availability message; the broker's will flips it to
// "offline" on unclean disconnect.
func (s *Sink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.availabilityTopic()

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "wagate-sink"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	// Wait for the initial connection before draining the queue.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	s.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

func (s *Sink) enqueue(ev events.Event) {
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("mqtt queue full, dropping event", "type", ev.Type)
	}
}

func (s *Sink) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.republish(ctx, ev)
		}
	}
}

func (s *Sink) republish(ctx context.Context, ev events.Event) {
	if s.cm == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("mqtt marshal event", "type", ev.Type, "error", err)
		return
	}

	topic := s.eventTopic(ev)
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		s.logger.Debug("mqtt event publish failed",
			"topic", topic, "error", err)
		return
	}
	s.logger.Debug("mqtt event published", "topic", topic)
}

// --- Topic helpers ---

func (s *Sink) availabilityTopic() string {
	return s.cfg.TopicPrefix + "/availability"
}

// eventTopic maps the fan-out taxonomy onto topic segments, e.g.
// "wagate/sessions/s1/message/incoming". Events without a session land
// under "wagate/events".
func (s *Sink) eventTopic(ev events.Event) string {
	suffix := strings.ReplaceAll(ev.Type, ":", "/")
	if ev.SessionID == "" {
		return s.cfg.TopicPrefix + "/events/" + suffix
	}
	return s.cfg.TopicPrefix + "/sessions/" + ev.SessionID + "/" + suffix
}

func (s *Sink) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}
