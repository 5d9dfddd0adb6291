package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wagate/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// wsCommand is one client-initiated frame.
type wsCommand struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// handleWS upgrades the connection and bridges it to the event hub.
// The caller subscribes to its own user channel implicitly; session
// and broadcast channels are joined on request, with ownership checked
// at subscribe time.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.deps.Hub.NewSubscription(uid)
	s.deps.Hub.Subscribe(sub, events.UserKey(uid))

	// direct carries replies generated by this handler (pong, errors,
	// QR replay) so all writes flow through one goroutine.
	direct := make(chan events.Event, 16)
	go s.wsWriter(conn, sub, direct)

	defer func() {
		s.deps.Hub.Close(sub)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", "user_id", uid, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.wsDispatch(r, uid, sub, direct, cmd)
	}
}

func (s *Server) wsDispatch(r *http.Request, uid int64, sub *events.Subscription, direct chan<- events.Event, cmd wsCommand) {
	push := func(ev events.Event) {
		select {
		case direct <- ev:
		default:
		}
	}
	fail := func(msg string) {
		push(events.Event{Type: "error", Payload: map[string]any{"message": msg}})
	}

	switch cmd.Event {
	case "ping":
		push(events.Event{Type: "pong", At: s.deps.Clock.Now()})

	case "subscribe:session":
		sess, err := s.deps.Store.SessionForUser(r.Context(), cmd.Data, uid)
		if err != nil {
			fail(err.Error())
			return
		}
		s.deps.Hub.Subscribe(sub, events.SessionKey(sess.SessionID))
		// A pairing QR issued before this subscriber attached would
		// otherwise be missed; replay it while it is still valid.
		if sess.QRValid(s.deps.Clock.Now()) {
			push(events.Event{
				Type:      events.TypeSessionQR,
				SessionID: sess.SessionID,
				UserID:    uid,
				Payload: map[string]any{
					"qrCode":    sess.QRCode,
					"expiresAt": sess.QRExpiresAt,
				},
			})
		}

	case "unsubscribe:session":
		s.deps.Hub.Unsubscribe(sub, events.SessionKey(cmd.Data))

	case "subscribe:broadcast":
		cid, err := strconv.ParseInt(cmd.Data, 10, 64)
		if err != nil {
			fail("invalid campaign id")
			return
		}
		c, err := s.deps.Store.CampaignByID(r.Context(), cid)
		if err != nil || c.UserID != uid {
			fail("campaign not found")
			return
		}
		s.deps.Hub.Subscribe(sub, events.BroadcastKey(cid))

	case "unsubscribe:broadcast":
		if cid, err := strconv.ParseInt(cmd.Data, 10, 64); err == nil {
			s.deps.Hub.Unsubscribe(sub, events.BroadcastKey(cid))
		}

	default:
		fail("unknown event " + cmd.Event)
	}
}

// wsWriter serializes all frames to the peer: hub events, direct
// replies, and keepalive pings. It exits when the subscription closes.
func (s *Server) wsWriter(conn *websocket.Conn, sub *events.Subscription, direct <-chan events.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(ev events.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if !write(ev) {
				return
			}
		case ev := <-direct:
			if !write(ev) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
