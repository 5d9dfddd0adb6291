package bridge

import "encoding/json"

// Wire payloads exchanged with the bridge helper. Timestamps are Unix
// milliseconds throughout.

// qrNotification carries a fresh pairing payload.
type qrNotification struct {
	Payload string `json:"payload"`
}

// connectedNotification fires once the bridge finishes authentication.
type connectedNotification struct {
	Phone string `json:"phone"`
}

// disconnectedNotification reports a socket closure.
type disconnectedNotification struct {
	Code        int    `json:"code"`
	Tag         string `json:"tag"`
	Description string `json:"description,omitempty"`
}

// messageNotification is one inbound message event.
type messageNotification struct {
	ID          string          `json:"id"`
	Chat        string          `json:"chat"`
	Participant string          `json:"participant,omitempty"`
	FromMe      bool            `json:"fromMe"`
	PushName    string          `json:"pushName,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Kind        string          `json:"kind"` // notify or append
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Media       json.RawMessage `json:"media,omitempty"`
}

// connectResult is the response to the connect call. Phone is set when
// stored credentials restored an existing pairing.
type connectResult struct {
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
}

// sendResult acknowledges an outbound message.
type sendResult struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

type wireContact struct {
	JID        string `json:"jid"`
	Phone      string `json:"phone"`
	Name       string `json:"name,omitempty"`
	PushName   string `json:"pushName,omitempty"`
	IsBusiness bool   `json:"isBusiness,omitempty"`
}

type wireChat struct {
	JID      string `json:"jid"`
	Name     string `json:"name,omitempty"`
	IsGroup  bool   `json:"isGroup"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type wireGroup struct {
	JID              string `json:"jid"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	OwnerJID         string `json:"owner,omitempty"`
	ParticipantCount int    `json:"participants"`
	IsAnnounce       bool   `json:"isAnnounce,omitempty"`
	IsLocked         bool   `json:"isLocked,omitempty"`
}

type wireParticipant struct {
	JID          string `json:"jid"`
	PushName     string `json:"pushName,omitempty"`
	IsAdmin      bool   `json:"isAdmin,omitempty"`
	IsSuperAdmin bool   `json:"isSuperAdmin,omitempty"`
}

// resolveResult maps Linked Identity identifiers to phone numbers.
// Unresolvable entries are absent.
type resolveResult struct {
	Mappings map[string]string `json:"mappings"`
}
