// Package identity models the two identifier spaces of the chat
// network: classical phone-number JIDs and opaque Linked Identity (LID)
// forms. Reply routing always threads the original remote JID; this
// package only decides how a sender is recorded.
package identity

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

// JID server suffixes used by the network.
const (
	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
	lidServer   = "lid"

	// CountryPrefix is the default country code applied when a local
	// number with a leading 0 is normalized.
	CountryPrefix = "62"
)

// Kind discriminates the identity sum type.
type Kind int

const (
	KindPhone Kind = iota
	KindLID
)

// Identity is a sender identity extracted from a JID: either a phone
// number or an unresolvable LID.
type Identity struct {
	Kind  Kind
	Phone string // normalized digits, set when Kind == KindPhone
	LID   string // raw LID digits, set when Kind == KindLID
}

// String returns the phone number for phone identities and a
// "LID_<digits>" pseudo-identifier for LID identities.
func (id Identity) String() string {
	if id.Kind == KindLID {
		return "LID_" + id.LID
	}
	return id.Phone
}

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+groupServer)
}

// IsLIDJID reports whether jid is in Linked Identity form. LIDs either
// carry the lid server suffix or are long digit runs that do not match
// a plausible phone number.
func IsLIDJID(jid string) bool {
	if strings.HasSuffix(jid, "@"+lidServer) {
		return true
	}
	local := localPart(jid)
	// Phone numbers top out around 15 digits (E.164); anything longer
	// is a device-scoped LID.
	return len(local) > 15 && allDigits(local)
}

// FromJID extracts the sender identity from a participant or remote
// JID. Group JIDs have no sender identity and return ok = false.
func FromJID(jid string) (Identity, bool) {
	if jid == "" || IsGroupJID(jid) {
		return Identity{}, false
	}
	local := localPart(jid)
	if IsLIDJID(jid) {
		return Identity{Kind: KindLID, LID: digitsOnly(local)}, true
	}
	phone := NormalizePhone(local)
	if phone == "" {
		return Identity{}, false
	}
	return Identity{Kind: KindPhone, Phone: phone}, true
}

// UserJID builds a user JID from a normalized phone number.
func UserJID(phone string) string {
	return NormalizePhone(phone) + "@" + userServer
}

// LIDJID builds a lid-server JID from raw LID digits.
func LIDJID(lid string) string {
	return digitsOnly(lid) + "@" + lidServer
}

// RecipientJID maps a stored counterparty identifier (a normalized
// phone number or a "LID_<digits>" pseudo-identifier) back to a
// deliverable JID.
func RecipientJID(id string) string {
	if lid, ok := strings.CutPrefix(id, "LID_"); ok {
		return LIDJID(lid)
	}
	return UserJID(id)
}

// NormalizePhone reduces a phone number to digits only and rewrites a
// leading 0 to the default country prefix. Normalization is
// idempotent: NormalizePhone(NormalizePhone(p)) == NormalizePhone(p).
func NormalizePhone(raw string) string {
	digits := digitsOnly(raw)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, "0") {
		digits = CountryPrefix + strings.TrimLeft(digits, "0")
	}
	return digits
}

// ValidPhone reports whether the normalized number parses as a
// plausible phone number. libphonenumber validates structure for known
// country plans; numbers it cannot parse fall back to a length check.
func ValidPhone(phone string) bool {
	digits := NormalizePhone(phone)
	if len(digits) < 8 || len(digits) > 15 {
		return false
	}
	num, err := libphonenumber.Parse("+"+digits, "")
	if err != nil {
		// Unknown plan; the length check above already passed.
		return true
	}
	return libphonenumber.IsValidNumber(num)
}

func localPart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	// Device suffixes (":<n>") are not part of the identity.
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
