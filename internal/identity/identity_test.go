package identity

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0812345678", "62812345678"},
		{"62812345678", "62812345678"},
		{"+62 812-345-678", "62812345678"},
		{"(0812) 345 678", "62812345678"},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	inputs := []string{"0812345678", "62812345678", "+1 415 555 0100", "08-12"}
	for _, in := range inputs {
		once := NormalizePhone(in)
		twice := NormalizePhone(once)
		if once != twice {
			t.Errorf("NormalizePhone not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestIsGroupJID(t *testing.T) {
	if !IsGroupJID("1203630000000000@g.us") {
		t.Error("group JID not detected")
	}
	if IsGroupJID("628123456789@s.whatsapp.net") {
		t.Error("user JID misdetected as group")
	}
}

func TestFromJID(t *testing.T) {
	tests := []struct {
		name     string
		jid      string
		wantOK   bool
		wantKind Kind
		wantStr  string
	}{
		{"user jid", "628123456789@s.whatsapp.net", true, KindPhone, "628123456789"},
		{"device suffix stripped", "628123456789:12@s.whatsapp.net", true, KindPhone, "628123456789"},
		{"lid server", "123456789012345678@lid", true, KindLID, "LID_123456789012345678"},
		{"long digit run", "12345678901234567890@s.whatsapp.net", true, KindLID, "LID_12345678901234567890"},
		{"group jid has no identity", "1203630000000000@g.us", false, 0, ""},
		{"empty", "", false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := FromJID(tt.jid)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if id.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", id.Kind, tt.wantKind)
			}
			if id.String() != tt.wantStr {
				t.Errorf("String() = %q, want %q", id.String(), tt.wantStr)
			}
		})
	}
}

func TestValidPhone(t *testing.T) {
	if !ValidPhone("0812345678") {
		t.Error("local Indonesian number should validate")
	}
	if ValidPhone("123") {
		t.Error("too-short number should not validate")
	}
}
