package transport

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		code int
		tag  string
		want CloseClass
	}{
		{"logged out", 0, "loggedOut", CloseFatal},
		{"bad session", 0, "badSession", CloseFatal},
		{"replaced", 0, "replaced", CloseFatal},
		{"auth 401", 401, "", CloseFatal},
		{"auth 403", 403, "", CloseFatal},
		{"server 500", 500, "", CloseFatal},
		{"timed out", 408, "timedOut", CloseTransient},
		{"connection lost", 0, "connectionLost", CloseTransient},
		{"plain close", 0, "", CloseTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.code, tt.tag); got != tt.want {
				t.Errorf("Classify(%d, %q) = %v, want %v", tt.code, tt.tag, got, tt.want)
			}
		})
	}
}

func TestFriendlyReasonNeverEmpty(t *testing.T) {
	reasons := []CloseReason{
		{Tag: "loggedOut"},
		{Tag: "replaced"},
		{Code: 401},
		{Description: "stream error"},
		{},
	}
	for _, r := range reasons {
		if r.Friendly() == "" {
			t.Errorf("Friendly() empty for %+v", r)
		}
	}
}
