package device

import (
	"errors"
	"fmt"
	"testing"
)

func TestParams_Normalize(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{name: "nil", params: nil, want: "{}"},
		{name: "single", params: Params{"address": "8.8.8.8"}, want: `{"address":"8.8.8.8"}`},
		{
			name:   "sorted keys",
			params: Params{"interval": "1", "address": "1.1.1.1", "count": "5"},
			want:   `{"address":"1.1.1.1","count":"5","interval":"1"}`,
		},
		{name: "escaped", params: Params{"a,b": "c=d"}, want: `{"a,b":"c=d"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.Normalize(); got != tt.want {
				t.Errorf("Normalize() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParamsFromPairs(t *testing.T) {
	p, err := ParamsFromPairs([]string{"address=8.8.8.8", "=count=3", "comment=a=b"})
	if err != nil {
		t.Fatalf("ParamsFromPairs failed: %v", err)
	}
	if p["address"] != "8.8.8.8" || p["count"] != "3" || p["comment"] != "a=b" {
		t.Errorf("ParamsFromPairs = %v", p)
	}

	if _, err := ParamsFromPairs([]string{"novalue"}); err == nil {
		t.Error("expected error for item without '='")
	}
	if _, err := ParamsFromPairs([]string{"=value"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestConfig_Identity(t *testing.T) {
	a := Config{Host: "Router.LAN", Username: "admin", Password: "x"}
	b := Config{Host: "router.lan", Port: DefaultPort, Username: "admin", Password: "x"}
	c := Config{Host: "router.lan", Username: "admin", Password: "y"}

	if a.Identity() != b.Identity() {
		t.Errorf("identities differ: %v vs %v", a.Identity(), b.Identity())
	}
	if a.Identity() == c.Identity() {
		t.Error("different credentials share an identity")
	}
	if a.Address() != fmt.Sprintf("Router.LAN:%d", DefaultPort) {
		t.Errorf("Address() = %s", a.Address())
	}
}

func TestErrorClassification(t *testing.T) {
	conn := fmt.Errorf("dial: %w", ErrNetwork)
	cmd := fmt.Errorf("wrapped: %w", &CommandError{Command: "/ping", Message: "no such host"})

	if !IsConnectionError(conn) || IsCommandError(conn) {
		t.Error("network error misclassified")
	}
	if !IsCommandError(cmd) || IsConnectionError(cmd) {
		t.Error("command error misclassified")
	}
	if IsConnectionError(errors.New("other")) {
		t.Error("plain error classified as connection error")
	}
	if got := (&CommandError{Command: "/ping", Message: "bad"}).Error(); got != "/ping: bad" {
		t.Errorf("Error() = %q", got)
	}
}
