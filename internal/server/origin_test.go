package server

import (
	"net/http"
	"testing"
	"time"
)

func requestWithOrigin(t *testing.T, origin string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://chat.example.com/rooms/general/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

// TestCheckOrigin verifies the upgrade allow-list: configured origins match
// case-insensitively, absent Origin headers pass for non-browser clients,
// and everything else is refused.
func TestCheckOrigin(t *testing.T) {
	policy := newOriginPolicy([]string{"https://chat.example.com", " http://localhost:8080 ", "not a url"})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "allowed origin", origin: "https://chat.example.com", want: true},
		{name: "allowed with path noise", origin: "HTTPS://CHAT.EXAMPLE.COM", want: true},
		{name: "localhost entry trimmed", origin: "http://localhost:8080", want: true},
		{name: "no origin header", origin: "", want: true},
		{name: "disallowed host", origin: "https://evil.example.com", want: false},
		{name: "scheme mismatch", origin: "http://chat.example.com", want: false},
		{name: "garbage origin", origin: "::::", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.checkOrigin(requestWithOrigin(t, tt.origin)); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

// TestCheckOriginWildcard verifies that a configured "*" admits any origin.
func TestCheckOriginWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"})
	if !policy.checkOrigin(requestWithOrigin(t, "https://anywhere.example.com")) {
		t.Error("Wildcard policy refused an origin")
	}
}

// TestRateLimiterBurstAndRefill verifies the token bucket: the burst is
// spent request by request and refills over the configured interval.
func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := newRateLimiter(3, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Request %d within the burst was limited", i)
		}
	}
	if rl.allow() {
		t.Error("Request past the burst was allowed")
	}

	time.Sleep(50 * time.Millisecond)
	if !rl.allow() {
		t.Error("Request after the refill interval was limited")
	}
}

// TestRateLimiterDefaults verifies that non-positive parameters fall back
// to a working limiter instead of one that blocks everything.
func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if !rl.allow() {
		t.Error("Limiter with defaulted parameters refused the first request")
	}
}
