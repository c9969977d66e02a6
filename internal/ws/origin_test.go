package ws

import (
	"net/http/httptest"
	"testing"
)

func TestOriginChecker(t *testing.T) {
	check := originChecker("https://app.example.com, https://admin.example.com")

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true}, // same-origin or non-browser client
		{"https://app.example.com", true},
		{"https://ADMIN.example.com", true}, // case-insensitive
		{"https://evil.example.com", false},
		{"http://app.example.com", false}, // scheme must match
	}
	for _, c := range cases {
		req := httptest.NewRequest("GET", "/ws", nil)
		if c.origin != "" {
			req.Header.Set("Origin", c.origin)
		}
		if got := check(req); got != c.want {
			t.Errorf("origin %q: allowed=%v, want %v", c.origin, got, c.want)
		}
	}
}

func TestParseOriginsSkipsBlanks(t *testing.T) {
	got := parseOrigins(" https://a.example.com ,, https://b.example.com ")
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Errorf("parseOrigins = %v", got)
	}
}
