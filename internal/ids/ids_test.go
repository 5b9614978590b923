package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not monotonic: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestAccessTokensAreDistinctAndURLSafe(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		tok, err := NewAccessToken()
		if err != nil {
			t.Fatalf("NewAccessToken: %v", err)
		}
		if len(tok) != 43 {
			t.Fatalf("unexpected token length %d", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token is not url-safe: %s", tok)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = struct{}{}
	}
}
