package observability

import "testing"

func TestOTLPHeaders(t *testing.T) {
	h := otlpHeaders(" api-key = abc , broken, =x, team=ops ")
	if len(h) != 2 || h["api-key"] != "abc" || h["team"] != "ops" {
		t.Fatalf("unexpected headers: %v", h)
	}
	if otlpHeaders("") != nil {
		t.Fatalf("empty input should give nil")
	}
}
