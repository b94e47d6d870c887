package logger

import (
	"strings"
	"testing"
)

func defaultPolicy() policy { return policy{redact: true, maxText: defaultMaxText} }

func TestApplyRedactsCatalogSecrets(t *testing.T) {
	out := defaultPolicy().apply([]interface{}{
		"catalog_password", "hunter2",
		"api_key", "sk-123",
		"username", "gazette-bot",
		"source_id", "KA-1",
	})
	if len(out) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(out))
	}
	if out[1] != redacted || out[3] != redacted {
		t.Fatalf("expected secrets redacted, got %v", out)
	}
	if s, _ := out[5].(string); !strings.HasPrefix(s, "hash:") {
		t.Fatalf("expected hashed username, got %v", out[5])
	}
	if out[7] != "KA-1" {
		t.Fatalf("expected source_id untouched, got %v", out[7])
	}

	open := policy{redact: false, maxText: defaultMaxText}.apply([]interface{}{"password", "hunter2"})
	if open[1] != "hunter2" {
		t.Fatalf("redaction disabled should pass values through, got %v", open)
	}
}

func TestApplyClipsPageTextAndBytes(t *testing.T) {
	body := strings.Repeat("مناقصة ", 100)
	out := policy{redact: true, maxText: 10}.apply([]interface{}{
		"body", body,
		"document", []byte("%PDF-1.4 ..."),
		"title", "مناقصة توريد",
	})
	clipped, _ := out[1].(string)
	if !strings.HasPrefix(clipped, "مناقصة منا…") || !strings.HasSuffix(clipped, "(700 chars)") {
		t.Fatalf("expected clipped body, got %q", clipped)
	}
	if out[3] != "<12 bytes>" {
		t.Fatalf("expected byte count, got %v", out[3])
	}
	if out[5] != "مناقصة توريد" {
		t.Fatalf("short fields stay intact, got %v", out[5])
	}
}

func TestApplyOddLength(t *testing.T) {
	out := defaultPolicy().apply([]interface{}{"record_id", "r1", "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("unexpected output %v", out)
	}
}
