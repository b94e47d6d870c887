package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

func TestMistralTierPostsDataURLAndJoinsPages(t *testing.T) {
	var got mistralRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ocr" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("auth header: %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"mistral-ocr-latest","pages":[
			{"index":0,"markdown":"وزارة المالية\nمناقصة رقم 15/2025"},
			{"index":1,"markdown":"  "},
			{"index":2,"markdown":"آخر موعد لتقديم العطاءات ٢٠٢٥/١٢/٢٠"}]}`))
	}))
	defer srv.Close()

	tier, err := NewMistralTier(logger.Nop(), MistralConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewMistralTier: %v", err)
	}
	out := tier.Process(context.Background(), Document{MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}})
	if out.Kind != OutcomeOk {
		t.Fatalf("outcome: %v (%v)", out.Kind, out.Err)
	}
	if got.Document.Type != "image_url" || !strings.HasPrefix(got.Document.ImageURL, "data:image/png;base64,") {
		t.Fatalf("request document: %+v", got.Document)
	}
	if got.Model != "mistral-ocr-latest" {
		t.Fatalf("model: %q", got.Model)
	}
	if out.Confidence != 0.85 {
		t.Fatalf("confidence: %v", out.Confidence)
	}
	if strings.Count(out.Text, "\n\n") != 1 {
		t.Fatalf("pages should be joined once: %q", out.Text)
	}
	if out.Fields.Entity != "وزارة المالية" || out.Fields.BusinessKey != "15/2025" || out.Fields.DeadlineText != "2025/12/20" {
		t.Fatalf("guessed fields: %+v", out.Fields)
	}
}

func TestMistralTierStatusErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	defer srv.Close()

	tier, _ := NewMistralTier(logger.Nop(), MistralConfig{APIKey: "k", BaseURL: srv.URL})
	out := tier.Process(context.Background(), Document{MimeType: "application/pdf", Data: []byte("%PDF-1.4")})
	if out.Kind != OutcomeFailed || !retry.IsTransient(out.Err) {
		t.Fatalf("503 should be a transient failure, got %v %v", out.Kind, out.Err)
	}

	status = http.StatusUnauthorized
	out = tier.Process(context.Background(), Document{MimeType: "application/pdf", Data: []byte("%PDF-1.4")})
	if out.Kind != OutcomeFailed || retry.IsTransient(out.Err) {
		t.Fatalf("401 should be a permanent failure, got %v %v", out.Kind, out.Err)
	}
}

func TestClaudeTierReadsJSONReply(t *testing.T) {
	reply := map[string]any{
		"ministry":          "وزارة الصحة",
		"tender_number":     "هـ ص/123",
		"deadline":          "2025-12-20",
		"meeting_date_text": "الأحد ١٥ ديسمبر ٢٠٢٥",
		"meeting_location":  "مبنى الوزارة",
		"body":              arabicPage,
		"ocr_confidence":    0.92,
		"note":              nil,
	}
	replyJSON, _ := json.Marshal(reply)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path: %s", r.URL.Path)
		}
		msg := map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-sonnet-4-5",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]any{
				{"type": "text", "text": "```json\n" + string(replyJSON) + "\n```"},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 20},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(msg)
	}))
	defer srv.Close()

	tier, err := NewClaudeTier(logger.Nop(), ClaudeConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("NewClaudeTier: %v", err)
	}
	out := tier.Process(context.Background(), Document{MimeType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}})
	if out.Kind != OutcomeOk {
		t.Fatalf("outcome: %v (%v)", out.Kind, out.Err)
	}
	if out.Text != strings.TrimSpace(arabicPage) || out.Confidence != 0.92 {
		t.Fatalf("text/confidence: %q %v", out.Text, out.Confidence)
	}
	want := Fields{
		Entity:          "وزارة الصحة",
		BusinessKey:     "هـ ص/123",
		DeadlineText:    "2025-12-20",
		MeetingDateText: "الأحد ١٥ ديسمبر ٢٠٢٥",
		MeetingLocation: "مبنى الوزارة",
	}
	if out.Fields.Entity != want.Entity || out.Fields.BusinessKey != want.BusinessKey ||
		out.Fields.DeadlineText != want.DeadlineText || out.Fields.MeetingDateText != want.MeetingDateText ||
		out.Fields.MeetingLocation != want.MeetingLocation {
		t.Fatalf("fields: %+v", out.Fields)
	}
}

func TestClaudeTierRejectsUnsupportedMedia(t *testing.T) {
	tier, _ := NewClaudeTier(logger.Nop(), ClaudeConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1/"})
	out := tier.Process(context.Background(), Document{MimeType: "image/tiff", Data: []byte("II*")})
	if out.Kind != OutcomeFailed || !retry.IsPermanent(out.Err) {
		t.Fatalf("tiff should fail permanently, got %v %v", out.Kind, out.Err)
	}
}

func TestParseClaudeReply(t *testing.T) {
	out := parseClaudeReply(`{"body": null, "note": "الصورة غير واضحة", "ocr_confidence": 0.1}`)
	if out.Kind != OutcomeInsufficient || out.Note != "الصورة غير واضحة" {
		t.Fatalf("null body: %+v", out)
	}

	out = parseClaudeReply("النص كما هو بدون JSON")
	if out.Kind != OutcomeOk || out.Confidence != 0.3 {
		t.Fatalf("raw reply: %+v", out)
	}

	out = parseClaudeReply(`{"body": "نص", "ocr_confidence": "85"}`)
	if out.Confidence != 0.85 {
		t.Fatalf("percent confidence: %v", out.Confidence)
	}

	if out := parseClaudeReply(""); out.Kind != OutcomeInsufficient {
		t.Fatalf("empty reply: %+v", out)
	}
}

func TestGuessFields(t *testing.T) {
	text := "# وزارة الكهرباء والماء\nتعلن الوزارة عن طرح الممارسة رقم: م ع/2025/7\nثمن الوثائق 50 دينار كويتي\nالموعد النهائي لتقديم العروض ٢٠٢٥-١١-٣٠"
	f := GuessFields(text)
	if f.Entity != "وزارة الكهرباء والماء" {
		t.Fatalf("entity: %q", f.Entity)
	}
	if f.DeadlineText != "2025-11-30" {
		t.Fatalf("deadline: %q", f.DeadlineText)
	}
	if f.DocumentPrice != "50 دينار كويتي" {
		t.Fatalf("price: %q", f.DocumentPrice)
	}

	if f := GuessFields("ab\nnothing here"); f.Entity != "" || f.BusinessKey != "" {
		t.Fatalf("short first line must not become the entity: %+v", f)
	}
}
