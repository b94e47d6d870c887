package extractor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const TierClaude = "claude"

type ClaudeConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

func ClaudeConfigFromEnv() ClaudeConfig {
	return ClaudeConfig{
		APIKey:    envutil.String("ANTHROPIC_API_KEY", ""),
		BaseURL:   envutil.String("ANTHROPIC_BASE_URL", ""),
		Model:     envutil.String("CLAUDE_MODEL", "claude-sonnet-4-5"),
		MaxTokens: int64(envutil.Int("CLAUDE_MAX_TOKENS", 4096)),
	}
}

func (c ClaudeConfig) Enabled() bool { return strings.TrimSpace(c.APIKey) != "" }

// ClaudeTier reads the page image with a vision model and asks for the
// notice's fields as one JSON object.
type ClaudeTier struct {
	log    *logger.Logger
	client anthropic.Client
	cfg    ClaudeConfig
}

func NewClaudeTier(log *logger.Logger, cfg ClaudeConfig) (*ClaudeTier, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing env var ANTHROPIC_API_KEY")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	// Retries belong to the job queue.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &ClaudeTier{
		log:    log.With("tier", TierClaude),
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (t *ClaudeTier) Name() string { return TierClaude }
func (t *ClaudeTier) Cost() Cost   { return CostGeneral }

const claudePrompt = `أنت خبير في استخراج المعلومات من إعلانات المناقصات والمزايدات والممارسات في جريدة الكويت اليوم.

استخرج من صورة الصفحة:
1. اسم الوزارة أو الجهة
2. رقم المناقصة أو المزايدة أو الممارسة
3. الموعد النهائي لتقديم العروض بصيغة YYYY-MM-DD
4. موعد اجتماع المقاولين ومكانه إن وجد، بالنص الأصلي
5. النص الكامل للإعلان بالعربية

تعليمات:
- إذا كان النص غير مقروء ضع null في حقل body واشرح السبب في note
- لا تختلق نصوصًا غير موجودة في الصورة

أرجع كائن JSON واحدًا فقط بالحقول:
{"ministry": string|null, "tender_number": string|null, "deadline": "YYYY-MM-DD"|null,
 "meeting_date_text": string|null, "meeting_location": string|null, "document_price": string|null,
 "body": string|null, "ocr_confidence": 0.0-1.0, "note": string|null}`

func (t *ClaudeTier) Process(ctx context.Context, doc Document) Outcome {
	if len(doc.Data) == 0 {
		return Insufficient("", "empty document")
	}
	mime := doc.MimeType
	if mime == "" {
		mime = http.DetectContentType(doc.Data)
	}
	encoded := base64.StdEncoding.EncodeToString(doc.Data)

	var page anthropic.ContentBlockParamUnion
	switch mime {
	case "application/pdf":
		page = anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: encoded})
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		page = anthropic.NewImageBlockBase64(mime, encoded)
	default:
		return Failed(retry.Permanent(fmt.Errorf("claude: unsupported media type %q", mime)))
	}

	msg, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(t.cfg.Model),
		MaxTokens: t.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(page, anthropic.NewTextBlock(claudePrompt)),
		},
	})
	if err != nil {
		return Failed(classifyAnthropicError(err))
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	return parseClaudeReply(reply.String())
}

type claudeReply struct {
	Ministry        *string         `json:"ministry"`
	TenderNumber    *string         `json:"tender_number"`
	Deadline        *string         `json:"deadline"`
	MeetingDateText *string         `json:"meeting_date_text"`
	MeetingLocation *string         `json:"meeting_location"`
	DocumentPrice   *string         `json:"document_price"`
	Body            *string         `json:"body"`
	OCRConfidence   json.RawMessage `json:"ocr_confidence"`
	Note            *string         `json:"note"`
}

func parseClaudeReply(raw string) Outcome {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		if raw == "" {
			return Insufficient("", "claude returned no text")
		}
		return Ok(raw, GuessFields(raw), 0.3, "reply was not JSON; raw text kept")
	}

	var r claudeReply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return Ok(raw, GuessFields(raw), 0.3, "reply was not JSON; raw text kept")
	}

	note := deref(r.Note)
	body := deref(r.Body)
	if body == "" {
		return Insufficient("", noteOr(note, "claude could not read the page"))
	}
	fields := Fields{
		Entity:          deref(r.Ministry),
		BusinessKey:     deref(r.TenderNumber),
		DeadlineText:    deref(r.Deadline),
		MeetingDateText: deref(r.MeetingDateText),
		MeetingLocation: deref(r.MeetingLocation),
		DocumentPrice:   deref(r.DocumentPrice),
	}
	return Ok(body, fields, parseConfidence(r.OCRConfidence), note)
}

// parseConfidence accepts 0.9, "0.9" and 90.
func parseConfidence(raw json.RawMessage) float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0.5
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0.5
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	return clamp01(v)
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		se := &httpx.StatusError{Service: "anthropic", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		if apiErr.Response != nil {
			se.RetryAfter = httpx.RetryAfterDuration(apiErr.Response, 0, 0)
		}
		return se
	}
	return fmt.Errorf("claude: %w", err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
