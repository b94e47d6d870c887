package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	TierMistral = "mistral_ocr"

	// Mistral OCR reports no confidence of its own.
	mistralConfidence = 0.85
)

type MistralConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func MistralConfigFromEnv() MistralConfig {
	return MistralConfig{
		APIKey:  envutil.String("MISTRAL_API_KEY", ""),
		BaseURL: envutil.String("MISTRAL_API_URL", "https://api.mistral.ai"),
		Model:   envutil.String("MISTRAL_OCR_MODEL", "mistral-ocr-latest"),
		Timeout: envutil.Duration("MISTRAL_TIMEOUT", 60*time.Second),
	}
}

func (c MistralConfig) Enabled() bool { return strings.TrimSpace(c.APIKey) != "" }

type MistralTier struct {
	log     *logger.Logger
	cfg     MistralConfig
	baseURL string
	http    *http.Client
}

func NewMistralTier(log *logger.Logger, cfg MistralConfig) (*MistralTier, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing env var MISTRAL_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = "mistral-ocr-latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &MistralTier{
		log:     log.With("tier", TierMistral),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (t *MistralTier) Name() string { return TierMistral }
func (t *MistralTier) Cost() Cost   { return CostCheap }

type mistralDocument struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

type mistralRequest struct {
	Model              string          `json:"model"`
	Document           mistralDocument `json:"document"`
	IncludeImageBase64 bool            `json:"include_image_base64"`
}

type mistralResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
	Model string `json:"model"`
}

func (t *MistralTier) Process(ctx context.Context, doc Document) Outcome {
	if len(doc.Data) == 0 {
		return Insufficient("", "empty document")
	}
	mime := doc.MimeType
	if mime == "" {
		mime = http.DetectContentType(doc.Data)
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(doc.Data)

	body := mistralRequest{Model: t.cfg.Model}
	if strings.HasPrefix(mime, "image/") {
		body.Document = mistralDocument{Type: "image_url", ImageURL: dataURL}
	} else {
		body.Document = mistralDocument{Type: "document_url", DocumentURL: dataURL}
	}

	var resp mistralResponse
	if err := t.post(ctx, "/v1/ocr", body, &resp); err != nil {
		return Failed(err)
	}

	parts := make([]string, 0, len(resp.Pages))
	for _, p := range resp.Pages {
		if md := strings.TrimSpace(p.Markdown); md != "" {
			parts = append(parts, md)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if text == "" {
		return Insufficient("", "mistral returned no markdown")
	}
	return Ok(text, GuessFields(text), mistralConfidence, "")
}

func (t *MistralTier) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, &buf)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("mistral ocr: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("mistral ocr read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpx.StatusError{
			Service:    "mistral",
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: httpx.RetryAfterDuration(resp, 0, time.Minute),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Permanent(fmt.Errorf("mistral ocr decode: %w", err))
	}
	return nil
}
