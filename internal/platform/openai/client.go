package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

// Client is the slice of the OpenAI Responses API this service uses.
type Client interface {
	// GenerateJSON returns one object conforming to schema (strict json_schema).
	GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error)
	Model() string
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature *float64
	// NoTempModels lists models that reject temperature; "o3-*" matches a prefix.
	NoTempModels string
	// Retry is applied inside the client; zero attempts defers to the caller.
	Retry retry.Strategy
}

func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:       envutil.String("OPENAI_API_KEY", ""),
		BaseURL:      envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		Model:        envutil.String("OPENAI_MODEL", "gpt-4o"),
		Timeout:      envutil.Duration("OPENAI_TIMEOUT", 120*time.Second),
		NoTempModels: envutil.String("OPENAI_NO_TEMPERATURE_MODELS", ""),
		Retry:        retry.Strategy{MaxAttempts: envutil.Int("OPENAI_MAX_ATTEMPTS", 1), BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2},
	}
	if !envutil.Bool("OPENAI_DISABLE_TEMPERATURE", false) {
		t := envutil.Float("OPENAI_TEMPERATURE", 0.3)
		cfg.Temperature = &t
	}
	return cfg
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.APIKey) != "" }

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retry      retry.Strategy

	temperature    *float64
	noTempModels   map[string]bool
	noTempPrefixes []string

	// Models that rejected temperature at runtime.
	noTempMu   sync.RWMutex
	noTempSeen map[string]bool
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	models, prefixes := parseNoTempModelRules(cfg.NoTempModels)
	return &client{
		log:            log.With("service", "OpenAIClient"),
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		retry:          cfg.Retry,
		temperature:    cfg.Temperature,
		noTempModels:   models,
		noTempPrefixes: prefixes,
		noTempSeen:     map[string]bool{},
	}, nil
}

func (c *client) Model() string { return c.model }

func normalizeModelKey(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}

// parseNoTempModelRules reads "o1-* , gpt-5" into exact ids and prefixes.
func parseNoTempModelRules(raw string) (map[string]bool, []string) {
	m := map[string]bool{}
	var prefixes []string
	for _, part := range strings.Split(raw, ",") {
		s := normalizeModelKey(part)
		if s == "" {
			continue
		}
		if strings.HasSuffix(s, "*") {
			p := strings.TrimSpace(strings.TrimRight(strings.TrimSuffix(s, "*"), "-_./:"))
			if p != "" {
				prefixes = append(prefixes, p)
			}
			continue
		}
		m[s] = true
	}
	return m, prefixes
}

func (c *client) modelIsNoTemp(model string) bool {
	m := normalizeModelKey(model)
	if m == "" {
		return false
	}
	if c.noTempModels[m] {
		return true
	}
	for _, p := range c.noTempPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	c.noTempMu.RLock()
	defer c.noTempMu.RUnlock()
	return c.noTempSeen[m]
}

func (c *client) noteNoTempModel(model string) {
	c.noTempMu.Lock()
	c.noTempSeen[normalizeModelKey(model)] = true
	c.noTempMu.Unlock()
}

func isUnsupportedTemperatureParam(err error) bool {
	var se *httpx.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(se.Body)
	if !strings.Contains(msg, "temperature") {
		return false
	}
	for _, needle := range []string{"unsupported", "unknown parameter", "unrecognized", "not supported", "does not support", "only the default"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model string           `json:"model"`
	Input []responsesInput `json:"input"`
	Text  struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
}

func extractOutputText(resp responsesResponse) (text, refusal string) {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, part := range item.Content {
			switch part.Type {
			case "output_text":
				out.WriteString(part.Text)
			case "refusal":
				refusal = part.Refusal
			}
		}
	}
	return out.String(), refusal
}

func (c *client) GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" {
		return nil, retry.Permanent(errors.New("schemaName required"))
	}
	if schema == nil {
		return nil, retry.Permanent(errors.New("schema required"))
	}
	req := responsesRequest{
		Model: c.model,
		Input: []responsesInput{{Role: "system", Content: system}, {Role: "user", Content: user}},
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}
	if c.temperature != nil && !c.modelIsNoTemp(req.Model) {
		req.Temperature = c.temperature
	}

	var resp responsesResponse
	err := c.post(ctx, "/v1/responses", &req, &resp)
	if err != nil && req.Temperature != nil && isUnsupportedTemperatureParam(err) {
		c.log.Warn("model rejected temperature; retrying without", "model", req.Model)
		c.noteNoTempModel(req.Model)
		req.Temperature = nil
		err = c.post(ctx, "/v1/responses", &req, &resp)
	}
	if err != nil {
		return nil, err
	}

	jsonText, refusal := extractOutputText(resp)
	if refusal != "" {
		return nil, retry.Permanent(fmt.Errorf("model refused: %s", refusal))
	}
	if strings.TrimSpace(jsonText) == "" {
		return nil, fmt.Errorf("no output_text found in response")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(jsonText), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return obj, nil
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	ctx = ctxutil.Default(ctx)
	return c.retry.Do(ctx, func(ctx context.Context) error {
		raw, err := c.doOnce(ctx, http.MethodPost, path, body)
		if err != nil {
			if c.retry.MaxAttempts > 1 && retry.IsTransient(err) {
				c.log.Warn("OpenAI request failed", "path", path, "error", err.Error())
			}
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return retry.Permanent(fmt.Errorf("openai decode error: %w", err))
		}
		return nil
	})
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, retry.Permanent(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &httpx.StatusError{
			Service:    "openai",
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: httpx.RetryAfterDuration(resp, 0, time.Minute),
		}
	}
	return raw, nil
}
