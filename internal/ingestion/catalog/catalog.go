// Package catalog talks to the Kuwait Al-Yawm gazette site: session login,
// the DataTables listing endpoint and the scanned page download.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	DefaultBaseURL     = "https://kuwaitalyawm.media.gov.kw"
	defaultUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	loginPath          = "/Account/Login"
	listPath           = "/online/AdsCategoryJson"
	antiForgeryField   = "__RequestVerificationToken"
	maxDocumentBytes   = 32 << 20
	maxErrorBodyBytes  = 4096
	listDateLayout     = "2006/01/02"
	pageURLTemplate    = "{base}/flip/index?id={edition}&no={page}"
	sourceIDPrefix     = "KA-"
	serviceName        = "catalog"
	loggedInMarkerUser = "المستخدم"
	loggedInMarkerExit = "تسجيل الخروج"
)

var (
	ErrUnknownCategory = errors.New("unknown catalog category")
	ErrLoginFailed     = errors.New("catalog login failed")
	ErrSessionExpired  = errors.New("catalog session expired")
)

// Categories maps category names to the upstream category ids.
var Categories = map[string]int{
	"tenders":   1,
	"auctions":  2,
	"practices": 18,
}

func CategoryID(name string) (int, error) {
	id, ok := Categories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return id, nil
}

type Config struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	// DocumentURLTemplate locates the page scan. {base}, {edition}, {page}
	// and {id} are substituted.
	DocumentURLTemplate string
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:             envutil.String("CATALOG_BASE_URL", DefaultBaseURL),
		Username:            envutil.String("KUWAIT_ALYOM_USERNAME", ""),
		Password:            envutil.String("KUWAIT_ALYOM_PASSWORD", ""),
		UserAgent:           envutil.String("CATALOG_USER_AGENT", defaultUserAgent),
		Timeout:             envutil.Duration("CATALOG_TIMEOUT", 30*time.Second),
		DocumentURLTemplate: envutil.String("CATALOG_DOCUMENT_URL_TEMPLATE", pageURLTemplate),
	}
}

// PageRequest asks for one DataTables window of a category.
type PageRequest struct {
	Category string
	Start    int
	Length   int
	From     *time.Time
	To       *time.Time
	Title    string
	Edition  string
}

type Page struct {
	Records []CatalogRecord
	Total   int
}

// CatalogRecord is one listing row mapped to catalog-level fields. Dates
// are kept raw; the date normalizer owns their interpretation.
type CatalogRecord struct {
	SourceID    string `json:"source_id"`
	UpstreamID  int64  `json:"upstream_id"`
	Category    string `json:"category"`
	CategoryID  int    `json:"category_id"`
	Title       string `json:"title"`
	EditionNo   string `json:"edition_no"`
	EditionID   int64  `json:"edition_id"`
	PageNumber  int    `json:"page_number"`
	PageURL     string `json:"page_url"`
	EditionDate string `json:"edition_date"`
	HijriDate   string `json:"hijri_date"`
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger

	mu       sync.Mutex
	loggedIn bool
}

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DocumentURLTemplate == "" {
		cfg.DocumentURLTemplate = pageURLTemplate
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout, Jar: jar},
		log:  log.With("client", "catalog"),
	}, nil
}

func (c *Client) hasCredentials() bool {
	return c.cfg.Username != "" && c.cfg.Password != ""
}

// Login fetches the anti-forgery token and posts the credentials. Without
// configured credentials it is a no-op: the listing is public.
func (c *Client) Login(ctx context.Context) error {
	if !c.hasCredentials() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	loginURL := c.cfg.BaseURL + loginPath
	req, err := c.newRequest(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog login page: %w", err)
	}
	doc, err := readHTML(resp)
	if err != nil {
		return err
	}
	token, ok := doc.Find(`input[name="` + antiForgeryField + `"]`).First().Attr("value")
	if !ok || strings.TrimSpace(token) == "" {
		return retry.Permanent(fmt.Errorf("%w: anti-forgery token not found", ErrLoginFailed))
	}

	form := url.Values{}
	form.Set("UserName", c.cfg.Username)
	form.Set("Password", c.cfg.Password)
	form.Set(antiForgeryField, token)
	form.Set("RememberMe", "false")
	req, err = c.newRequest(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog login post: %w", err)
	}
	doc, err = readHTML(resp)
	if err != nil {
		return err
	}
	text := doc.Text()
	if !strings.Contains(text, loggedInMarkerExit) && !strings.Contains(text, loggedInMarkerUser) {
		c.loggedIn = false
		return retry.Permanent(fmt.Errorf("%w: credentials rejected", ErrLoginFailed))
	}
	c.loggedIn = true
	c.log.Info("catalog login ok", "username", c.cfg.Username)
	return nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	if !c.hasCredentials() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

// ListPage posts one DataTables window. An HTML reply means the session was
// dropped; the client logs in again once before giving up.
func (c *Client) ListPage(ctx context.Context, pr PageRequest) (Page, error) {
	ctx, span := observability.StartSpan(ctx, "catalog.list_page",
		attribute.String("catalog.category", pr.Category),
		attribute.Int("catalog.start", pr.Start),
		attribute.Int("catalog.length", pr.Length),
	)
	page, err := c.listPage(ctx, pr)
	if errors.Is(err, ErrSessionExpired) && c.hasCredentials() {
		c.log.Warn("catalog session expired, logging in again")
		c.invalidateSession()
		page, err = c.listPage(ctx, pr)
	}
	observability.EndSpan(span, err)
	return page, err
}

func (c *Client) listPage(ctx context.Context, pr PageRequest) (Page, error) {
	categoryID, err := CategoryID(pr.Category)
	if err != nil {
		return Page{}, retry.Permanent(err)
	}
	if err := c.ensureSession(ctx); err != nil {
		return Page{}, err
	}

	form := url.Values{}
	form.Set("draw", strconv.Itoa(pr.Start/maxInt(pr.Length, 1)+1))
	form.Set("start", strconv.Itoa(pr.Start))
	form.Set("length", strconv.Itoa(pr.Length))
	form.Set("ID", strconv.Itoa(categoryID))
	form.Set("AdsTitle", pr.Title)
	form.Set("EditionNo", pr.Edition)
	form.Set("startdate", formatListDate(pr.From))
	form.Set("enddate", formatListDate(pr.To))

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+listPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("catalog list: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return Page{}, err
	}
	if isHTML(resp.Header.Get("Content-Type")) {
		return Page{}, ErrSessionExpired
	}

	var raw listResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Page{}, fmt.Errorf("catalog list decode: %w", err)
	}
	out := Page{Total: int(raw.RecordsTotal), Records: make([]CatalogRecord, 0, len(raw.Data))}
	for _, row := range raw.Data {
		rec, ok := c.mapRecord(row, pr.Category, categoryID)
		if !ok {
			c.log.Warn("catalog row without id skipped", "category", pr.Category, "title", row.AdsTitle)
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// FetchDocument downloads the scanned page for rec and returns its bytes
// and MIME type.
func (c *Client) FetchDocument(ctx context.Context, rec CatalogRecord) ([]byte, string, error) {
	ctx, span := observability.StartSpan(ctx, "catalog.fetch_document", attribute.String("record.source_id", rec.SourceID))
	data, mimeType, err := c.fetchDocument(ctx, rec)
	observability.EndSpan(span, err)
	return data, mimeType, err
}

func (c *Client) fetchDocument(ctx context.Context, rec CatalogRecord) ([]byte, string, error) {
	if rec.EditionID == 0 || rec.PageNumber == 0 {
		return nil, "", retry.Permanent(fmt.Errorf("catalog document: record %s has no edition/page", rec.SourceID))
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.DocumentURL(rec), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("catalog document: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("catalog document read: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, "", retry.Permanent(fmt.Errorf("catalog document %s exceeds %d bytes", rec.SourceID, maxDocumentBytes))
	}
	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType, _, _ = strings.Cut(http.DetectContentType(data), ";")
	}
	if isHTML(mimeType) {
		return nil, "", retry.Permanent(fmt.Errorf("catalog document %s: endpoint returned html, check CATALOG_DOCUMENT_URL_TEMPLATE", rec.SourceID))
	}
	return data, mimeType, nil
}

func (c *Client) DocumentURL(rec CatalogRecord) string {
	return expandTemplate(c.cfg.DocumentURLTemplate, c.cfg.BaseURL, rec)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return req, nil
}

type listResponse struct {
	Draw         flexString `json:"draw"`
	RecordsTotal flexInt    `json:"recordsTotal"`
	Data         []rawRow   `json:"data"`
}

type rawRow struct {
	ID          flexInt    `json:"ID"`
	AdsTitle    string     `json:"AdsTitle"`
	EditionNo   flexString `json:"EditionNo"`
	EditionDate string     `json:"EditionDate"`
	HijriDate   string     `json:"HijriDate"`
	EditionID   flexInt    `json:"EditionID_FK"`
	FromPage    flexInt    `json:"FromPage"`
}

func (c *Client) mapRecord(row rawRow, category string, categoryID int) (CatalogRecord, bool) {
	if row.ID <= 0 {
		return CatalogRecord{}, false
	}
	rec := CatalogRecord{
		SourceID:    sourceIDPrefix + strconv.FormatInt(int64(row.ID), 10),
		UpstreamID:  int64(row.ID),
		Category:    strings.ToLower(category),
		CategoryID:  categoryID,
		Title:       strings.TrimSpace(row.AdsTitle),
		EditionNo:   strings.TrimSpace(string(row.EditionNo)),
		EditionID:   int64(row.EditionID),
		PageNumber:  int(row.FromPage),
		EditionDate: strings.TrimSpace(row.EditionDate),
		HijriDate:   strings.TrimSpace(row.HijriDate),
	}
	rec.PageURL = expandTemplate(pageURLTemplate, c.cfg.BaseURL, rec)
	return rec, true
}

// UpstreamID parses the numeric id out of a KA-{id} source id; 0 when it
// has another shape.
func UpstreamID(sourceID string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(sourceID), sourceIDPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func expandTemplate(tmpl, base string, rec CatalogRecord) string {
	return strings.NewReplacer(
		"{base}", base,
		"{edition}", strconv.FormatInt(rec.EditionID, 10),
		"{page}", strconv.Itoa(rec.PageNumber),
		"{id}", strconv.FormatInt(rec.UpstreamID, 10),
	).Replace(tmpl)
}

func formatListDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(listDateLayout)
}

func readHTML(resp *http.Response) (*goquery.Document, error) {
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	err := &httpx.StatusError{
		Service:    serviceName,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: httpx.RetryAfterDuration(resp, 0, time.Minute),
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// flexInt accepts numbers, numeric strings and null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("flexInt %q: %w", s, err)
		}
		n = int64(fl)
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}
