// Package fetcher walks a catalog category page by page until the reported
// total or the configured cap is reached.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	WarnCapExceeded = "fetch_cap_exceeded"
	WarnEmptyPage   = "empty_page_before_total"
)

// Lister is the catalog capability the fetcher needs.
type Lister interface {
	ListPage(ctx context.Context, req catalog.PageRequest) (catalog.Page, error)
}

type DateRange struct {
	From *time.Time
	To   *time.Time
}

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type FetchResult struct {
	Records        []catalog.CatalogRecord
	TotalAvailable int
	Requests       int
	Warnings       []Warning
}

type Config struct {
	MaxRecords      int
	DefaultPageSize int
	// RequestsPerSecond spaces page requests; <= 0 disables pacing.
	RequestsPerSecond float64
	RetryDelay        time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		MaxRecords:        envutil.Int("FETCH_MAX_RECORDS", 2000),
		DefaultPageSize:   envutil.Int("FETCH_PAGE_SIZE", 100),
		RequestsPerSecond: envutil.Float("FETCH_REQUESTS_PER_SECOND", 1),
		RetryDelay:        envutil.Duration("FETCH_RETRY_DELAY", 2*time.Second),
	}
}

type Fetcher struct {
	log     *logger.Logger
	lister  Lister
	cfg     Config
	limiter *rate.Limiter
}

func New(log *logger.Logger, lister Lister, cfg Config) *Fetcher {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 2000
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Fetcher{
		log:     log.With("component", "SourceFetcher"),
		lister:  lister,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Fetch returns every record of category within r, up to the cap. Exceeding
// the cap and an early empty page are warnings; a page that fails twice is
// an error.
func (f *Fetcher) Fetch(ctx context.Context, category string, r DateRange, pageSize int) (FetchResult, error) {
	if pageSize <= 0 {
		pageSize = f.cfg.DefaultPageSize
	}
	ctx, span := observability.StartSpan(ctx, "fetcher.fetch",
		attribute.String("catalog.category", category),
		attribute.Int("fetch.page_size", pageSize),
	)
	res, err := f.fetch(ctx, category, r, pageSize)
	span.SetAttributes(
		attribute.Int("fetch.records", len(res.Records)),
		attribute.Int("fetch.total_available", res.TotalAvailable),
		attribute.Int("fetch.requests", res.Requests),
	)
	observability.EndSpan(span, err)
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, category string, r DateRange, pageSize int) (FetchResult, error) {
	var res FetchResult
	seen := map[string]struct{}{}
	target := -1
	start := 0

	for {
		remaining := f.cfg.MaxRecords - len(res.Records)
		if remaining <= 0 {
			break
		}
		req := catalog.PageRequest{
			Category: category,
			Start:    start,
			Length:   minInt(pageSize, remaining),
			From:     r.From,
			To:       r.To,
		}
		page, calls, err := f.fetchPage(ctx, req)
		res.Requests += calls
		if err != nil {
			return res, fmt.Errorf("fetch %s page at %d: %w", category, start, err)
		}

		if target < 0 {
			res.TotalAvailable = page.Total
			target = minInt(page.Total, f.cfg.MaxRecords)
			if page.Total > f.cfg.MaxRecords {
				f.warn(&res, category, WarnCapExceeded,
					fmt.Sprintf("%d records available, fetching the first %d", page.Total, f.cfg.MaxRecords))
			}
		}

		if len(page.Records) == 0 {
			observability.Current().IncFetchPage(category, "empty")
			if len(res.Records) < target {
				f.warn(&res, category, WarnEmptyPage,
					fmt.Sprintf("empty page at offset %d after %d of %d records", start, len(res.Records), target))
			}
			break
		}
		observability.Current().IncFetchPage(category, "ok")

		for _, rec := range page.Records {
			if len(res.Records) >= f.cfg.MaxRecords {
				break
			}
			if _, dup := seen[rec.SourceID]; dup {
				continue
			}
			seen[rec.SourceID] = struct{}{}
			res.Records = append(res.Records, rec)
		}
		if len(res.Records) >= target {
			break
		}
		start += len(page.Records)
	}

	f.log.Info("fetch complete",
		"category", category,
		"records", len(res.Records),
		"total_available", res.TotalAvailable,
		"requests", res.Requests,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// fetchPage requests one page and re-requests it exactly once on a
// transient failure.
func (f *Fetcher) fetchPage(ctx context.Context, req catalog.PageRequest) (catalog.Page, int, error) {
	calls := 0
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return catalog.Page{}, calls, err
		}
		calls++
		page, err := f.lister.ListPage(ctx, req)
		if err == nil {
			return page, calls, nil
		}
		lastErr = err
		observability.Current().IncFetchPage(req.Category, "error")
		if attempt == 2 || !retry.IsTransient(err) {
			break
		}
		f.log.Warn("catalog page failed, retrying once", "category", req.Category, "start", req.Start, "error", err)
		if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
			return catalog.Page{}, calls, err
		}
	}
	return catalog.Page{}, calls, lastErr
}

func (f *Fetcher) warn(res *FetchResult, category, code, msg string) {
	res.Warnings = append(res.Warnings, Warning{Code: code, Message: msg})
	observability.Current().IncFetchWarning(category, code)
	f.log.Warn(code, "category", category, "detail", msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
