package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

// fakeCatalog serves total records, optionally failing or emptying pages.
type fakeCatalog struct {
	mu        sync.Mutex
	total     int
	emptyFrom int
	failures  map[int]int
	calls     []catalog.PageRequest
}

func (f *fakeCatalog) ListPage(_ context.Context, req catalog.PageRequest) (catalog.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if n := f.failures[req.Start]; n > 0 {
		f.failures[req.Start] = n - 1
		return catalog.Page{}, &httpx.StatusError{Service: "catalog", StatusCode: http.StatusServiceUnavailable}
	}
	page := catalog.Page{Total: f.total}
	if f.emptyFrom > 0 && req.Start >= f.emptyFrom {
		return page, nil
	}
	for i := req.Start; i < f.total && i < req.Start+req.Length; i++ {
		page.Records = append(page.Records, catalog.CatalogRecord{SourceID: fmt.Sprintf("KA-%d", i+1)})
	}
	return page, nil
}

func newFetcher(lister Lister, maxRecords int) *Fetcher {
	return New(logger.Nop(), lister, Config{MaxRecords: maxRecords, DefaultPageSize: 100})
}

func TestFetchThreePages(t *testing.T) {
	fake := &fakeCatalog{total: 230}
	res, err := newFetcher(fake, 2000).Fetch(context.Background(), "tenders", DateRange{}, 100)
	require.NoError(t, err)
	require.Len(t, res.Records, 230)
	require.Equal(t, 230, res.TotalAvailable)
	require.Equal(t, 3, res.Requests)
	require.Len(t, fake.calls, 3)
	require.Equal(t, []int{0, 100, 200}, []int{fake.calls[0].Start, fake.calls[1].Start, fake.calls[2].Start})
	require.Empty(t, res.Warnings)
}

func TestFetchExactTotal(t *testing.T) {
	for _, total := range []int{0, 1, 99, 100, 101, 450} {
		fake := &fakeCatalog{total: total}
		res, err := newFetcher(fake, 2000).Fetch(context.Background(), "auctions", DateRange{}, 100)
		require.NoError(t, err)
		require.Len(t, res.Records, total, "total=%d", total)
		require.Empty(t, res.Warnings, "total=%d", total)
	}
}

func TestFetchCapWarning(t *testing.T) {
	fake := &fakeCatalog{total: 1000}
	res, err := newFetcher(fake, 250).Fetch(context.Background(), "tenders", DateRange{}, 100)
	require.NoError(t, err)
	require.Len(t, res.Records, 250)
	require.Equal(t, 1000, res.TotalAvailable)
	require.Equal(t, 3, res.Requests)
	require.Equal(t, 50, fake.calls[2].Length)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, WarnCapExceeded, res.Warnings[0].Code)
}

func TestFetchEmptyPageBeforeTotal(t *testing.T) {
	fake := &fakeCatalog{total: 230, emptyFrom: 100}
	res, err := newFetcher(fake, 2000).Fetch(context.Background(), "practices", DateRange{}, 100)
	require.NoError(t, err)
	require.Len(t, res.Records, 100)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, WarnEmptyPage, res.Warnings[0].Code)
}

func TestFetchRetriesTransientOnce(t *testing.T) {
	fake := &fakeCatalog{total: 150, failures: map[int]int{100: 1}}
	res, err := newFetcher(fake, 2000).Fetch(context.Background(), "tenders", DateRange{}, 100)
	require.NoError(t, err)
	require.Len(t, res.Records, 150)
	require.Equal(t, 3, res.Requests)

	fake = &fakeCatalog{total: 150, failures: map[int]int{100: 2}}
	res, err = newFetcher(fake, 2000).Fetch(context.Background(), "tenders", DateRange{}, 100)
	require.Error(t, err)
	require.Equal(t, 3, res.Requests)
	require.Len(t, res.Records, 100)
}

type permanentLister struct{ calls int }

func (p *permanentLister) ListPage(context.Context, catalog.PageRequest) (catalog.Page, error) {
	p.calls++
	return catalog.Page{}, &httpx.StatusError{Service: "catalog", StatusCode: http.StatusBadRequest}
}

func TestFetchDoesNotRetryPermanent(t *testing.T) {
	p := &permanentLister{}
	_, err := newFetcher(p, 2000).Fetch(context.Background(), "tenders", DateRange{}, 100)
	require.Error(t, err)
	require.Equal(t, 1, p.calls)
}
