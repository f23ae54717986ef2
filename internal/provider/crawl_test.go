package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v-shaal/arbitageX/internal/resilience"
	"github.com/v-shaal/arbitageX/pkg/firecrawl"
	"github.com/v-shaal/arbitageX/pkg/jina"
)

type fakeFirecrawl struct {
	resp  *firecrawl.ScrapeResponse
	err   error
	calls int
}

func (f *fakeFirecrawl) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fakeJina struct {
	readResp   *jina.ReadResponse
	readErr    error
	searchResp *jina.SearchResponse
	searchErr  error
	readCalls  int
}

func (f *fakeJina) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	f.readCalls++
	return f.readResp, f.readErr
}

func (f *fakeJina) Search(ctx context.Context, query string, limit int) (*jina.SearchResponse, error) {
	return f.searchResp, f.searchErr
}

func scrapeOK(markdown string) *firecrawl.ScrapeResponse {
	return &firecrawl.ScrapeResponse{
		Success: true,
		Data: firecrawl.PageData{
			Markdown: markdown,
			Metadata: firecrawl.Metadata{Title: "Acme", StatusCode: 200},
		},
	}
}

func TestCrawlChain_FirecrawlFirst(t *testing.T) {
	fc := &fakeFirecrawl{resp: scrapeOK("# Acme\n\nWidgets.")}
	jc := &fakeJina{}
	chain := NewCrawlChain(fc, jc)

	page, err := chain.Fetch(context.Background(), "https://acme.example")
	require.NoError(t, err)
	assert.Equal(t, "firecrawl", page.Source)
	assert.Equal(t, "# Acme\n\nWidgets.", page.Content)
	assert.Equal(t, 1, fc.calls)
	assert.Zero(t, jc.readCalls)
}

func TestCrawlChain_FallsBackToJina(t *testing.T) {
	fc := &fakeFirecrawl{err: &firecrawl.APIError{StatusCode: 503, Body: "overloaded"}}
	jc := &fakeJina{readResp: &jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{Title: "Acme", Content: "Acme makes widgets."},
	}}
	chain := NewCrawlChain(fc, jc)

	page, err := chain.Fetch(context.Background(), "https://acme.example")
	require.NoError(t, err)
	assert.Equal(t, "jina", page.Source)
	assert.Equal(t, 1, fc.calls)
	assert.Equal(t, 1, jc.readCalls)
}

func TestCrawlChain_BlockShortCircuits(t *testing.T) {
	fc := &fakeFirecrawl{resp: &firecrawl.ScrapeResponse{
		Success: true,
		Data: firecrawl.PageData{
			Markdown: "Checking your browser before accessing",
			Metadata: firecrawl.Metadata{StatusCode: 200},
		},
	}}
	jc := &fakeJina{}
	chain := NewCrawlChain(fc, jc)

	_, err := chain.Fetch(context.Background(), "https://acme.example")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.ErrorIs(t, err, ErrBlocked)
	// The fallback must not be tried: it would hit the same wall.
	assert.Zero(t, jc.readCalls)
}

func TestCrawlChain_AllScrapersFailTransient(t *testing.T) {
	fc := &fakeFirecrawl{err: &firecrawl.APIError{StatusCode: 502, Body: "bad gateway"}}
	jc := &fakeJina{readErr: errors.New("dial tcp: i/o timeout")}
	chain := NewCrawlChain(fc, jc)

	_, err := chain.Fetch(context.Background(), "https://acme.example")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestCrawlChain_EmptyContentIsTransient(t *testing.T) {
	fc := &fakeFirecrawl{resp: scrapeOK("")}
	jc := &fakeJina{readResp: &jina.ReadResponse{Data: jina.ReadData{Content: ""}}}
	chain := NewCrawlChain(fc, jc)

	_, err := chain.Fetch(context.Background(), "https://acme.example")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 1, jc.readCalls)
}

func TestCrawlChain_NoScrapersConfigured(t *testing.T) {
	chain := NewCrawlChain(nil, nil)

	_, err := chain.Fetch(context.Background(), "https://acme.example")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestCrawlChain_PermanentJinaStatus(t *testing.T) {
	fc := &fakeFirecrawl{err: &firecrawl.APIError{StatusCode: 500, Body: "oops"}}
	jc := &fakeJina{readErr: &jina.APIError{StatusCode: 422, Body: "unprocessable"}}
	chain := NewCrawlChain(fc, jc)

	_, err := chain.Fetch(context.Background(), "https://acme.example")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}
