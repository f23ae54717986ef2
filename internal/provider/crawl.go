package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/resilience"
	"github.com/v-shaal/arbitageX/pkg/firecrawl"
	"github.com/v-shaal/arbitageX/pkg/jina"
)

// CrawlChain implements CrawlProvider by trying Firecrawl first and falling
// back to the Jina Reader when Firecrawl fails transiently. A detected block
// short-circuits the chain: if one scraper is blocked the others will be too.
type CrawlChain struct {
	firecrawl firecrawl.Client
	jina      jina.Client
	timeout   int // milliseconds passed to Firecrawl
}

// NewCrawlChain creates the production crawl provider. Either client may be
// nil, in which case that link is skipped.
func NewCrawlChain(fc firecrawl.Client, jc jina.Client) *CrawlChain {
	return &CrawlChain{firecrawl: fc, jina: jc, timeout: 30000}
}

func (c *CrawlChain) Fetch(ctx context.Context, url string) (*Page, error) {
	var lastErr error

	if c.firecrawl != nil {
		page, err := c.fetchFirecrawl(ctx, url)
		if err == nil {
			return page, nil
		}
		if resilience.IsPermanent(err) {
			return nil, err
		}
		zap.L().Debug("crawl: firecrawl failed, trying jina",
			zap.String("url", url),
			zap.Error(err),
		)
		lastErr = err
	}

	if c.jina != nil {
		page, err := c.fetchJina(ctx, url)
		if err == nil {
			return page, nil
		}
		if resilience.IsPermanent(err) {
			return nil, err
		}
		lastErr = err
	}

	if lastErr == nil {
		return nil, resilience.NewPermanentError(eris.New("crawl: no scraper configured"))
	}
	return nil, resilience.NewTransientError(eris.Wrap(lastErr, "crawl: all scrapers failed"), 0)
}

func (c *CrawlChain) fetchFirecrawl(ctx context.Context, url string) (*Page, error) {
	resp, err := c.firecrawl.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:             url,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
		Timeout:         c.timeout,
	})
	if err != nil {
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) && !resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, resilience.NewTransientError(err, 0)
	}

	if blocked, kind := DetectBlock(resp.Data.Metadata.StatusCode, resp.Data.Markdown); blocked {
		return nil, resilience.NewPermanentError(
			eris.Wrapf(ErrBlocked, "crawl: %s block on %s", kind, url))
	}
	if resp.Data.Markdown == "" {
		return nil, resilience.NewTransientError(eris.Errorf("crawl: empty content for %s", url), 0)
	}

	return &Page{
		URL:     url,
		Title:   resp.Data.Metadata.Title,
		Content: resp.Data.Markdown,
		Source:  "firecrawl",
	}, nil
}

func (c *CrawlChain) fetchJina(ctx context.Context, url string) (*Page, error) {
	resp, err := c.jina.Read(ctx, url)
	if err != nil {
		var apiErr *jina.APIError
		if errors.As(err, &apiErr) && !resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, resilience.NewTransientError(err, 0)
	}

	if blocked, kind := DetectBlock(0, resp.Data.Content); blocked {
		return nil, resilience.NewPermanentError(
			eris.Wrapf(ErrBlocked, "crawl: %s block on %s", kind, url))
	}
	if resp.Data.Content == "" {
		return nil, resilience.NewTransientError(eris.Errorf("crawl: empty content for %s", url), 0)
	}

	return &Page{
		URL:     url,
		Title:   resp.Data.Title,
		Content: resp.Data.Content,
		Source:  "jina",
	}, nil
}
