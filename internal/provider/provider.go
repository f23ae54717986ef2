// Package provider defines the collaborator contracts the pipeline stages
// depend on, plus the production adapters. The orchestration core only ever
// sees these interfaces; every concrete backend is swappable.
package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/v-shaal/arbitageX/internal/model"
)

// Page is one fetched web page.
type Page struct {
	URL     string
	Title   string
	Content string
	Source  string // which backend produced it, e.g. "firecrawl", "jina"
}

// SearchProvider discovers candidate sources for a query. An empty result
// is not an error. Failures are transient unless wrapped permanent.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]model.Candidate, error)
}

// CrawlProvider fetches a single URL. Network failures are transient;
// ErrBlocked is permanent.
type CrawlProvider interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// ExtractionProvider turns page content into a structured record.
type ExtractionProvider interface {
	Extract(ctx context.Context, page Page) (*model.StructuredData, error)
}

// StorageSink persists the aggregated records for an entity. The payload is
// fully assembled before the call, so persist failures are always safe to
// retry.
type StorageSink interface {
	Persist(ctx context.Context, entityID string, records []model.StructuredData) ([]string, error)
}

// ErrBlocked indicates the source refuses automated access (robots.txt,
// anti-bot challenge). Retrying cannot help.
var ErrBlocked = eris.New("provider: source blocked")
