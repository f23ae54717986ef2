package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/resilience"
	"github.com/v-shaal/arbitageX/pkg/jina"
)

// JinaSearch implements SearchProvider on the Jina Search API.
type JinaSearch struct {
	client jina.Client
}

// NewJinaSearch creates a search provider backed by Jina.
func NewJinaSearch(client jina.Client) *JinaSearch {
	return &JinaSearch{client: client}
}

func (s *JinaSearch) Search(ctx context.Context, query string, limit int) ([]model.Candidate, error) {
	resp, err := s.client.Search(ctx, query, limit)
	if err != nil {
		return nil, classifySearchErr(err)
	}

	candidates := make([]model.Candidate, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		snippet := r.Description
		if snippet == "" {
			snippet = r.Content
		}
		candidates = append(candidates, model.Candidate{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: truncate(snippet, 500),
		})
	}

	zap.L().Debug("search: candidates discovered",
		zap.String("query", query),
		zap.Int("count", len(candidates)),
	)
	return candidates, nil
}

// classifySearchErr treats provider failures as transient: the search backend
// either recovers or the retry budget runs out.
func classifySearchErr(err error) error {
	var apiErr *jina.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return resilience.NewPermanentError(eris.Wrap(err, "search: provider rejected query"))
	}
	return resilience.NewTransientError(err, 0)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
