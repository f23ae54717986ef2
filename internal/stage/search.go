package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/provider"
)

// SearchExecutor runs search tasks against a SearchProvider.
type SearchExecutor struct {
	provider   provider.SearchProvider
	maxResults int
}

// NewSearchExecutor creates a search executor. maxResults caps the fan-out
// width regardless of what the provider returns.
func NewSearchExecutor(p provider.SearchProvider, maxResults int) *SearchExecutor {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &SearchExecutor{provider: p, maxResults: maxResults}
}

func (e *SearchExecutor) Kind() model.TaskKind { return model.KindSearch }

// Retryable: a web search is idempotent.
func (e *SearchExecutor) Retryable() bool { return true }

func (e *SearchExecutor) Execute(ctx context.Context, task *model.Task) ([]byte, error) {
	var in model.SearchInput
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}

	limit := in.MaxResults
	if limit <= 0 || limit > e.maxResults {
		limit = e.maxResults
	}

	start := time.Now()
	candidates, err := e.provider.Search(ctx, in.Query, limit)
	if err != nil {
		return nil, err
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	zap.L().Info("search: complete",
		zap.String("task_id", task.ID),
		zap.String("query", in.Query),
		zap.Int("candidates", len(candidates)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.MustMarshal(model.SearchOutput{Candidates: candidates}), nil
}
