package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/provider"
)

// CrawlExecutor runs crawl tasks against a CrawlProvider.
type CrawlExecutor struct {
	provider provider.CrawlProvider
}

// NewCrawlExecutor creates a crawl executor.
func NewCrawlExecutor(p provider.CrawlProvider) *CrawlExecutor {
	return &CrawlExecutor{provider: p}
}

func (e *CrawlExecutor) Kind() model.TaskKind { return model.KindCrawl }

// Retryable: fetching a URL is idempotent.
func (e *CrawlExecutor) Retryable() bool { return true }

func (e *CrawlExecutor) Execute(ctx context.Context, task *model.Task) ([]byte, error) {
	var in model.CrawlInput
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}

	start := time.Now()
	page, err := e.provider.Fetch(ctx, in.URL)
	if err != nil {
		return nil, err
	}

	zap.L().Info("crawl: complete",
		zap.String("task_id", task.ID),
		zap.String("url", in.URL),
		zap.String("source", page.Source),
		zap.Int("content_bytes", len(page.Content)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.MustMarshal(model.CrawlOutput{
		URL:     page.URL,
		Title:   page.Title,
		Content: page.Content,
		Source:  page.Source,
	}), nil
}
