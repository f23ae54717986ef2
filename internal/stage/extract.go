package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/provider"
)

// ExtractExecutor runs extract tasks against an ExtractionProvider.
type ExtractExecutor struct {
	provider provider.ExtractionProvider
}

// NewExtractExecutor creates an extract executor.
func NewExtractExecutor(p provider.ExtractionProvider) *ExtractExecutor {
	return &ExtractExecutor{provider: p}
}

func (e *ExtractExecutor) Kind() model.TaskKind { return model.KindExtract }

// Retryable: extraction has no side effects; re-running on malformed model
// output is the intended recovery path.
func (e *ExtractExecutor) Retryable() bool { return true }

func (e *ExtractExecutor) Execute(ctx context.Context, task *model.Task) ([]byte, error) {
	var in model.ExtractInput
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := e.provider.Extract(ctx, provider.Page{URL: in.URL, Content: in.Content})
	if err != nil {
		return nil, err
	}

	zap.L().Info("extract: complete",
		zap.String("task_id", task.ID),
		zap.String("url", in.URL),
		zap.Float64("confidence", data.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.MustMarshal(model.ExtractOutput{Data: *data}), nil
}
