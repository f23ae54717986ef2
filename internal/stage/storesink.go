package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/provider"
)

// StoreExecutor runs store tasks against a StorageSink.
type StoreExecutor struct {
	sink provider.StorageSink
}

// NewStoreExecutor creates a store executor.
func NewStoreExecutor(sink provider.StorageSink) *StoreExecutor {
	return &StoreExecutor{sink: sink}
}

func (e *StoreExecutor) Kind() model.TaskKind { return model.KindStore }

// Retryable: the aggregated payload is assembled before the task is created
// and the sink write is replay-safe.
func (e *StoreExecutor) Retryable() bool { return true }

func (e *StoreExecutor) Execute(ctx context.Context, task *model.Task) ([]byte, error) {
	var in model.StoreInput
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}

	start := time.Now()
	var ids []string
	if len(in.Records) > 0 {
		var err error
		ids, err = e.sink.Persist(ctx, in.EntityID, in.Records)
		if err != nil {
			return nil, err
		}
	}

	zap.L().Info("store: complete",
		zap.String("task_id", task.ID),
		zap.String("entity_id", in.EntityID),
		zap.Int("persisted", len(ids)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.MustMarshal(model.StoreOutput{
		RecordIDs: ids,
		Persisted: len(ids),
	}), nil
}
