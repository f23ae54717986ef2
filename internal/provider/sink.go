package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/resilience"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

// RecordSink implements StorageSink by writing research records into the
// task-store database. The aggregated payload is fully assembled before
// Persist is called, so every failure is safe to replay.
type RecordSink struct {
	store taskstore.Store
}

// NewRecordSink creates the default storage sink.
func NewRecordSink(store taskstore.Store) *RecordSink {
	return &RecordSink{store: store}
}

func (s *RecordSink) Persist(ctx context.Context, entityID string, records []model.StructuredData) ([]string, error) {
	ids, err := s.store.SaveRecords(ctx, entityID, records)
	if err != nil {
		return nil, resilience.NewTransientError(
			eris.Wrapf(err, "sink: persist records for %s", entityID), 0)
	}
	return ids, nil
}
