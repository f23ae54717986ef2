// Package monitoring aggregates task store counters for the metrics
// endpoint and the CLI status view.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

// Snapshot is a point-in-time aggregation of the task store.
type Snapshot struct {
	TakenAt       time.Time      `json:"taken_at"`
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByKind        map[string]int `json:"by_kind"`
	Pipelines     int            `json:"pipelines"`
	PipelinesDone int            `json:"pipelines_done"`
	Records       int            `json:"records"`
}

// Collector computes snapshots from the task store.
type Collector struct {
	store taskstore.Store
	// pageSize bounds one ListTasks call while paging.
	pageSize int
}

// NewCollector creates a Collector.
func NewCollector(store taskstore.Store) *Collector {
	return &Collector{store: store, pageSize: 500}
}

// Collect walks the task store and aggregates counts by status and kind.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		TakenAt:  time.Now().UTC(),
		ByStatus: make(map[string]int),
		ByKind:   make(map[string]int),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for offset := 0; ; offset += c.pageSize {
			page, err := c.store.ListTasks(gctx, taskstore.TaskFilter{Limit: c.pageSize, Offset: offset})
			if err != nil {
				return eris.Wrap(err, "monitoring: list tasks")
			}
			for _, t := range page {
				snap.Total++
				snap.ByStatus[string(t.Status)]++
				snap.ByKind[string(t.Kind)]++
				if t.Kind == model.KindMaster {
					snap.Pipelines++
					if t.Status.Terminal() {
						snap.PipelinesDone++
					}
				}
			}
			if len(page) < c.pageSize {
				return nil
			}
		}
	})

	g.Go(func() error {
		records, err := c.store.ListRecords(gctx, "")
		if err != nil {
			return eris.Wrap(err, "monitoring: list records")
		}
		snap.Records = len(records)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}
