package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

// FanIn decides when a fan-out group has fully resolved and aggregates the
// successful outputs for the next stage.
type FanIn struct {
	store taskstore.Store
}

// NewFanIn creates a fan-in coordinator.
func NewFanIn(store taskstore.Store) *FanIn {
	return &FanIn{store: store}
}

// GroupStatus is the result of a CheckGroup call.
type GroupStatus struct {
	// Total is the number of crawl branches in the group.
	Total int
	// Pending counts branches that have not reached a terminal state yet,
	// including completed crawls whose extract task has not resolved.
	Pending int
	// AllTerminal is true once every branch has fully resolved.
	AllTerminal bool
	// Succeeded / Failed partition the branches once AllTerminal is true.
	Succeeded int
	Failed    int
	// Outputs holds the structured records of successful extractions, in
	// insertion order.
	Outputs []model.StructuredData
	// TaskIDs lists every member task of the group, in insertion order.
	TaskIDs []string
}

// CheckGroup inspects the group and reports whether every branch reached a
// terminal state. It is a pure read: safe to invoke concurrently and
// repeatedly for the same group. Because task statuses only move forward,
// AllTerminal can never flip back to false once observed.
//
// A branch is one crawl task plus, if the crawl completed, its dependent
// extract task. A failed or cancelled crawl terminates its branch without
// an extract.
func (f *FanIn) CheckGroup(ctx context.Context, groupID string) (*GroupStatus, error) {
	tasks, err := f.store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, eris.Wrapf(err, "fanin: list group %s", groupID)
	}

	status := &GroupStatus{}
	var completedCrawls, extracts int
	for _, t := range tasks {
		status.TaskIDs = append(status.TaskIDs, t.ID)
		switch t.Kind {
		case model.KindCrawl:
			status.Total++
			if !t.Status.Terminal() {
				status.Pending++
			} else if t.Status == model.StatusCompleted {
				completedCrawls++
			}
		case model.KindExtract:
			extracts++
			if !t.Status.Terminal() {
				status.Pending++
				continue
			}
			if t.Status == model.StatusCompleted {
				var out model.ExtractOutput
				if err := json.Unmarshal(t.Output, &out); err != nil {
					return nil, eris.Wrapf(err, "fanin: decode extract output %s", t.ID)
				}
				status.Outputs = append(status.Outputs, out.Data)
			}
		}
	}

	// A completed crawl whose extract task has not been created yet still
	// counts as pending; the dispatcher creates the extract before the
	// crawl's completion is visible as resolved.
	if extracts < completedCrawls {
		status.Pending += completedCrawls - extracts
	}

	status.AllTerminal = status.Pending == 0
	if status.AllTerminal {
		status.Succeeded = len(status.Outputs)
		status.Failed = status.Total - status.Succeeded
	}
	return status, nil
}
