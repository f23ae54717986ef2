// Package taskstore provides durable storage for pipeline tasks and the
// research records the store stage persists.
package taskstore

import (
	"context"
	"time"

	"github.com/v-shaal/arbitageX/internal/model"
)

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status model.TaskStatus `json:"status,omitempty"`
	Kind   model.TaskKind   `json:"kind,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// ResearchRecord is one persisted structured-data payload for an entity.
type ResearchRecord struct {
	ID        string               `json:"id"`
	EntityID  string               `json:"entity_id"`
	SourceURL string               `json:"source_url,omitempty"`
	Data      model.StructuredData `json:"data"`
	CreatedAt time.Time            `json:"created_at"`
}

// Store defines the persistence interface for the orchestrator.
//
// UpdateStatus is the single write path for status changes. It enforces the
// state machine with a compare-and-swap on the current status, so concurrent
// writers for the same task serialize on the database row and exactly one
// wins; losers get an InvalidTransitionError.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.TaskStatus, output []byte, taskErr *model.TaskError) (*model.Task, error)
	IncrementAttempt(ctx context.Context, id string) (int, error)

	// Lookup; ordering is insertion order.
	ListByGroup(ctx context.Context, groupID string) ([]model.Task, error)
	ListByParent(ctx context.Context, parentID string) ([]model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	ListRunningSince(ctx context.Context, startedBefore time.Time) ([]model.Task, error)

	// ClaimGroup marks a group as fanned in. Exactly one caller per group
	// observes true; every later call observes false. Guards the
	// one-store-task-per-group invariant.
	ClaimGroup(ctx context.Context, groupID string) (bool, error)

	// Research records (storage sink)
	SaveRecords(ctx context.Context, entityID string, records []model.StructuredData) ([]string, error)
	ListRecords(ctx context.Context, entityID string) ([]ResearchRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// statusFrom maps a target status to the set of statuses the state machine
// allows it to be entered from. Used to build CAS predicates.
func statusFrom(to model.TaskStatus) []model.TaskStatus {
	switch to {
	case model.StatusRunning:
		return []model.TaskStatus{model.StatusPending}
	case model.StatusCompleted, model.StatusFailed:
		return []model.TaskStatus{model.StatusRunning}
	case model.StatusCancelled:
		return []model.TaskStatus{model.StatusPending, model.StatusRunning}
	}
	return nil
}
