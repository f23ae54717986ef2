// Package model defines the task records and stage payloads shared by the
// orchestrator, store, and API layers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies which pipeline stage a task belongs to.
type TaskKind string

const (
	KindMaster  TaskKind = "master"
	KindSearch  TaskKind = "search"
	KindCrawl   TaskKind = "crawl"
	KindExtract TaskKind = "extract"
	KindStore   TaskKind = "store"
)

// KnownKinds lists every valid task kind.
var KnownKinds = []TaskKind{KindMaster, KindSearch, KindCrawl, KindExtract, KindStore}

// Valid reports whether k is a recognized task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindMaster, KindSearch, KindCrawl, KindExtract, KindStore:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions encodes the one-way status lattice. A reader never observes a
// task moving backwards, which keeps concurrent group checks lock-free.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorCode classifies a task failure for retry decisions and reporting.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "validation"
	ErrCodeTransient  ErrorCode = "transient"
	ErrCodePermanent  ErrorCode = "permanent"
	ErrCodeTimeout    ErrorCode = "timeout"
	ErrCodeCancelled  ErrorCode = "cancelled"
)

// TaskError is the structured failure description recorded on a failed task.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Stage   TaskKind  `json:"stage,omitempty"`
	Message string    `json:"message"`
	// Succeeded/Failed summarize fan-out branches when the error describes a
	// whole pipeline rather than a single task.
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`
}

func (e *TaskError) Error() string {
	return e.Message
}

// Retryable reports whether the dispatcher may re-attempt the failed task.
func (e *TaskError) Retryable() bool {
	return e != nil && (e.Code == ErrCodeTransient || e.Code == ErrCodeTimeout)
}

// Task is the unit of work tracked by the orchestrator. Output and Error are
// mutually exclusive and both unset until the task leaves running.
type Task struct {
	ID           string     `json:"id"`
	Kind         TaskKind   `json:"kind"`
	Status       TaskStatus `json:"status"`
	ParentID     string     `json:"parent_id,omitempty"`
	GroupID      string     `json:"group_id,omitempty"`
	EntityID     string     `json:"entity_id,omitempty"`
	Input        []byte     `json:"input,omitempty"`
	Output       []byte     `json:"output,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewTask builds a pending task with a fresh id.
func NewTask(kind TaskKind, parentID, groupID, entityID string, input []byte) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		ParentID:  parentID,
		GroupID:   groupID,
		EntityID:  entityID,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
}
