// Package stage implements one executor per pipeline stage behind a common
// interface. Executors are pure workers: they read the task input, call
// their provider, and return an output payload. They never touch the task
// store or create other tasks; that is the dispatcher's job.
package stage

import (
	"context"
	"encoding/json"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/resilience"
)

// Executor runs one task of its kind.
type Executor interface {
	// Kind identifies which task kind this executor handles.
	Kind() model.TaskKind

	// Retryable declares whether the dispatcher may re-invoke this executor
	// on transient failure. Only idempotent executors may return true; this
	// is a declared property, not inferred.
	Retryable() bool

	// Execute runs the stage and returns the output payload. Errors must be
	// classified (resilience.TransientError / PermanentError) so the
	// dispatcher can decide retry vs. give up without reinterpreting them.
	Execute(ctx context.Context, task *model.Task) ([]byte, error)
}

// decodeInput unmarshals a task input that was validated at creation time.
// A decode failure here means the stored payload was corrupted, which is
// permanent by definition.
func decodeInput(task *model.Task, v any) error {
	if err := json.Unmarshal(task.Input, v); err != nil {
		return resilience.NewPermanentError(
			&model.ValidationError{Kind: task.Kind, Msg: err.Error()})
	}
	return nil
}
