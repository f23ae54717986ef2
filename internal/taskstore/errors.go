package taskstore

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/v-shaal/arbitageX/internal/model"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = eris.New("taskstore: task not found")

// ErrNotReady is returned when a task result is requested before completion.
var ErrNotReady = eris.New("taskstore: result not ready")

// InvalidTransitionError reports a status change the state machine forbids.
// It indicates either a programming bug or a lost compare-and-swap race; it
// is never retried.
type InvalidTransitionError struct {
	ID   string
	From model.TaskStatus
	To   model.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("taskstore: invalid transition %s -> %s for task %s", e.From, e.To, e.ID)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
