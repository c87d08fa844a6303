package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ExecutionStatus is the lifecycle state of a single Task run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is one attempt at running a Task against a given input. It is
// the unit the worker pool and retry executor actually operate on; a Job
// (queue-level) owns zero-or-one in-flight Execution at a time.
type Execution struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index" json:"task_id"`

	Input  datatypes.JSON `gorm:"column:input;type:jsonb" json:"input"`
	Output datatypes.JSON `gorm:"column:output;type:jsonb" json:"output,omitempty"`
	Error  string         `gorm:"column:error;type:text" json:"error,omitempty"`

	Status ExecutionStatus `gorm:"column:status;not null;index" json:"status"`

	QueuedAt    time.Time  `gorm:"column:queued_at;not null;default:now();index" json:"queued_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationMs  *int64     `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
}

func (Execution) TableName() string { return "execution" }

var executionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPending: {ExecutionRunning: true, ExecutionCancelled: true},
	ExecutionRunning: {ExecutionCompleted: true, ExecutionFailed: true, ExecutionCancelled: true},
}

// Transition moves the Execution to next, enforcing the allowed-edge
// table (Pending→Running→{Completed,Failed}; Pending|Running→Cancelled)
// and the StartedAt/CompletedAt/DurationMs invariants that go with each
// edge. now is passed in rather than read from time.Now so callers with a
// fixed clock (tests, replay) get deterministic timestamps.
func (e *Execution) Transition(next ExecutionStatus, now time.Time) error {
	allowed := executionTransitions[e.Status]
	if !allowed[next] {
		return fmt.Errorf("execution %s: invalid transition %s -> %s", e.ID, e.Status, next)
	}

	switch next {
	case ExecutionRunning:
		e.StartedAt = &now
	case ExecutionCompleted, ExecutionFailed:
		e.CompletedAt = &now
		if e.StartedAt != nil {
			d := now.Sub(*e.StartedAt).Milliseconds()
			e.DurationMs = &d
		}
	case ExecutionCancelled:
		e.CompletedAt = &now
		if e.StartedAt != nil {
			d := now.Sub(*e.StartedAt).Milliseconds()
			e.DurationMs = &d
		}
	}
	e.Status = next
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (e Execution) IsTerminal() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed || e.Status == ExecutionCancelled
}
