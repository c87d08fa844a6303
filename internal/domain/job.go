package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Priority is an explicit numeric ordering key, never a string to be
// alphabetically sorted — the queue's claim query orders on this value
// directly (see internal/queue).
type Priority int8

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// JobStatus is the queue-level lifecycle state, distinct from
// ExecutionStatus: a Job can be Retrying between two Executions.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRetrying   JobStatus = "retrying"
)

// Job is a queued unit of work: a Task plus input plus the retry/priority
// bookkeeping the queue (F) and executor (H) need to run it to completion.
type Job struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index" json:"task_id"`

	Input    datatypes.JSON `gorm:"column:input;type:jsonb" json:"input"`
	Priority Priority       `gorm:"column:priority;not null;default:1;index" json:"priority"`
	Status   JobStatus      `gorm:"column:status;not null;default:queued;index" json:"status"`

	RetryCount        int `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries        int `gorm:"column:max_retries;not null;default:0" json:"max_retries"`
	RetryDelaySeconds int `gorm:"column:retry_delay_seconds;not null;default:0" json:"retry_delay_seconds"`

	ScheduledFor *time.Time `gorm:"column:scheduled_for;index" json:"scheduled_for,omitempty"`
	ExecutionID  *uuid.UUID `gorm:"type:uuid;column:execution_id" json:"execution_id,omitempty"`
	ErrorMessage string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`

	OutputDestinations datatypes.JSON `gorm:"column:output_destinations;type:jsonb" json:"output_destinations,omitempty"`

	QueuedAt  time.Time      `gorm:"column:queued_at;not null;default:now();index" json:"queued_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// Runnable reports whether ScheduledFor has arrived (nil means immediately
// runnable).
func (j Job) Runnable(now time.Time) bool {
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}

// CanRetry reports whether another attempt is allowed under MaxRetries.
func (j Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}
