package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskSourceKind is where a Task's executable definition lives.
type TaskSourceKind string

const (
	TaskSourceInline TaskSourceKind = "inline"
	TaskSourceFile   TaskSourceKind = "file"
	TaskSourceURL    TaskSourceKind = "url"
	TaskSourcePlugin TaskSourceKind = "plugin"
)

// Task is a registered, versioned unit of executable work. Only a
// validated, enabled Task may be handed to the executor (H) — see
// IsExecutable.
type Task struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name    string    `gorm:"column:name;not null;index" json:"name"`
	Version string    `gorm:"column:version;not null" json:"version"`

	InputSchema  datatypes.JSON `gorm:"column:input_schema;type:jsonb" json:"input_schema,omitempty"`
	OutputSchema datatypes.JSON `gorm:"column:output_schema;type:jsonb" json:"output_schema,omitempty"`

	SourceKind TaskSourceKind `gorm:"column:source_kind;not null" json:"source_kind"`
	SourceText string         `gorm:"column:source_text;type:text" json:"source_text,omitempty"`

	Enabled     bool       `gorm:"column:enabled;not null;default:true;index" json:"enabled"`
	ValidatedAt *time.Time `gorm:"column:validated_at" json:"validated_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "task" }

// IsExecutable reports whether the executor may dispatch this Task. A
// Task that has never passed ValidateTask, or has since been disabled,
// must not reach a worker.
func (t Task) IsExecutable() bool {
	return t.Enabled && t.ValidatedAt != nil
}
