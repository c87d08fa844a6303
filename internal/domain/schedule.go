package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Schedule is a cron-driven recipe for enqueueing Jobs: on each fire the
// scheduler (G) renders InputTemplate through the template engine (I) and
// enqueues a Job for TaskID.
type Schedule struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index" json:"task_id"`
	Name   string    `gorm:"column:name;not null;index" json:"name"`

	// 5-field (robfig/cron standard) or 6-field (with seconds) expression;
	// which form applies is decided by field count at parse time.
	CronExpr string `gorm:"column:cron_expr;not null" json:"cron_expr"`
	Enabled  bool   `gorm:"column:enabled;not null;default:true;index" json:"enabled"`

	NextRun *time.Time `gorm:"column:next_run;index" json:"next_run,omitempty"`
	LastRun *time.Time `gorm:"column:last_run" json:"last_run,omitempty"`

	InputTemplate datatypes.JSON `gorm:"column:input_template;type:jsonb" json:"input_template,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Schedule) TableName() string { return "schedule" }

// HasSeconds reports whether CronExpr carries a leading seconds field,
// deciding whether the scheduler parses it with cron.WithSeconds().
func (s Schedule) HasSeconds() bool {
	return len(strings.Fields(s.CronExpr)) >= 6
}
