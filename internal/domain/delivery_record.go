package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryRecord is an append-only ledger entry for one (Job,
// destination) delivery attempt, mirroring the job_run_event ledger
// pattern: write-once, read for history/audit, never updated in place.
type DeliveryRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID       uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	Destination string    `gorm:"column:destination;not null;index" json:"destination"`

	Success         bool          `gorm:"column:success;not null" json:"success"`
	Bytes           int64         `gorm:"column:bytes;not null;default:0" json:"bytes"`
	Duration        time.Duration `gorm:"column:duration_ns;not null;default:0" json:"duration_ns"`
	ResponseSnippet string        `gorm:"column:response_snippet;type:text" json:"response_snippet,omitempty"`
	ErrorKind       string        `gorm:"column:error_kind" json:"error_kind,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (DeliveryRecord) TableName() string { return "delivery_record" }
