package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/michiel/ratchet-sub006/internal/domain"
)

// AutoMigrateAll creates/updates every table the orchestration core owns.
// Worker is deliberately absent: it is in-memory only, owned by the pool.
func AutoMigrateAll(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&domain.Task{},
		&domain.Execution{},
		&domain.Job{},
		&domain.Schedule{},
		&domain.DeliveryRecord{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// EnsureIndexes adds composite/partial indexes GORM tags can't express
// directly, in particular the queue's claim-query support index.
func EnsureIndexes(gdb *gorm.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_job_status_priority_scheduled
		 ON job(status, priority DESC, queued_at ASC)
		 WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_enabled_next_run
		 ON schedule(enabled, next_run)
		 WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_record_job_destination
		 ON delivery_record(job_id, destination);`,
	}
	for _, stmt := range stmts {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}
