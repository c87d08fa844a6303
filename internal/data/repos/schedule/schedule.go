// Package schedule is the thin CRUD repo for domain.Schedule, following
// the same shape as internal/data/repos/task.
package schedule

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	pkgerrors "github.com/michiel/ratchet-sub006/internal/pkg/errors"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

type Repo interface {
	Create(dbc dbctx.Context, s *domain.Schedule) (*domain.Schedule, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Schedule, error)
	ListEnabled(dbc dbctx.Context) ([]*domain.Schedule, error)
	SetEnabled(dbc dbctx.Context, id uuid.UUID, enabled bool) error
	RecordFire(dbc dbctx.Context, id uuid.UUID, lastRun, nextRun time.Time) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "ScheduleRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Create(dbc dbctx.Context, s *domain.Schedule) (*domain.Schedule, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Schedule, error) {
	var s domain.Schedule
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListEnabled returns every enabled schedule, the set the scheduler (G)
// loads at startup and on each reconcile pass to rebuild its cron entries.
func (r *repo) ListEnabled(dbc dbctx.Context) ([]*domain.Schedule, error) {
	var out []*domain.Schedule
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("enabled = ?", true).
		Order("name ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) SetEnabled(dbc dbctx.Context, id uuid.UUID, enabled bool) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": time.Now()}).Error
}

func (r *repo) RecordFire(dbc dbctx.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_run": lastRun, "next_run": nextRun, "updated_at": time.Now()}).Error
}

func (r *repo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Delete(&domain.Schedule{}).Error
}
