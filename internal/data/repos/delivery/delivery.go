// Package delivery is the append-only repo for domain.DeliveryRecord:
// writes happen once per attempt, reads are always history/audit queries,
// never an update-in-place.
package delivery

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

type Repo interface {
	Record(dbc dbctx.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.DeliveryRecord, error)
	FailureRateSince(dbc dbctx.Context, destination string, since time.Time) (total, failed int64, err error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "DeliveryRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Record(dbc dbctx.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *repo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.DeliveryRecord, error) {
	var out []*domain.DeliveryRecord
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FailureRateSince counts attempts and failures for destination since a
// cutoff, the input the delivery metrics component (L) turns into a
// per-destination failure ratio.
func (r *repo) FailureRateSince(dbc dbctx.Context, destination string, since time.Time) (int64, int64, error) {
	var total int64
	if err := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.DeliveryRecord{}).
		Where("destination = ? AND created_at >= ?", destination, since).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}

	var failed int64
	if err := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.DeliveryRecord{}).
		Where("destination = ? AND created_at >= ? AND success = ?", destination, since, false).
		Count(&failed).Error; err != nil {
		return 0, 0, err
	}

	return total, failed, nil
}
