package execution

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	pkgerrors "github.com/michiel/ratchet-sub006/internal/pkg/errors"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

type Repo interface {
	Create(dbc dbctx.Context, e *domain.Execution) (*domain.Execution, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Execution, error)
	Save(dbc dbctx.Context, e *domain.Execution) error
	ListByTask(dbc dbctx.Context, taskID uuid.UUID, limit int) ([]*domain.Execution, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "ExecutionRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Create(dbc dbctx.Context, e *domain.Execution) (*domain.Execution, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Execution, error) {
	var e domain.Execution
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Save persists the full row, used after Execution.Transition mutates
// status/timestamps in place.
func (r *repo) Save(dbc dbctx.Context, e *domain.Execution) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Save(e).Error
}

func (r *repo) ListByTask(dbc dbctx.Context, taskID uuid.UUID, limit int) ([]*domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.Execution
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("queued_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
