package task

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
	Create(dbc dbctx.Context, t *domain.Task) (*domain.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	GetByNameVersion(dbc dbctx.Context, name, version string) (*domain.Task, error)
	MarkValidated(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	List(dbc dbctx.Context, enabledOnly bool) ([]*domain.Task, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Create(dbc dbctx.Context, t *domain.Task) (*domain.Task, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repo) GetByNameVersion(dbc dbctx.Context, name, version string) (*domain.Task, error) {
	var t domain.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("name = ? AND version = ?", name, version).
		First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repo) MarkValidated(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"validated_at": at, "updated_at": time.Now()}).Error
}

func (r *repo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) List(dbc dbctx.Context, enabledOnly bool) ([]*domain.Task, error) {
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Task{})
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []*domain.Task
	if err := q.Order("name ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
