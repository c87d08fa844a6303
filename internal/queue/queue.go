// Package queue owns the Job state machine and the transactional claim
// that hands a Queued/Retrying job to exactly one executor, generalizing
// the teacher's jobs.JobRunRepo.ClaimNextRunnable (SELECT ... FOR UPDATE
// SKIP LOCKED) from a single-status filter to priority-ordered claiming
// across {Queued, Retrying}.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	pkgerrors "github.com/michiel/ratchet-sub006/internal/pkg/errors"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

// ErrEmpty is returned by Claim when no runnable job is currently available.
var ErrEmpty = errors.New("queue: no runnable job")

// ErrQueueFull is returned by Enqueue once the number of non-terminal jobs
// reaches the configured MaxQueueSize.
var ErrQueueFull = errors.New("queue: full")

// ErrStaleStatus is returned by MarkCompleted/MarkFailedOrRetrying when the
// job is no longer Processing — a concurrent mark_* call, a lease sweep, or
// a cancellation already moved it, and the row-level precondition in the
// UPDATE's WHERE clause matched zero rows.
var ErrStaleStatus = errors.New("queue: job is not in the expected status")

// Config bounds batch dequeues and total queue depth, grounded on spec
// 4.F's max_dequeue_batch_size/max_queue_size.
type Config struct {
	MaxDequeueBatchSize int
	MaxQueueSize        int
}

func (c Config) withDefaults() Config {
	if c.MaxDequeueBatchSize <= 0 {
		c.MaxDequeueBatchSize = 50
	}
	return c
}

// Queue is the operations the scheduler (G), executor (H), and any
// enqueue-facing caller need against the job table.
type Queue interface {
	Enqueue(dbc dbctx.Context, taskID uuid.UUID, input datatypes.JSON, priority domain.Priority, maxRetries int, destinations []string) (*domain.Job, error)
	// Claim atomically locks and returns the highest-priority runnable job,
	// marking it Processing. Ordering: priority DESC (explicit numeric map,
	// never alphabetic), then queued_at ASC (FIFO within a priority band).
	Claim(dbc dbctx.Context) (*domain.Job, error)
	// DequeueJobs atomically locks and returns up to batchSize runnable
	// jobs in the same priority-then-FIFO order as Claim, marking each
	// Processing in one transaction. batchSize is capped at the queue's
	// configured MaxDequeueBatchSize.
	DequeueJobs(dbc dbctx.Context, batchSize int) ([]*domain.Job, error)
	// MarkProcessing transitions a Queued or Retrying job to Processing
	// outside of Claim/DequeueJobs, e.g. when a caller already holds a job
	// id (ExecuteJob's direct-dispatch path) rather than having pulled it
	// off the queue itself.
	MarkProcessing(dbc dbctx.Context, id uuid.UUID) error
	MarkCompleted(dbc dbctx.Context, id uuid.UUID, executionID uuid.UUID) error
	MarkFailedOrRetrying(dbc dbctx.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error
	Cancel(dbc dbctx.Context, id uuid.UUID) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	// SweepExpiredLeases requeues jobs stuck Processing past leaseTimeout —
	// the "lease sweep" that reclaims work after an executor crash without a
	// heartbeat, grounded on the teacher's staleRunning branch of
	// ClaimNextRunnable generalized into its own scan.
	SweepExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error)
}

type queue struct {
	db  *gorm.DB
	log *logger.Logger
	cfg Config
}

func New(db *gorm.DB, baseLog *logger.Logger) Queue {
	return NewWithConfig(db, Config{}, baseLog)
}

func NewWithConfig(db *gorm.DB, cfg Config, baseLog *logger.Logger) Queue {
	return &queue{db: db, cfg: cfg.withDefaults(), log: baseLog.With("component", "queue")}
}

// nonTerminalStatuses are the Job statuses that count against MaxQueueSize:
// anything not yet Completed, Failed, or Cancelled.
var nonTerminalStatuses = []domain.JobStatus{domain.JobQueued, domain.JobProcessing, domain.JobRetrying}

func (q *queue) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return q.db
}

func (q *queue) Enqueue(dbc dbctx.Context, taskID uuid.UUID, input datatypes.JSON, priority domain.Priority, maxRetries int, destinations []string) (*domain.Job, error) {
	destJSON, err := toJSONArray(destinations)
	if err != nil {
		return nil, err
	}
	job := &domain.Job{
		TaskID:             taskID,
		Input:              input,
		Priority:           priority,
		Status:             domain.JobQueued,
		MaxRetries:         maxRetries,
		OutputDestinations: destJSON,
		QueuedAt:           time.Now(),
	}

	transaction := q.tx(dbc)
	err = transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if q.cfg.MaxQueueSize > 0 {
			var depth int64
			if cErr := txx.Model(&domain.Job{}).
				Where("status IN ?", nonTerminalStatuses).
				Count(&depth).Error; cErr != nil {
				return cErr
			}
			if depth >= int64(q.cfg.MaxQueueSize) {
				return ErrQueueFull
			}
		}
		return txx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// claimOrderSQL orders strictly on the numeric Priority column; kept as a
// literal constant so the ordering can never silently regress to an
// alphabetic sort on a string priority column during a later refactor.
const claimOrderSQL = "priority DESC, queued_at ASC"

func (q *queue) Claim(dbc dbctx.Context) (*domain.Job, error) {
	transaction := q.tx(dbc)
	now := time.Now()

	var claimed *domain.Job
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ? AND (scheduled_for IS NULL OR scheduled_for <= ?)",
				[]domain.JobStatus{domain.JobQueued, domain.JobRetrying}, now).
			Order(claimOrderSQL).
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return ErrEmpty
		}
		if qErr != nil {
			return qErr
		}

		if uErr := txx.Model(&domain.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     domain.JobProcessing,
				"updated_at": now,
			}).Error; uErr != nil {
			return uErr
		}
		job.Status = domain.JobProcessing
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// DequeueJobs is Claim generalized to a batch: it locks up to batchSize
// runnable rows in the same priority-then-FIFO order and transitions all
// of them to Processing inside one transaction, so a crash between the
// lock and the status write can never leave a row both claimed by this
// call and still visible to another.
func (q *queue) DequeueJobs(dbc dbctx.Context, batchSize int) ([]*domain.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if batchSize > q.cfg.MaxDequeueBatchSize {
		batchSize = q.cfg.MaxDequeueBatchSize
	}

	transaction := q.tx(dbc)
	now := time.Now()

	var claimed []*domain.Job
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var jobs []domain.Job
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ? AND (scheduled_for IS NULL OR scheduled_for <= ?)",
				[]domain.JobStatus{domain.JobQueued, domain.JobRetrying}, now).
			Order(claimOrderSQL).
			Limit(batchSize).
			Find(&jobs).Error
		if qErr != nil {
			return qErr
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		if uErr := txx.Model(&domain.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     domain.JobProcessing,
				"updated_at": now,
			}).Error; uErr != nil {
			return uErr
		}

		claimed = make([]*domain.Job, len(jobs))
		for i := range jobs {
			jobs[i].Status = domain.JobProcessing
			claimed[i] = &jobs[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *queue) MarkProcessing(dbc dbctx.Context, id uuid.UUID) error {
	res := q.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobQueued, domain.JobRetrying}).
		Updates(map[string]interface{}{
			"status":     domain.JobProcessing,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (q *queue) MarkCompleted(dbc dbctx.Context, id uuid.UUID, executionID uuid.UUID) error {
	res := q.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobProcessing).
		Updates(map[string]interface{}{
			"status":       domain.JobCompleted,
			"execution_id": executionID,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (q *queue) MarkFailedOrRetrying(dbc dbctx.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	transaction := q.tx(dbc)
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND status = ?", id, domain.JobProcessing).
			First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStaleStatus
			}
			return err
		}
		updates := map[string]interface{}{
			"error_message": errMsg,
			"updated_at":    time.Now(),
		}
		if job.CanRetry() {
			scheduledFor := time.Now().Add(retryDelay)
			updates["status"] = domain.JobRetrying
			updates["retry_count"] = gorm.Expr("retry_count + 1")
			updates["scheduled_for"] = scheduledFor
		} else {
			updates["status"] = domain.JobFailed
		}
		res := txx.Model(&domain.Job{}).Where("id = ? AND status = ?", id, domain.JobProcessing).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleStatus
		}
		return nil
	})
}

func (q *queue) Cancel(dbc dbctx.Context, id uuid.UUID) error {
	return q.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobQueued, domain.JobRetrying, domain.JobProcessing}).
		Updates(map[string]interface{}{
			"status":     domain.JobCancelled,
			"updated_at": time.Now(),
		}).Error
}

func (q *queue) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	if err := q.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (q *queue) SweepExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-leaseTimeout)
	res := q.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("status = ? AND updated_at < ?", domain.JobProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     domain.JobRetrying,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
