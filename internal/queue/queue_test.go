package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub006/internal/data/repos/testutil"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	"github.com/michiel/ratchet-sub006/internal/queue"
)

// These tests require a live Postgres because the claim query's SKIP
// LOCKED clause is not sqlite-portable; see testutil.PostgresDB.

func TestQueue_ClaimOrdersByPriorityThenFIFO(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.New(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	taskID := uuid.New()
	low, err := q.Enqueue(dbc, taskID, nil, domain.PriorityLow, 0, nil)
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	_ = low
	time.Sleep(2 * time.Millisecond)
	urgent, err := q.Enqueue(dbc, taskID, nil, domain.PriorityUrgent, 0, nil)
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := q.Enqueue(dbc, taskID, nil, domain.PriorityLow, 0, nil); err != nil {
		t.Fatalf("enqueue low 2: %v", err)
	}

	first, err := q.Claim(dbc)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.ID != urgent.ID {
		t.Fatalf("expected urgent job claimed first, got priority %v", first.Priority)
	}
	if first.Status != domain.JobProcessing {
		t.Fatalf("claimed job should be Processing, got %v", first.Status)
	}
}

func TestQueue_ClaimSkipsScheduledForInFuture(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.New(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	job, err := q.Enqueue(dbc, uuid.New(), nil, domain.PriorityNormal, 0, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := tx.Model(&domain.Job{}).Where("id = ?", job.ID).
		Update("scheduled_for", future).Error; err != nil {
		t.Fatalf("set scheduled_for: %v", err)
	}

	if _, err := q.Claim(dbc); err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty for future-scheduled job, got %v", err)
	}
}

func TestQueue_MarkFailedOrRetryingRespectsMaxRetries(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.New(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	job, err := q.Enqueue(dbc, uuid.New(), nil, domain.PriorityNormal, 1, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkProcessing(dbc, job.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	if err := q.MarkFailedOrRetrying(dbc, job.ID, "boom", 10*time.Second); err != nil {
		t.Fatalf("mark failed/retrying (1st): %v", err)
	}
	got, err := q.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobRetrying || got.RetryCount != 1 {
		t.Fatalf("expected Retrying with retry_count=1, got status=%v count=%d", got.Status, got.RetryCount)
	}
	if err := q.MarkProcessing(dbc, job.ID); err != nil {
		t.Fatalf("mark processing (2nd): %v", err)
	}

	if err := q.MarkFailedOrRetrying(dbc, job.ID, "boom again", 10*time.Second); err != nil {
		t.Fatalf("mark failed/retrying (2nd): %v", err)
	}
	got, err = q.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("expected Failed once retries exhausted, got %v", got.Status)
	}
}

func TestQueue_DequeueJobsOrdersByPriorityThenFIFO(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.New(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	taskID := uuid.New()
	urgent, err := q.Enqueue(dbc, taskID, nil, domain.PriorityUrgent, 0, nil)
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	high, err := q.Enqueue(dbc, taskID, nil, domain.PriorityHigh, 0, nil)
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	normal, err := q.Enqueue(dbc, taskID, nil, domain.PriorityNormal, 0, nil)
	if err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	low, err := q.Enqueue(dbc, taskID, nil, domain.PriorityLow, 0, nil)
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}

	jobs, err := q.DequeueJobs(dbc, 4)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}
	wantOrder := []uuid.UUID{urgent.ID, high.ID, normal.ID, low.ID}
	for i, want := range wantOrder {
		if jobs[i].ID != want {
			t.Fatalf("position %d: expected job %s, got %s", i, want, jobs[i].ID)
		}
		if jobs[i].Status != domain.JobProcessing {
			t.Fatalf("position %d: expected Processing, got %v", i, jobs[i].Status)
		}
	}
}

func TestQueue_DequeueJobsCapsAtConfiguredBatchSize(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.NewWithConfig(gdb, queue.Config{MaxDequeueBatchSize: 2}, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	taskID := uuid.New()
	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(dbc, taskID, nil, domain.PriorityNormal, 0, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	jobs, err := q.DequeueJobs(dbc, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected dequeue to cap at MaxDequeueBatchSize=2, got %d", len(jobs))
	}
}

func TestQueue_EnqueueRejectsOnceQueueFull(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.NewWithConfig(gdb, queue.Config{MaxQueueSize: 2}, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	taskID := uuid.New()
	if _, err := q.Enqueue(dbc, taskID, nil, domain.PriorityNormal, 0, nil); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if _, err := q.Enqueue(dbc, taskID, nil, domain.PriorityNormal, 0, nil); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if _, err := q.Enqueue(dbc, taskID, nil, domain.PriorityNormal, 0, nil); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_MarkCompletedRejectsWhenNotProcessing(t *testing.T) {
	gdb := testutil.PostgresDB(t)
	tx := testutil.Tx(t, gdb)
	q := queue.New(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	job, err := q.Enqueue(dbc, uuid.New(), nil, domain.PriorityNormal, 0, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.MarkCompleted(dbc, job.ID, uuid.New()); !errors.Is(err, queue.ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus for a still-Queued job, got %v", err)
	}
}
