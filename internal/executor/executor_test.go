package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub006/internal/balancer"
	"github.com/michiel/ratchet-sub006/internal/data/repos/execution"
	"github.com/michiel/ratchet-sub006/internal/data/repos/task"
	"github.com/michiel/ratchet-sub006/internal/data/repos/testutil"
	"github.com/michiel/ratchet-sub006/internal/delivery"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/events"
	"github.com/michiel/ratchet-sub006/internal/executor"
	"github.com/michiel/ratchet-sub006/internal/ipc"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
	"github.com/michiel/ratchet-sub006/internal/queue"
	"github.com/michiel/ratchet-sub006/internal/retry"
)

type fakePool struct {
	fail    int
	submits int
}

func (p *fakePool) Submit(ctx context.Context, correlationID uuid.UUID, msg ipc.WorkerMessage) (ipc.CoordinatorMessage, error) {
	p.submits++
	if p.submits <= p.fail {
		return ipc.CoordinatorMessage{
			Kind: "task_result",
			TaskResult: &ipc.TaskResult{
				CorrelationID: correlationID,
				ExecutionID:   msg.ExecuteTask.ExecutionContext.ExecutionID,
				Success:       false,
				ErrorMessage:  "boom",
			},
		}, nil
	}
	return ipc.CoordinatorMessage{
		Kind: "task_result",
		TaskResult: &ipc.TaskResult{
			CorrelationID: correlationID,
			ExecutionID:   msg.ExecuteTask.ExecutionContext.ExecutionID,
			Success:       true,
			OutputData:    []byte(`{"ok":true}`),
		},
	}, nil
}

func setup(t *testing.T, fail int) (executor.Executor, queue.Queue, task.Repo, balancer.Balancer, *fakePool) {
	t.Helper()
	gdb := testutil.SQLiteDB(t)
	log := testutil.Logger(t)

	taskRepo := task.NewRepo(gdb, log)
	execRepo := execution.NewRepo(gdb, log)
	q := queue.New(gdb, log)

	bal := balancer.New(&balancer.RoundRobinStrategy{})
	bal.AddWorker("worker-1", 4)

	pool := &fakePool{fail: fail}

	ex := executor.New(executor.Config{
		NoWorkerWaitTimeout: 200 * time.Millisecond,
		TaskTimeoutSeconds:  1,
		RetryPolicy:         retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false},
		CancelPollInterval:  20 * time.Millisecond,
	}, pool, bal, q, taskRepo, execRepo, delivery.NewManager(log), nil, events.NopPublisher{}, log)

	return ex, q, taskRepo, bal, pool
}

// blockingPool never replies until its ctx is cancelled, simulating a
// worker stuck mid-task so a cancellation watcher has something to
// interrupt.
type blockingPool struct{}

func (blockingPool) Submit(ctx context.Context, correlationID uuid.UUID, msg ipc.WorkerMessage) (ipc.CoordinatorMessage, error) {
	<-ctx.Done()
	return ipc.CoordinatorMessage{}, ctx.Err()
}

func mustTask(t *testing.T, dbc dbctx.Context, repo task.Repo) *domain.Task {
	t.Helper()
	now := time.Now()
	tk, err := repo.Create(dbc, &domain.Task{
		Name:        "echo",
		Version:     "1.0.0",
		SourceKind:  domain.TaskSourceInline,
		SourceText:  "echo",
		Enabled:     true,
		ValidatedAt: &now,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func TestExecutor_ExecuteJobSucceedsOnFirstAttempt(t *testing.T) {
	ex, q, taskRepo, _, pool := setup(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}
	tk := mustTask(t, dbc, taskRepo)

	input, _ := json.Marshal(map[string]any{"x": 1})
	job, err := q.Enqueue(dbc, tk.ID, input, domain.PriorityNormal, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := ex.ExecuteJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute job: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if pool.submits != 1 {
		t.Fatalf("expected exactly 1 submit, got %d", pool.submits)
	}

	updated, err := q.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != domain.JobCompleted {
		t.Fatalf("expected job completed, got %v", updated.Status)
	}
}

func TestExecutor_ExecuteJobRetriesThenSucceeds(t *testing.T) {
	ex, q, taskRepo, _, pool := setup(t, 2)
	dbc := dbctx.Context{Ctx: context.Background()}
	tk := mustTask(t, dbc, taskRepo)

	job, err := q.Enqueue(dbc, tk.ID, nil, domain.PriorityNormal, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := ex.ExecuteJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute job: %v", err)
	}
	if !result.Success || pool.submits != 3 {
		t.Fatalf("expected success on 3rd submit, got success=%v submits=%d", result.Success, pool.submits)
	}
}

func TestExecutor_ExecuteJobFailsAfterExhaustingRetries(t *testing.T) {
	ex, q, taskRepo, _, _ := setup(t, 99)
	dbc := dbctx.Context{Ctx: context.Background()}
	tk := mustTask(t, dbc, taskRepo)

	job, err := q.Enqueue(dbc, tk.ID, nil, domain.PriorityNormal, 0, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := ex.ExecuteJob(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if result.Success {
		t.Fatalf("expected failure result")
	}

	updated, err := q.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != domain.JobFailed && updated.Status != domain.JobRetrying {
		t.Fatalf("expected job Failed or Retrying, got %v", updated.Status)
	}
}

func TestExecutor_CancelStopsAnInFlightExecution(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	log := testutil.Logger(t)

	taskRepo := task.NewRepo(gdb, log)
	execRepo := execution.NewRepo(gdb, log)
	q := queue.New(gdb, log)

	bal := balancer.New(&balancer.RoundRobinStrategy{})
	bal.AddWorker("worker-1", 4)

	ex := executor.New(executor.Config{
		NoWorkerWaitTimeout: 200 * time.Millisecond,
		TaskTimeoutSeconds:  10,
		RetryPolicy:         retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false},
		CancelPollInterval:  20 * time.Millisecond,
	}, blockingPool{}, bal, q, taskRepo, execRepo, delivery.NewManager(log), nil, events.NopPublisher{}, log)

	dbc := dbctx.Context{Ctx: context.Background()}
	tk := mustTask(t, dbc, taskRepo)

	job, err := q.Enqueue(dbc, tk.ID, nil, domain.PriorityNormal, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	type execOutcome struct {
		result executor.ExecutionResult
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		result, err := ex.ExecuteJob(context.Background(), job.ID)
		done <- execOutcome{result, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := ex.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case outcome := <-done:
		if !errors.Is(outcome.err, executor.ErrJobCancelled) {
			t.Fatalf("expected ErrJobCancelled, got %v", outcome.err)
		}
		if outcome.result.Success {
			t.Fatalf("expected an unsuccessful result for a cancelled job")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled execution to return")
	}

	updated, err := q.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != domain.JobCancelled {
		t.Fatalf("expected job Cancelled, got %v", updated.Status)
	}
}

func TestExecutor_ExecuteTaskDirectRunsWithoutAJob(t *testing.T) {
	ex, _, taskRepo, _, _ := setup(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}
	tk := mustTask(t, dbc, taskRepo)

	result, err := ex.ExecuteTask(context.Background(), tk.ID, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}
