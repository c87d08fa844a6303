// Package executor orchestrates the worker pool (B), retry executor (C),
// circuit breaker (D), load balancer (E), and job queue (F) to run one
// Job to completion, directly generalizing the teacher's
// orchestrator.Engine.Run stage loop (load -> retry -> child-dispatch ->
// persist) from a DB-polling single-process model to this
// pool-dispatched, breaker-gated, balancer-routed model.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/michiel/ratchet-sub006/internal/balancer"
	"github.com/michiel/ratchet-sub006/internal/breaker"
	deliveryrepo "github.com/michiel/ratchet-sub006/internal/data/repos/delivery"
	"github.com/michiel/ratchet-sub006/internal/data/repos/execution"
	"github.com/michiel/ratchet-sub006/internal/data/repos/task"
	"github.com/michiel/ratchet-sub006/internal/delivery"
	"github.com/michiel/ratchet-sub006/internal/delivery/destinations"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/events"
	"github.com/michiel/ratchet-sub006/internal/ipc"
	"github.com/michiel/ratchet-sub006/internal/pkg/apierr"
	"github.com/michiel/ratchet-sub006/internal/pkg/ctxutil"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
	"github.com/michiel/ratchet-sub006/internal/pkg/pointers"
	"github.com/michiel/ratchet-sub006/internal/queue"
	"github.com/michiel/ratchet-sub006/internal/retry"
)

// ErrNoWorkerAvailable is a retryable failure: no eligible worker was
// found within NoWorkerWaitTimeout.
var ErrNoWorkerAvailable = errors.New("executor: no worker available")

// ErrTaskNotExecutable is returned when a Job's Task is disabled or
// never passed ValidateTask.
var ErrTaskNotExecutable = errors.New("executor: task is not executable")

// ErrJobCancelled is returned by ExecuteJob when the in-flight attempt was
// stopped because the job was cancelled out from under it.
var ErrJobCancelled = errors.New("executor: job was cancelled")

func (unavailableErr) Error() string { return ErrNoWorkerAvailable.Error() }

type unavailableErr struct{}

func (unavailableErr) IsRetryable() bool                 { return true }
func (unavailableErr) IsTransient() bool                 { return true }
func (unavailableErr) RetryDelay() (time.Duration, bool) { return 0, false }
func (unavailableErr) Unwrap() error                     { return ErrNoWorkerAvailable }

// classifyError gives a terminal execution failure the stable code +
// sanitized message every externally-visible error must carry, per the
// apierr taxonomy: an error that is already an *apierr.Error passes
// through unchanged, known sentinels
// map to their Kind, and anything else is treated as an opaque downstream
// failure with its message redacted before it is persisted or published.
func classifyError(err error) *apierr.Error {
	if err == nil {
		return nil
	}
	var aerr *apierr.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	switch {
	case errors.Is(err, ErrNoWorkerAvailable):
		return apierr.ResourceExhaustion("no_worker_available", "no eligible worker became available in time", err)
	case errors.Is(err, breaker.ErrCircuitBreakerOpen):
		return apierr.ResourceExhaustion("circuit_open", "worker pool circuit breaker is open", err)
	case errors.Is(err, ErrTaskNotExecutable):
		return apierr.Validation("task_not_executable", "task is disabled or has not been validated", err)
	default:
		return apierr.TerminalDownstream(502, "task_execution_failed", apierr.Redact(err.Error()), err)
	}
}

// ExecutionResult is what ExecuteTask/ExecuteJob return on completion —
// success or terminal failure, never a transient-retry state (those stay
// internal to the retry.Executor loop).
type ExecutionResult struct {
	ExecutionID uuid.UUID
	Success     bool
	Output      datatypes.JSON
	Error       string
	DurationMs  int64
}

// ExecutorMetrics is a point-in-time snapshot of the executor's own
// atomic counters, independent of per-destination delivery metrics (L).
type ExecutorMetrics struct {
	JobsExecuted  uint64
	JobsSucceeded uint64
	JobsFailed    uint64
}

// Config bounds the pipeline's timeouts and retry/breaker defaults.
type Config struct {
	NoWorkerWaitTimeout time.Duration
	TaskTimeoutSeconds  int
	RetryPolicy         retry.Policy
	BreakerConfig       breaker.Config
	// CancelPollInterval is how often a running execution checks the
	// job's status for an out-of-band Cancel, the same poll-and-guard
	// shape as the teacher's runtime.Context write guards against a
	// "canceled" status, generalized from a passive write-guard into an
	// active stop signal for the in-flight attempt.
	CancelPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoWorkerWaitTimeout <= 0 {
		c.NoWorkerWaitTimeout = 5 * time.Second
	}
	if c.TaskTimeoutSeconds <= 0 {
		c.TaskTimeoutSeconds = 30
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy = retry.Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true}
	}
	if c.BreakerConfig.FailureThreshold == 0 {
		c.BreakerConfig = breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 500 * time.Millisecond
	}
	return c
}

// Pool is the subset of *workerpool.Pool the executor depends on, kept as
// an interface so tests can substitute a fake worker pool.
type Pool interface {
	Submit(ctx context.Context, correlationID uuid.UUID, msg ipc.WorkerMessage) (ipc.CoordinatorMessage, error)
}

// Executor is the task executor component (H).
type Executor interface {
	ExecuteTask(ctx context.Context, taskID uuid.UUID, input json.RawMessage) (ExecutionResult, error)
	ExecuteJob(ctx context.Context, jobID uuid.UUID) (ExecutionResult, error)
	// Cancel marks jobID Cancelled in the queue. A concurrently running
	// ExecuteJob attempt for that job notices on its next cancellation
	// poll and stops instead of retrying or persisting a success.
	Cancel(ctx context.Context, jobID uuid.UUID) error
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Metrics() ExecutorMetrics
}

type exec struct {
	cfg Config
	log *logger.Logger

	pool            Pool
	bal             balancer.Balancer
	q               queue.Queue
	tasks           task.Repo
	executions      execution.Repo
	deliveries      delivery.Manager
	deliveryRecords deliveryrepo.Repo
	publisher       events.Publisher
	brk             *breaker.Breaker

	executed  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, pool Pool, bal balancer.Balancer, q queue.Queue, tasks task.Repo, executions execution.Repo, deliveries delivery.Manager, deliveryRecords deliveryrepo.Repo, publisher events.Publisher, baseLog *logger.Logger) Executor {
	cfg = cfg.withDefaults()
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &exec{
		cfg:             cfg,
		log:             baseLog.With("component", "executor"),
		pool:            pool,
		bal:             bal,
		q:               q,
		tasks:           tasks,
		executions:      executions,
		deliveries:      deliveries,
		deliveryRecords: deliveryRecords,
		publisher:       publisher,
		brk:             breaker.Wrap("worker-pool", cfg.BreakerConfig),
	}
}

// ExecuteTask runs a Task directly, independent of the queue — used by a
// synchronous "run now" API path rather than the scheduled/queued flow.
func (e *exec) ExecuteTask(ctx context.Context, taskID uuid.UUID, input json.RawMessage) (ExecutionResult, error) {
	t, err := e.tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !t.IsExecutable() {
		return ExecutionResult{}, ErrTaskNotExecutable
	}

	execRow, err := e.executions.Create(dbctx.Context{Ctx: ctx}, &domain.Execution{
		TaskID:   taskID,
		Input:    datatypes.JSON(input),
		Status:   domain.ExecutionPending,
		QueuedAt: time.Now(),
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	return e.runExecution(ctx, t, execRow, nil)
}

// ExecuteJob loads a Job, creates a new Execution for this run, and runs
// the retry/breaker/balancer/pool pipeline against the Task it points at,
// persisting the Job's terminal state through the queue (F) when done. An
// Execution left by an earlier run of the same Job is not reused.
func (e *exec) ExecuteJob(ctx context.Context, jobID uuid.UUID) (ExecutionResult, error) {
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{TraceID: jobID.String(), RequestID: uuid.New().String()})
	dbc := dbctx.Context{Ctx: ctx}

	job, err := e.q.GetByID(dbc, jobID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if job.Status != domain.JobQueued && job.Status != domain.JobRetrying && job.Status != domain.JobProcessing {
		return ExecutionResult{}, fmt.Errorf("executor: job %s is not ready for processing (status=%s)", jobID, job.Status)
	}
	if job.Status != domain.JobProcessing && !job.Runnable(time.Now()) {
		return ExecutionResult{}, fmt.Errorf("executor: job %s is not ready for processing (scheduled_for=%s)", jobID, job.ScheduledFor.Format(time.RFC3339))
	}
	if job.Status != domain.JobProcessing {
		if err := e.q.MarkProcessing(dbc, jobID); err != nil {
			return ExecutionResult{}, fmt.Errorf("executor: mark job %s processing: %w", jobID, err)
		}
		job.Status = domain.JobProcessing
	}

	t, err := e.tasks.GetByID(dbc, job.TaskID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !t.IsExecutable() {
		_ = e.q.MarkFailedOrRetrying(dbc, jobID, classifyError(ErrTaskNotExecutable).Message, 0)
		return ExecutionResult{}, ErrTaskNotExecutable
	}

	execRow, err := e.executions.Create(dbc, &domain.Execution{
		TaskID:   job.TaskID,
		Input:    job.Input,
		Status:   domain.ExecutionPending,
		QueuedAt: time.Now(),
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	_ = e.publisher.Publish(ctx, events.Event{Kind: events.KindJobStarted, JobID: jobID.String(), TaskID: job.TaskID.String()})

	result, runErr := e.runExecution(ctx, t, execRow, job)

	e.executed.Add(1)
	if errors.Is(runErr, ErrJobCancelled) {
		// queue.Cancel already moved the job to Cancelled; there is no
		// further queue-side transition to make here.
		_ = e.publisher.Publish(ctx, events.Event{Kind: events.KindJobCancelled, JobID: jobID.String(), TaskID: job.TaskID.String()})
	} else if runErr == nil && result.Success {
		e.succeeded.Add(1)
		_ = e.q.MarkCompleted(dbc, jobID, execRow.ID)
		_ = e.publisher.Publish(ctx, events.Event{Kind: events.KindJobCompleted, JobID: jobID.String(), TaskID: job.TaskID.String()})
		e.deliverOutput(job, result)
	} else {
		e.failed.Add(1)
		delayPolicy := e.cfg.RetryPolicy
		if job.RetryDelaySeconds > 0 {
			delayPolicy.InitialDelay = time.Duration(job.RetryDelaySeconds) * time.Second
		}
		retryDelay := delayPolicy.Delay(job.RetryCount + 1)
		_ = e.q.MarkFailedOrRetrying(dbc, jobID, result.Error, retryDelay)
		kind := events.KindJobFailed
		if job.CanRetry() {
			kind = events.KindJobRetrying
		}
		_ = e.publisher.Publish(ctx, events.Event{Kind: kind, JobID: jobID.String(), TaskID: job.TaskID.String(), Detail: result.Error})
	}

	return result, runErr
}

// Cancel transitions jobID to Cancelled in the queue (F). It does not
// itself interrupt a goroutine running that job's attempt; runExecution's
// cancellation watcher is what notices and stops the attempt in progress.
func (e *exec) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return e.q.Cancel(dbctx.Context{Ctx: ctx}, jobID)
}

// watchCancellation polls the job's queue status every cancelPollInterval
// and cancels the returned context the moment it observes Cancelled,
// turning an out-of-band Cancel call into a stop signal for the in-flight
// retry/worker-wait loop. The parent ctx is left untouched so callers can
// still use it to persist the resulting terminal state.
func (e *exec) watchCancellation(ctx context.Context, jobID uuid.UUID) (context.Context, context.CancelFunc) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				job, err := e.q.GetByID(dbctx.Context{Ctx: ctx}, jobID)
				if err != nil {
					continue
				}
				if job.Status == domain.JobCancelled {
					cancel()
					return
				}
			}
		}
	}()
	return watchCtx, cancel
}

// runExecution drives one Execution through retry.Executor(C), with
// breaker.Execute(D) gating each attempt's worker round-trip and
// balancer.SelectWorker(E) choosing which worker slot to use.
func (e *exec) runExecution(ctx context.Context, t *domain.Task, execRow *domain.Execution, job *domain.Job) (ExecutionResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	if err := execRow.Transition(domain.ExecutionRunning, now); err != nil {
		return ExecutionResult{}, err
	}
	if err := e.executions.Save(dbc, execRow); err != nil {
		return ExecutionResult{}, err
	}

	runCtx := ctx
	if job != nil {
		var stopWatch context.CancelFunc
		runCtx, stopWatch = e.watchCancellation(ctx, job.ID)
		defer stopWatch()
	}

	policy := e.cfg.RetryPolicy
	retryExec := retry.NewExecutor(policy)

	type attemptOutcome struct {
		taskResult ipc.TaskResult
	}

	outcome, runErr := retry.Execute(runCtx, retryExec, func(attempt int) (attemptOutcome, error) {
		workerID, ok := e.waitForWorker(runCtx)
		if !ok {
			return attemptOutcome{}, unavailableErr{}
		}

		timeout := time.Duration(e.cfg.TaskTimeoutSeconds) * time.Second
		attemptCtx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		corr := uuid.New()
		var jobID *uuid.UUID
		if job != nil {
			jobID = pointers.Ptr(job.ID)
		}

		resp, err := breaker.ExecuteCtx(attemptCtx, e.brk, func() (ipc.CoordinatorMessage, error) {
			return e.pool.Submit(attemptCtx, corr, ipc.NewExecuteTask(ipc.ExecuteTask{
				CorrelationID: corr,
				JobID:         jobID,
				TaskID:        t.ID,
				TaskPath:      t.SourceText,
				InputData:     []byte(execRow.Input),
				ExecutionContext: ipc.ExecutionContext{
					ExecutionID: execRow.ID,
					JobID:       jobID,
					TaskID:      t.ID,
					TaskVersion: t.Version,
				},
			}))
		})
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitBreakerOpen) {
				e.bal.UpdateHealth(workerID, domain.HealthDegraded)
			}
			return attemptOutcome{}, err
		}
		if resp.TaskResult == nil {
			return attemptOutcome{}, fmt.Errorf("executor: worker sent no task result")
		}
		if !resp.TaskResult.Success {
			e.recordWorkerFailure(workerID)
			return attemptOutcome{taskResult: *resp.TaskResult}, fmt.Errorf("executor: task failed: %s", resp.TaskResult.ErrorMessage)
		}
		e.recordWorkerSuccess(workerID)
		return attemptOutcome{taskResult: *resp.TaskResult}, nil
	})

	completedAt := time.Now()
	if runErr != nil {
		if job != nil && errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil {
			if cur, gerr := e.q.GetByID(dbc, job.ID); gerr == nil && cur.Status == domain.JobCancelled {
				_ = execRow.Transition(domain.ExecutionCancelled, completedAt)
				execRow.Error = "cancelled"
				_ = e.executions.Save(dbc, execRow)
				if td := ctxutil.GetTraceData(ctx); td != nil {
					e.log.Warn("execution cancelled", "trace_id", td.TraceID, "request_id", td.RequestID)
				}
				return ExecutionResult{ExecutionID: execRow.ID, Success: false, Error: "cancelled"}, ErrJobCancelled
			}
		}

		aerr := classifyError(runErr)
		_ = execRow.Transition(domain.ExecutionFailed, completedAt)
		execRow.Error = aerr.Message
		_ = e.executions.Save(dbc, execRow)
		if td := ctxutil.GetTraceData(ctx); td != nil {
			e.log.Warn("execution failed", "trace_id", td.TraceID, "request_id", td.RequestID, "code", aerr.Code, "kind", aerr.Kind)
		}
		return ExecutionResult{ExecutionID: execRow.ID, Success: false, Error: aerr.Message}, runErr
	}

	_ = execRow.Transition(domain.ExecutionCompleted, completedAt)
	execRow.Output = datatypes.JSON(outcome.taskResult.OutputData)
	_ = e.executions.Save(dbc, execRow)

	durationMs := int64(0)
	if execRow.DurationMs != nil {
		durationMs = *execRow.DurationMs
	}
	return ExecutionResult{
		ExecutionID: execRow.ID,
		Success:     true,
		Output:      execRow.Output,
		DurationMs:  durationMs,
	}, nil
}

// waitForWorker polls the balancer for an eligible worker up to
// NoWorkerWaitTimeout before giving up — the bounded wait the spec
// requires before an attempt fails with the retryable
// ErrNoWorkerAvailable.
func (e *exec) waitForWorker(ctx context.Context) (string, bool) {
	deadline := time.Now().Add(e.cfg.NoWorkerWaitTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if id, ok := e.bal.SelectWorker(); ok {
			return id, true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

func (e *exec) recordWorkerSuccess(workerID string) {
	if s, ok := e.bal.WorkerMetrics(workerID); ok {
		m := s.Metrics
		m.TotalTasks++
		m.LastActivityAt = time.Now()
		e.bal.UpdateMetrics(workerID, m)
	}
}

func (e *exec) recordWorkerFailure(workerID string) {
	if s, ok := e.bal.WorkerMetrics(workerID); ok {
		m := s.Metrics
		m.TotalFailures++
		m.LastActivityAt = time.Now()
		e.bal.UpdateMetrics(workerID, m)
	}
}

// deliverOutput schedules output delivery (J) fire-and-forget, grounded
// on golang.org/x/sync/errgroup's confirmed pack-wide use for concurrent
// fan-out — here a single detached goroutine rather than a group, since
// the executor doesn't block ExecuteJob's return on delivery completing.
func (e *exec) deliverOutput(job *domain.Job, result ExecutionResult) {
	if e.deliveries == nil || len(job.OutputDestinations) == 0 {
		return
	}
	var names []string
	if err := json.Unmarshal(job.OutputDestinations, &names); err != nil || len(names) == 0 {
		return
	}

	var decoded map[string]any
	_ = json.Unmarshal(result.Output, &decoded)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("recovered panic delivering job output", "job_id", job.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		taskName := ""
		if t, err := e.tasks.GetByID(dbctx.Context{Ctx: ctx}, job.TaskID); err == nil {
			taskName = t.Name
		}
		results := e.deliveries.DeliverConcurrent(ctx, names, destinations.TaskOutput{Raw: result.Output, Decoded: decoded}, destinations.DeliveryContext{
			JobID:       job.ID.String(),
			TaskID:      job.TaskID.String(),
			TaskName:    taskName,
			ExecutionID: result.ExecutionID.String(),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
		e.recordDeliveries(ctx, job.ID, results)
	}()
}

// recordDeliveries writes one append-only DeliveryRecord per destination
// attempt, the audit trail behind the in-memory counters delivery
// metrics (L) keeps — a restarted process loses the counters but not
// this history.
func (e *exec) recordDeliveries(ctx context.Context, jobID uuid.UUID, results []delivery.NamedResult) {
	if e.deliveryRecords == nil {
		return
	}
	dbc := dbctx.Context{Ctx: ctx}
	for _, r := range results {
		errKind := r.Result.ErrorKind
		if r.Err != nil && errKind == "" {
			errKind = "delivery_unreachable"
		}
		rec := &domain.DeliveryRecord{
			JobID:       jobID,
			Destination: r.Name,
			Success:     r.Err == nil && r.Result.Success,
			Bytes:       r.Result.Bytes,
			Duration:    r.Result.Duration,
			ErrorKind:   errKind,
		}
		if _, err := e.deliveryRecords.Record(dbc, rec); err != nil {
			e.log.Warn("failed to record delivery attempt", "job_id", jobID, "destination", r.Name, "error", err)
		}
	}
}

func (e *exec) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (e *exec) Shutdown(ctx context.Context) error { return nil }

func (e *exec) Metrics() ExecutorMetrics {
	return ExecutorMetrics{
		JobsExecuted:  e.executed.Load(),
		JobsSucceeded: e.succeeded.Load(),
		JobsFailed:    e.failed.Load(),
	}
}
