// Package app is the wiring root: it loads Config, opens the Postgres
// connection, constructs every component (A-L) plus the scheduler,
// executor, and delivery manager, and exposes Start/Close the way the
// teacher's app.App does — generalized from a gin HTTP server + SSE hub
// to a scheduler/executor pair with no outer API surface, per the
// module's scope (REST/GraphQL/MCP are external collaborators here).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/michiel/ratchet-sub006/internal/balancer"
	"github.com/michiel/ratchet-sub006/internal/breaker"
	"github.com/michiel/ratchet-sub006/internal/data/db"
	deliveryrepo "github.com/michiel/ratchet-sub006/internal/data/repos/delivery"
	executionrepo "github.com/michiel/ratchet-sub006/internal/data/repos/execution"
	schedulerepo "github.com/michiel/ratchet-sub006/internal/data/repos/schedule"
	taskrepo "github.com/michiel/ratchet-sub006/internal/data/repos/task"
	"github.com/michiel/ratchet-sub006/internal/delivery"
	"github.com/michiel/ratchet-sub006/internal/events"
	"github.com/michiel/ratchet-sub006/internal/executor"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
	"github.com/michiel/ratchet-sub006/internal/queue"
	"github.com/michiel/ratchet-sub006/internal/retry"
	"github.com/michiel/ratchet-sub006/internal/scheduler"
	"github.com/michiel/ratchet-sub006/internal/workerpool"
	"gorm.io/gorm"
)

// Repos groups the repository implementations the wiring root hands to
// components that need them directly (the scheduler needs Schedule; the
// executor needs Task+Execution; delivery stats reporting needs Delivery).
type Repos struct {
	Task     taskrepo.Repo
	Execution executionrepo.Repo
	Schedule schedulerepo.Repo
	Delivery deliveryrepo.Repo
}

func wireRepos(gdb *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Task:      taskrepo.NewRepo(gdb, log),
		Execution: executionrepo.NewRepo(gdb, log),
		Schedule:  schedulerepo.NewRepo(gdb, log),
		Delivery:  deliveryrepo.NewRepo(gdb, log),
	}
}

// App is the assembled process: every component plus the background
// goroutines (scheduler cron loops, worker pool supervision, lease sweep)
// Start launches and Close tears down.
type App struct {
	Log   *logger.Logger
	DB    *gorm.DB
	Cfg   Config
	Repos Repos

	Queue     queue.Queue
	Balancer  balancer.Balancer
	Pool      *workerpool.Pool
	Scheduler scheduler.Scheduler
	Executor  executor.Executor
	Delivery  delivery.Manager
	Publisher events.Publisher

	cancel context.CancelFunc
}

// New loads Config from the environment, connects to Postgres, migrates
// the schema, and constructs every component, mirroring the teacher's
// app.New's Logger -> Config -> DB -> Repos -> Services construction
// order without the gin router/SSE hub/handlers stages this module has
// no outer API surface for.
func New() (*App, error) {
	log, err := logger.New("development")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration")
	cfg := LoadConfig(log)
	log, err = logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	gdb := pg.DB()
	if err := db.AutoMigrateAll(gdb); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	if err := db.EnsureIndexes(gdb); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	reposet := wireRepos(gdb, log)
	q := queue.NewWithConfig(gdb, queue.Config{
		MaxDequeueBatchSize: cfg.MaxDequeueBatchSize,
		MaxQueueSize:        cfg.MaxQueueSize,
	}, log)

	bal := balancer.New(balancer.LeastLoadedStrategy{})

	pool := workerpool.New(workerpool.Config{
		Concurrency:        cfg.WorkerConcurrency,
		Command:            cfg.WorkerCommand,
		PingInterval:       time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		RestartOnCrash:     true,
	}, bal, log)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RedisAddr != "" {
		rp, err := events.NewRedisPublisher(events.Config{Addr: cfg.RedisAddr, Channel: cfg.RedisChannel}, log)
		if err != nil {
			log.Warn("redis event publisher unavailable, continuing without it", "error", err)
		} else {
			publisher = rp
		}
	}

	deliveryMgr := delivery.NewManager(log)

	exec := executor.New(executor.Config{
		NoWorkerWaitTimeout: cfg.NoWorkerWaitTimeout,
		TaskTimeoutSeconds:  cfg.TaskTimeoutSeconds,
		RetryPolicy:         retry.Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true},
		BreakerConfig:       breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second},
	}, pool, bal, q, reposet.Task, reposet.Execution, deliveryMgr, reposet.Delivery, publisher, log)

	sched := scheduler.New(scheduler.Config{CatchUpMissedFires: cfg.SchedulerCatchUpMissedFires}, reposet.Schedule, q, log)

	return &App{
		Log:       log,
		DB:        gdb,
		Cfg:       cfg,
		Repos:     reposet,
		Queue:     q,
		Balancer:  bal,
		Pool:      pool,
		Scheduler: sched,
		Executor:  exec,
		Delivery:  deliveryMgr,
		Publisher: publisher,
	}, nil
}

// Start launches the background components Run modes ask for: the worker
// pool's subprocess supervision, the scheduler's cron loops, and a
// periodic lease sweep that reclaims jobs abandoned by a crashed executor.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Cfg.RunExecutor {
		if err := a.Pool.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start worker pool: %w", err)
		}
		go a.sweepLeases(runCtx)
	}
	if a.Cfg.RunScheduler {
		if err := a.Scheduler.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	return nil
}

// sweepLeases periodically reclaims jobs left Processing by a crashed
// executor, generalizing the teacher's ClaimNextRunnable staleRunning
// branch into its own ticker-driven loop (see queue.Queue.SweepExpiredLeases).
func (a *App) sweepLeases(ctx context.Context) {
	ticker := time.NewTicker(a.Cfg.LeaseTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Queue.SweepExpiredLeases(ctx, a.Cfg.LeaseTimeout)
			if err != nil {
				a.Log.Warn("lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.Log.Info("reclaimed expired job leases", "count", n)
			}
		}
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = a.Pool.Shutdown(ctx)
		cancel()
	}
	if a.Scheduler != nil {
		_ = a.Scheduler.Stop()
	}
	if a.Publisher != nil {
		_ = a.Publisher.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
