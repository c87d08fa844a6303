// Command ratchet is the process entrypoint: with no subcommand it runs
// the long-lived coordinator (worker pool + scheduler + lease sweep),
// mirroring the teacher's cmd/main.go RUN_SERVER/RUN_WORKER env-gated
// startup. A thin subcommand dispatch additionally exposes
// `scheduler start|stop`, `queue stats|cancel <job-id>`, `worker list`,
// and `delivery stats` for operating the core from a terminal — no
// flag/REPL framework is added beyond what exercising these from a
// shell needs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub006/internal/app"
)

// Exit codes: 0 success, 1 generic failure, 2 configuration error, 3
// transient failure.
const (
	exitOK            = 0
	exitGenericFailure = 1
	exitConfigError   = 2
	exitTransient     = 3
)

func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		return exitConfigError
	}
	defer a.Close()

	if len(args) == 0 {
		return runCoordinator(a)
	}

	switch args[0] {
	case "scheduler":
		return runSchedulerCmd(a, args[1:])
	case "queue":
		return runQueueCmd(a, args[1:])
	case "worker":
		return runWorkerCmd(a, args[1:])
	case "delivery":
		return runDeliveryCmd(a, args[1:])
	default:
		fmt.Printf("unknown command %q\n", args[0])
		return exitGenericFailure
	}
}

func runCoordinator(a *app.App) int {
	ctx, stop := notifyContext(context.Background())
	defer stop()

	if err := a.Start(ctx); err != nil {
		fmt.Printf("failed to start app: %v\n", err)
		return exitTransient
	}

	<-ctx.Done()
	a.Log.Info("shutdown signal received")
	return exitOK
}

func runSchedulerCmd(a *app.App, args []string) int {
	if len(args) == 0 {
		fmt.Println("usage: ratchet scheduler start|stop")
		return exitGenericFailure
	}
	switch args[0] {
	case "start":
		ctx, stop := notifyContext(context.Background())
		defer stop()
		if err := a.Scheduler.Start(ctx); err != nil {
			fmt.Printf("failed to start scheduler: %v\n", err)
			return exitTransient
		}
		fmt.Printf("scheduler started, %d schedule(s) registered\n", a.Scheduler.ScheduleCount())
		<-ctx.Done()
		return exitOK
	case "stop":
		if err := a.Scheduler.Stop(); err != nil {
			fmt.Printf("failed to stop scheduler: %v\n", err)
			return exitGenericFailure
		}
		fmt.Println("scheduler stopped")
		return exitOK
	default:
		fmt.Printf("unknown scheduler command %q\n", args[0])
		return exitGenericFailure
	}
}

func runQueueCmd(a *app.App, args []string) int {
	if len(args) == 0 {
		fmt.Println("usage: ratchet queue stats|cancel <job-id>")
		return exitGenericFailure
	}
	switch args[0] {
	case "stats":
		stats := a.Balancer.Statistics()
		fmt.Printf("workers: total=%d eligible=%d in_flight=%d capacity=%d\n", stats.TotalWorkers, stats.EligibleWorkers, stats.TotalInFlight, stats.TotalCapacity)
		return exitOK
	case "cancel":
		if len(args) < 2 {
			fmt.Println("usage: ratchet queue cancel <job-id>")
			return exitGenericFailure
		}
		jobID, err := uuid.Parse(args[1])
		if err != nil {
			fmt.Printf("invalid job id %q: %v\n", args[1], err)
			return exitGenericFailure
		}
		if err := a.Executor.Cancel(context.Background(), jobID); err != nil {
			fmt.Printf("failed to cancel job %s: %v\n", jobID, err)
			return exitGenericFailure
		}
		fmt.Printf("job %s cancelled\n", jobID)
		return exitOK
	default:
		fmt.Println("usage: ratchet queue stats|cancel <job-id>")
		return exitGenericFailure
	}
}

func runWorkerCmd(a *app.App, args []string) int {
	if len(args) == 0 || args[0] != "list" {
		fmt.Println("usage: ratchet worker list")
		return exitGenericFailure
	}
	for _, w := range a.Pool.WorkerMetrics() {
		fmt.Printf("%s\thealth=%s\tpid=%d\ttasks=%d\tfailures=%d\n", w.ID, w.Health, w.PID, w.Metrics.TotalTasks, w.Metrics.TotalFailures)
	}
	return exitOK
}

func runDeliveryCmd(a *app.App, args []string) int {
	if len(args) == 0 || args[0] != "stats" {
		fmt.Println("usage: ratchet delivery stats")
		return exitGenericFailure
	}
	summary := a.Delivery.GetMetrics().BatchSummary()
	fmt.Printf("batches=%d destinations=%d successful=%d failed=%d avg=%s\n",
		summary.TotalBatches, summary.TotalDestinations, summary.SuccessfulDestinations, summary.FailedDestinations, summary.AverageBatchTime)
	for _, name := range a.Delivery.ListDestinations() {
		s := a.Delivery.GetMetrics().Summary(name)
		fmt.Printf("  %s: total=%d success_rate=%.2f%%\n", name, s.Total, s.SuccessRate*100)
	}
	return exitOK
}
