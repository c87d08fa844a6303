package workerpool_test

import (
	"bufio"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/michiel/ratchet-sub006/internal/balancer"
	"github.com/michiel/ratchet-sub006/internal/ipc"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
	"github.com/michiel/ratchet-sub006/internal/workerpool"
)

// TestMain re-execs this test binary under RATCHET_HELPER_PROCESS=1 to
// act as a fake worker subprocess speaking the real ipc codec, the
// standard library's own exec_test.go pattern for testing process
// plumbing without shipping a separate fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("RATCHET_HELPER_PROCESS") == "1" {
		helperMain()
		return
	}
	os.Exit(m.Run())
}

func helperMain() {
	r := bufio.NewReader(os.Stdin)
	for {
		msg, err := ipc.ReadWorkerMessage(r)
		if err != nil {
			return
		}
		switch {
		case msg.Ping != nil:
			_ = ipc.WriteCoordinatorMessage(os.Stdout, ipc.NewPong(ipc.Pong{CorrelationID: msg.Ping.CorrelationID, PID: os.Getpid()}))
		case msg.ExecuteTask != nil:
			_ = ipc.WriteCoordinatorMessage(os.Stdout, ipc.NewTaskResult(ipc.TaskResult{
				CorrelationID: msg.ExecuteTask.CorrelationID,
				ExecutionID:   msg.ExecuteTask.ExecutionContext.ExecutionID,
				Success:       true,
				OutputData:    []byte(`{"ok":true}`),
			}))
		case msg.Shutdown != nil:
			return
		}
	}
}

func helperCommand(t *testing.T) (string, []string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe, []string{"-test.run=TestMain"}
}

func newTestPool(t *testing.T, concurrency int) *workerpool.Pool {
	t.Helper()
	cmd, args := helperCommand(t)
	os.Setenv("RATCHET_HELPER_PROCESS", "1")
	t.Cleanup(func() { os.Unsetenv("RATCHET_HELPER_PROCESS") })

	bal := balancer.New(&balancer.RoundRobinStrategy{})
	pool := workerpool.New(workerpool.Config{
		Concurrency:   concurrency,
		Command:       cmd,
		Args:          args,
		PingInterval:  50 * time.Millisecond,
		PingTimeout:   500 * time.Millisecond,
		ShutdownGrace: 200 * time.Millisecond,
		TermGrace:     200 * time.Millisecond,
		KillGrace:     200 * time.Millisecond,
	}, bal, logger.Nop())

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	return pool
}

func TestPool_SubmitRoundTripsExecuteTask(t *testing.T) {
	pool := newTestPool(t, 2)
	defer func() { _ = pool.Shutdown(context.Background()) }()

	executionID := uuid.New()
	corr := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := pool.Submit(ctx, corr, ipc.NewExecuteTask(ipc.ExecuteTask{
		CorrelationID:    corr,
		TaskID:           uuid.New(),
		TaskPath:         "noop",
		ExecutionContext: ipc.ExecutionContext{ExecutionID: executionID},
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.TaskResult == nil || !resp.TaskResult.Success {
		t.Fatalf("expected successful task result, got %+v", resp)
	}
	if resp.TaskResult.ExecutionID != executionID {
		t.Fatalf("expected execution id to round-trip, got %s", resp.TaskResult.ExecutionID)
	}
}

func TestPool_ShutdownDrainsCleanly(t *testing.T) {
	pool := newTestPool(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
