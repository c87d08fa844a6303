package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/michiel/ratchet-sub006/internal/data/repos/schedule"
	"github.com/michiel/ratchet-sub006/internal/data/repos/testutil"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
	"github.com/michiel/ratchet-sub006/internal/queue"
	"github.com/michiel/ratchet-sub006/internal/scheduler"
)

func TestScheduler_AddScheduleRejectsInvalidCron(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	repo := schedule.NewRepo(gdb, testutil.Logger(t))
	q := queue.New(gdb, testutil.Logger(t))
	sch := scheduler.New(scheduler.Config{}, repo, q, logger.Nop())

	err := sch.AddSchedule(context.Background(), &domain.Schedule{
		Name:     "bad",
		CronExpr: "not a cron expression",
		Enabled:  true,
	})
	if err == nil {
		t.Fatalf("expected an error for an invalid cron expression")
	}
}

func TestScheduler_AddScheduleRegistersAndReportsStatus(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	repo := schedule.NewRepo(gdb, testutil.Logger(t))
	q := queue.New(gdb, testutil.Logger(t))
	sch := scheduler.New(scheduler.Config{}, repo, q, logger.Nop())

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sch.Stop()

	s := &domain.Schedule{Name: "hourly", CronExpr: "0 * * * *", Enabled: true}
	if err := sch.AddSchedule(context.Background(), s); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	if sch.ScheduleCount() != 1 {
		t.Fatalf("expected 1 registered schedule, got %d", sch.ScheduleCount())
	}

	status, ok := sch.ScheduleStatus(s.ID)
	if !ok {
		t.Fatalf("expected a status for the registered schedule")
	}
	if status.NextRun.Before(time.Now()) {
		t.Fatalf("expected NextRun to be in the future: %v", status.NextRun)
	}

	if err := sch.RemoveSchedule(s.ID); err != nil {
		t.Fatalf("remove schedule: %v", err)
	}
	if sch.ScheduleCount() != 0 {
		t.Fatalf("expected schedule to be removed, got count %d", sch.ScheduleCount())
	}
}
