package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub006/internal/data/repos/schedule"
	"github.com/michiel/ratchet-sub006/internal/data/repos/testutil"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
)

func TestScheduleRepo_CreateListEnabledRecordFire(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	tx := testutil.Tx(t, gdb)
	repo := schedule.NewRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	created, err := repo.Create(dbc, &domain.Schedule{
		TaskID:   uuid.New(),
		Name:     "nightly-report",
		CronExpr: "0 0 * * *",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	disabled, err := repo.Create(dbc, &domain.Schedule{
		TaskID:   uuid.New(),
		Name:     "paused",
		CronExpr: "0 0 * * *",
		Enabled:  false,
	})
	if err != nil {
		t.Fatalf("create disabled: %v", err)
	}

	list, err := repo.ListEnabled(dbc)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("expected only the enabled schedule, got %+v", list)
	}

	now := time.Now()
	next := now.Add(24 * time.Hour)
	if err := repo.RecordFire(dbc, created.ID, now, next); err != nil {
		t.Fatalf("record fire: %v", err)
	}

	got, err := repo.GetByID(dbc, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.LastRun == nil || got.NextRun == nil {
		t.Fatalf("expected last/next run to be set, got %+v", got)
	}

	if err := repo.SetEnabled(dbc, disabled.ID, true); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	list, err = repo.ListEnabled(dbc)
	if err != nil {
		t.Fatalf("list enabled after toggle: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both schedules enabled, got %d", len(list))
	}

	if err := repo.Delete(dbc, disabled.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err = repo.ListEnabled(dbc)
	if err != nil {
		t.Fatalf("list enabled after delete: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected deleted schedule to be gone, got %d", len(list))
	}
}
