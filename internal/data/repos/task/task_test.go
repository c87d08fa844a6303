package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/michiel/ratchet-sub006/internal/data/repos/task"
	"github.com/michiel/ratchet-sub006/internal/data/repos/testutil"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
)

func TestTaskRepo_CreateValidateList(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	tx := testutil.Tx(t, gdb)
	repo := task.NewRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	created, err := repo.Create(dbc, &domain.Task{
		Name:       "send-webhook",
		Version:    "1.0.0",
		SourceKind: domain.TaskSourceInline,
		SourceText: "...",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.IsExecutable() {
		t.Fatalf("newly created task should not be executable before validation")
	}

	if err := repo.MarkValidated(dbc, created.ID, time.Now()); err != nil {
		t.Fatalf("mark validated: %v", err)
	}

	got, err := repo.GetByID(dbc, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if !got.IsExecutable() {
		t.Fatalf("task should be executable after validation")
	}

	list, err := repo.List(dbc, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 enabled task, got %d", len(list))
	}
}

func TestTaskRepo_GetByNameVersion(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	tx := testutil.Tx(t, gdb)
	repo := task.NewRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	if _, err := repo.Create(dbc, &domain.Task{Name: "foo", Version: "2.0.0", SourceKind: domain.TaskSourceFile}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByNameVersion(dbc, "foo", "2.0.0")
	if err != nil {
		t.Fatalf("get by name/version: %v", err)
	}
	if got.Name != "foo" || got.Version != "2.0.0" {
		t.Fatalf("unexpected task returned: %+v", got)
	}
}
