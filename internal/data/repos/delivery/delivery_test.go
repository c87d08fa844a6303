package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub006/internal/data/repos/delivery"
	"github.com/michiel/ratchet-sub006/internal/data/repos/testutil"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
)

func TestDeliveryRepo_RecordListFailureRate(t *testing.T) {
	gdb := testutil.SQLiteDB(t)
	tx := testutil.Tx(t, gdb)
	repo := delivery.NewRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	jobID := uuid.New()
	since := time.Now().Add(-time.Hour)

	if _, err := repo.Record(dbc, &domain.DeliveryRecord{
		JobID: jobID, Destination: "https://example.com/hook", Success: true, Bytes: 128,
	}); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if _, err := repo.Record(dbc, &domain.DeliveryRecord{
		JobID: jobID, Destination: "https://example.com/hook", Success: false, ErrorKind: "timeout",
	}); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	list, err := repo.ListByJob(dbc, jobID)
	if err != nil {
		t.Fatalf("list by job: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 delivery records, got %d", len(list))
	}

	total, failed, err := repo.FailureRateSince(dbc, "https://example.com/hook", since)
	if err != nil {
		t.Fatalf("failure rate: %v", err)
	}
	if total != 2 || failed != 1 {
		t.Fatalf("expected total=2 failed=1, got total=%d failed=%d", total, failed)
	}
}
