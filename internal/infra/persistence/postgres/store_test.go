package postgres

import (
	"context"
	"database/sql"
	"errors"
	membus "sensorhub/internal/infra/eventbus/memory"
	"sensorhub/internal/infra/persistence/postgres/testutil"
	"sensorhub/internal/transaction"
	"sensorhub/pkg/domain"
	"strings"
	"testing"
)

func openStub(t *testing.T) (*sql.DB, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("unexpected driver %q", driverName)
		}
		return db, nil
	})
	t.Cleanup(restore)
	return db, conn
}

func TestNewStoreEnsuresStateTable(t *testing.T) {
	_, conn := openStub(t)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if !store.ExportState().IsEmpty() {
		t.Fatalf("expected empty state from empty table")
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state DDL, got execs: %v", conn.Execs)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, conn := openStub(t)
	store, err := NewStore(ctx, "postgres://stub")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	root := transaction.NewRootHandler(store, membus.New())
	ph, err := root.AddProcedure(domain.Procedure{UID: "urn:p1", Name: "buoy"})
	if err != nil {
		t.Fatalf("add procedure: %v", err)
	}
	if _, err := ph.AddOrUpdateFoi(domain.Feature{UID: "urn:foi:1", Name: "harbor"}); err != nil {
		t.Fatalf("add foi: %v", err)
	}
	if err := store.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if got := conn.Buckets(); len(got) != 6 {
		t.Fatalf("expected 6 bucket rows, got %v", got)
	}
	commits := conn.Commits
	if err := store.Checkpoint(ctx); err != nil {
		t.Fatalf("second Checkpoint: %v", err)
	}
	if got := conn.Buckets(); len(got) != 6 || conn.Commits != commits+1 {
		t.Fatalf("expected upserts to keep 6 rows in one commit, got %v", got)
	}

	reloaded, err := NewStore(ctx, "postgres://stub")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.Procedures().CurrentVersion("urn:p1"); !ok {
		t.Fatalf("expected procedure after reload")
	}
	if got := reloaded.Features().Len(); got != 1 {
		t.Fatalf("expected 1 feature after reload, got %d", got)
	}
}

func TestCheckpointFailures(t *testing.T) {
	ctx := context.Background()
	_, conn := openStub(t)
	store, err := NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	conn.FailBegin = true
	if err := store.Checkpoint(ctx); err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin error, got %v", err)
	}
	conn.FailBegin = false

	conn.FailWrites = true
	if err := store.Checkpoint(ctx); err == nil || !strings.Contains(err.Error(), "upsert procedures") {
		t.Fatalf("expected upsert error, got %v", err)
	}
	conn.FailWrites = false

	conn.FailCommit = true
	if err := store.Checkpoint(ctx); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestNewStoreOpenErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	_, conn := openStub(t)
	conn.FailPing = true
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}
