package testutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
)

const upsert = "INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload"

func TestStubUpsertsAreVisibleAfterCommit(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	tx, err := conn.BeginTx(ctx, driver.TxOptions{})
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	for _, payload := range []string{"[1]", "[2]"} {
		if _, err := conn.ExecContext(ctx, upsert, []driver.NamedValue{{Value: "procedures"}, {Value: []byte(payload)}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if got := conn.Buckets(); len(got) != 0 {
		t.Fatalf("uncommitted buckets visible: %v", got)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if p, ok := conn.Payload("procedures"); !ok || string(p) != "[2]" {
		t.Fatalf("unexpected payload %q %v", p, ok)
	}

	rows, err := conn.QueryContext(ctx, "SELECT bucket, payload\n\tFROM state", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != "procedures" || string(dest[1].([]byte)) != "[2]" {
		t.Fatalf("unexpected row values: %v", dest)
	}
}

func TestStubRollbackDiscardsPending(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.Seed("features", []byte("[]"))
	tx, _ := conn.BeginTx(ctx, driver.TxOptions{})
	if _, err := conn.ExecContext(ctx, upsert, []driver.NamedValue{{Value: "commands"}, {Value: []byte("[]")}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := conn.Buckets(); len(got) != 1 || got[0] != "features" {
		t.Fatalf("unexpected buckets after rollback: %v", got)
	}
}

func TestStubFailureSwitches(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.FailPing = true
	if err := conn.Ping(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailReads = true
	if _, err := conn.QueryContext(ctx, "SELECT bucket, payload FROM state", nil); err == nil {
		t.Fatalf("expected read failure")
	}
	conn.FailWrites = true
	if _, err := conn.ExecContext(ctx, upsert, []driver.NamedValue{{Value: "x"}, {Value: []byte("[]")}}); err == nil {
		t.Fatalf("expected write failure")
	}
	if _, err := conn.QueryContext(ctx, "DELETE FROM state", nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported statement, got %v", err)
	}
}
