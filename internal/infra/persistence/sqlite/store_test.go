package sqlite

import (
	"context"
	"path/filepath"
	membus "sensorhub/internal/infra/eventbus/memory"
	"sensorhub/internal/transaction"
	"sensorhub/pkg/domain"
	"testing"
	"time"
)

var tempSchema = domain.RecordSchema{
	Name:   "temp",
	Fields: []domain.Field{{Name: "time", Type: domain.FieldTypeTime}, {Name: "t", Type: "quantity"}},
}

func TestSQLiteStoreCheckpointAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	root := transaction.NewRootHandler(store, membus.New())
	ph, err := root.AddProcedure(domain.Procedure{UID: "urn:p1", Name: "weather"})
	if err != nil {
		t.Fatalf("add procedure: %v", err)
	}
	dsh, err := ph.AddOrUpdateDataStream("out1", tempSchema, domain.Encoding{Type: "json"})
	if err != nil {
		t.Fatalf("add datastream: %v", err)
	}
	if _, err := dsh.AddObservation(domain.Observation{Result: domain.DataBlock{"t": 12.5}, PhenomenonTime: time.Now()}); err != nil {
		t.Fatalf("add obs: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if got := reloaded.Procedures().Len(); got != 1 {
		t.Fatalf("expected 1 procedure, got %d", got)
	}
	proc, ok := reloaded.Procedures().CurrentVersion("urn:p1")
	if !ok || proc.Name != "weather" {
		t.Fatalf("expected reloaded procedure, got %+v (found=%v)", proc, ok)
	}
	if got := reloaded.DataStreams().Len(); got != 1 {
		t.Fatalf("expected 1 datastream, got %d", got)
	}
	if !reloaded.Observations().HasData(dsh.InternalID()) {
		t.Fatalf("expected observation for datastream %d", dsh.InternalID())
	}

	// identifiers keep growing after a reload
	root2 := transaction.NewRootHandler(reloaded, membus.New())
	ph2, err := root2.AddProcedure(domain.Procedure{UID: "urn:p2", Name: "second"})
	if err != nil {
		t.Fatalf("add after reload: %v", err)
	}
	if ph2.InternalID() == ph.InternalID() {
		t.Fatalf("internal id %d reused after reload", ph2.InternalID())
	}
}

func TestSQLiteStoreEmptyFileStartsEmpty(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.DB().Close() })
	if !store.ExportState().IsEmpty() {
		t.Fatalf("expected empty state")
	}
	if err := store.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&n); err != nil {
		t.Fatalf("count buckets: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 buckets, got %d", n)
	}
}

func TestSQLiteStoreCheckpointHonorsContext(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.DB().Close() })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Checkpoint(ctx); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
