package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sensorhub/internal/archive"
	"testing"
)

func TestFilesystemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	info, err := store.Put(ctx, "snapshots/a.json", bytes.NewReader([]byte(`{}`)), archive.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"procedures": "0"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 2 || info.ETag == "" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, err := store.Put(ctx, "snapshots/a.json", bytes.NewReader(nil), archive.PutOptions{}); !errors.Is(err, archive.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, body, err := store.Get(ctx, "snapshots/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != "{}" || got.ContentType != "application/json" || got.Metadata["procedures"] != "0" {
		t.Fatalf("unexpected object %q %+v", data, got)
	}

	list, err := store.List(ctx, "snapshots/")
	if err != nil || len(list) != 1 || list[0].Key != "snapshots/a.json" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	if ok, err := store.Delete(ctx, "snapshots/a.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "snapshots/a.json"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "snapshots/a.json"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "snapshots", "a.json.meta")); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar removed, got %v", err)
	}
}

func TestFilesystemStoreRejectsBadKeys(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", " ", "../escape", "/abs", "x.meta"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil), archive.PutOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}
