package archive_test

import (
	"context"
	"errors"
	"sensorhub/internal/archive"
	"sensorhub/internal/infra/archive/memory"
	dsmemory "sensorhub/internal/infra/datastore/memory"
	"sensorhub/pkg/domain"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func steppingClock() func() time.Time {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func seeded(t *testing.T) *dsmemory.Database {
	t.Helper()
	db := dsmemory.NewDatabase()
	_, err := db.Procedures().Add(domain.Procedure{UID: "urn:p1", Name: "station"})
	require.NoError(t, err)
	return db
}

func TestArchiveAndRestoreLatest(t *testing.T) {
	ctx := context.Background()
	a := archive.New(memory.New(), archive.WithPrefix("hub"), archive.WithClock(steppingClock()))

	info, err := a.Archive(ctx, seeded(t))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(info.Key, "hub/snapshot-"))
	require.Equal(t, "1", info.Metadata["procedures"])

	restored := dsmemory.NewDatabase()
	got, err := a.Restore(ctx, "", restored)
	require.NoError(t, err)
	require.Equal(t, info.Key, got.Key)
	proc, ok := restored.Procedures().CurrentVersion("urn:p1")
	require.True(t, ok)
	require.Equal(t, "station", proc.Name)
}

func TestRestoreWithoutSnapshots(t *testing.T) {
	a := archive.New(memory.New())
	_, err := a.Restore(context.Background(), "", dsmemory.NewDatabase())
	require.ErrorIs(t, err, archive.ErrNotFound)

	_, err = a.Restore(context.Background(), "snapshots/nope.json", dsmemory.NewDatabase())
	require.True(t, errors.Is(err, archive.ErrNotFound))
}

func TestRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := archive.New(store, archive.WithRetention(2), archive.WithClock(steppingClock()))
	db := seeded(t)

	var keys []string
	for range 4 {
		info, err := a.Archive(ctx, db)
		require.NoError(t, err)
		keys = append(keys, info.Key)
	}
	infos, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, keys[2], infos[0].Key)
	require.Equal(t, keys[3], infos[1].Key)

	latest, ok, err := a.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keys[3], latest.Key)

	removed, err := a.Prune(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	_, ok, err = a.Latest(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
