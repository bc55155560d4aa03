package core_test

import (
	"context"
	"errors"
	"path/filepath"
	"sensorhub/internal/core"
	"sensorhub/internal/infra/eventbus/memory"
	natsbridge "sensorhub/internal/infra/eventbus/nats"
	"sensorhub/internal/proxy/proxytest"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	epoch     = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ptzSchema = domain.RecordSchema{Name: "ptz", Fields: []domain.Field{{Name: "pan", Type: "quantity"}}}
	jsonEnc   = domain.Encoding{Type: "json"}
)

func newHub(t *testing.T, mutate func(*core.Config)) *core.Hub {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Storage.CheckpointInterval = 0
	cfg.Archive.Interval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := core.NewHub(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHubExecuteCommand(t *testing.T) {
	h := newHub(t, nil)
	in := proxytest.NewInput("ptz", ptzSchema, jsonEnc, domain.CommandCompleted)
	d := proxytest.NewDriver(domain.Procedure{UID: "urn:cam", Name: "camera"}, epoch).AddInput(in)
	_, err := h.Registry().Register(context.Background(), proxytest.Receiver(d))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := h.ExecuteCommand(ctx, natsbridge.CommandRequest{
		ProcedureUID: "urn:cam", ControlInput: "ptz", Params: domain.DataBlock{"pan": 12.5},
	})
	require.NoError(t, err)
	require.Equal(t, domain.CommandCompleted, ack.Status)
	require.Len(t, in.Received(), 1)
	require.Equal(t, 12.5, in.Received()[0].Params["pan"])

	_, err = h.ExecuteCommand(ctx, natsbridge.CommandRequest{ProcedureUID: "urn:cam", ControlInput: "zoom"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHubExecuteCommandReleasesAckSubscription(t *testing.T) {
	h := newHub(t, nil)
	in := proxytest.NewInput("ptz", ptzSchema, jsonEnc, domain.CommandCompleted)
	d := proxytest.NewDriver(domain.Procedure{UID: "urn:cam", Name: "camera"}, epoch).AddInput(in)
	_, err := h.Registry().Register(context.Background(), proxytest.Receiver(d))
	require.NoError(t, err)

	bus, ok := h.Bus().(*memory.Bus)
	require.True(t, ok, "expected in-process bus, got %T", h.Bus())
	ackTopic := event.CommandAckTopic("urn:cam", "ptz")
	baseline := bus.SubscriberCount(ackTopic)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := range 5 {
		ack, err := h.ExecuteCommand(ctx, natsbridge.CommandRequest{
			ProcedureUID: "urn:cam", ControlInput: "ptz", SenderID: "client-1", Params: domain.DataBlock{"pan": float64(i)},
		})
		require.NoError(t, err)
		require.Equal(t, domain.CommandCompleted, ack.Status)
	}
	require.Len(t, in.Received(), 5)
	require.Equal(t, baseline, bus.SubscriberCount(ackTopic))
}

func TestHubArchiveDisabled(t *testing.T) {
	h := newHub(t, nil)
	_, err := h.Archive(context.Background())
	require.ErrorIs(t, err, core.ErrArchiveDisabled)
	_, ok := h.Archiver()
	require.False(t, ok)
}

func TestHubRestoresLatestSnapshotOnStart(t *testing.T) {
	root := t.TempDir()
	withFSArchive := func(c *core.Config) {
		c.Archive.Driver = core.ArchiveFS
		c.Archive.FSRoot = root
		c.Archive.RestoreOnStart = true
	}

	first := newHub(t, withFSArchive)
	_, err := first.Root().AddProcedure(domain.Procedure{UID: "urn:p1", Name: "station"})
	require.NoError(t, err)
	info, err := first.Archive(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, info.Key)
	require.NoError(t, first.Close(context.Background()))

	second := newHub(t, withFSArchive)
	h, ok := second.Root().ProcedureHandler("urn:p1")
	require.True(t, ok)
	proc, ok := h.Current()
	require.True(t, ok)
	require.Equal(t, "station", proc.Name)
}

func TestHubRestoreWithoutSnapshots(t *testing.T) {
	h := newHub(t, func(c *core.Config) {
		c.Archive.Driver = core.ArchiveMemory
		c.Archive.RestoreOnStart = true
	})
	require.True(t, h.Database().ExportState().IsEmpty())
	_, ok := h.Root().ProcedureHandler("urn:p1")
	require.False(t, ok)
}

func TestHubSQLiteSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")
	withSQLite := func(c *core.Config) {
		c.Storage.Driver = core.StorageSQLite
		c.Storage.SQLitePath = path
	}
	first := newHub(t, withSQLite)
	_, err := first.Root().AddProcedure(domain.Procedure{UID: "urn:p1", Name: "station"})
	require.NoError(t, err)
	require.NoError(t, first.Checkpoint(context.Background()))
	require.NoError(t, first.Close(context.Background()))
	require.NoError(t, first.Close(context.Background()))

	second := newHub(t, withSQLite)
	_, ok := second.Root().ProcedureHandler("urn:p1")
	require.True(t, ok)
}

func TestHubPeriodicArchive(t *testing.T) {
	h := newHub(t, func(c *core.Config) {
		c.Archive.Driver = core.ArchiveMemory
		c.Archive.Interval = 10 * time.Millisecond
	})
	h.Start(context.Background())
	a, ok := h.Archiver()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		infos, err := a.List(context.Background())
		return err == nil && len(infos) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Close(context.Background()))
}

func TestNewHubRejectsInvalidConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Storage.Driver = "etcd"
	_, err := core.NewHub(context.Background(), cfg)
	require.Error(t, err)
	require.False(t, errors.Is(err, core.ErrArchiveDisabled))
}
