package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.EventPublished("procedure.added")
	m.EventPublished("procedure.added")
	m.Mutation("procedure", "create", nil)
	m.Mutation("procedure", "create", errors.New("boom"))
	m.ProxyCacheLookup(true)
	m.Checkpoint("sqlite", 10*time.Millisecond, nil)
	m.BridgeMessage("out", errors.New("no conn"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues("procedure.added")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("procedure", "create", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("procedure", "create", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.proxyCache.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.checkpoints.WithLabelValues("sqlite", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.bridgeMessages.WithLabelValues("out", "error")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventPublished("x")
	m.EventDropped()
	m.SubscriptionsChanged(1)
	m.ObservationStored()
	m.RecordRejected("unknown_foi")
	m.Mutation("a", "b", nil)
	m.LiveProcedures(3)
	m.ProxyCacheLookup(false)
	m.Checkpoint("memory", time.Second, nil)
	m.BridgeMessage("in", nil)
}

func TestNewRegistryIncludesRuntimeCollectors(t *testing.T) {
	families, err := NewRegistry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
