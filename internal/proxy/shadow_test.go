package proxy_test

import (
	membus "sensorhub/internal/infra/eventbus/memory"
	"sensorhub/internal/proxy"
	"sensorhub/internal/proxy/proxytest"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var tempSchema = domain.RecordSchema{
	Name:   "temp",
	Fields: []domain.Field{{Name: "time", Type: domain.FieldTypeTime}, {Name: "t", Type: "quantity"}},
}

type collected struct {
	mu    sync.Mutex
	kinds []event.Type
}

func (c *collected) list() []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Type(nil), c.kinds...)
}

func collect(t *testing.T, bus *membus.Bus, topic string) *collected {
	t.Helper()
	c := &collected{}
	sub, err := bus.NewSubscription().WithTopics(topic).Subscribe(func(e event.Event) {
		c.mu.Lock()
		c.kinds = append(c.kinds, e.EventType())
		c.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return c
}

func TestShadowFallsBackToSnapshot(t *testing.T) {
	bus := membus.New()
	table := proxy.NewDriverTable()
	shadow := proxy.NewShadow("urn:p", table, bus)
	status := collect(t, bus, event.ProcedureStatusTopic("urn:p"))

	d1 := proxytest.NewDriver(domain.Procedure{UID: "urn:p", Name: "D1"}, epoch)
	h1 := table.Put(d1)
	require.NoError(t, shadow.Connect(h1))
	require.True(t, shadow.IsLive())
	require.Equal(t, "D1", shadow.CurrentDescription().Name)
	require.Empty(t, status.list(), "first connection is not a change")

	shadow.Disconnect()
	table.Release(h1)
	require.Equal(t, proxy.StateDisconnected, shadow.State())
	require.False(t, shadow.IsEnabled())
	require.Equal(t, "D1", shadow.CurrentDescription().Name)
	require.Equal(t, domain.BeginAt(epoch), shadow.ValidTime())
	require.Zero(t, d1.Listeners())

	d2 := proxytest.NewDriver(domain.Procedure{UID: "urn:p", Name: "D2"}, epoch.Add(time.Hour))
	require.NoError(t, shadow.Connect(table.Put(d2)))
	require.Equal(t, "D2", shadow.CurrentDescription().Name)
	require.Equal(t, []event.Type{event.ProcedureChanged}, status.list())
	require.Equal(t, 1, d2.Listeners())
}

func TestUnresolvableHandleActsAsDisconnected(t *testing.T) {
	bus := membus.New()
	table := proxy.NewDriverTable()
	shadow := proxy.NewShadow("urn:p", table, bus)

	d := proxytest.NewDriver(domain.Procedure{UID: "urn:p", Name: "gone"}, epoch)
	h := table.Put(d)
	require.NoError(t, shadow.Connect(h))
	require.True(t, table.Release(h))

	require.False(t, shadow.IsLive())
	require.Equal(t, "gone", shadow.CurrentDescription().Name)
	require.False(t, shadow.CaptureState())
	require.Equal(t, proxy.StateDisconnected, shadow.State())
	require.True(t, shadow.Handle().IsZero())
}

func TestConnectRejectsForeignDriver(t *testing.T) {
	table := proxy.NewDriverTable()
	shadow := proxy.NewShadow("urn:p", table, membus.New())

	h := table.Put(proxytest.NewDriver(domain.Procedure{UID: "urn:other"}, epoch))
	require.ErrorIs(t, shadow.Connect(h), domain.ErrIllegalArgument)
	require.ErrorIs(t, shadow.Connect(proxy.DriverHandle{}), domain.ErrIllegalArgument)
	require.Equal(t, proxy.StateDisconnected, shadow.State())
}

func TestRegisterListenerOnShadowPanics(t *testing.T) {
	shadow := proxy.NewShadow("urn:p", proxy.NewDriverTable(), membus.New())
	require.PanicsWithValue(t, proxy.ErrListenerOnProxy, func() {
		shadow.RegisterListener(proxy.ListenerFunc(func(event.Event) {}))
	})
}

func TestShadowForwardsLifecycleEvents(t *testing.T) {
	bus := membus.New()
	table := proxy.NewDriverTable()
	shadow := proxy.NewShadow("urn:p", table, bus)
	status := collect(t, bus, event.ProcedureStatusTopic("urn:p"))
	registry := collect(t, bus, event.RegistryTopic)

	d := proxytest.NewDriver(domain.Procedure{UID: "urn:p", Name: "v1"}, epoch)
	require.NoError(t, shadow.Connect(table.Put(d)))

	d.Update(domain.Procedure{UID: "urn:p", Name: "v2"}, epoch.Add(time.Minute))
	d.SetEnabled(false)
	require.Equal(t, "v2", shadow.Snapshot().Description.Name)
	require.False(t, shadow.IsEnabled())
	require.Equal(t, "v2", shadow.CurrentDescription().Name, "disabled driver answers from snapshot")

	d.Emit(event.ProcedureRemoved, "")
	want := []event.Type{event.ProcedureChanged, event.ProcedureDisabled, event.ProcedureRemoved}
	require.Equal(t, want, status.list())
	require.Equal(t, want, registry.list())
	require.Equal(t, proxy.StateDisconnected, shadow.State())
	require.Zero(t, d.Listeners())
}

func TestChangeHookTakesOverStatusTopic(t *testing.T) {
	bus := membus.New()
	table := proxy.NewDriverTable()
	var persisted []string
	shadow := proxy.NewShadow("urn:p", table, bus, proxy.WithChangeHook(func(desc domain.Procedure) {
		persisted = append(persisted, desc.Name)
	}))
	status := collect(t, bus, event.ProcedureStatusTopic("urn:p"))
	registry := collect(t, bus, event.RegistryTopic)

	d := proxytest.NewDriver(domain.Procedure{UID: "urn:p", Name: "v1"}, epoch)
	require.NoError(t, shadow.Connect(table.Put(d)))
	d.Update(domain.Procedure{UID: "urn:p", Name: "v2"}, epoch.Add(time.Minute))
	// same timestamp: nothing new to persist
	d.Update(domain.Procedure{UID: "urn:p", Name: "v2"}, epoch.Add(time.Minute))

	require.Equal(t, []string{"v2"}, persisted)
	require.Equal(t, []event.Type{event.ProcedureChanged}, status.list())
	require.Equal(t, []event.Type{event.ProcedureChanged, event.ProcedureChanged}, registry.list())
}

func TestSnapshotCapturesCapabilities(t *testing.T) {
	bus := membus.New()
	table := proxy.NewDriverTable()

	member := proxytest.NewDriver(domain.Procedure{UID: "urn:g:m1", ParentUID: "urn:g"}, epoch)
	out := proxytest.NewOutput("temp", tempSchema, domain.Encoding{Type: "json", Options: map[string]string{"pretty": "no"}})
	g := proxytest.NewDriver(domain.Procedure{UID: "urn:g", Keywords: []string{"site"}}, epoch).
		AddOutput(out).
		AddMember(member).
		AddFeature(domain.Feature{UID: "urn:foi:1", Geometry: &domain.BBox{MaxX: 1, MaxY: 1}})
	out.Push("urn:foi:1", domain.DataBlock{"t": 21.5}, epoch)

	shadow := proxy.NewShadow("urn:g", table, bus)
	h := table.Put(proxytest.GroupOf(g))
	require.NoError(t, shadow.Connect(h))
	shadow.Disconnect()

	snap := shadow.Snapshot()
	require.NotNil(t, snap.Producer)
	require.Nil(t, snap.Receiver)
	require.NotNil(t, snap.Group)
	require.Equal(t, []string{"urn:g:m1"}, snap.Group.Members)
	require.Len(t, snap.Producer.Features, 1)
	require.Equal(t, []string{"urn:g:m1"}, shadow.Members())

	outs := shadow.Outputs()
	require.Len(t, outs, 1)
	require.Equal(t, 21.5, outs[0].LatestRecord["t"])
	require.True(t, outs[0].Schema.Equal(tempSchema))

	// copies must not alias each other or the driver
	outs[0].Schema.Fields[0].Name = "mutated"
	outs[0].Encoding.Options["pretty"] = "yes"
	snap.Description.Keywords[0] = "mutated"
	again := shadow.Snapshot()
	require.Equal(t, "time", again.Producer.Outputs[0].Schema.Fields[0].Name)
	require.Equal(t, "no", again.Producer.Outputs[0].Encoding.Options["pretty"])
	require.Equal(t, "site", again.Description.Keywords[0])
	require.Equal(t, "time", tempSchema.Fields[0].Name)
}

func TestReceiverInputsSurviveDisconnect(t *testing.T) {
	table := proxy.NewDriverTable()
	d := proxytest.NewDriver(domain.Procedure{UID: "urn:cam"}, epoch).
		AddInput(proxytest.NewInput("ptz", tempSchema, domain.Encoding{Type: "json"}, domain.CommandCompleted))
	shadow := proxy.NewShadow("urn:cam", table, membus.New())
	require.NoError(t, shadow.Connect(table.Put(proxytest.Receiver(d))))
	require.Nil(t, shadow.Outputs())

	shadow.Disconnect()
	inputs := shadow.ControlInputs()
	require.Len(t, inputs, 1)
	require.Equal(t, "ptz", inputs[0].Name)
}

func TestDriverTableHandlesGoStale(t *testing.T) {
	table := proxy.NewDriverTable()
	a := proxytest.NewDriver(domain.Procedure{UID: "a"}, epoch)
	b := proxytest.NewDriver(domain.Procedure{UID: "b"}, epoch)

	ha := table.Put(a)
	require.Equal(t, 1, table.Len())
	require.True(t, table.Release(ha))
	require.False(t, table.Release(ha))

	hb := table.Put(b)
	require.NotEqual(t, ha, hb)
	_, ok := table.Resolve(ha)
	require.False(t, ok, "stale handle must not resolve to the slot's new driver")
	got, ok := table.Resolve(hb)
	require.True(t, ok)
	require.Equal(t, "b", got.UID())
	require.Equal(t, 1, table.Len())
}
