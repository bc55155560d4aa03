// Package metrics defines the prometheus instruments of the hub. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sensorhub"

// Metrics groups the counters, gauges and histograms recorded by hub components.
type Metrics struct {
	eventsPublished      *prometheus.CounterVec
	eventsDropped        prometheus.Counter
	subscriptions        prometheus.Gauge
	obsIngested          prometheus.Counter
	recordsRejected      *prometheus.CounterVec
	mutations            *prometheus.CounterVec
	registeredProcedures prometheus.Gauge
	proxyCache           *prometheus.CounterVec
	checkpoints          *prometheus.CounterVec
	checkpointDuration   prometheus.Histogram
	bridgeMessages       *prometheus.CounterVec
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the hub instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_published_total",
			Help: "Events published on the event bus by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_dropped_total",
			Help: "Events dropped because an asynchronous subscriber queue was full.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "subscriptions",
			Help: "Active event bus subscriptions.",
		}),
		obsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datastream", Name: "observations_total",
			Help: "Observations stored by datastream handlers.",
		}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datastream", Name: "records_rejected_total",
			Help: "Data records rejected before storage by reason.",
		}, []string{"reason"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transaction", Name: "mutations_total",
			Help: "Entity mutations by entity, operation and result.",
		}, []string{"entity", "op", "result"}),
		registeredProcedures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "live_procedures",
			Help: "Procedures currently registered by live drivers.",
		}),
		proxyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "proxy_cache_total",
			Help: "Registry proxy cache lookups by outcome.",
		}, []string{"outcome"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "checkpoints_total",
			Help: "Datastore checkpoints by backend and result.",
		}, []string{"backend", "result"}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "checkpoint_seconds",
			Help:    "Duration of datastore checkpoints.",
			Buckets: prometheus.DefBuckets,
		}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nats", Name: "messages_total",
			Help: "Messages crossing the NATS bridge by direction and result.",
		}, []string{"direction", "result"}),
	}
	for _, c := range []prometheus.Collector{
		m.eventsPublished, m.eventsDropped, m.subscriptions, m.obsIngested,
		m.recordsRejected, m.mutations, m.registeredProcedures, m.proxyCache,
		m.checkpoints, m.checkpointDuration, m.bridgeMessages,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, fmt.Errorf("metric already registered: %w", err)
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// SubscriptionsChanged adjusts the active subscription gauge by delta.
func (m *Metrics) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

func (m *Metrics) ObservationStored() {
	if m == nil {
		return
	}
	m.obsIngested.Inc()
}

func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.recordsRejected.WithLabelValues(reason).Inc()
}

// Mutation records the outcome of an entity mutation.
func (m *Metrics) Mutation(entity, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(entity, op, result).Inc()
}

// LiveProcedures sets the number of procedures registered by live drivers.
func (m *Metrics) LiveProcedures(n int) {
	if m == nil {
		return
	}
	m.registeredProcedures.Set(float64(n))
}

func (m *Metrics) ProxyCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.proxyCache.WithLabelValues(outcome).Inc()
}

// Checkpoint records a datastore checkpoint.
func (m *Metrics) Checkpoint(backend string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(backend, result).Inc()
	m.checkpointDuration.Observe(took.Seconds())
}

// BridgeMessage records a message sent ("out") or received ("in") by the NATS bridge.
func (m *Metrics) BridgeMessage(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.bridgeMessages.WithLabelValues(direction, result).Inc()
}
