// Package transaction implements the handlers that create, version and
// delete procedures, datastreams and command streams, keep the datastore
// consistent and publish the matching events on the bus.
package transaction

import (
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"time"

	"go.uber.org/zap"
)

// RootHandler owns the bus and database handles shared by every handler.
// It is the only way to obtain procedure, datastream and command stream
// handlers, so all of them derive topics and IDs from the same sources.
type RootHandler struct {
	bus      event.Bus
	db       domain.Database
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	registry event.Publisher
}

// Option configures a RootHandler.
type Option func(*RootHandler)

func WithLogger(l *zap.Logger) Option {
	return func(r *RootHandler) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *RootHandler) { r.metrics = m }
}

// WithClock overrides the clock used for default validity periods and
// command issue times.
func WithClock(now func() time.Time) Option {
	return func(r *RootHandler) { r.now = now }
}

// NewRootHandler creates the root handler over db and bus.
func NewRootHandler(db domain.Database, bus event.Bus, opts ...Option) *RootHandler {
	r := &RootHandler{bus: bus, db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrNop(r.log).Named(logger.ComponentTransaction)
	r.registry = bus.Publisher(event.RegistryTopic)
	return r
}

func (r *RootHandler) Bus() event.Bus            { return r.bus }
func (r *RootHandler) Database() domain.Database { return r.db }

// AddProcedure inserts a new top-level procedure and publishes
// ProcedureAdded on the registry topic.
func (r *RootHandler) AddProcedure(desc domain.Procedure) (*ProcedureHandler, error) {
	h := r.newProcedureHandler()
	if _, err := h.Create(0, desc); err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateProcedure versions or replaces the description of an existing procedure.
func (r *RootHandler) UpdateProcedure(desc domain.Procedure) (*ProcedureHandler, error) {
	h, ok := r.ProcedureHandler(desc.UID)
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "update", "procedure", desc.UID, "no procedure with this uid")
	}
	if _, err := h.Update(desc); err != nil {
		return nil, err
	}
	return h, nil
}

// AddOrUpdateProcedure creates the procedure when its UID is unknown and
// updates it otherwise.
func (r *RootHandler) AddOrUpdateProcedure(desc domain.Procedure) (*ProcedureHandler, error) {
	h := r.newProcedureHandler()
	if _, err := h.CreateOrUpdate(0, desc); err != nil {
		return nil, err
	}
	return h, nil
}

// ProcedureHandler returns a handler bound to the procedure with uid.
func (r *RootHandler) ProcedureHandler(uid string) (*ProcedureHandler, bool) {
	h := r.newProcedureHandler()
	ok, err := h.Connect(uid)
	if err != nil || !ok {
		return nil, false
	}
	return h, true
}

// ProcedureHandlerByID returns a handler bound to the procedure with the
// given internal ID.
func (r *RootHandler) ProcedureHandlerByID(id int64) (*ProcedureHandler, bool) {
	h := r.newProcedureHandler()
	ok, err := h.ConnectID(id)
	if err != nil || !ok {
		return nil, false
	}
	return h, true
}

// DataStreamHandler returns a handler for the current version of a
// procedure output.
func (r *RootHandler) DataStreamHandler(procUID, outputName string) (*DataStreamHandler, bool) {
	key, ok := r.db.DataStreams().CurrentVersionKey(domain.StreamUID(procUID, outputName))
	if !ok {
		return nil, false
	}
	return r.dataStreamHandlerAt(key, nil)
}

func (r *RootHandler) DataStreamHandlerByID(id int64) (*DataStreamHandler, bool) {
	key, ok := r.db.DataStreams().CurrentVersionKeyByID(id)
	if !ok {
		return nil, false
	}
	return r.dataStreamHandlerAt(key, nil)
}

func (r *RootHandler) dataStreamHandlerAt(key domain.FeatureKey, fois *foiIndex) (*DataStreamHandler, bool) {
	ds, ok := r.db.DataStreams().Get(key)
	if !ok {
		return nil, false
	}
	if fois == nil {
		fois = newFoiIndex(r.db.Features(), ds.ProcedureID)
	}
	return r.newDataStreamHandler(key, ds, fois), true
}

// CommandStreamHandler returns a handler for the current version of a
// procedure control input.
func (r *RootHandler) CommandStreamHandler(procUID, inputName string) (*CommandStreamHandler, bool) {
	key, ok := r.db.CommandStreams().CurrentVersionKey(domain.StreamUID(procUID, inputName))
	if !ok {
		return nil, false
	}
	return r.commandStreamHandlerAt(key)
}

func (r *RootHandler) CommandStreamHandlerByID(id int64) (*CommandStreamHandler, bool) {
	key, ok := r.db.CommandStreams().CurrentVersionKeyByID(id)
	if !ok {
		return nil, false
	}
	return r.commandStreamHandlerAt(key)
}

func (r *RootHandler) commandStreamHandlerAt(key domain.FeatureKey) (*CommandStreamHandler, bool) {
	cs, ok := r.db.CommandStreams().Get(key)
	if !ok {
		return nil, false
	}
	return r.newCommandStreamHandler(key, cs), true
}

// defaultValidity opens a validity period at the current time when te is unset.
func (r *RootHandler) defaultValidity(te domain.TimeExtent) domain.TimeExtent {
	if te.IsZero() {
		return domain.BeginAt(r.now())
	}
	return te
}

func (r *RootHandler) statusPublisher(procUID string) event.Publisher {
	return r.bus.Publisher(event.ProcedureStatusTopic(procUID))
}

// parentPublisher is the publisher receiving lifecycle events of a
// procedure: its group's status topic, or the registry topic at top level.
func (r *RootHandler) parentPublisher(parentUID string) event.Publisher {
	if parentUID == "" {
		return r.registry
	}
	return r.statusPublisher(parentUID)
}
