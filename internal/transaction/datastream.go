package transaction

import (
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"

	"go.uber.org/zap"
)

const entityDataStream = "datastream"

// DataStreamHandler performs transactions on one datastream and turns live
// data events into stored observations.
type DataStreamHandler struct {
	root *RootHandler
	fois *foiIndex

	mu  sync.RWMutex
	key domain.FeatureKey
	ds  domain.DataStream

	dataPub   event.Publisher
	statusPub event.Publisher
	procPub   event.Publisher
}

func (r *RootHandler) newDataStreamHandler(key domain.FeatureKey, ds domain.DataStream, fois *foiIndex) *DataStreamHandler {
	return &DataStreamHandler{
		root:      r,
		fois:      fois,
		key:       key,
		ds:        ds,
		dataPub:   r.bus.Publisher(event.DataStreamDataTopic(ds.ProcedureUID, ds.OutputName)),
		statusPub: r.bus.Publisher(event.DataStreamStatusTopic(ds.ProcedureUID, ds.OutputName)),
		procPub:   r.statusPublisher(ds.ProcedureUID),
	}
}

func (h *DataStreamHandler) InternalID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key.InternalID
}

func (h *DataStreamHandler) Key() domain.FeatureKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key
}

// Info returns the datastream description as last written or read by the handler.
func (h *DataStreamHandler) Info() domain.DataStream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ds.Clone()
}

// Update changes the record structure and encoding of the datastream.
func (h *DataStreamHandler) Update(schema domain.RecordSchema, enc domain.Encoding) (bool, error) {
	return h.UpdateInfo(domain.DataStream{Schema: schema, Encoding: enc})
}

// UpdateInfo replaces the datastream description. Once observations exist,
// the record structure and encoding can no longer change. Unset name,
// description and validity keep their current values. It reports whether
// anything changed, in which case DataStreamChanged is published.
func (h *DataStreamHandler) UpdateInfo(ds domain.DataStream) (bool, error) {
	changed, err := h.updateInfo(ds)
	h.root.metrics.Mutation(entityDataStream, "update", err)
	if changed {
		h.publishStatus(event.DataStreamChanged)
	}
	return changed, err
}

func (h *DataStreamHandler) updateInfo(ds domain.DataStream) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dsUID := h.ds.UniqueID()
	if ds.OutputName != "" && ds.OutputName != h.ds.OutputName {
		return false, domain.Errorf(domain.ErrIllegalArgument, "update", entityDataStream, dsUID, "cannot change output name to %q", ds.OutputName)
	}
	if err := checkStreamName("update", entityDataStream, h.ds.ProcedureUID, h.ds.OutputName, &ds.Schema); err != nil {
		return false, err
	}

	store := h.root.db.DataStreams()
	cur, ok := store.Get(h.key)
	if !ok {
		return false, domain.Errorf(domain.ErrNotFound, "update", entityDataStream, dsUID, "datastream no longer exists")
	}
	if cur.HasData() && !cur.IsCompatible(ds.Schema, ds.Encoding) {
		return false, domain.Errorf(domain.ErrIllegalArgument, "update", entityDataStream, dsUID, "cannot change record structure or encoding of a datastream that has observations")
	}

	ds.ProcedureID = cur.ProcedureID
	ds.ProcedureUID = cur.ProcedureUID
	ds.OutputName = cur.OutputName
	if ds.Name == "" {
		ds.Name = cur.Name
	}
	if ds.Description == "" {
		ds.Description = cur.Description
	}
	if ds.ValidTime.IsZero() {
		ds.ValidTime = cur.ValidTime
	}
	if ds.Schema.Equal(cur.Schema) && ds.Encoding.Equal(cur.Encoding) &&
		ds.Name == cur.Name && ds.Description == cur.Description && ds.ValidTime == cur.ValidTime {
		h.ds = cur
		return false, nil
	}

	key := h.key
	var err error
	if ds.ValidTime.Begin.Equal(key.ValidStart) {
		err = store.Put(key, ds)
	} else {
		key, err = store.AddVersion(ds)
	}
	if err != nil {
		return false, err
	}
	h.key = key
	h.ds = ds
	h.root.log.Debug("datastream updated", zap.String("uid", dsUID), zap.Stringer("key", key))
	return true, nil
}

// AddObs publishes e on the datastream data topic, then stores one
// observation per record and publishes an ObsEvent for each. It returns the
// ID of the last stored observation. A feature of interest named by the
// event must be attached to the procedure; when none is named the single
// feature attached to the procedure is used, if there is exactly one.
func (h *DataStreamHandler) AddObs(e event.DataEvent) (domain.ObsID, error) {
	h.mu.RLock()
	key, ds := h.key, h.ds
	h.mu.RUnlock()

	foiID := domain.NoFOI
	if e.FoiUID != "" {
		id, ok := h.fois.lookup(e.FoiUID)
		if !ok {
			h.root.metrics.RecordRejected("unknown_foi")
			h.root.log.Warn("observation rejected",
				zap.String("datastream", ds.UniqueID()),
				zap.String("foi", e.FoiUID),
				zap.Int("records", len(e.Records)))
			return 0, domain.Errorf(domain.ErrUnknownFOI, "add obs", entityDataStream, ds.UniqueID(), "feature %q is not attached to %s", e.FoiUID, ds.ProcedureUID)
		}
		foiID = id
	} else if id, ok := h.fois.single(); ok {
		foiID = id
	}

	if e.ID == "" {
		e.Header = event.NewHeader(event.Data, h.dataPub.Topic())
	}
	e.TopicID = h.dataPub.Topic()
	e.ProcedureUID = ds.ProcedureUID
	e.OutputName = ds.OutputName
	h.dataPub.Publish(e)

	timeField := ds.Schema.TimeField()
	var last domain.ObsID
	for _, rec := range e.Records {
		t := e.Timestamp
		if timeField != "" {
			if pt, ok := rec.Time(timeField); ok {
				t = pt
			}
		}
		obs := domain.Observation{
			DataStreamID:   key.InternalID,
			FoiID:          foiID,
			PhenomenonTime: t,
			ResultTime:     t,
			Result:         rec.Clone(),
		}
		last = h.store(ds, obs)
	}
	return last, nil
}

// AddObservation stores a pre-built observation, publishing the matching
// DataEvent before the write and an ObsEvent after it.
func (h *DataStreamHandler) AddObservation(obs domain.Observation) (domain.ObsID, error) {
	h.mu.RLock()
	key, ds := h.key, h.ds
	h.mu.RUnlock()

	if obs.DataStreamID != 0 && obs.DataStreamID != key.InternalID {
		return 0, domain.Errorf(domain.ErrIllegalArgument, "add obs", entityDataStream, ds.UniqueID(), "observation belongs to datastream %d", obs.DataStreamID)
	}
	obs.DataStreamID = key.InternalID

	foiUID := ""
	if obs.HasFoi() {
		uid, ok := h.fois.uidOf(obs.FoiID)
		if !ok {
			h.root.metrics.RecordRejected("unknown_foi")
			return 0, domain.Errorf(domain.ErrUnknownFOI, "add obs", entityDataStream, ds.UniqueID(), "unknown feature %d", obs.FoiID)
		}
		foiUID = uid
	}
	if obs.PhenomenonTime.IsZero() {
		obs.PhenomenonTime = h.root.now()
	}
	if obs.ResultTime.IsZero() {
		obs.ResultTime = obs.PhenomenonTime
	}

	h.dataPub.Publish(event.NewDataEvent(h.dataPub.Topic(), ds.ProcedureUID, ds.OutputName, foiUID, obs.Result.Clone()))
	return h.store(ds, obs), nil
}

func (h *DataStreamHandler) store(ds domain.DataStream, obs domain.Observation) domain.ObsID {
	id := h.root.db.Observations().Add(obs)
	h.root.metrics.ObservationStored()
	h.dataPub.Publish(event.NewObsEvent(h.dataPub.Topic(), ds.ProcedureUID, ds.OutputName, id, obs))
	return id
}

// HandleEvent feeds data events received from a live output into AddObs.
// Rejected events are logged by AddObs.
func (h *DataStreamHandler) HandleEvent(e event.Event) {
	if de, ok := e.(event.DataEvent); ok {
		_, _ = h.AddObs(de)
	}
}

// Delete removes the datastream with all its versions and observations. It
// reports false when the datastream no longer exists.
func (h *DataStreamHandler) Delete() (bool, error) {
	ok, err := h.delete()
	h.root.metrics.Mutation(entityDataStream, "delete", err)
	return ok, err
}

func (h *DataStreamHandler) delete() (bool, error) {
	id := h.InternalID()
	store := h.root.db.DataStreams()
	cur, ok := store.CurrentVersionByID(id)
	if !ok {
		return false, nil
	}
	if cur.ValidTime.EndsNow() {
		h.publishStatus(event.DataStreamDisabled)
	}
	n := h.root.db.Observations().RemoveByDataStream(id)
	removed, err := store.Remove(cur.UniqueID())
	if err != nil || !removed {
		return false, err
	}
	h.publishStatus(event.DataStreamRemoved)
	h.root.log.Debug("datastream removed", zap.String("uid", cur.UniqueID()), zap.Int("observations", n))
	return true, nil
}

// Enable publishes DataStreamEnabled.
func (h *DataStreamHandler) Enable() {
	h.publishStatus(event.DataStreamEnabled)
}

// Disable publishes DataStreamDisabled.
func (h *DataStreamHandler) Disable() {
	h.publishStatus(event.DataStreamDisabled)
}

// publishStatus publishes a lifecycle event on the datastream status topic
// and on the procedure status topic.
func (h *DataStreamHandler) publishStatus(kind event.Type) {
	h.mu.RLock()
	procUID, output, id := h.ds.ProcedureUID, h.ds.OutputName, h.key.InternalID
	h.mu.RUnlock()
	for _, pub := range []event.Publisher{h.statusPub, h.procPub} {
		pub.Publish(event.NewDataStreamEvent(kind, pub.Topic(), procUID, output, id))
	}
}
