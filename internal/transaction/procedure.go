package transaction

import (
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"

	"go.uber.org/zap"
)

const entityProcedure = "procedure"

// ProcedureHandler performs transactions on one procedure: description
// versioning, group membership, datastreams, command streams and features
// of interest. A handler is bound to a single procedure for its whole life.
type ProcedureHandler struct {
	root *RootHandler

	mu        sync.RWMutex
	key       domain.FeatureKey
	uid       string
	parentUID string
	statusPub event.Publisher
	parentPub event.Publisher
	fois      *foiIndex
}

func (r *RootHandler) newProcedureHandler() *ProcedureHandler {
	return &ProcedureHandler{root: r}
}

func (h *ProcedureHandler) UID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.uid
}

func (h *ProcedureHandler) InternalID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key.InternalID
}

// Key returns the key of the version last written through this handler.
func (h *ProcedureHandler) Key() domain.FeatureKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key
}

func (h *ProcedureHandler) ParentUID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parentUID
}

// Current returns the current version of the procedure description.
func (h *ProcedureHandler) Current() (domain.Procedure, bool) {
	id := h.InternalID()
	if id == 0 {
		return domain.Procedure{}, false
	}
	return h.root.db.Procedures().CurrentVersionByID(id)
}

// Connect binds the handler to the existing procedure with uid. It reports
// false when no such procedure exists.
func (h *ProcedureHandler) Connect(uid string) (bool, error) {
	if err := h.checkRebind(uid); err != nil {
		return false, err
	}
	key, ok := h.root.db.Procedures().CurrentVersionKey(uid)
	if !ok {
		return false, nil
	}
	h.bind(key, uid)
	return true, nil
}

// ConnectID binds the handler to the existing procedure with internal ID id.
func (h *ProcedureHandler) ConnectID(id int64) (bool, error) {
	key, ok := h.root.db.Procedures().CurrentVersionKeyByID(id)
	if !ok {
		return false, nil
	}
	desc, ok := h.root.db.Procedures().Get(key)
	if !ok {
		return false, nil
	}
	if err := h.checkRebind(desc.UID); err != nil {
		return false, err
	}
	h.bind(key, desc.UID)
	return true, nil
}

func (h *ProcedureHandler) checkRebind(uid string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.uid != "" && h.uid != uid {
		return domain.Errorf(domain.ErrIllegalState, "connect", entityProcedure, uid, "handler already bound to %s", h.uid)
	}
	return nil
}

// bind attaches the handler to a stored procedure and builds its publishers.
func (h *ProcedureHandler) bind(key domain.FeatureKey, uid string) {
	store := h.root.db.Procedures()
	parentUID := ""
	if parentID, ok := store.ParentID(key.InternalID); ok && parentID != 0 {
		if parent, ok := store.CurrentVersionByID(parentID); ok {
			parentUID = parent.UID
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.key = key
	if h.uid == uid && h.fois != nil {
		return
	}
	h.uid = uid
	h.parentUID = parentUID
	h.statusPub = h.root.statusPublisher(uid)
	h.parentPub = h.root.parentPublisher(parentUID)
	h.fois = newFoiIndex(h.root.db.Features(), key.InternalID)
}

func (h *ProcedureHandler) requireBound(op string) (domain.FeatureKey, string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key.IsZero() {
		return domain.FeatureKey{}, "", domain.Errorf(domain.ErrIllegalState, op, entityProcedure, h.uid, "handler is not bound to a procedure")
	}
	return h.key, h.uid, nil
}

// Create inserts desc as a new procedure, attached to the group with
// internal ID parentID when it is not zero, and publishes ProcedureAdded.
func (h *ProcedureHandler) Create(parentID int64, desc domain.Procedure) (bool, error) {
	created, err := h.create(parentID, desc)
	h.root.metrics.Mutation(entityProcedure, "create", err)
	return created, err
}

func (h *ProcedureHandler) create(parentID int64, desc domain.Procedure) (bool, error) {
	if h.InternalID() != 0 {
		return false, domain.Errorf(domain.ErrIllegalState, "create", entityProcedure, desc.UID, "handler already bound to %s", h.UID())
	}
	if desc.UID == "" {
		return false, domain.Errorf(domain.ErrIllegalArgument, "create", entityProcedure, "", "missing unique id")
	}
	store := h.root.db.Procedures()
	if _, exists := store.InternalID(desc.UID); exists {
		return false, domain.Errorf(domain.ErrDuplicateUID, "create", entityProcedure, desc.UID, "a procedure with this uid already exists")
	}

	switch {
	case parentID != 0:
		parent, ok := store.CurrentVersionByID(parentID)
		if !ok {
			return false, domain.Errorf(domain.ErrNotFound, "create", entityProcedure, desc.UID, "unknown parent group %d", parentID)
		}
		desc.ParentUID = parent.UID
	case desc.ParentUID != "":
		id, ok := store.InternalID(desc.ParentUID)
		if !ok {
			return false, domain.Errorf(domain.ErrNotFound, "create", entityProcedure, desc.UID, "unknown parent group %s", desc.ParentUID)
		}
		parentID = id
	}

	desc.ValidTime = h.root.defaultValidity(desc.ValidTime)
	key, err := store.AddWithParent(parentID, desc)
	if err != nil {
		return false, err
	}
	h.bind(key, desc.UID)
	h.publishLifecycle(event.ProcedureAdded)
	h.root.log.Debug("procedure added", zap.String("uid", desc.UID), zap.Stringer("key", key))
	return true, nil
}

// Update stores desc as a new version of the procedure when its validity
// starts after the latest version, or replaces that version when both start
// at the same time. A description without validity replaces the current
// version in place. ProcedureChanged is published in both cases.
func (h *ProcedureHandler) Update(desc domain.Procedure) (bool, error) {
	ok, err := h.update(desc)
	h.root.metrics.Mutation(entityProcedure, "update", err)
	return ok, err
}

func (h *ProcedureHandler) update(desc domain.Procedure) (bool, error) {
	_, uid, err := h.requireBound("update")
	if err != nil {
		return false, err
	}
	if desc.UID != uid {
		return false, domain.Errorf(domain.ErrIllegalArgument, "update", entityProcedure, uid, "cannot change uid to %q", desc.UID)
	}
	store := h.root.db.Procedures()
	if desc.ValidTime.IsZero() {
		if cur, ok := store.CurrentVersion(uid); ok {
			desc.ValidTime = cur.ValidTime
		}
	}
	desc.ParentUID = h.ParentUID()
	key, err := store.AddVersion(desc)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	h.key = key
	h.mu.Unlock()
	h.statusPub.Publish(event.NewProcedureEvent(event.ProcedureChanged, h.statusPub.Topic(), uid, desc.ParentUID))
	h.root.log.Debug("procedure updated", zap.String("uid", uid), zap.Stringer("key", key))
	return true, nil
}

// CreateOrUpdate creates the procedure when its UID is unknown and updates
// it otherwise. It reports whether the procedure was created.
func (h *ProcedureHandler) CreateOrUpdate(parentID int64, desc domain.Procedure) (bool, error) {
	found, err := h.Connect(desc.UID)
	if err != nil {
		return false, err
	}
	if !found {
		return h.Create(parentID, desc)
	}
	if _, err := h.Update(desc); err != nil {
		return false, err
	}
	return false, nil
}

// Delete removes the procedure and every version of its description.
// Members, datastreams and command streams must be deleted first unless
// domain.WithCascade is given, in which case they are deleted along with
// the features of interest attached to the procedure.
func (h *ProcedureHandler) Delete(opts ...domain.RemoveOption) (bool, error) {
	ok, err := h.delete(domain.ApplyRemoveOptions(opts))
	h.root.metrics.Mutation(entityProcedure, "delete", err)
	return ok, err
}

func (h *ProcedureHandler) delete(opts domain.RemoveOptions) (bool, error) {
	key, uid, err := h.requireBound("delete")
	if err != nil {
		return false, err
	}
	db := h.root.db
	cur, ok := db.Procedures().CurrentVersionByID(key.InternalID)
	if !ok {
		return false, nil
	}

	children := domain.NewFilter(domain.WithParents(key.InternalID))
	members := db.Procedures().Count(children)
	outputs := db.DataStreams().Count(children)
	inputs := db.CommandStreams().Count(children)
	if !opts.Cascade && members+outputs+inputs > 0 {
		return false, domain.Errorf(domain.ErrHasDependents, "delete", entityProcedure, uid,
			"%d member(s), %d datastream(s) and %d command stream(s) still attached", members, outputs, inputs)
	}

	if opts.Cascade {
		if err := h.deleteChildren(key.InternalID); err != nil {
			return false, err
		}
	}

	if cur.ValidTime.EndsNow() {
		h.publishLifecycle(event.ProcedureDisabled)
	}
	removed, err := db.Procedures().Remove(uid)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	h.publishLifecycle(event.ProcedureRemoved)

	h.mu.Lock()
	h.key = domain.FeatureKey{}
	h.mu.Unlock()
	h.root.log.Debug("procedure removed", zap.String("uid", uid))
	return true, nil
}

func (h *ProcedureHandler) deleteChildren(procID int64) error {
	db := h.root.db
	children := domain.NewFilter(domain.WithParents(procID))

	var memberIDs []int64
	for key := range db.Procedures().SelectKeys(children) {
		memberIDs = append(memberIDs, key.InternalID)
	}
	for _, id := range memberIDs {
		member, ok := h.root.ProcedureHandlerByID(id)
		if !ok {
			continue
		}
		if _, err := member.Delete(domain.WithCascade()); err != nil {
			return err
		}
	}

	var outputs []domain.FeatureKey
	for key := range db.DataStreams().SelectKeys(children) {
		outputs = append(outputs, key)
	}
	for _, key := range outputs {
		if ds, ok := h.root.dataStreamHandlerAt(key, h.fois); ok {
			if _, err := ds.Delete(); err != nil {
				return err
			}
		}
	}

	var inputs []domain.FeatureKey
	for key := range db.CommandStreams().SelectKeys(children) {
		inputs = append(inputs, key)
	}
	for _, key := range inputs {
		if cs, ok := h.root.commandStreamHandlerAt(key); ok {
			if _, err := cs.Delete(); err != nil {
				return err
			}
		}
	}

	var fois []string
	for _, f := range db.Features().Select(children) {
		fois = append(fois, f.UID)
	}
	for _, foiUID := range fois {
		if _, err := db.Features().Remove(foiUID); err != nil {
			return err
		}
		h.fois.remove(foiUID)
	}
	return nil
}

// Enable publishes ProcedureEnabled. The store is not modified.
func (h *ProcedureHandler) Enable() error {
	if _, _, err := h.requireBound("enable"); err != nil {
		return err
	}
	h.publishLifecycle(event.ProcedureEnabled)
	return nil
}

// Disable publishes ProcedureDisabled. The store is not modified.
func (h *ProcedureHandler) Disable() error {
	if _, _, err := h.requireBound("disable"); err != nil {
		return err
	}
	h.publishLifecycle(event.ProcedureDisabled)
	return nil
}

func (h *ProcedureHandler) publishLifecycle(kind event.Type) {
	h.mu.RLock()
	pub, uid, parentUID := h.parentPub, h.uid, h.parentUID
	h.mu.RUnlock()
	pub.Publish(event.NewProcedureEvent(kind, pub.Topic(), uid, parentUID))
}

// AddOrUpdateMember creates or updates a member of this procedure group.
func (h *ProcedureHandler) AddOrUpdateMember(desc domain.Procedure) (*ProcedureHandler, error) {
	key, uid, err := h.requireBound("add member")
	if err != nil {
		return nil, err
	}
	member := h.root.newProcedureHandler()
	found, err := member.Connect(desc.UID)
	if err != nil {
		return nil, err
	}
	if found && member.ParentUID() != uid {
		return nil, domain.Errorf(domain.ErrConflict, "add member", entityProcedure, desc.UID, "already a member of %q", member.ParentUID())
	}
	desc.ParentUID = uid
	if found {
		_, err = member.Update(desc)
	} else {
		_, err = member.Create(key.InternalID, desc)
	}
	if err != nil {
		return nil, err
	}
	return member, nil
}

// DeleteMember deletes the member with uid from this group.
func (h *ProcedureHandler) DeleteMember(uid string, opts ...domain.RemoveOption) (bool, error) {
	_, groupUID, err := h.requireBound("delete member")
	if err != nil {
		return false, err
	}
	member, ok := h.root.ProcedureHandler(uid)
	if !ok {
		return false, nil
	}
	if member.ParentUID() != groupUID {
		return false, domain.Errorf(domain.ErrIllegalArgument, "delete member", entityProcedure, uid, "not a member of %s", groupUID)
	}
	return member.Delete(opts...)
}

// AddOrUpdateDataStream declares or updates the output outputName.
func (h *ProcedureHandler) AddOrUpdateDataStream(outputName string, schema domain.RecordSchema, enc domain.Encoding) (*DataStreamHandler, error) {
	return h.AddOrUpdateDataStreamInfo(domain.DataStream{OutputName: outputName, Schema: schema, Encoding: enc})
}

// AddOrUpdateDataStreamInfo declares or updates an output from a full
// datastream descriptor. A new datastream publishes DataStreamAdded. When the
// stream already holds observations and the record structure or encoding
// changed, a new version valid from now is stored under the same internal ID
// and DataStreamAdded is published again. Any other difference is applied in
// place and publishes DataStreamChanged.
func (h *ProcedureHandler) AddOrUpdateDataStreamInfo(ds domain.DataStream) (*DataStreamHandler, error) {
	dsh, err := h.addOrUpdateDataStream(ds)
	h.root.metrics.Mutation(entityDataStream, "add_or_update", err)
	return dsh, err
}

func (h *ProcedureHandler) addOrUpdateDataStream(ds domain.DataStream) (*DataStreamHandler, error) {
	key, uid, err := h.requireBound("add datastream")
	if err != nil {
		return nil, err
	}
	if err := checkStreamName("add datastream", entityDataStream, uid, ds.OutputName, &ds.Schema); err != nil {
		return nil, err
	}
	ds.ProcedureID = key.InternalID
	ds.ProcedureUID = uid

	store := h.root.db.DataStreams()
	dsUID := domain.StreamUID(uid, ds.OutputName)
	dsKey, exists := store.CurrentVersionKey(dsUID)
	if !exists {
		if ds.Name == "" {
			ds.Name = domain.StreamDisplayName(h.procedureName(), ds.Schema, ds.OutputName)
		}
		ds.ValidTime = h.root.defaultValidity(ds.ValidTime)
		dsKey, err = store.AddWithParent(key.InternalID, ds)
		if err != nil {
			return nil, err
		}
		dsh, _ := h.root.dataStreamHandlerAt(dsKey, h.fois)
		dsh.publishStatus(event.DataStreamAdded)
		h.root.log.Debug("datastream added", zap.String("uid", dsUID), zap.Stringer("key", dsKey))
		return dsh, nil
	}

	cur, _ := store.Get(dsKey)
	if cur.HasData() && !cur.IsCompatible(ds.Schema, ds.Encoding) {
		now := h.root.now()
		if !now.After(dsKey.ValidStart) {
			return nil, domain.Errorf(domain.ErrVersionOrder, "add datastream", entityDataStream, dsUID, "current version starts at or after %s", now)
		}
		if ds.Name == "" {
			ds.Name = domain.StreamDisplayName(h.procedureName(), ds.Schema, ds.OutputName)
		}
		ds.ValidTime = domain.BeginAt(now)
		dsKey, err = store.AddVersion(ds)
		if err != nil {
			return nil, err
		}
		dsh, _ := h.root.dataStreamHandlerAt(dsKey, h.fois)
		dsh.publishStatus(event.DataStreamAdded)
		h.root.log.Debug("datastream versioned", zap.String("uid", dsUID), zap.Stringer("key", dsKey))
		return dsh, nil
	}

	dsh, ok := h.root.dataStreamHandlerAt(dsKey, h.fois)
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "add datastream", entityDataStream, dsUID, "datastream removed concurrently")
	}
	if _, err := dsh.UpdateInfo(ds); err != nil {
		return nil, err
	}
	return dsh, nil
}

// DataStreamHandler returns the handler of output outputName.
func (h *ProcedureHandler) DataStreamHandler(outputName string) (*DataStreamHandler, bool) {
	key, ok := h.root.db.DataStreams().CurrentVersionKey(domain.StreamUID(h.UID(), outputName))
	if !ok {
		return nil, false
	}
	return h.root.dataStreamHandlerAt(key, h.foiIndex())
}

func (h *ProcedureHandler) EnableDataStream(outputName string) error {
	dsh, ok := h.DataStreamHandler(outputName)
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "enable", entityDataStream, domain.StreamUID(h.UID(), outputName), "unknown output")
	}
	dsh.Enable()
	return nil
}

func (h *ProcedureHandler) DisableDataStream(outputName string) error {
	dsh, ok := h.DataStreamHandler(outputName)
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "disable", entityDataStream, domain.StreamUID(h.UID(), outputName), "unknown output")
	}
	dsh.Disable()
	return nil
}

// DeleteDataStream deletes output outputName and its observations.
func (h *ProcedureHandler) DeleteDataStream(outputName string) (bool, error) {
	dsh, ok := h.DataStreamHandler(outputName)
	if !ok {
		return false, nil
	}
	return dsh.Delete()
}

// AddOrUpdateCommandStream declares or updates the control input inputName.
func (h *ProcedureHandler) AddOrUpdateCommandStream(inputName string, schema domain.RecordSchema, enc domain.Encoding) (*CommandStreamHandler, error) {
	return h.AddOrUpdateCommandStreamInfo(domain.CommandStream{ControlInputName: inputName, Schema: schema, Encoding: enc})
}

// AddOrUpdateCommandStreamInfo is AddOrUpdateDataStreamInfo for control inputs.
func (h *ProcedureHandler) AddOrUpdateCommandStreamInfo(cs domain.CommandStream) (*CommandStreamHandler, error) {
	csh, err := h.addOrUpdateCommandStream(cs)
	h.root.metrics.Mutation(entityCommandStream, "add_or_update", err)
	return csh, err
}

func (h *ProcedureHandler) addOrUpdateCommandStream(cs domain.CommandStream) (*CommandStreamHandler, error) {
	key, uid, err := h.requireBound("add command stream")
	if err != nil {
		return nil, err
	}
	if err := checkStreamName("add command stream", entityCommandStream, uid, cs.ControlInputName, &cs.Schema); err != nil {
		return nil, err
	}
	cs.ProcedureID = key.InternalID
	cs.ProcedureUID = uid

	store := h.root.db.CommandStreams()
	csUID := domain.StreamUID(uid, cs.ControlInputName)
	csKey, exists := store.CurrentVersionKey(csUID)
	if !exists {
		if cs.Name == "" {
			cs.Name = domain.StreamDisplayName(h.procedureName(), cs.Schema, cs.ControlInputName)
		}
		cs.ValidTime = h.root.defaultValidity(cs.ValidTime)
		csKey, err = store.AddWithParent(key.InternalID, cs)
		if err != nil {
			return nil, err
		}
		csh, _ := h.root.commandStreamHandlerAt(csKey)
		csh.publishStatus(event.CommandStreamAdded)
		h.root.log.Debug("command stream added", zap.String("uid", csUID), zap.Stringer("key", csKey))
		return csh, nil
	}

	cur, _ := store.Get(csKey)
	if cur.HasData() && !cur.IsCompatible(cs.Schema, cs.Encoding) {
		now := h.root.now()
		if !now.After(csKey.ValidStart) {
			return nil, domain.Errorf(domain.ErrVersionOrder, "add command stream", entityCommandStream, csUID, "current version starts at or after %s", now)
		}
		if cs.Name == "" {
			cs.Name = domain.StreamDisplayName(h.procedureName(), cs.Schema, cs.ControlInputName)
		}
		cs.ValidTime = domain.BeginAt(now)
		csKey, err = store.AddVersion(cs)
		if err != nil {
			return nil, err
		}
		csh, _ := h.root.commandStreamHandlerAt(csKey)
		csh.publishStatus(event.CommandStreamAdded)
		return csh, nil
	}

	csh, ok := h.root.commandStreamHandlerAt(csKey)
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "add command stream", entityCommandStream, csUID, "command stream removed concurrently")
	}
	if _, err := csh.UpdateInfo(cs); err != nil {
		return nil, err
	}
	return csh, nil
}

// CommandStreamHandler returns the handler of control input inputName.
func (h *ProcedureHandler) CommandStreamHandler(inputName string) (*CommandStreamHandler, bool) {
	return h.root.CommandStreamHandler(h.UID(), inputName)
}

func (h *ProcedureHandler) EnableCommandStream(inputName string) error {
	csh, ok := h.CommandStreamHandler(inputName)
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "enable", entityCommandStream, domain.StreamUID(h.UID(), inputName), "unknown control input")
	}
	csh.Enable()
	return nil
}

func (h *ProcedureHandler) DisableCommandStream(inputName string) error {
	csh, ok := h.CommandStreamHandler(inputName)
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "disable", entityCommandStream, domain.StreamUID(h.UID(), inputName), "unknown control input")
	}
	csh.Disable()
	return nil
}

// DeleteCommandStream deletes control input inputName and its commands.
func (h *ProcedureHandler) DeleteCommandStream(inputName string) (bool, error) {
	csh, ok := h.CommandStreamHandler(inputName)
	if !ok {
		return false, nil
	}
	return csh.Delete()
}

// AddOrUpdateFoi attaches a feature of interest to the procedure. The
// feature is added when unknown or when its validity starts after the
// stored version, which also publishes FoiAdded; otherwise the stored
// version is replaced in place. It reports whether a version was added.
func (h *ProcedureHandler) AddOrUpdateFoi(f domain.Feature) (bool, error) {
	added, err := h.addOrUpdateFoi(f)
	h.root.metrics.Mutation("feature", "add_or_update", err)
	return added, err
}

func (h *ProcedureHandler) addOrUpdateFoi(f domain.Feature) (bool, error) {
	key, uid, err := h.requireBound("add foi")
	if err != nil {
		return false, err
	}
	if f.UID == "" {
		return false, domain.Errorf(domain.ErrIllegalArgument, "add foi", "feature", "", "missing unique id")
	}
	store := h.root.db.Features()
	fois := h.foiIndex()

	foiKey, exists := store.CurrentVersionKey(f.UID)
	if exists {
		if parent, _ := store.ParentID(foiKey.InternalID); parent != key.InternalID {
			return false, domain.Errorf(domain.ErrConflict, "add foi", "feature", f.UID, "attached to another procedure")
		}
		if f.ValidTime.IsZero() || !f.ValidTime.Begin.After(foiKey.ValidStart) {
			if f.ValidTime.IsZero() {
				cur, _ := store.Get(foiKey)
				f.ValidTime = cur.ValidTime
			}
			f.ValidTime.Begin = foiKey.ValidStart
			if err := store.Put(foiKey, f); err != nil {
				return false, err
			}
			fois.put(f.UID, foiKey.InternalID)
			return false, nil
		}
		foiKey, err = store.AddVersion(f)
	} else {
		f.ValidTime = h.root.defaultValidity(f.ValidTime)
		foiKey, err = store.AddWithParent(key.InternalID, f)
	}
	if err != nil {
		return false, err
	}
	fois.put(f.UID, foiKey.InternalID)

	h.statusPub.Publish(event.NewFoiEvent(h.statusPub.Topic(), uid, f.UID, foiKey.InternalID))
	foiPub := h.root.bus.Publisher(event.FoiStatusTopic(f.UID))
	foiPub.Publish(event.NewFoiEvent(foiPub.Topic(), uid, f.UID, foiKey.InternalID))
	h.root.log.Debug("foi added", zap.String("procedure", uid), zap.String("foi", f.UID))
	return true, nil
}

// FoiID resolves the internal ID of a feature of interest attached to the
// procedure.
func (h *ProcedureHandler) FoiID(uid string) (int64, bool) {
	fois := h.foiIndex()
	if fois == nil {
		return 0, false
	}
	return fois.lookup(uid)
}

// FoiCount returns the number of features of interest attached to the procedure.
func (h *ProcedureHandler) FoiCount() int {
	fois := h.foiIndex()
	if fois == nil {
		return 0
	}
	return fois.count()
}

func (h *ProcedureHandler) foiIndex() *foiIndex {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fois
}

func (h *ProcedureHandler) procedureName() string {
	if cur, ok := h.Current(); ok && cur.Name != "" {
		return cur.Name
	}
	return h.UID()
}

// checkStreamName validates the local name of a stream and defaults the
// record structure name to it.
func checkStreamName(op, entity, procUID, name string, schema *domain.RecordSchema) error {
	if name == "" {
		return domain.Errorf(domain.ErrIllegalArgument, op, entity, procUID, "missing stream name")
	}
	if schema.Name == "" {
		schema.Name = name
		return nil
	}
	if schema.Name != name {
		return domain.Errorf(domain.ErrIllegalArgument, op, entity, domain.StreamUID(procUID, name), "inconsistent output name %q", schema.Name)
	}
	return nil
}
