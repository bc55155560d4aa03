package transaction

import (
	"sensorhub/pkg/domain"
	"slices"
	"sync"
)

// foiIndex caches the UID to internal ID mapping of the features of interest
// known to one procedure. Misses fall back to the feature store, accepting
// only features attached to the procedure. Several handlers of the same
// procedure may hold their own index, so questions about the whole set of
// features are answered by the store.
type foiIndex struct {
	store  domain.FeatureStore
	procID int64

	mu   sync.RWMutex
	ids  map[string]int64
	uids map[int64]string
}

func newFoiIndex(store domain.FeatureStore, procID int64) *foiIndex {
	return &foiIndex{
		store:  store,
		procID: procID,
		ids:    make(map[string]int64),
		uids:   make(map[int64]string),
	}
}

func (x *foiIndex) put(uid string, id int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.putLocked(uid, id)
}

func (x *foiIndex) putLocked(uid string, id int64) {
	if old, ok := x.ids[uid]; ok && old != id {
		delete(x.uids, old)
	}
	x.ids[uid] = id
	x.uids[id] = uid
}

func (x *foiIndex) remove(uid string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if id, ok := x.ids[uid]; ok {
		delete(x.uids, id)
		delete(x.ids, uid)
	}
}

func (x *foiIndex) lookup(uid string) (int64, bool) {
	x.mu.RLock()
	id, ok := x.ids[uid]
	x.mu.RUnlock()
	if ok {
		return id, true
	}
	id, ok = x.store.InternalID(uid)
	if !ok {
		return 0, false
	}
	if parent, _ := x.store.ParentID(id); parent != x.procID {
		return 0, false
	}
	x.put(uid, id)
	return id, true
}

func (x *foiIndex) uidOf(id int64) (string, bool) {
	x.mu.RLock()
	uid, ok := x.uids[id]
	x.mu.RUnlock()
	if ok {
		return uid, true
	}
	f, ok := x.store.CurrentVersionByID(id)
	if !ok {
		return "", false
	}
	return f.UID, true
}

// single returns the only feature attached to the procedure.
func (x *foiIndex) single() (int64, bool) {
	ids := x.attached()
	if len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

func (x *foiIndex) count() int {
	return len(x.attached())
}

// attached lists the internal IDs of the features currently attached to
// the procedure.
func (x *foiIndex) attached() []int64 {
	if x.procID == 0 {
		return nil
	}
	var ids []int64
	for key := range x.store.SelectKeys(domain.NewFilter(domain.WithParents(x.procID))) {
		if !slices.Contains(ids, key.InternalID) {
			ids = append(ids, key.InternalID)
		}
	}
	return ids
}
