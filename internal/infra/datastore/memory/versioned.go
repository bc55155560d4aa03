// Package memory provides the in-memory reference datastore: versioned
// entity stores plus the latest-value observation and command stores.
package memory

import (
	"iter"
	"sensorhub/pkg/domain"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var _ domain.ProcedureStore = (*VersionedStore[domain.Procedure])(nil)

type version[V any] struct {
	start time.Time
	value V
}

type entry[V any] struct {
	id       int64
	uid      string
	parentID int64
	versions []version[V]
}

// VersionedStore keeps every version of one entity kind keyed by
// (internal ID, validity start). Reads return clones of stored values.
type VersionedStore[V domain.Entity[V]] struct {
	kind   string
	mu     sync.RWMutex
	byID   map[int64]*entry[V]
	order  []int64
	uids   map[string]int64
	lastID atomic.Int64
	cfg    storeConfig
}

type storeConfig struct {
	latestOnly   bool
	hierarchical bool
	now          func() time.Time
}

// StoreOption configures a VersionedStore.
type StoreOption func(*storeConfig)

// LatestOnly keeps a single version per entity. Versions are matched on the
// internal ID alone so every write replaces the stored one regardless of its
// validity start.
func LatestOnly() StoreOption {
	return func(c *storeConfig) { c.latestOnly = true }
}

// Hierarchical marks parent IDs as references into the same store, so
// removing a parent with children requires a cascade.
func Hierarchical() StoreOption {
	return func(c *storeConfig) { c.hierarchical = true }
}

// WithClock overrides the clock used to resolve current versions.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) { c.now = now }
}

// NewVersionedStore creates an empty store. kind names the entity in errors.
func NewVersionedStore[V domain.Entity[V]](kind string, opts ...StoreOption) *VersionedStore[V] {
	cfg := storeConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &VersionedStore[V]{
		kind: kind,
		byID: make(map[int64]*entry[V]),
		uids: make(map[string]int64),
		cfg:  cfg,
	}
}

// Add inserts a new entity and assigns its internal ID.
func (s *VersionedStore[V]) Add(v V) (domain.FeatureKey, error) {
	return s.AddWithParent(0, v)
}

// AddWithParent inserts a new entity attached to parentID.
func (s *VersionedStore[V]) AddWithParent(parentID int64, v V) (domain.FeatureKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(parentID, v)
}

func (s *VersionedStore[V]) addLocked(parentID int64, v V) (domain.FeatureKey, error) {
	uid := v.UniqueID()
	if uid == "" {
		return domain.FeatureKey{}, domain.Errorf(domain.ErrIllegalArgument, "add", s.kind, "", "uid is required")
	}
	if _, exists := s.uids[uid]; exists {
		return domain.FeatureKey{}, domain.Errorf(domain.ErrDuplicateUID, "add", s.kind, uid, "%q already exists", uid)
	}
	id := s.lastID.Add(1)
	start := validStart(v)
	s.byID[id] = &entry[V]{
		id:       id,
		uid:      uid,
		parentID: parentID,
		versions: []version[V]{{start: start, value: v.Clone()}},
	}
	s.order = append(s.order, id)
	s.uids[uid] = id
	return domain.FeatureKey{InternalID: id, ValidStart: start}, nil
}

// AddVersion appends a version of a known entity, replaces the version with
// the same validity start, or inserts the entity when its UID is unknown.
// A validity start earlier than the latest version fails with ErrVersionOrder.
func (s *VersionedStore[V]) AddVersion(v V) (domain.FeatureKey, error) {
	return s.AddVersionWithParent(0, v)
}

// AddVersionWithParent is AddVersion recording parentID when the entity is new.
func (s *VersionedStore[V]) AddVersionWithParent(parentID int64, v V) (domain.FeatureKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.uids[v.UniqueID()]
	if !ok {
		return s.addLocked(parentID, v)
	}
	e := s.byID[id]
	start := validStart(v)
	key := domain.FeatureKey{InternalID: id, ValidStart: start}
	if s.cfg.latestOnly {
		e.versions[0] = version[V]{start: start, value: v.Clone()}
		return key, nil
	}
	last := &e.versions[len(e.versions)-1]
	switch c := start.Compare(last.start); {
	case c > 0:
		e.versions = append(e.versions, version[V]{start: start, value: v.Clone()})
	case c == 0:
		last.value = v.Clone()
	default:
		return domain.FeatureKey{}, domain.Errorf(domain.ErrVersionOrder, "add version", s.kind, e.uid,
			"valid time %s is before latest version %s", start.Format(time.RFC3339Nano), last.start.Format(time.RFC3339Nano))
	}
	return key, nil
}

// Put replaces the version stored at key.
func (s *VersionedStore[V]) Put(key domain.FeatureKey, v V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[key.InternalID]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "put", s.kind, key.String(), "no entity with internal id %d", key.InternalID)
	}
	if v.UniqueID() != e.uid {
		return domain.Errorf(domain.ErrIllegalArgument, "put", s.kind, key.String(), "uid %q does not match stored %q", v.UniqueID(), e.uid)
	}
	i, ok := s.versionIndex(e, key.ValidStart)
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "put", s.kind, key.String(), "no version at %s", key.ValidStart.Format(time.RFC3339Nano))
	}
	e.versions[i].value = v.Clone()
	return nil
}

// Get returns the version stored at key.
func (s *VersionedStore[V]) Get(key domain.FeatureKey) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero V
	e, ok := s.byID[key.InternalID]
	if !ok {
		return zero, false
	}
	i, ok := s.versionIndex(e, key.ValidStart)
	if !ok {
		return zero, false
	}
	return e.versions[i].value.Clone(), true
}

func (s *VersionedStore[V]) CurrentVersion(uid string) (V, bool) {
	_, v, ok := s.current(uid, 0)
	return v, ok
}

func (s *VersionedStore[V]) CurrentVersionByID(id int64) (V, bool) {
	_, v, ok := s.current("", id)
	return v, ok
}

func (s *VersionedStore[V]) CurrentVersionKey(uid string) (domain.FeatureKey, bool) {
	k, _, ok := s.current(uid, 0)
	return k, ok
}

func (s *VersionedStore[V]) CurrentVersionKeyByID(id int64) (domain.FeatureKey, bool) {
	k, _, ok := s.current("", id)
	return k, ok
}

func (s *VersionedStore[V]) current(uid string, id int64) (domain.FeatureKey, V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero V
	if uid != "" {
		var ok bool
		if id, ok = s.uids[uid]; !ok {
			return domain.FeatureKey{}, zero, false
		}
	}
	e, ok := s.byID[id]
	if !ok {
		return domain.FeatureKey{}, zero, false
	}
	ver := e.versions[s.currentIndex(e, s.cfg.now())]
	return domain.FeatureKey{InternalID: e.id, ValidStart: ver.start}, ver.value.Clone(), true
}

// InternalID resolves a UID.
func (s *VersionedStore[V]) InternalID(uid string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.uids[uid]
	return id, ok
}

// ParentID returns the parent internal ID recorded for id, 0 when none.
func (s *VersionedStore[V]) ParentID(id int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	return e.parentID, true
}

// Select returns the matching versions in key order. The sequence is
// evaluated each time it is ranged over.
func (s *VersionedStore[V]) Select(f domain.ResourceFilter) iter.Seq2[domain.FeatureKey, V] {
	return func(yield func(domain.FeatureKey, V) bool) {
		for _, r := range s.collect(f) {
			if !yield(r.Key, r.Value) {
				return
			}
		}
	}
}

func (s *VersionedStore[V]) SelectKeys(f domain.ResourceFilter) iter.Seq[domain.FeatureKey] {
	return func(yield func(domain.FeatureKey) bool) {
		for k := range s.Select(f) {
			if !yield(k) {
				return
			}
		}
	}
}

// Count returns the number of versions matching f.
func (s *VersionedStore[V]) Count(f domain.ResourceFilter) int {
	return len(s.collect(f))
}

func (s *VersionedStore[V]) collect(f domain.ResourceFilter) []Record[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.cfg.now()
	ids := s.order
	if wanted := f.InternalIDs(); len(wanted) > 0 {
		slices.Sort(wanted)
		ids = slices.Compact(wanted)
	}
	tf := f.ValidTime()
	var out []Record[V]
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok || !f.MatchesParent(e.parentID) {
			continue
		}
		cur := s.currentIndex(e, now)
		for i, ver := range e.versions {
			if !tf.Matches(s.effectiveValidity(e, i), i == cur, now) {
				continue
			}
			if !f.Matches(ver.value) {
				continue
			}
			out = append(out, Record[V]{
				Key:      domain.FeatureKey{InternalID: e.id, ValidStart: ver.start},
				UID:      e.uid,
				ParentID: e.parentID,
				Value:    ver.value.Clone(),
			})
			if f.Limit() > 0 && len(out) >= f.Limit() {
				return out
			}
		}
	}
	return out
}

// Remove deletes every version of the entity with uid. It reports false when
// the UID is unknown.
func (s *VersionedStore[V]) Remove(uid string, opts ...domain.RemoveOption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.uids[uid]
	if !ok {
		return false, nil
	}
	return true, s.removeLocked(id, domain.ApplyRemoveOptions(opts))
}

// RemoveKey deletes one version. Removing the last version removes the entity.
func (s *VersionedStore[V]) RemoveKey(key domain.FeatureKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[key.InternalID]
	if !ok {
		return false, nil
	}
	i, ok := s.versionIndex(e, key.ValidStart)
	if !ok {
		return false, nil
	}
	if len(e.versions) > 1 {
		e.versions = slices.Delete(e.versions, i, i+1)
		return true, nil
	}
	return true, s.removeLocked(e.id, domain.RemoveOptions{})
}

func (s *VersionedStore[V]) removeLocked(id int64, opts domain.RemoveOptions) error {
	e := s.byID[id]
	if s.cfg.hierarchical {
		children := s.childrenLocked(id)
		if len(children) > 0 && !opts.Cascade {
			return domain.Errorf(domain.ErrHasDependents, "remove", s.kind, e.uid, "%d member(s) still attached", len(children))
		}
		for _, child := range children {
			if err := s.removeLocked(child, opts); err != nil {
				return err
			}
		}
	}
	delete(s.byID, id)
	delete(s.uids, e.uid)
	if i, found := slices.BinarySearch(s.order, id); found {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return nil
}

func (s *VersionedStore[V]) childrenLocked(id int64) []int64 {
	var out []int64
	for _, cid := range s.order {
		if s.byID[cid].parentID == id {
			out = append(out, cid)
		}
	}
	return out
}

// Len returns the number of distinct entities.
func (s *VersionedStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// NumVersions returns the number of stored versions across all entities.
func (s *VersionedStore[V]) NumVersions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.byID {
		n += len(e.versions)
	}
	return n
}

func (s *VersionedStore[V]) versionIndex(e *entry[V], start time.Time) (int, bool) {
	if s.cfg.latestOnly {
		return 0, true
	}
	return slices.BinarySearchFunc(e.versions, start, func(v version[V], t time.Time) int {
		return v.start.Compare(t)
	})
}

// currentIndex returns the latest version starting at or before now, or the
// earliest version when all of them start in the future.
func (s *VersionedStore[V]) currentIndex(e *entry[V], now time.Time) int {
	for i := len(e.versions) - 1; i >= 0; i-- {
		if !e.versions[i].start.After(now) {
			return i
		}
	}
	return 0
}

// effectiveValidity closes each version at the start of the next one.
func (s *VersionedStore[V]) effectiveValidity(e *entry[V], i int) domain.TimeExtent {
	ver := e.versions[i]
	if i < len(e.versions)-1 {
		return domain.Period(ver.start, e.versions[i+1].start)
	}
	declared := ver.value.Validity()
	if declared.IsZero() || declared.EndsNow() || declared.End.IsZero() {
		return domain.BeginAt(ver.start)
	}
	return domain.Period(ver.start, declared.End)
}

func validStart[V domain.Versioned](v V) time.Time {
	return v.Validity().Begin
}

// Record is the exported form of one stored version.
type Record[V any] struct {
	Key      domain.FeatureKey `json:"key"`
	UID      string            `json:"uid"`
	ParentID int64             `json:"parentId,omitempty"`
	Value    V                 `json:"value"`
}

// Export returns every stored version in key order.
func (s *VersionedStore[V]) Export() []Record[V] {
	return s.collect(domain.NewFilter(domain.WithAllVersions()))
}

// Import replaces the store content with records. Internal ID assignment
// resumes after the highest imported ID.
func (s *VersionedStore[V]) Import(records []Record[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int64]*entry[V])
	s.uids = make(map[string]int64)
	s.order = nil
	var maxID int64
	for _, r := range records {
		e, ok := s.byID[r.Key.InternalID]
		if !ok {
			e = &entry[V]{id: r.Key.InternalID, uid: r.UID, parentID: r.ParentID}
			s.byID[e.id] = e
			s.uids[e.uid] = e.id
			s.order = append(s.order, e.id)
		}
		e.versions = append(e.versions, version[V]{start: r.Key.ValidStart, value: r.Value.Clone()})
		maxID = max(maxID, e.id)
	}
	slices.Sort(s.order)
	for _, e := range s.byID {
		slices.SortFunc(e.versions, func(a, b version[V]) int { return a.start.Compare(b.start) })
	}
	if maxID > s.lastID.Load() {
		s.lastID.Store(maxID)
	}
}
