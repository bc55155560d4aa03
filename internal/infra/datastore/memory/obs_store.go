package memory

import (
	"cmp"
	"iter"
	"sensorhub/pkg/domain"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var _ domain.ObservationStore = (*ObsStore)(nil)

// obsKey deliberately has no time component: the store keeps only the last
// observation written for each (datastream, foi) pair.
type obsKey struct {
	dataStreamID int64
	foiID        int64
}

func (k obsKey) compare(o obsKey) int {
	if c := cmp.Compare(k.dataStreamID, o.dataStreamID); c != 0 {
		return c
	}
	return cmp.Compare(k.foiID, o.foiID)
}

type obsEntry struct {
	id  domain.ObsID
	obs domain.Observation
}

// ObsStore holds the latest observation of every (datastream, foi) pair.
type ObsStore struct {
	mu      sync.RWMutex
	byKey   map[obsKey]obsEntry
	byID    map[domain.ObsID]obsKey
	counter atomic.Uint64
	now     func() time.Time
}

// NewObsStore creates an empty observation store.
func NewObsStore() *ObsStore {
	return &ObsStore{
		byKey: make(map[obsKey]obsEntry),
		byID:  make(map[domain.ObsID]obsKey),
		now:   time.Now,
	}
}

// Add stores obs, replacing any observation with the same datastream and
// FOI regardless of timestamps, and returns its new ID.
func (s *ObsStore) Add(obs domain.Observation) domain.ObsID {
	key := obsKey{dataStreamID: obs.DataStreamID, foiID: obs.FoiID}
	id := domain.ObsID(s.counter.Add(1))
	obs.Result = obs.Result.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byKey[key]; ok {
		delete(s.byID, prev.id)
	}
	s.byKey[key] = obsEntry{id: id, obs: obs}
	s.byID[id] = key
	return id
}

// Get returns the observation with id if it is still the latest for its key.
func (s *ObsStore) Get(id domain.ObsID) (domain.Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return domain.Observation{}, false
	}
	e := s.byKey[key]
	out := e.obs
	out.Result = out.Result.Clone()
	return out, true
}

// Select returns matching observations ordered by datastream then FOI.
func (s *ObsStore) Select(f domain.ObsFilter) iter.Seq2[domain.ObsID, domain.Observation] {
	return func(yield func(domain.ObsID, domain.Observation) bool) {
		for _, e := range s.collect(f) {
			if !yield(e.id, e.obs) {
				return
			}
		}
	}
}

func (s *ObsStore) Count(f domain.ObsFilter) int {
	return len(s.collect(f))
}

func (s *ObsStore) collect(f domain.ObsFilter) []obsEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	keys := make([]obsKey, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, obsKey.compare)
	var out []obsEntry
	for _, k := range keys {
		e := s.byKey[k]
		if !f.Matches(e.obs, now) {
			continue
		}
		e.obs.Result = e.obs.Result.Clone()
		out = append(out, e)
		if f.Limit() > 0 && len(out) >= f.Limit() {
			break
		}
	}
	return out
}

// HasData reports whether any observation is stored for the datastream.
func (s *ObsStore) HasData(dataStreamID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.byKey {
		if k.dataStreamID == dataStreamID {
			return true
		}
	}
	return false
}

// RemoveByDataStream deletes every observation of the datastream.
func (s *ObsStore) RemoveByDataStream(dataStreamID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.byKey {
		if k.dataStreamID == dataStreamID {
			delete(s.byKey, k)
			delete(s.byID, e.id)
			n++
		}
	}
	return n
}

func (s *ObsStore) ResultTimeRange(dataStreamID int64) (domain.TimeExtent, bool) {
	return s.timeRange(dataStreamID, func(o domain.Observation) time.Time { return o.ResultTime })
}

func (s *ObsStore) PhenomenonTimeRange(dataStreamID int64) (domain.TimeExtent, bool) {
	return s.timeRange(dataStreamID, func(o domain.Observation) time.Time { return o.PhenomenonTime })
}

func (s *ObsStore) timeRange(dataStreamID int64, at func(domain.Observation) time.Time) (domain.TimeExtent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var te domain.TimeExtent
	found := false
	for k, e := range s.byKey {
		if k.dataStreamID != dataStreamID {
			continue
		}
		instant := domain.Instant(at(e.obs))
		if !found {
			te, found = instant, true
			continue
		}
		te = domain.Span(te, instant)
	}
	return te, found
}

// Len returns the number of stored observations.
func (s *ObsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// ObsRecord is the exported form of a stored observation.
type ObsRecord struct {
	ID          domain.ObsID       `json:"id"`
	Observation domain.Observation `json:"observation"`
}

func (s *ObsStore) Export() []ObsRecord {
	var out []ObsRecord
	for id, obs := range s.Select(domain.NewObsFilter()) {
		out = append(out, ObsRecord{ID: id, Observation: obs})
	}
	return out
}

// Import replaces the store content. ID assignment resumes after the highest
// imported ID.
func (s *ObsStore) Import(records []ObsRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[obsKey]obsEntry, len(records))
	s.byID = make(map[domain.ObsID]obsKey, len(records))
	var maxID domain.ObsID
	for _, r := range records {
		key := obsKey{dataStreamID: r.Observation.DataStreamID, foiID: r.Observation.FoiID}
		if prev, ok := s.byKey[key]; ok {
			delete(s.byID, prev.id)
		}
		s.byKey[key] = obsEntry{id: r.ID, obs: r.Observation}
		s.byID[r.ID] = key
		maxID = max(maxID, r.ID)
	}
	if uint64(maxID) > s.counter.Load() {
		s.counter.Store(uint64(maxID))
	}
}
