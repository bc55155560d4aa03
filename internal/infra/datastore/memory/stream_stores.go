package memory

import (
	"iter"
	"sensorhub/pkg/domain"
)

var (
	_ domain.DataStreamStore    = (*DataStreamStore)(nil)
	_ domain.CommandStreamStore = (*CommandStreamStore)(nil)
)

// DataStreamStore decorates datastream descriptions with the time ranges of
// the observations held for them. Ranges supplied by callers are not stored.
type DataStreamStore struct {
	*VersionedStore[domain.DataStream]
	obs domain.ObservationStore
}

func NewDataStreamStore(obs domain.ObservationStore, opts ...StoreOption) *DataStreamStore {
	return &DataStreamStore{
		VersionedStore: NewVersionedStore[domain.DataStream]("datastream", opts...),
		obs:            obs,
	}
}

func (s *DataStreamStore) Add(ds domain.DataStream) (domain.FeatureKey, error) {
	return s.VersionedStore.AddWithParent(ds.ProcedureID, stripDataStream(ds))
}

func (s *DataStreamStore) AddWithParent(parentID int64, ds domain.DataStream) (domain.FeatureKey, error) {
	return s.VersionedStore.AddWithParent(parentID, stripDataStream(ds))
}

func (s *DataStreamStore) AddVersion(ds domain.DataStream) (domain.FeatureKey, error) {
	return s.VersionedStore.AddVersionWithParent(ds.ProcedureID, stripDataStream(ds))
}

func (s *DataStreamStore) Put(key domain.FeatureKey, ds domain.DataStream) error {
	return s.VersionedStore.Put(key, stripDataStream(ds))
}

func (s *DataStreamStore) Get(key domain.FeatureKey) (domain.DataStream, bool) {
	ds, ok := s.VersionedStore.Get(key)
	if !ok {
		return ds, false
	}
	return s.decorate(key.InternalID, ds), true
}

func (s *DataStreamStore) CurrentVersion(uid string) (domain.DataStream, bool) {
	key, ok := s.VersionedStore.CurrentVersionKey(uid)
	if !ok {
		return domain.DataStream{}, false
	}
	return s.Get(key)
}

func (s *DataStreamStore) CurrentVersionByID(id int64) (domain.DataStream, bool) {
	ds, ok := s.VersionedStore.CurrentVersionByID(id)
	if !ok {
		return ds, false
	}
	return s.decorate(id, ds), true
}

func (s *DataStreamStore) Select(f domain.ResourceFilter) iter.Seq2[domain.FeatureKey, domain.DataStream] {
	return func(yield func(domain.FeatureKey, domain.DataStream) bool) {
		for k, ds := range s.VersionedStore.Select(f) {
			if !yield(k, s.decorate(k.InternalID, ds)) {
				return
			}
		}
	}
}

func (s *DataStreamStore) decorate(id int64, ds domain.DataStream) domain.DataStream {
	if te, ok := s.obs.ResultTimeRange(id); ok {
		ds.ResultTimeRange = &te
	}
	if te, ok := s.obs.PhenomenonTimeRange(id); ok {
		ds.PhenomenonTimeRange = &te
	}
	return ds
}

func stripDataStream(ds domain.DataStream) domain.DataStream {
	ds.ResultTimeRange = nil
	ds.PhenomenonTimeRange = nil
	return ds
}

// CommandStreamStore decorates command stream descriptions with the issue
// time range of their stored commands.
type CommandStreamStore struct {
	*VersionedStore[domain.CommandStream]
	cmds domain.CommandStore
}

func NewCommandStreamStore(cmds domain.CommandStore, opts ...StoreOption) *CommandStreamStore {
	return &CommandStreamStore{
		VersionedStore: NewVersionedStore[domain.CommandStream]("commandstream", opts...),
		cmds:           cmds,
	}
}

func (s *CommandStreamStore) Add(cs domain.CommandStream) (domain.FeatureKey, error) {
	return s.VersionedStore.AddWithParent(cs.ProcedureID, stripCommandStream(cs))
}

func (s *CommandStreamStore) AddWithParent(parentID int64, cs domain.CommandStream) (domain.FeatureKey, error) {
	return s.VersionedStore.AddWithParent(parentID, stripCommandStream(cs))
}

func (s *CommandStreamStore) AddVersion(cs domain.CommandStream) (domain.FeatureKey, error) {
	return s.VersionedStore.AddVersionWithParent(cs.ProcedureID, stripCommandStream(cs))
}

func (s *CommandStreamStore) Put(key domain.FeatureKey, cs domain.CommandStream) error {
	return s.VersionedStore.Put(key, stripCommandStream(cs))
}

func (s *CommandStreamStore) Get(key domain.FeatureKey) (domain.CommandStream, bool) {
	cs, ok := s.VersionedStore.Get(key)
	if !ok {
		return cs, false
	}
	return s.decorate(key.InternalID, cs), true
}

func (s *CommandStreamStore) CurrentVersion(uid string) (domain.CommandStream, bool) {
	key, ok := s.VersionedStore.CurrentVersionKey(uid)
	if !ok {
		return domain.CommandStream{}, false
	}
	return s.Get(key)
}

func (s *CommandStreamStore) CurrentVersionByID(id int64) (domain.CommandStream, bool) {
	cs, ok := s.VersionedStore.CurrentVersionByID(id)
	if !ok {
		return cs, false
	}
	return s.decorate(id, cs), true
}

func (s *CommandStreamStore) Select(f domain.ResourceFilter) iter.Seq2[domain.FeatureKey, domain.CommandStream] {
	return func(yield func(domain.FeatureKey, domain.CommandStream) bool) {
		for k, cs := range s.VersionedStore.Select(f) {
			if !yield(k, s.decorate(k.InternalID, cs)) {
				return
			}
		}
	}
}

func (s *CommandStreamStore) decorate(id int64, cs domain.CommandStream) domain.CommandStream {
	if te, ok := s.cmds.IssueTimeRange(id); ok {
		cs.IssueTimeRange = &te
	}
	return cs
}

func stripCommandStream(cs domain.CommandStream) domain.CommandStream {
	cs.IssueTimeRange = nil
	return cs
}
