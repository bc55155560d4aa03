package domain

import (
	"context"
	"iter"
)

// RemoveOptions controls entity removal.
type RemoveOptions struct {
	// Cascade removes child entities instead of failing with ErrHasDependents.
	Cascade bool
}

// RemoveOption configures RemoveOptions.
type RemoveOption func(*RemoveOptions)

// WithCascade requests that children be removed along with their parent.
func WithCascade() RemoveOption {
	return func(o *RemoveOptions) { o.Cascade = true }
}

// ApplyRemoveOptions folds opts into a RemoveOptions value.
func ApplyRemoveOptions(opts []RemoveOption) RemoveOptions {
	var o RemoveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// VersionedStore holds every version of one kind of time-varying entity.
// Lookups report absence with a boolean instead of an error. Implementations
// must be safe for concurrent use.
type VersionedStore[V Entity[V]] interface {
	Add(v V) (FeatureKey, error)
	AddWithParent(parentID int64, v V) (FeatureKey, error)
	AddVersion(v V) (FeatureKey, error)
	Put(key FeatureKey, v V) error
	Get(key FeatureKey) (V, bool)
	CurrentVersion(uid string) (V, bool)
	CurrentVersionByID(id int64) (V, bool)
	CurrentVersionKey(uid string) (FeatureKey, bool)
	CurrentVersionKeyByID(id int64) (FeatureKey, bool)
	InternalID(uid string) (int64, bool)
	ParentID(id int64) (int64, bool)
	Select(f ResourceFilter) iter.Seq2[FeatureKey, V]
	SelectKeys(f ResourceFilter) iter.Seq[FeatureKey]
	Count(f ResourceFilter) int
	Remove(uid string, opts ...RemoveOption) (bool, error)
	RemoveKey(key FeatureKey) (bool, error)
	Len() int
}

// ProcedureStore stores procedure descriptions.
type ProcedureStore interface {
	VersionedStore[Procedure]
}

// FeatureStore stores features of interest.
type FeatureStore interface {
	VersionedStore[Feature]
}

// DataStreamStore stores datastream descriptions. Returned values carry the
// result and phenomenon time ranges of the stream's observations.
type DataStreamStore interface {
	VersionedStore[DataStream]
}

// CommandStreamStore stores command stream descriptions. Returned values carry
// the issue time range of the stream's commands.
type CommandStreamStore interface {
	VersionedStore[CommandStream]
}

// ObservationStore stores observations.
type ObservationStore interface {
	Add(obs Observation) ObsID
	Get(id ObsID) (Observation, bool)
	Select(f ObsFilter) iter.Seq2[ObsID, Observation]
	Count(f ObsFilter) int
	HasData(dataStreamID int64) bool
	RemoveByDataStream(dataStreamID int64) int
	ResultTimeRange(dataStreamID int64) (TimeExtent, bool)
	PhenomenonTimeRange(dataStreamID int64) (TimeExtent, bool)
	Len() int
}

// CommandStore stores commands and their acknowledgments.
type CommandStore interface {
	Add(cmd Command) CommandID
	Get(id CommandID) (Command, bool)
	AddAck(ack CommandAck) error
	Ack(id CommandID) (CommandAck, bool)
	Select(f CommandFilter) iter.Seq2[CommandID, Command]
	Count(f CommandFilter) int
	HasData(commandStreamID int64) bool
	RemoveByCommandStream(commandStreamID int64) int
	IssueTimeRange(commandStreamID int64) (TimeExtent, bool)
	Len() int
}

// Database bundles the stores consumed by transaction handlers.
type Database interface {
	Procedures() ProcedureStore
	Features() FeatureStore
	DataStreams() DataStreamStore
	CommandStreams() CommandStreamStore
	Observations() ObservationStore
	Commands() CommandStore
}

// DurableDatabase is a Database whose state can be flushed to a backend.
type DurableDatabase interface {
	Database
	Checkpoint(ctx context.Context) error
	Close() error
}
