package memory

import (
	"context"
	"sensorhub/pkg/domain"
	"time"
)

var _ domain.DurableDatabase = (*Database)(nil)

// Database bundles the in-memory reference stores.
type Database struct {
	procedures     *VersionedStore[domain.Procedure]
	features       *VersionedStore[domain.Feature]
	dataStreams    *DataStreamStore
	commandStreams *CommandStreamStore
	observations   *ObsStore
	commands       *CommandStore
}

type dbConfig struct {
	latestOnly bool
	now        func() time.Time
}

// DatabaseOption configures a Database.
type DatabaseOption func(*dbConfig)

// WithLatestOnly keeps a single version of every description.
func WithLatestOnly() DatabaseOption {
	return func(c *dbConfig) { c.latestOnly = true }
}

// WithDatabaseClock overrides the clock used to resolve current versions.
func WithDatabaseClock(now func() time.Time) DatabaseOption {
	return func(c *dbConfig) { c.now = now }
}

// NewDatabase creates an empty in-memory database.
func NewDatabase(opts ...DatabaseOption) *Database {
	cfg := dbConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	common := []StoreOption{WithClock(cfg.now)}
	if cfg.latestOnly {
		common = append(common, LatestOnly())
	}
	obs := NewObsStore()
	obs.now = cfg.now
	cmds := NewCommandStore()
	cmds.now = cfg.now
	return &Database{
		procedures:     NewVersionedStore[domain.Procedure]("procedure", append(common, Hierarchical())...),
		features:       NewVersionedStore[domain.Feature]("feature", common...),
		dataStreams:    NewDataStreamStore(obs, common...),
		commandStreams: NewCommandStreamStore(cmds, common...),
		observations:   obs,
		commands:       cmds,
	}
}

func (d *Database) Procedures() domain.ProcedureStore         { return d.procedures }
func (d *Database) Features() domain.FeatureStore             { return d.features }
func (d *Database) DataStreams() domain.DataStreamStore       { return d.dataStreams }
func (d *Database) CommandStreams() domain.CommandStreamStore { return d.commandStreams }
func (d *Database) Observations() domain.ObservationStore     { return d.observations }
func (d *Database) Commands() domain.CommandStore             { return d.commands }

// Checkpoint is a no-op: the in-memory database has no backend.
func (d *Database) Checkpoint(context.Context) error { return nil }

func (d *Database) Close() error { return nil }

// Snapshot captures a point-in-time copy of every store.
type Snapshot struct {
	Procedures     []Record[domain.Procedure]     `json:"procedures"`
	Features       []Record[domain.Feature]       `json:"features"`
	DataStreams    []Record[domain.DataStream]    `json:"datastreams"`
	CommandStreams []Record[domain.CommandStream] `json:"commandstreams"`
	Observations   []ObsRecord                    `json:"observations"`
	Commands       []CommandRecord                `json:"commands"`
}

// IsEmpty reports whether the snapshot holds no entity at all.
func (s Snapshot) IsEmpty() bool {
	return len(s.Procedures) == 0 && len(s.Features) == 0 && len(s.DataStreams) == 0 &&
		len(s.CommandStreams) == 0 && len(s.Observations) == 0 && len(s.Commands) == 0
}

// ExportState copies the current database content for external persistence.
// Stores are exported one after the other, so writes racing with the export
// may be captured in some stores and not others.
func (d *Database) ExportState() Snapshot {
	return Snapshot{
		Procedures:     d.procedures.Export(),
		Features:       d.features.Export(),
		DataStreams:    d.dataStreams.VersionedStore.Export(),
		CommandStreams: d.commandStreams.VersionedStore.Export(),
		Observations:   d.observations.Export(),
		Commands:       d.commands.Export(),
	}
}

// ImportState replaces the database content with snapshot.
func (d *Database) ImportState(snapshot Snapshot) {
	d.procedures.Import(snapshot.Procedures)
	d.features.Import(snapshot.Features)
	d.dataStreams.VersionedStore.Import(snapshot.DataStreams)
	d.commandStreams.VersionedStore.Import(snapshot.CommandStreams)
	d.observations.Import(snapshot.Observations)
	d.commands.Import(snapshot.Commands)
}
