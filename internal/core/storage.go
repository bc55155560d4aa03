package core

import (
	"context"
	"fmt"
	"sensorhub/internal/archive"
	"sensorhub/internal/infra/archive/fs"
	archivememory "sensorhub/internal/infra/archive/memory"
	"sensorhub/internal/infra/archive/s3"
	"sensorhub/internal/infra/datastore/memory"
	"sensorhub/internal/infra/persistence/postgres"
	"sensorhub/internal/infra/persistence/sqlite"
	"sensorhub/internal/metrics"
	"sensorhub/pkg/domain"

	"go.uber.org/zap"
)

// Database is a durable hub database whose whole state can be exported and
// re-imported, as needed by the archiver.
type Database interface {
	domain.DurableDatabase
	ExportState() memory.Snapshot
	ImportState(memory.Snapshot)
}

var (
	_ Database = (*memory.Database)(nil)
	_ Database = (*sqlite.Store)(nil)
	_ Database = (*postgres.Store)(nil)
)

// OpenDatabase selects a storage backend from cfg.
func OpenDatabase(ctx context.Context, cfg StorageConfig, log *zap.Logger, m *metrics.Metrics) (Database, error) {
	var dbOpts []memory.DatabaseOption
	if cfg.LatestOnly {
		dbOpts = append(dbOpts, memory.WithLatestOnly())
	}
	switch cfg.Driver {
	case StorageMemory, "":
		return memory.NewDatabase(dbOpts...), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath,
			sqlite.WithLogger(log), sqlite.WithMetrics(m), sqlite.WithDatabaseOptions(dbOpts...))
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN,
			postgres.WithLogger(log), postgres.WithMetrics(m), postgres.WithDatabaseOptions(dbOpts...))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// OpenArchive builds the snapshot archiver described by cfg. It returns nil
// when archiving is disabled.
func OpenArchive(ctx context.Context, cfg ArchiveConfig, log *zap.Logger) (*archive.Archiver, error) {
	var store archive.Store
	switch cfg.Driver {
	case ArchiveNone, "":
		return nil, nil
	case ArchiveMemory:
		store = archivememory.New()
	case ArchiveFS:
		fsStore, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		store = fsStore
	case ArchiveS3:
		s3Store, err := s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s3Store
	default:
		return nil, fmt.Errorf("unknown archive driver %s", cfg.Driver)
	}
	return archive.New(store,
		archive.WithPrefix(cfg.Prefix),
		archive.WithRetention(cfg.Retention),
		archive.WithLogger(log),
	), nil
}
