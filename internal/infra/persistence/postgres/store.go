// Package postgres persists the in-memory datastore to Postgres as JSONB
// buckets.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sensorhub/internal/infra/datastore/memory"
	"sensorhub/internal/infra/persistence/bucket"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/pkg/domain"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"go.uber.org/zap"
)

var _ domain.DurableDatabase = (*Store)(nil)

const (
	backend       = "postgres"
	defaultDriver = "pgx"
	// Used when no DSN is configured.
	defaultDSN = "postgres://localhost/sensorhub?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithDatabaseOptions forwards options to the wrapped in-memory database.
func WithDatabaseOptions(opts ...memory.DatabaseOption) Option {
	return func(s *Store) { s.dbOpts = append(s.dbOpts, opts...) }
}

// Store serves reads and writes from memory and snapshots the state to
// Postgres on every Checkpoint.
type Store struct {
	*memory.Database
	db      *sql.DB
	log     *zap.Logger
	metrics *metrics.Metrics
	dbOpts  []memory.DatabaseOption
	mu      sync.Mutex
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// ensures the snapshot table exists and hydrates memory from it.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log).Named(logger.ComponentPersistence).With(zap.String("backend", backend))
	s.Database = memory.NewDatabase(s.dbOpts...)
	if !snapshot.IsEmpty() {
		s.ImportState(snapshot)
		s.log.Info("state loaded", zap.Int("procedures", len(snapshot.Procedures)))
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	payloads := make(map[string][]byte)
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		payloads[name] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return bucket.Decode(payloads)
}

// Checkpoint upserts every bucket in a single transaction.
func (s *Store) Checkpoint(ctx context.Context) error {
	start := time.Now()
	err := s.persist(ctx)
	s.metrics.Checkpoint(backend, time.Since(start), err)
	if err != nil {
		s.log.Warn("checkpoint failed", zap.Error(err))
		return err
	}
	s.log.Debug("checkpoint written", zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payloads, err := bucket.Encode(s.ExportState())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, name := range bucket.Names {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, name, payloads[name]); err != nil {
			return fmt.Errorf("upsert %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close writes a final checkpoint and closes the connection pool.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Checkpoint(ctx)
	return errors.Join(err, s.db.Close())
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
