// Package sqlite persists the in-memory datastore to a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sensorhub/internal/infra/datastore/memory"
	"sensorhub/internal/infra/persistence/bucket"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/pkg/domain"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.DurableDatabase = (*Store)(nil)

const backend = "sqlite"

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithDatabaseOptions forwards options to the wrapped in-memory database.
func WithDatabaseOptions(opts ...memory.DatabaseOption) Option {
	return func(s *Store) { s.dbOpts = append(s.dbOpts, opts...) }
}

// Store serves reads and writes from memory and writes the full state to
// SQLite as JSON buckets on every Checkpoint.
type Store struct {
	*memory.Database
	db      *sql.DB
	path    string
	log     *zap.Logger
	metrics *metrics.Metrics
	dbOpts  []memory.DatabaseOption
	mu      sync.Mutex
}

// NewStore opens (or creates) the database at path and loads any state
// written by a previous run.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = "sensorhub.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{db: db, path: path}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log).Named(logger.ComponentPersistence).With(zap.String("backend", backend))
	s.Database = memory.NewDatabase(s.dbOpts...)
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	payloads := make(map[string][]byte)
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		payloads[name] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(payloads) == 0 {
		return nil
	}
	snapshot, err := bucket.Decode(payloads)
	if err != nil {
		return err
	}
	s.ImportState(snapshot)
	s.log.Info("state loaded",
		zap.String("path", s.path),
		zap.Int("procedures", len(snapshot.Procedures)),
		zap.Int("observations", len(snapshot.Observations)))
	return nil
}

// Checkpoint writes the current state in a single transaction.
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?)
			ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, name, payloads[name]); err != nil {
			return fmt.Errorf("upsert %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close writes a final checkpoint and closes the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Checkpoint(ctx)
	return errors.Join(err, s.db.Close())
}

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
