package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sensorhub/internal/infra/datastore/memory"
	"sensorhub/internal/logger"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPrefix = "snapshots/"
	keyTimeLayout = "20060102T150405.000000000Z"
	contentType   = "application/json"
)

// Source produces the state written by Archive.
type Source interface {
	ExportState() memory.Snapshot
}

// Target receives the state read by Restore.
type Target interface {
	ImportState(memory.Snapshot)
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithPrefix sets the key prefix of snapshot objects.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithRetention keeps at most n snapshots; older ones are pruned after each
// Archive. Zero keeps everything.
func WithRetention(n int) Option { return func(a *Archiver) { a.keep = max(n, 0) } }

func WithLogger(l *zap.Logger) Option { return func(a *Archiver) { a.log = l } }

func WithClock(now func() time.Time) Option { return func(a *Archiver) { a.now = now } }

// Archiver writes snapshots to a Store under a common prefix. Keys sort in
// creation order.
type Archiver struct {
	store  Store
	prefix string
	keep   int
	log    *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func New(store Store, opts ...Option) *Archiver {
	a := &Archiver{store: store, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.OrNop(a.log).Named(logger.ComponentArchive).With(zap.String("driver", string(store.Driver())))
	return a
}

// Archive stores the current state of src as a new snapshot object.
func (a *Archiver) Archive(ctx context.Context, src Source) (Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := src.ExportState()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := a.newKey()
	info, err := a.store.Put(ctx, key, bytes.NewReader(payload), PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"procedures":   strconv.Itoa(len(snapshot.Procedures)),
			"datastreams":  strconv.Itoa(len(snapshot.DataStreams)),
			"observations": strconv.Itoa(len(snapshot.Observations)),
		},
	})
	if err != nil {
		return Info{}, fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Info("snapshot archived", zap.String("key", key), zap.Int64("size", info.Size))
	if a.keep > 0 {
		if _, err := a.prune(ctx, a.keep); err != nil {
			a.log.Warn("prune failed", zap.Error(err))
		}
	}
	return info, nil
}

func (a *Archiver) newKey() string {
	id := uuid.NewString()
	return a.prefix + "snapshot-" + a.now().UTC().Format(keyTimeLayout) + "-" + id[:8] + ".json"
}

// List returns the stored snapshots, oldest first.
func (a *Archiver) List(ctx context.Context) ([]Info, error) {
	infos, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return infos, nil
}

// Latest returns the most recent snapshot.
func (a *Archiver) Latest(ctx context.Context) (Info, bool, error) {
	infos, err := a.List(ctx)
	if err != nil || len(infos) == 0 {
		return Info{}, false, err
	}
	return infos[len(infos)-1], true, nil
}

// Restore loads the snapshot stored under key into dst. An empty key selects
// the latest snapshot.
func (a *Archiver) Restore(ctx context.Context, key string, dst Target) (Info, error) {
	if key == "" {
		latest, ok, err := a.Latest(ctx)
		if err != nil {
			return Info{}, err
		}
		if !ok {
			return Info{}, fmt.Errorf("no snapshot under %q: %w", a.prefix, ErrNotFound)
		}
		key = latest.Key
	}
	info, body, err := a.store.Get(ctx, key)
	if err != nil {
		return Info{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()
	var snapshot memory.Snapshot
	if err := json.NewDecoder(body).Decode(&snapshot); err != nil {
		return Info{}, fmt.Errorf("decode %s: %w", key, err)
	}
	dst.ImportState(snapshot)
	a.log.Info("snapshot restored", zap.String("key", key), zap.Int("procedures", len(snapshot.Procedures)))
	return info, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (a *Archiver) Prune(ctx context.Context, keep int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prune(ctx, keep)
}

func (a *Archiver) prune(ctx context.Context, keep int) (int, error) {
	infos, err := a.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) <= keep {
		return 0, nil
	}
	stale := infos[:len(infos)-keep]
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, info := range stale {
		g.Go(func() error {
			if _, err := a.store.Delete(gctx, info.Key); err != nil {
				return fmt.Errorf("delete %s: %w", info.Key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	a.log.Debug("snapshots pruned", zap.Int("removed", len(stale)))
	return len(stale), nil
}
