// Package core assembles a sensor hub from its configuration: storage,
// event bus, transaction handlers, driver registry, snapshot archive and the
// optional NATS bridge.
package core

import (
	"context"
	"errors"
	"fmt"
	"sensorhub/internal/archive"
	"sensorhub/internal/infra/eventbus/memory"
	natsbridge "sensorhub/internal/infra/eventbus/nats"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/registry"
	"sensorhub/internal/transaction"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrArchiveDisabled is returned by Archive when no archive driver is configured.
var ErrArchiveDisabled = errors.New("archive disabled")

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithLogger(l *zap.Logger) HubOption { return func(h *Hub) { h.baseLog = l } }

// WithPrometheusRegistry registers the hub metrics on reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) HubOption {
	return func(h *Hub) { h.promReg = reg }
}

// Hub owns every long-lived component of a running sensor hub.
type Hub struct {
	cfg      Config
	baseLog  *zap.Logger
	log      *zap.Logger
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	db       Database
	bus      event.Bus
	bridge   *natsbridge.Bridge
	root     *transaction.RootHandler
	registry *registry.Registry
	archiver *archive.Archiver

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewHub opens storage, restores the latest archived snapshot when asked to
// and the store is empty, connects the bus bridge and builds the registry.
func NewHub(ctx context.Context, cfg Config, opts ...HubOption) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hub{cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	h.baseLog = logger.OrNop(h.baseLog)
	h.log = h.baseLog.Named(logger.ComponentHub)
	if h.promReg == nil {
		h.promReg = metrics.NewRegistry()
	}
	m, err := metrics.New(h.promReg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	h.metrics = m

	if h.db, err = OpenDatabase(ctx, cfg.Storage, h.baseLog, m); err != nil {
		return nil, err
	}
	if err := h.assemble(ctx); err != nil {
		return nil, errors.Join(err, h.shutdown(ctx))
	}
	h.log.Info("hub ready",
		zap.String("storage", string(cfg.Storage.Driver)),
		zap.String("archive", string(cfg.Archive.Driver)),
		zap.Bool("nats", h.bridge != nil))
	return h, nil
}

func (h *Hub) assemble(ctx context.Context) error {
	var err error
	if h.archiver, err = OpenArchive(ctx, h.cfg.Archive, h.baseLog); err != nil {
		return err
	}
	if h.archiver != nil && h.cfg.Archive.RestoreOnStart {
		if err := h.restoreIfEmpty(ctx); err != nil {
			return err
		}
	}

	inner := memory.New(memory.WithLogger(h.baseLog), memory.WithMetrics(h.metrics))
	h.bus = inner
	if h.cfg.NATS.URL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, h.cfg.NATS.ConnectTimeout)
		h.bridge, err = natsbridge.Dial(dialCtx, h.cfg.NATS.URL, inner,
			natsbridge.WithLogger(h.baseLog),
			natsbridge.WithMetrics(h.metrics),
			natsbridge.WithPrefix(h.cfg.NATS.Prefix),
			natsbridge.WithCommandTimeout(h.cfg.NATS.CommandTimeout))
		cancel()
		if err != nil {
			return err
		}
		h.bus = h.bridge
	}

	h.root = transaction.NewRootHandler(h.db, h.bus,
		transaction.WithLogger(h.baseLog), transaction.WithMetrics(h.metrics))
	h.registry, err = registry.New(h.root,
		registry.WithLogger(h.baseLog),
		registry.WithMetrics(h.metrics),
		registry.WithWorkers(h.cfg.Registry.Workers),
		registry.WithCacheSize(h.cfg.Registry.ProxyCacheSize))
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	if h.bridge != nil {
		if err := h.bridge.ServeCommands(h.ExecuteCommand); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) restoreIfEmpty(ctx context.Context) error {
	if !h.db.ExportState().IsEmpty() {
		h.log.Info("store not empty, skipping snapshot restore")
		return nil
	}
	info, err := h.archiver.Restore(ctx, "", h.db)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		h.log.Info("no snapshot to restore")
		return nil
	case err != nil:
		return fmt.Errorf("restore snapshot: %w", err)
	}
	h.log.Info("snapshot restored", zap.String("key", info.Key))
	return nil
}

func (h *Hub) Config() Config                      { return h.cfg }
func (h *Hub) Root() *transaction.RootHandler      { return h.root }
func (h *Hub) Registry() *registry.Registry        { return h.registry }
func (h *Hub) Bus() event.Bus                      { return h.bus }
func (h *Hub) Database() Database                  { return h.db }
func (h *Hub) Metrics() *metrics.Metrics           { return h.metrics }
func (h *Hub) Gatherer() prometheus.Gatherer       { return h.promReg }
func (h *Hub) Archiver() (*archive.Archiver, bool) { return h.archiver, h.archiver != nil }

// Start runs the periodic checkpoint and archive loops until ctx is done or
// the hub is closed.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	if d := h.cfg.Storage.CheckpointInterval; d > 0 && h.cfg.Storage.Driver != StorageMemory {
		h.every(ctx, d, "checkpoint", h.Checkpoint)
	}
	if d := h.cfg.Archive.Interval; d > 0 && h.archiver != nil {
		h.every(ctx, d, "archive", func(ctx context.Context) error {
			_, err := h.Archive(ctx)
			return err
		})
	}
}

func (h *Hub) every(ctx context.Context, d time.Duration, name string, fn func(context.Context) error) {
	h.wg.Go(func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					h.log.Warn(name+" failed", zap.Error(err))
				}
			}
		}
	})
}

// Checkpoint flushes the store to its backend.
func (h *Hub) Checkpoint(ctx context.Context) error {
	return h.db.Checkpoint(ctx)
}

// Archive writes a snapshot of the whole hub state to the archive.
func (h *Hub) Archive(ctx context.Context) (archive.Info, error) {
	if h.archiver == nil {
		return archive.Info{}, ErrArchiveDisabled
	}
	return h.archiver.Archive(ctx, h.db)
}

// ExecuteCommand sends a command to the control input named in req and waits
// for its final acknowledgment. When ctx ends first, the last non-final ack
// is returned if there was one.
func (h *Hub) ExecuteCommand(ctx context.Context, req natsbridge.CommandRequest) (domain.CommandAck, error) {
	cs, ok := h.root.CommandStreamHandler(req.ProcedureUID, req.ControlInput)
	if !ok {
		return domain.CommandAck{}, domain.Errorf(domain.ErrNotFound, "execute command", "commandstream",
			req.ProcedureUID+"#"+req.ControlInput, "no control input %q on %s", req.ControlInput, req.ProcedureUID)
	}
	defer cs.Close()

	var (
		mu    sync.Mutex
		last  *domain.CommandAck
		final = make(chan domain.CommandAck, 1)
	)
	id, err := cs.SendCommand(ctx, domain.Command{SenderID: req.SenderID, Params: req.Params}, func(ack domain.CommandAck) {
		if ack.IsFinal() {
			select {
			case final <- ack:
			default:
			}
			return
		}
		mu.Lock()
		last = &ack
		mu.Unlock()
	})
	if err != nil {
		return domain.CommandAck{}, err
	}
	select {
	case ack := <-final:
		return ack, nil
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		if last != nil {
			return *last, nil
		}
		return domain.CommandAck{}, fmt.Errorf("command %d: no acknowledgment: %w", id, ctx.Err())
	}
}

// Close stops the background loops and the registry workers, drains the
// NATS bridge and closes the store, which runs a final checkpoint.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		h.closeErr = h.shutdown(ctx)
		h.log.Info("hub closed", zap.Error(h.closeErr))
	})
	return h.closeErr
}

func (h *Hub) shutdown(ctx context.Context) error {
	var errs []error
	if h.registry != nil {
		errs = append(errs, h.registry.Close(ctx))
	}
	if h.bridge != nil {
		errs = append(errs, h.bridge.Close())
	}
	if h.db != nil {
		errs = append(errs, h.db.Close())
	}
	return errors.Join(errs...)
}
