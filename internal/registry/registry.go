// Package registry tracks the procedure drivers attached to the hub. It
// persists what drivers describe through the transaction handlers, routes
// their data and commands, and serves a shadow for every known procedure
// whether or not its driver is still attached.
package registry

import (
	"context"
	"iter"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/proxy"
	"sensorhub/internal/transaction"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	defaultWorkers   = 4
	defaultCacheSize = 1024
	entityProcedure  = "procedure"
)

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithWorkers sets the number of goroutines serving RegisterAsync.
func WithWorkers(n int) Option {
	return func(r *Registry) { r.workers = n }
}

// WithCacheSize bounds the number of store-backed shadows kept in memory.
func WithCacheSize(n int) Option {
	return func(r *Registry) { r.cacheSize = n }
}

func WithLegacyResolver(lr LegacyResolver) Option {
	return func(r *Registry) { r.legacy = lr }
}

type outputLink struct {
	output   proxy.Output
	listener proxy.Listener
}

type inputLink struct {
	name string
	sub  event.Subscription
}

// entry is a procedure registered by a live driver.
type entry struct {
	driver  proxy.Describable
	handle  proxy.DriverHandle
	shadow  *proxy.ProcedureShadow
	handler *transaction.ProcedureHandler
	outputs []outputLink
	inputs  []inputLink
	members []string
	// created is set when this registration stored the procedure.
	created bool
}

// Registry holds the live drivers and the shadows of all procedures.
// Registration and unregistration of a driver, including its whole member
// tree, happen under one write lock. Bus subscribers receiving the events
// published meanwhile must not call back into the registry synchronously.
type Registry struct {
	root    *transaction.RootHandler
	table   *proxy.DriverTable
	log     *zap.Logger
	metrics *metrics.Metrics
	legacy  LegacyResolver

	workers   int
	cacheSize int

	mu      sync.RWMutex
	entries map[string]*entry
	cache   *lru.Cache[string, *proxy.ProcedureShadow]

	pool *pool
}

// New creates a registry persisting through root.
func New(root *transaction.RootHandler, opts ...Option) (*Registry, error) {
	r := &Registry{
		root:      root,
		table:     proxy.NewDriverTable(),
		entries:   make(map[string]*entry),
		workers:   defaultWorkers,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrNop(r.log).Named(logger.ComponentRegistry)
	cache, err := lru.New[string, *proxy.ProcedureShadow](r.cacheSize)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	r.pool = newPool(r.workers, r.workers*4, r.runRegistration)
	return r, nil
}

// Register attaches driver d and persists everything it describes: the
// procedure, its features of interest, outputs, control inputs and, for
// groups, every member. Registering the same driver again refreshes it.
// ErrConflict is returned when another driver holds the UID.
func (r *Registry) Register(ctx context.Context, d proxy.Describable) (*transaction.ProcedureHandler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var parent *transaction.ProcedureHandler
	if parentUID := d.ParentGroupUID(); parentUID != "" {
		if e, ok := r.entries[parentUID]; ok {
			parent = e.handler
		} else if h, ok := r.root.ProcedureHandler(parentUID); ok {
			parent = h
		} else {
			return nil, domain.Errorf(domain.ErrNotFound, "register", entityProcedure, d.UID(), "parent group %q is not registered", parentUID)
		}
	}
	e, err := r.registerLocked(d, parent)
	if err != nil {
		return nil, err
	}
	r.metrics.LiveProcedures(len(r.entries))
	return e.handler, nil
}

// RegisterAsync submits the registration of d to the worker pool. The
// returned channel receives exactly one result.
func (r *Registry) RegisterAsync(ctx context.Context, d proxy.Describable) <-chan RegistrationResult {
	out := make(chan RegistrationResult, 1)
	if err := r.pool.submit(registration{ctx: ctx, driver: d, out: out}); err != nil {
		out <- RegistrationResult{UID: d.UID(), Err: err}
	}
	return out
}

func (r *Registry) runRegistration(task registration) {
	h, err := r.Register(task.ctx, task.driver)
	task.out <- RegistrationResult{UID: task.driver.UID(), Handler: h, Err: err}
}

func (r *Registry) registerLocked(d proxy.Describable, parent *transaction.ProcedureHandler) (*entry, error) {
	uid := d.UID()
	if uid == "" {
		return nil, domain.Errorf(domain.ErrIllegalArgument, "register", entityProcedure, "", "driver has no unique id")
	}
	if old, ok := r.entries[uid]; ok {
		if old.driver != d {
			return nil, domain.Errorf(domain.ErrConflict, "register", entityProcedure, uid, "already registered by another driver")
		}
		r.detachLocked(old, false)
		r.cache.Add(uid, old.shadow)
	}

	desc := d.Description()
	desc.UID = uid
	if desc.ValidTime.IsZero() && !d.LastUpdated().IsZero() {
		desc.ValidTime = domain.BeginAt(d.LastUpdated())
	}
	_, existed := r.root.Database().Procedures().CurrentVersionKey(uid)
	var (
		handler *transaction.ProcedureHandler
		err     error
	)
	if parent != nil {
		handler, err = parent.AddOrUpdateMember(desc)
	} else {
		handler, err = r.root.AddOrUpdateProcedure(desc)
	}
	if err != nil {
		return nil, err
	}

	e := &entry{driver: d, handler: handler, handle: r.table.Put(d), created: !existed}
	e.shadow = r.shadowFor(uid, handler)
	if err := e.shadow.Connect(e.handle); err != nil {
		r.table.Release(e.handle)
		if e.created {
			r.deleteCreated(uid, handler)
		}
		return nil, err
	}
	r.entries[uid] = e

	if err := r.attachCapabilities(e); err != nil {
		r.rollbackLocked(e)
		return nil, err
	}
	if d.IsEnabled() {
		if err := handler.Enable(); err != nil {
			r.rollbackLocked(e)
			return nil, err
		}
	}
	r.log.Info("procedure registered",
		zap.String("uid", uid),
		zap.String("parent", handler.ParentUID()),
		zap.Int("outputs", len(e.outputs)),
		zap.Int("inputs", len(e.inputs)),
		zap.Int("members", len(e.members)))
	return e, nil
}

// rollbackLocked undoes a failed registration of e and of the members
// registered with it, last member first. Procedures stored by the failed
// call are deleted; procedures that existed before are only detached.
func (r *Registry) rollbackLocked(e *entry) {
	for _, uid := range slices.Backward(e.members) {
		if m, ok := r.entries[uid]; ok {
			r.rollbackLocked(m)
		}
	}
	uid := e.driver.UID()
	r.detachLocked(e, !e.created)
	if !e.created {
		r.cache.Add(uid, e.shadow)
		return
	}
	r.cache.Remove(uid)
	r.deleteCreated(uid, e.handler)
}

func (r *Registry) deleteCreated(uid string, h *transaction.ProcedureHandler) {
	if _, err := h.Delete(domain.WithCascade()); err != nil {
		r.log.Warn("rolling back registration failed", zap.String("uid", uid), zap.Error(err))
		return
	}
	r.log.Info("registration rolled back", zap.String("uid", uid))
}

// shadowFor creates the shadow of a registered procedure, seeded with the
// snapshot of a cached store-backed shadow when there is one.
func (r *Registry) shadowFor(uid string, h *transaction.ProcedureHandler) *proxy.ProcedureShadow {
	bus := r.root.Bus()
	parentPub := bus.Publisher(event.RegistryTopic)
	if p := h.ParentUID(); p != "" {
		parentPub = bus.Publisher(event.ProcedureStatusTopic(p))
	}
	opts := []proxy.ShadowOption{
		proxy.WithShadowLogger(r.log),
		proxy.WithParentPublisher(parentPub),
	}
	if cached, ok := r.cache.Peek(uid); ok {
		opts = append(opts, proxy.WithSnapshot(cached.Snapshot()))
		r.cache.Remove(uid)
	}
	var s *proxy.ProcedureShadow
	opts = append(opts, proxy.WithChangeHook(func(desc domain.Procedure) {
		r.persistChange(h, desc, s.LastUpdated())
	}))
	s = proxy.NewShadow(uid, r.table, bus, opts...)
	return s
}

// persistChange stores a new version of a procedure whose live driver
// reported a changed description at updated.
func (r *Registry) persistChange(h *transaction.ProcedureHandler, desc domain.Procedure, updated time.Time) {
	if desc.ValidTime.IsZero() && !updated.IsZero() {
		desc.ValidTime = domain.BeginAt(updated)
	}
	if _, err := h.Update(desc); err != nil {
		r.log.Warn("persisting procedure change failed", zap.String("uid", desc.UID), zap.Error(err))
	}
}

func (r *Registry) attachCapabilities(e *entry) error {
	h := e.handler
	if p, ok := e.driver.(proxy.DataProducer); ok {
		for _, f := range p.FeaturesOfInterest() {
			if _, err := h.AddOrUpdateFoi(f); err != nil {
				return err
			}
		}
		for _, out := range p.Outputs() {
			dsh, err := h.AddOrUpdateDataStream(out.Name(), out.Schema(), out.Encoding())
			if err != nil {
				return err
			}
			l := proxy.ListenerFunc(dsh.HandleEvent)
			out.RegisterListener(l)
			e.outputs = append(e.outputs, outputLink{output: out, listener: l})
			dsh.Enable()
		}
	}
	if cr, ok := e.driver.(proxy.CommandReceiver); ok {
		for _, in := range cr.ControlInputs() {
			sub, err := r.connectInput(h, in)
			if err != nil {
				return err
			}
			e.inputs = append(e.inputs, inputLink{name: in.Name(), sub: sub})
		}
	}
	if g, ok := e.driver.(proxy.Group); ok {
		for _, m := range g.Members() {
			if _, err := r.registerLocked(m, h); err != nil {
				return err
			}
			e.members = append(e.members, m.UID())
		}
	}
	return nil
}

// connectInput declares the command stream of in and forwards every command
// sent to it to the driver, publishing the acknowledgment it returns.
func (r *Registry) connectInput(h *transaction.ProcedureHandler, in proxy.ControlInput) (event.Subscription, error) {
	csh, err := h.AddOrUpdateCommandStream(in.Name(), in.Schema(), in.Encoding())
	if err != nil {
		return nil, err
	}
	sub, err := csh.ConnectReceiver(func(cmd domain.Command) {
		ack := in.Execute(cmd)
		if ack.CommandID == 0 {
			ack.CommandID = cmd.ID
		}
		if err := csh.PublishAck(ack); err != nil {
			r.log.Warn("command ack rejected", zap.String("uid", h.UID()), zap.String("input", in.Name()), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	csh.Enable()
	return sub, nil
}

// detachLocked stops routing between the driver of e and the hub and
// releases its handle. With disable set, the procedure and its streams are
// reported disabled.
func (r *Registry) detachLocked(e *entry, disable bool) {
	for _, link := range e.outputs {
		link.output.UnregisterListener(link.listener)
		if disable {
			_ = e.handler.DisableDataStream(link.output.Name())
		}
	}
	for _, link := range e.inputs {
		link.sub.Cancel()
		if disable {
			_ = e.handler.DisableCommandStream(link.name)
		}
	}
	e.outputs, e.inputs = nil, nil
	e.shadow.Disconnect()
	r.table.Release(e.handle)
	delete(r.entries, e.driver.UID())
	if disable {
		_ = e.handler.Disable()
	}
}

// Unregister detaches d and its members, members first, and deletes the
// procedures with their streams and features from the datastore. A
// ProcedureRemoved event is published for every procedure of the tree.
func (r *Registry) Unregister(ctx context.Context, d proxy.Describable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked("unregister", d)
	if err != nil {
		return err
	}
	err = r.unregisterLocked(e)
	r.metrics.LiveProcedures(len(r.entries))
	return err
}

func (r *Registry) unregisterLocked(e *entry) error {
	for _, uid := range e.members {
		if m, ok := r.entries[uid]; ok {
			if err := r.unregisterLocked(m); err != nil {
				return err
			}
		}
	}
	uid := e.driver.UID()
	r.detachLocked(e, false)
	r.cache.Remove(uid)
	if _, err := e.handler.Delete(domain.WithCascade()); err != nil {
		return err
	}
	r.log.Info("procedure unregistered", zap.String("uid", uid))
	return nil
}

// Detach disconnects d and its members without deleting anything. The
// procedures are reported disabled and Get keeps serving their last known
// state.
func (r *Registry) Detach(ctx context.Context, d proxy.Describable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked("detach", d)
	if err != nil {
		return err
	}
	r.detachTreeLocked(e)
	r.metrics.LiveProcedures(len(r.entries))
	return nil
}

func (r *Registry) detachTreeLocked(e *entry) {
	for _, uid := range e.members {
		if m, ok := r.entries[uid]; ok {
			r.detachTreeLocked(m)
		}
	}
	r.detachLocked(e, true)
	r.cache.Add(e.driver.UID(), e.shadow)
	r.log.Info("procedure detached", zap.String("uid", e.driver.UID()))
}

func (r *Registry) lookupLocked(op string, d proxy.Describable) (*entry, error) {
	e, ok := r.entries[d.UID()]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, op, entityProcedure, d.UID(), "procedure is not registered")
	}
	if e.driver != d {
		return nil, domain.Errorf(domain.ErrConflict, op, entityProcedure, d.UID(), "registered by another driver")
	}
	return e, nil
}

// Get returns the shadow of the procedure uid. Identifiers known to the
// legacy resolver are translated first. Procedures without a live driver
// are served from the datastore.
func (r *Registry) Get(uid string) (*proxy.ProcedureShadow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[uid]; ok {
		return e.shadow, true
	}
	if r.legacy != nil {
		if resolved, ok := r.legacy.ResolveLegacy(uid); ok {
			uid = resolved
			if e, ok := r.entries[uid]; ok {
				return e.shadow, true
			}
		}
	}
	if s, ok := r.cache.Get(uid); ok {
		r.metrics.ProxyCacheLookup(true)
		return s, true
	}
	r.metrics.ProxyCacheLookup(false)

	snap, ok := r.storedSnapshot(uid)
	if !ok {
		return nil, false
	}
	s := proxy.NewShadow(uid, r.table, r.root.Bus(), proxy.WithShadowLogger(r.log), proxy.WithSnapshot(snap))
	if prev, found, _ := r.cache.PeekOrAdd(uid, s); found {
		return prev, true
	}
	return s, true
}

// storedSnapshot rebuilds the state of a procedure from the datastore.
func (r *Registry) storedSnapshot(uid string) (proxy.Snapshot, bool) {
	db := r.root.Database()
	key, ok := db.Procedures().CurrentVersionKey(uid)
	if !ok {
		return proxy.Snapshot{}, false
	}
	desc, _ := db.Procedures().Get(key)
	snap := proxy.Snapshot{
		Description: desc,
		ParentUID:   desc.ParentUID,
		LastUpdated: desc.ValidTime.Begin,
	}
	children := domain.NewFilter(domain.WithParents(key.InternalID))

	var producer proxy.DataProducerState
	for _, ds := range db.DataStreams().Select(children) {
		producer.Outputs = append(producer.Outputs, proxy.OutputState{
			Name:     ds.OutputName,
			Schema:   ds.Schema,
			Encoding: ds.Encoding,
		})
	}
	for _, f := range db.Features().Select(children) {
		producer.Features = append(producer.Features, f)
	}
	if len(producer.Outputs) > 0 || len(producer.Features) > 0 {
		snap.Producer = &producer
	}

	var receiver proxy.CommandReceiverState
	for _, cs := range db.CommandStreams().Select(children) {
		receiver.Inputs = append(receiver.Inputs, proxy.InputState{Name: cs.ControlInputName, Schema: cs.Schema, Encoding: cs.Encoding})
	}
	if len(receiver.Inputs) > 0 {
		snap.Receiver = &receiver
	}

	var group proxy.GroupState
	for _, m := range db.Procedures().Select(children) {
		group.Members = append(group.Members, m.UID)
	}
	if len(group.Members) > 0 {
		snap.Group = &group
	}
	return snap, true
}

// IsRegistered reports whether a live driver is attached for uid.
func (r *Registry) IsRegistered(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[uid]
	return ok
}

// Registered returns the UIDs of the procedures with a live driver, sorted.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	uids := make([]string, 0, len(r.entries))
	for uid := range r.entries {
		uids = append(uids, uid)
	}
	r.mu.RUnlock()
	slices.Sort(uids)
	return uids
}

// Select, Count and Keys read the procedure store directly.

func (r *Registry) Select(f domain.ResourceFilter) iter.Seq2[domain.FeatureKey, domain.Procedure] {
	return r.root.Database().Procedures().Select(f)
}

func (r *Registry) Count(f domain.ResourceFilter) int {
	return r.root.Database().Procedures().Count(f)
}

func (r *Registry) Keys(f domain.ResourceFilter) iter.Seq[domain.FeatureKey] {
	return r.root.Database().Procedures().SelectKeys(f)
}

// Close stops the registration workers. Queued registrations fail with
// ErrClosed; registered drivers stay attached.
func (r *Registry) Close(ctx context.Context) error {
	return r.pool.stop(ctx)
}
