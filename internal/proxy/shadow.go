package proxy

import (
	"context"
	"errors"
	"fmt"
	"sensorhub/internal/logger"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
)

// Shadow states.
const (
	StateLive         = "live"
	StateDisconnected = "disconnected"
)

const (
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
)

// ErrListenerOnProxy is the panic value of ProcedureShadow.RegisterListener.
var ErrListenerOnProxy = errors.New("cannot register listener on a proxy, use the event bus")

// Snapshot is the state of a driver captured while it was live.
type Snapshot struct {
	Description domain.Procedure
	ParentUID   string
	LastUpdated time.Time
	Enabled     bool
	Producer    *DataProducerState
	Receiver    *CommandReceiverState
	Group       *GroupState
}

type OutputState struct {
	Name             string
	Schema           domain.RecordSchema
	Encoding         domain.Encoding
	LatestRecord     domain.DataBlock
	LatestRecordTime time.Time
	SamplingPeriod   time.Duration
}

type DataProducerState struct {
	Outputs  []OutputState
	Features []domain.Feature
}

type InputState struct {
	Name     string
	Schema   domain.RecordSchema
	Encoding domain.Encoding
}

type CommandReceiverState struct {
	Inputs []InputState
}

type GroupState struct {
	Members []string
}

// ShadowOption configures a ProcedureShadow.
type ShadowOption func(*ProcedureShadow)

func WithShadowLogger(l *zap.Logger) ShadowOption {
	return func(s *ProcedureShadow) { s.log = l }
}

// WithSnapshot seeds the shadow with a snapshot, typically rebuilt from the
// datastore for a procedure whose driver is not registered.
func WithSnapshot(snap Snapshot) ShadowOption {
	return func(s *ProcedureShadow) { s.snap = snap }
}

// WithChangeHook sets fn to run whenever a live driver reports a changed
// description. fn takes over publishing ProcedureChanged on the procedure
// status topic; the shadow still forwards it to the parent topic.
func WithChangeHook(fn func(desc domain.Procedure)) ShadowOption {
	return func(s *ProcedureShadow) { s.onChange = fn }
}

// WithParentPublisher forwards live lifecycle events to pub in addition to
// the procedure status topic. It defaults to the registry topic.
func WithParentPublisher(pub event.Publisher) ShadowOption {
	return func(s *ProcedureShadow) { s.parentPub = pub }
}

// ProcedureShadow stands in for a procedure driver. While live it reads
// through to the driver resolved from its handle; once disconnected, or when
// the handle no longer resolves, it answers from its last snapshot.
type ProcedureShadow struct {
	uid       string
	table     *DriverTable
	statusPub event.Publisher
	parentPub event.Publisher
	log       *zap.Logger
	onChange  func(domain.Procedure)

	mu     sync.RWMutex
	state  *fsm.FSM
	handle DriverHandle
	snap   Snapshot
}

// NewShadow creates a disconnected shadow for the procedure uid.
func NewShadow(uid string, table *DriverTable, bus event.Bus, opts ...ShadowOption) *ProcedureShadow {
	s := &ProcedureShadow{
		uid:       uid,
		table:     table,
		statusPub: bus.Publisher(event.ProcedureStatusTopic(uid)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.parentPub == nil {
		s.parentPub = bus.Publisher(event.RegistryTopic)
	}
	s.log = logger.OrNop(s.log).Named(logger.ComponentProxy).With(zap.String("uid", uid))
	s.state = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateLive},
			{Name: eventDisconnect, Src: []string{StateLive}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug("shadow state changed", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
	return s
}

func (s *ProcedureShadow) UID() string { return s.uid }

// State returns StateLive or StateDisconnected.
func (s *ProcedureShadow) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Current()
}

// Handle returns the driver handle, zero when disconnected.
func (s *ProcedureShadow) Handle() DriverHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Connect attaches the driver behind h, captures its state and starts
// listening to it. ProcedureChanged is published when the driver was
// updated after the previous snapshot.
func (s *ProcedureShadow) Connect(h DriverHandle) error {
	d, ok := s.table.Resolve(h)
	if !ok {
		return domain.Errorf(domain.ErrIllegalArgument, "connect", "procedure", s.uid, "driver handle %s does not resolve", h)
	}
	if d.UID() != s.uid {
		return domain.Errorf(domain.ErrIllegalArgument, "connect", "procedure", s.uid, "driver has uid %q", d.UID())
	}
	snap, err := capture(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.snap
	old, hadOld := s.table.Resolve(s.handle)
	s.handle = h
	s.snap = snap
	if s.state.Can(eventConnect) {
		if err := s.state.Event(context.Background(), eventConnect); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("connect shadow %s: %w", s.uid, err)
		}
	}
	s.mu.Unlock()

	if hadOld && old != d {
		old.UnregisterListener(s)
	}
	d.RegisterListener(s)
	if !prev.LastUpdated.IsZero() && snap.LastUpdated.After(prev.LastUpdated) {
		s.statusPub.Publish(event.NewProcedureEvent(event.ProcedureChanged, s.statusPub.Topic(), s.uid, snap.ParentUID))
	}
	return nil
}

// Disconnect captures a last snapshot, stops listening to the driver and
// switches to the disconnected state.
func (s *ProcedureShadow) Disconnect() {
	s.mu.Lock()
	d, ok := s.table.Resolve(s.handle)
	if ok {
		if snap, err := capture(d); err == nil {
			s.snap = snap
		} else {
			s.log.Warn("final capture failed", zap.Error(err))
		}
	}
	s.disconnectLocked()
	s.mu.Unlock()
	if ok {
		d.UnregisterListener(s)
	}
}

func (s *ProcedureShadow) disconnectLocked() {
	s.handle = DriverHandle{}
	if s.state.Can(eventDisconnect) {
		// The transition has no guard so it cannot fail.
		_ = s.state.Event(context.Background(), eventDisconnect)
	}
}

// CaptureState refreshes the snapshot from the live driver. It reports
// whether the driver was updated since the previous snapshot. A handle that
// no longer resolves switches the shadow to the disconnected state.
func (s *ProcedureShadow) CaptureState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Is(StateLive) {
		return false
	}
	d, ok := s.table.Resolve(s.handle)
	if !ok {
		s.log.Info("driver gone, serving last snapshot")
		s.disconnectLocked()
		return false
	}
	snap, err := capture(d)
	if err != nil {
		s.log.Warn("capture failed", zap.Error(err))
		return false
	}
	changed := snap.LastUpdated.After(s.snap.LastUpdated)
	s.snap = snap
	return changed
}

// live returns the driver when the shadow is live and its handle resolves.
func (s *ProcedureShadow) live() (Describable, Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.Is(StateLive) {
		return nil, s.snap, false
	}
	d, ok := s.table.Resolve(s.handle)
	return d, s.snap, ok
}

// IsLive reports whether the shadow is live and its driver still resolves.
func (s *ProcedureShadow) IsLive() bool {
	_, _, ok := s.live()
	return ok
}

// CurrentDescription returns the live description while the driver is enabled,
// otherwise a copy of the snapshot description.
func (s *ProcedureShadow) CurrentDescription() domain.Procedure {
	d, snap, ok := s.live()
	if ok && d.IsEnabled() {
		return d.Description()
	}
	return snap.Description.Clone()
}

// ValidTime returns the validity of the description, defaulting to a period
// starting at the last update.
func (s *ProcedureShadow) ValidTime() domain.TimeExtent {
	desc := s.CurrentDescription()
	if !desc.ValidTime.IsZero() {
		return desc.ValidTime
	}
	return domain.BeginAt(s.LastUpdated())
}

func (s *ProcedureShadow) ParentGroupUID() string {
	d, snap, ok := s.live()
	if ok {
		return d.ParentGroupUID()
	}
	return snap.ParentUID
}

// IsEnabled is false whenever the driver is not reachable.
func (s *ProcedureShadow) IsEnabled() bool {
	d, _, ok := s.live()
	return ok && d.IsEnabled()
}

func (s *ProcedureShadow) LastUpdated() time.Time {
	d, snap, ok := s.live()
	if ok {
		return d.LastUpdated()
	}
	return snap.LastUpdated
}

// Outputs returns the outputs of a data producer, nil for other procedures.
func (s *ProcedureShadow) Outputs() []OutputState {
	d, snap, ok := s.live()
	if ok {
		if p, isProducer := d.(DataProducer); isProducer {
			return captureOutputs(p)
		}
		return nil
	}
	if snap.Producer == nil {
		return nil
	}
	return cloneOutputs(snap.Producer.Outputs)
}

// ControlInputs returns the inputs of a command receiver, nil for other procedures.
func (s *ProcedureShadow) ControlInputs() []InputState {
	d, snap, ok := s.live()
	if ok {
		if r, isReceiver := d.(CommandReceiver); isReceiver {
			st, _ := captureInputs(r)
			return st.Inputs
		}
		return nil
	}
	if snap.Receiver == nil {
		return nil
	}
	st := *snap.Receiver
	var out CommandReceiverState
	if err := deepcopy.Copy(&out, &st); err != nil {
		return nil
	}
	return out.Inputs
}

// Members returns the member UIDs of a group, nil for other procedures.
func (s *ProcedureShadow) Members() []string {
	d, snap, ok := s.live()
	if ok {
		if g, isGroup := d.(Group); isGroup {
			return memberUIDs(g)
		}
		return nil
	}
	if snap.Group == nil {
		return nil
	}
	return append([]string(nil), snap.Group.Members...)
}

// Snapshot returns a copy of the last captured state.
func (s *ProcedureShadow) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap)
}

// RegisterListener always panics: clients of a shadow subscribe to the
// procedure topics on the event bus instead.
func (s *ProcedureShadow) RegisterListener(Listener) {
	panic(ErrListenerOnProxy)
}

func (s *ProcedureShadow) UnregisterListener(Listener) {}

// HandleEvent receives the lifecycle events of the live driver and
// republishes them on the procedure status topic and the parent topic.
func (s *ProcedureShadow) HandleEvent(e event.Event) {
	pe, ok := e.(event.ProcedureEvent)
	if !ok {
		return
	}
	pubs := []event.Publisher{s.statusPub, s.parentPub}
	switch pe.EventType() {
	case event.ProcedureChanged:
		if s.CaptureState() && s.onChange != nil {
			s.onChange(s.CurrentDescription())
			pubs = pubs[1:]
		}
	case event.ProcedureRemoved:
		defer s.Disconnect()
	}
	parent := pe.ParentGroupUID
	if parent == "" {
		parent = s.ParentGroupUID()
	}
	for _, pub := range pubs {
		pub.Publish(event.NewProcedureEvent(pe.EventType(), pub.Topic(), s.uid, parent))
	}
}

func capture(d Describable) (Snapshot, error) {
	snap := Snapshot{
		ParentUID:   d.ParentGroupUID(),
		LastUpdated: d.LastUpdated(),
		Enabled:     d.IsEnabled(),
	}
	desc := d.Description()
	if err := deepcopy.Copy(&snap.Description, &desc); err != nil {
		return Snapshot{}, fmt.Errorf("capture description of %s: %w", d.UID(), err)
	}
	if p, ok := d.(DataProducer); ok {
		fois := p.FeaturesOfInterest()
		st := &DataProducerState{Outputs: captureOutputs(p)}
		if err := deepcopy.Copy(&st.Features, &fois); err != nil {
			return Snapshot{}, fmt.Errorf("capture features of %s: %w", d.UID(), err)
		}
		snap.Producer = st
	}
	if r, ok := d.(CommandReceiver); ok {
		st, err := captureInputs(r)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Receiver = &st
	}
	if g, ok := d.(Group); ok {
		snap.Group = &GroupState{Members: memberUIDs(g)}
	}
	return snap, nil
}

func captureOutputs(p DataProducer) []OutputState {
	outs := p.Outputs()
	states := make([]OutputState, 0, len(outs))
	for _, o := range outs {
		st := OutputState{
			Name:           o.Name(),
			Schema:         o.Schema(),
			Encoding:       o.Encoding(),
			SamplingPeriod: o.SamplingPeriod(),
		}
		if rec, t, ok := o.LatestRecord(); ok {
			st.LatestRecord = rec.Clone()
			st.LatestRecordTime = t
		}
		states = append(states, st)
	}
	return cloneOutputs(states)
}

func captureInputs(r CommandReceiver) (CommandReceiverState, error) {
	var st CommandReceiverState
	for _, in := range r.ControlInputs() {
		st.Inputs = append(st.Inputs, InputState{Name: in.Name(), Schema: in.Schema(), Encoding: in.Encoding()})
	}
	var out CommandReceiverState
	if err := deepcopy.Copy(&out, &st); err != nil {
		return CommandReceiverState{}, fmt.Errorf("capture control inputs of %s: %w", r.UID(), err)
	}
	return out, nil
}

func memberUIDs(g Group) []string {
	members := g.Members()
	uids := make([]string, 0, len(members))
	for _, m := range members {
		uids = append(uids, m.UID())
	}
	return uids
}

// cloneOutputs copies schemas and encodings deeply. Records hold arbitrary
// values and are copied one level deep.
func cloneOutputs(in []OutputState) []OutputState {
	if in == nil {
		return nil
	}
	out := make([]OutputState, len(in))
	for i := range in {
		out[i] = in[i]
		out[i].Schema.Fields = append([]domain.Field(nil), in[i].Schema.Fields...)
		if err := deepcopy.Copy(&out[i].Encoding, &in[i].Encoding); err != nil {
			out[i].Encoding = in[i].Encoding
		}
		out[i].LatestRecord = in[i].LatestRecord.Clone()
	}
	return out
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.Description = in.Description.Clone()
	if in.Producer != nil {
		p := &DataProducerState{Outputs: cloneOutputs(in.Producer.Outputs)}
		for _, f := range in.Producer.Features {
			p.Features = append(p.Features, f.Clone())
		}
		out.Producer = p
	}
	if in.Receiver != nil {
		r := &CommandReceiverState{}
		for _, st := range in.Receiver.Inputs {
			st.Schema.Fields = append([]domain.Field(nil), st.Schema.Fields...)
			r.Inputs = append(r.Inputs, st)
		}
		out.Receiver = r
	}
	if in.Group != nil {
		out.Group = &GroupState{Members: append([]string(nil), in.Group.Members...)}
	}
	return out
}
