// Package proxytest provides in-memory drivers for tests of the proxy and
// registry packages.
package proxytest

import (
	"sensorhub/internal/proxy"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"slices"
	"sync"
	"time"
)

type listeners struct {
	mu   sync.Mutex
	list []proxy.Listener
}

func (l *listeners) add(x proxy.Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, x)
}

func (l *listeners) remove(x proxy.Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = slices.DeleteFunc(l.list, func(y proxy.Listener) bool { return y == x })
}

func (l *listeners) emit(e event.Event) {
	l.mu.Lock()
	list := slices.Clone(l.list)
	l.mu.Unlock()
	for _, x := range list {
		x.HandleEvent(e)
	}
}

func (l *listeners) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// Driver is a configurable procedure driver. It implements every capability
// interface; Producer, Receiver and GroupOf narrow it to a subset.
type Driver struct {
	listeners

	mu       sync.Mutex
	desc     domain.Procedure
	parent   string
	enabled  bool
	updated  time.Time
	outputs  []*Output
	inputs   []*Input
	members  []proxy.Describable
	features []domain.Feature
}

// NewDriver returns an enabled driver describing desc, last updated at updated.
func NewDriver(desc domain.Procedure, updated time.Time) *Driver {
	return &Driver{desc: desc, parent: desc.ParentUID, enabled: true, updated: updated}
}

func (d *Driver) UID() string { return d.desc.UID }

func (d *Driver) Description() domain.Procedure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desc.Clone()
}

func (d *Driver) ParentGroupUID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

func (d *Driver) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *Driver) LastUpdated() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updated
}

func (d *Driver) RegisterListener(l proxy.Listener)   { d.add(l) }
func (d *Driver) UnregisterListener(l proxy.Listener) { d.remove(l) }

// Listeners returns the number of registered listeners.
func (d *Driver) Listeners() int { return d.len() }

// Update replaces the description and emits ProcedureChanged.
func (d *Driver) Update(desc domain.Procedure, at time.Time) {
	d.mu.Lock()
	d.desc = desc
	d.updated = at
	parent := d.parent
	d.mu.Unlock()
	d.Emit(event.ProcedureChanged, parent)
}

// SetEnabled toggles the driver and emits the matching event.
func (d *Driver) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	parent := d.parent
	d.mu.Unlock()
	kind := event.ProcedureDisabled
	if on {
		kind = event.ProcedureEnabled
	}
	d.Emit(kind, parent)
}

// Emit sends a lifecycle event of kind to the listeners.
func (d *Driver) Emit(kind event.Type, parent string) {
	d.emit(event.NewProcedureEvent(kind, "", d.desc.UID, parent))
}

func (d *Driver) AddOutput(o *Output) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	o.procUID = d.desc.UID
	d.outputs = append(d.outputs, o)
	return d
}

func (d *Driver) AddInput(in *Input) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, in)
	return d
}

func (d *Driver) AddMember(m proxy.Describable) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = append(d.members, m)
	return d
}

func (d *Driver) AddFeature(f domain.Feature) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.features = append(d.features, f)
	return d
}

func (d *Driver) Outputs() []proxy.Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]proxy.Output, len(d.outputs))
	for i, o := range d.outputs {
		out[i] = o
	}
	return out
}

func (d *Driver) FeaturesOfInterest() []domain.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.features)
}

func (d *Driver) ControlInputs() []proxy.ControlInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]proxy.ControlInput, len(d.inputs))
	for i, in := range d.inputs {
		out[i] = in
	}
	return out
}

func (d *Driver) Members() []proxy.Describable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.members)
}

// Producer exposes d as a data producer only.
func Producer(d *Driver) proxy.DataProducer {
	return struct {
		proxy.Describable
		producer
	}{d, producer{d}}
}

// Receiver exposes d as a command receiver only.
func Receiver(d *Driver) proxy.CommandReceiver {
	return struct {
		proxy.Describable
		receiver
	}{d, receiver{d}}
}

// GroupOf exposes d as a group producing data.
func GroupOf(d *Driver) proxy.Group {
	return struct {
		proxy.Describable
		producer
		group
	}{d, producer{d}, group{d}}
}

type producer struct{ d *Driver }

func (p producer) Outputs() []proxy.Output              { return p.d.Outputs() }
func (p producer) FeaturesOfInterest() []domain.Feature { return p.d.FeaturesOfInterest() }

type receiver struct{ d *Driver }

func (r receiver) ControlInputs() []proxy.ControlInput { return r.d.ControlInputs() }

type group struct{ d *Driver }

func (g group) Members() []proxy.Describable { return g.d.Members() }

// Output is a live output whose records are pushed with Push.
type Output struct {
	listeners

	procUID string
	name    string
	schema  domain.RecordSchema
	enc     domain.Encoding

	mu     sync.Mutex
	latest domain.DataBlock
	at     time.Time
}

func NewOutput(name string, schema domain.RecordSchema, enc domain.Encoding) *Output {
	return &Output{name: name, schema: schema, enc: enc}
}

func (o *Output) Name() string                  { return o.name }
func (o *Output) Schema() domain.RecordSchema   { return o.schema }
func (o *Output) Encoding() domain.Encoding     { return o.enc }
func (o *Output) SamplingPeriod() time.Duration { return time.Second }

func (o *Output) LatestRecord() (domain.DataBlock, time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest, o.at, o.latest != nil
}

func (o *Output) RegisterListener(l proxy.Listener)   { o.add(l) }
func (o *Output) UnregisterListener(l proxy.Listener) { o.remove(l) }

func (o *Output) Listeners() int { return o.len() }

// Push emits rec as a DataEvent for the feature of interest foiUID.
func (o *Output) Push(foiUID string, rec domain.DataBlock, at time.Time) {
	o.mu.Lock()
	o.latest, o.at = rec, at
	o.mu.Unlock()
	o.emit(event.NewDataEvent("", o.procUID, o.name, foiUID, rec))
}

// Input is a control input answering every command with a fixed status.
type Input struct {
	name   string
	schema domain.RecordSchema
	enc    domain.Encoding
	status domain.CommandStatus

	mu       sync.Mutex
	received []domain.Command
}

func NewInput(name string, schema domain.RecordSchema, enc domain.Encoding, status domain.CommandStatus) *Input {
	return &Input{name: name, schema: schema, enc: enc, status: status}
}

func (in *Input) Name() string                { return in.name }
func (in *Input) Schema() domain.RecordSchema { return in.schema }
func (in *Input) Encoding() domain.Encoding   { return in.enc }

func (in *Input) Execute(cmd domain.Command) domain.CommandAck {
	in.mu.Lock()
	in.received = append(in.received, cmd)
	in.mu.Unlock()
	return domain.CommandAck{CommandID: cmd.ID, CommandStreamID: cmd.CommandStreamID, Status: in.status}
}

// Received returns the commands executed so far.
func (in *Input) Received() []domain.Command {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.received)
}
