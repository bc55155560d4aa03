// Package proxy keeps a stand-in for every registered procedure driver. A
// shadow answers queries from the live driver while it is reachable and from
// the last captured snapshot once it is gone.
package proxy

import (
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"time"
)

// Listener receives the events emitted by a live driver or one of its outputs.
type Listener interface {
	HandleEvent(e event.Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(e event.Event)

func (f ListenerFunc) HandleEvent(e event.Event) { f(e) }

// Describable is implemented by every live procedure driver.
type Describable interface {
	UID() string
	Description() domain.Procedure
	// ParentGroupUID is empty for top-level procedures.
	ParentGroupUID() string
	IsEnabled() bool
	// LastUpdated is the time the description last changed.
	LastUpdated() time.Time
	RegisterListener(l Listener)
	UnregisterListener(l Listener)
}

// Output is one live output of a data producer. Records are delivered to
// listeners as event.DataEvent values.
type Output interface {
	Name() string
	Schema() domain.RecordSchema
	Encoding() domain.Encoding
	LatestRecord() (domain.DataBlock, time.Time, bool)
	SamplingPeriod() time.Duration
	RegisterListener(l Listener)
	UnregisterListener(l Listener)
}

// DataProducer is a driver producing observations.
type DataProducer interface {
	Describable
	Outputs() []Output
	FeaturesOfInterest() []domain.Feature
}

// ControlInput is one live control input of a command receiver.
type ControlInput interface {
	Name() string
	Schema() domain.RecordSchema
	Encoding() domain.Encoding
	Execute(cmd domain.Command) domain.CommandAck
}

// CommandReceiver is a driver accepting commands.
type CommandReceiver interface {
	Describable
	ControlInputs() []ControlInput
}

// Group is a driver aggregating member drivers.
type Group interface {
	Describable
	Members() []Describable
}
