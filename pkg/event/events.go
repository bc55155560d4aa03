// Package event defines the events exchanged on the hub event bus, the
// topic naming scheme, and the publish/subscribe contract.
package event

import (
	"sensorhub/pkg/domain"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event.
type Type string

// Event types published by the transactional core.
const (
	ProcedureAdded    Type = "procedure.added"
	ProcedureChanged  Type = "procedure.changed"
	ProcedureEnabled  Type = "procedure.enabled"
	ProcedureDisabled Type = "procedure.disabled"
	ProcedureRemoved  Type = "procedure.removed"

	DataStreamAdded    Type = "datastream.added"
	DataStreamChanged  Type = "datastream.changed"
	DataStreamEnabled  Type = "datastream.enabled"
	DataStreamDisabled Type = "datastream.disabled"
	DataStreamRemoved  Type = "datastream.removed"

	CommandStreamAdded    Type = "commandstream.added"
	CommandStreamChanged  Type = "commandstream.changed"
	CommandStreamEnabled  Type = "commandstream.enabled"
	CommandStreamDisabled Type = "commandstream.disabled"
	CommandStreamRemoved  Type = "commandstream.removed"

	FoiAdded Type = "foi.added"

	Data       Type = "data"
	ObsAdded   Type = "obs.added"
	CommandIn  Type = "command"
	CommandAck Type = "command.ack"
)

// Event is implemented by every value published on the bus.
type Event interface {
	EventType() Type
	EventID() string
	Topic() string
	Time() time.Time
}

// Header carries the fields common to all events.
type Header struct {
	ID        string    `json:"id"`
	Kind      Type      `json:"type"`
	TopicID   string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHeader stamps a fresh header for an event of kind published on topic.
func NewHeader(kind Type, topic string) Header {
	return Header{
		ID:        uuid.NewString(),
		Kind:      kind,
		TopicID:   topic,
		Timestamp: time.Now().UTC(),
	}
}

func (h Header) EventType() Type { return h.Kind }
func (h Header) EventID() string { return h.ID }
func (h Header) Topic() string   { return h.TopicID }
func (h Header) Time() time.Time { return h.Timestamp }

// ProcedureEvent reports a procedure lifecycle change.
type ProcedureEvent struct {
	Header
	ProcedureUID   string `json:"procedureUid"`
	ParentGroupUID string `json:"parentGroupUid,omitempty"`
}

// NewProcedureEvent builds a procedure lifecycle event.
func NewProcedureEvent(kind Type, topic, procUID, parentUID string) ProcedureEvent {
	return ProcedureEvent{Header: NewHeader(kind, topic), ProcedureUID: procUID, ParentGroupUID: parentUID}
}

// DataStreamEvent reports a datastream lifecycle change.
type DataStreamEvent struct {
	Header
	ProcedureUID string `json:"procedureUid"`
	OutputName   string `json:"outputName"`
	DataStreamID int64  `json:"dataStreamId"`
}

func NewDataStreamEvent(kind Type, topic, procUID, outputName string, id int64) DataStreamEvent {
	return DataStreamEvent{Header: NewHeader(kind, topic), ProcedureUID: procUID, OutputName: outputName, DataStreamID: id}
}

// CommandStreamEvent reports a command stream lifecycle change.
type CommandStreamEvent struct {
	Header
	ProcedureUID     string `json:"procedureUid"`
	ControlInputName string `json:"controlInputName"`
	CommandStreamID  int64  `json:"commandStreamId"`
}

func NewCommandStreamEvent(kind Type, topic, procUID, inputName string, id int64) CommandStreamEvent {
	return CommandStreamEvent{Header: NewHeader(kind, topic), ProcedureUID: procUID, ControlInputName: inputName, CommandStreamID: id}
}

// FoiEvent reports a feature of interest attached to a procedure.
type FoiEvent struct {
	Header
	ProcedureUID string `json:"procedureUid"`
	FoiUID       string `json:"foiUid"`
	FoiID        int64  `json:"foiId"`
}

func NewFoiEvent(topic, procUID, foiUID string, foiID int64) FoiEvent {
	return FoiEvent{Header: NewHeader(FoiAdded, topic), ProcedureUID: procUID, FoiUID: foiUID, FoiID: foiID}
}

// DataEvent carries raw records produced by a live output. FoiUID is empty
// when the producer did not name a feature of interest.
type DataEvent struct {
	Header
	ProcedureUID string             `json:"procedureUid"`
	OutputName   string             `json:"outputName"`
	FoiUID       string             `json:"foiUid,omitempty"`
	Records      []domain.DataBlock `json:"records"`
}

func NewDataEvent(topic, procUID, outputName, foiUID string, records ...domain.DataBlock) DataEvent {
	return DataEvent{Header: NewHeader(Data, topic), ProcedureUID: procUID, OutputName: outputName, FoiUID: foiUID, Records: records}
}

// ObsEvent carries one stored observation.
type ObsEvent struct {
	Header
	ProcedureUID string             `json:"procedureUid"`
	OutputName   string             `json:"outputName"`
	ObsID        domain.ObsID       `json:"obsId"`
	Observation  domain.Observation `json:"observation"`
}

func NewObsEvent(topic, procUID, outputName string, id domain.ObsID, obs domain.Observation) ObsEvent {
	return ObsEvent{Header: NewHeader(ObsAdded, topic), ProcedureUID: procUID, OutputName: outputName, ObsID: id, Observation: obs}
}

// CommandEvent carries a command addressed to a control input.
type CommandEvent struct {
	Header
	ProcedureUID     string         `json:"procedureUid"`
	ControlInputName string         `json:"controlInputName"`
	Command          domain.Command `json:"command"`
}

func NewCommandEvent(topic, procUID, inputName string, cmd domain.Command) CommandEvent {
	return CommandEvent{Header: NewHeader(CommandIn, topic), ProcedureUID: procUID, ControlInputName: inputName, Command: cmd}
}

// CommandAckEvent carries the acknowledgment of a command.
type CommandAckEvent struct {
	Header
	ProcedureUID     string            `json:"procedureUid"`
	ControlInputName string            `json:"controlInputName"`
	Ack              domain.CommandAck `json:"ack"`
}

func NewCommandAckEvent(topic, procUID, inputName string, ack domain.CommandAck) CommandAckEvent {
	return CommandAckEvent{Header: NewHeader(CommandAck, topic), ProcedureUID: procUID, ControlInputName: inputName, Ack: ack}
}
