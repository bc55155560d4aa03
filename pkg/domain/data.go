package domain

import (
	"maps"
	"time"
)

// DataBlock holds the field values of one record keyed by field name.
type DataBlock map[string]any

// Clone returns a shallow copy of the record values.
func (b DataBlock) Clone() DataBlock {
	return maps.Clone(b)
}

// Time returns the value of a time-typed field when present. RFC 3339
// strings are accepted as well since records restored from JSON carry them.
func (b DataBlock) Time(field string) (time.Time, bool) {
	switch v := b[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// Observation is one record produced by a datastream.
type Observation struct {
	DataStreamID   int64     `json:"dataStreamId"`
	FoiID          int64     `json:"foiId"`
	PhenomenonTime time.Time `json:"phenomenonTime"`
	ResultTime     time.Time `json:"resultTime"`
	Result         DataBlock `json:"result"`
}

// HasFoi reports whether the observation references a feature of interest.
func (o Observation) HasFoi() bool {
	return o.FoiID != NoFOI
}

// CommandStatus is the processing state reported in a command acknowledgment.
type CommandStatus string

const (
	CommandAccepted  CommandStatus = "ACCEPTED"
	CommandRejected  CommandStatus = "REJECTED"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
)

// Command is one request submitted to a command stream.
type Command struct {
	ID              CommandID `json:"id"`
	CommandStreamID int64     `json:"commandStreamId"`
	SenderID        string    `json:"senderId"`
	IssueTime       time.Time `json:"issueTime"`
	Params          DataBlock `json:"params"`
}

// CommandAck reports the outcome of a command.
type CommandAck struct {
	CommandID       CommandID     `json:"commandId"`
	CommandStreamID int64         `json:"commandStreamId"`
	Status          CommandStatus `json:"status"`
	Message         string        `json:"message,omitempty"`
	ActuationTime   time.Time     `json:"actuationTime,omitzero"`
}

// IsFinal reports whether no further acknowledgment is expected for the command.
func (a CommandAck) IsFinal() bool {
	return a.Status != CommandAccepted
}

// IsSuccess reports whether the command was accepted or completed.
func (a CommandAck) IsSuccess() bool {
	return a.Status == CommandAccepted || a.Status == CommandCompleted
}
