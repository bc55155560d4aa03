package domain

import (
	"cmp"
	"fmt"
	"time"
)

// FeatureKey addresses one version of a time-varying entity.
type FeatureKey struct {
	InternalID int64     `json:"id"`
	ValidStart time.Time `json:"validStart,omitzero"`
}

// Compare orders keys by internal ID, then by validity start.
func (k FeatureKey) Compare(other FeatureKey) int {
	if c := cmp.Compare(k.InternalID, other.InternalID); c != 0 {
		return c
	}
	return k.ValidStart.Compare(other.ValidStart)
}

// IsZero reports whether the key was never assigned.
func (k FeatureKey) IsZero() bool {
	return k.InternalID == 0
}

func (k FeatureKey) String() string {
	if k.ValidStart.IsZero() {
		return fmt.Sprintf("%d", k.InternalID)
	}
	return fmt.Sprintf("%d@%s", k.InternalID, k.ValidStart.Format(time.RFC3339Nano))
}

// ObsID identifies an observation in the observation store.
type ObsID uint64

// CommandID identifies a command in the command store.
type CommandID uint64

// NoFOI is the FOI internal ID used for observations without a feature of interest.
const NoFOI int64 = 0

// StreamUID builds the store-level unique key of a datastream or command stream.
func StreamUID(procedureUID, name string) string {
	return procedureUID + "#" + name
}
