// Package bucket splits a datastore snapshot into the named JSON payloads
// stored by the SQL persistence backends.
package bucket

import (
	"encoding/json"
	"fmt"
	"sensorhub/internal/infra/datastore/memory"
)

// Names lists the buckets in the order they are written.
var Names = []string{
	"procedures",
	"features",
	"datastreams",
	"commandstreams",
	"observations",
	"commands",
}

func targets(s *memory.Snapshot) map[string]any {
	return map[string]any{
		"procedures":     &s.Procedures,
		"features":       &s.Features,
		"datastreams":    &s.DataStreams,
		"commandstreams": &s.CommandStreams,
		"observations":   &s.Observations,
		"commands":       &s.Commands,
	}
}

// Encode marshals every bucket of snapshot.
func Encode(snapshot memory.Snapshot) (map[string][]byte, error) {
	fields := targets(&snapshot)
	out := make(map[string][]byte, len(Names))
	for _, name := range Names {
		data, err := json.Marshal(fields[name])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// Decode rebuilds a snapshot from bucket payloads. Unknown buckets and empty
// payloads are skipped.
func Decode(payloads map[string][]byte) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	fields := targets(&snapshot)
	for name, payload := range payloads {
		target, ok := fields[name]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return snapshot, nil
}
