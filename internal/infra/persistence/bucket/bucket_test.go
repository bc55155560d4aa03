package bucket

import (
	"sensorhub/internal/infra/datastore/memory"
	"sensorhub/pkg/domain"
	"testing"
)

func TestEncodeWritesEveryBucket(t *testing.T) {
	payloads, err := Encode(memory.Snapshot{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, name := range Names {
		if len(payloads[name]) == 0 {
			t.Fatalf("bucket %s missing", name)
		}
	}
}

func TestDecodeSkipsUnknownAndEmpty(t *testing.T) {
	db := memory.NewDatabase()
	if _, err := db.Procedures().Add(domain.Procedure{UID: "urn:p", Name: "p"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	payloads, err := Encode(db.ExportState())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payloads["legacy"] = []byte(`{"not":"a list"}`)
	payloads["commands"] = nil

	snapshot, err := Decode(payloads)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshot.Procedures) != 1 || snapshot.Procedures[0].UID != "urn:p" {
		t.Fatalf("unexpected procedures: %+v", snapshot.Procedures)
	}

	if _, err := Decode(map[string][]byte{"features": []byte("{")}); err == nil {
		t.Fatalf("expected decode error")
	}
}
