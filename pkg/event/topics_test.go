package event

import "testing"

func TestTopicsEscapeSeparators(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{ProcedureStatusTopic("urn:p1"), "/procedures/urn:p1/status"},
		{ProcedureStatusTopic("a/b"), "/procedures/a%2Fb/status"},
		{ProcedureStatusTopic("a%2Fb"), "/procedures/a%252Fb/status"},
		{DataStreamDataTopic("urn:p1", "out/1"), "/procedures/urn:p1/datastreams/out%2F1/data"},
		{CommandAckTopic("urn:cam", "ptz"), "/procedures/urn:cam/controls/ptz/ack"},
		{FoiStatusTopic("urn:foi:50%"), "/foi/urn:foi:50%25/status"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestDistinctUIDsNeverShareATopic(t *testing.T) {
	uids := []string{"a/b", "a%2Fb", "a%252Fb", "a%b", "a%25b", "a%"}
	seen := make(map[string]string, len(uids))
	for _, uid := range uids {
		topic := ProcedureStatusTopic(uid)
		if prev, ok := seen[topic]; ok {
			t.Fatalf("%q and %q both map to %q", prev, uid, topic)
		}
		seen[topic] = uid
	}
}
