package codec

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

type testBody struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func TestCBORRoundtrip(t *testing.T) {
	c := Default()
	in := testBody{Name: "node-a", Count: 3, Tags: []string{"x", "y"}}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out testBody
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := Default()
	in := map[string]int{"b": 2, "a": 1, "c": 3}
	b1, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, _ := c.Marshal(in)
	if string(b1) != string(b2) {
		t.Fatalf("canonical encoding must be byte-stable")
	}
}

func TestJSONRoundtrip(t *testing.T) {
	c := JSON()
	in := testBody{Name: "node-b", Count: 1}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out testBody
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Name != "node-b" || out.Count != 1 || out.Tags != nil {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestProtoRoundtrip(t *testing.T) {
	c := Proto()
	in := timestamppb.New(time.Unix(1700000000, 123))
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := &timestamppb.Timestamp{}
	if err := c.Unmarshal(b, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Seconds != in.Seconds || out.Nanos != in.Nanos {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestProtoRejectsNonProto(t *testing.T) {
	c := Proto()
	if _, err := c.Marshal(testBody{}); err == nil {
		t.Fatalf("expected error marshaling a non-proto value")
	}
	var out testBody
	if err := c.Unmarshal([]byte{}, &out); err == nil {
		t.Fatalf("expected error unmarshaling into a non-proto target")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []string{"application/cbor", "application/json", "application/x-protobuf"} {
		if r.Get(ct) == nil {
			t.Fatalf("registry missing %s", ct)
		}
	}
	if r.Get("application/msgpack") != nil {
		t.Fatalf("unexpected codec for unregistered content type")
	}
}
