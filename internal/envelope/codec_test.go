package envelope

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewRequestID %q is not a valid UUID: %v", id, err)
	}
	if id == NewRequestID() {
		t.Error("two request ids collided")
	}
}

func TestActionRoundTrip(t *testing.T) {
	idx := 2
	orig := Action{ReqID: NewRequestID(), Action: "pick-option", Key: "c", Index: &idx}

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Cross-frame messages must carry the marker on the wire.
	var w map[string]any
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("Unmarshal wire: %v", err)
	}
	if w["__qb"] != true {
		t.Errorf("wire marker = %v, want true", w["__qb"])
	}

	msg, ok := Decode(data)
	if !ok {
		t.Fatal("Decode rejected own encoding")
	}
	got, ok := msg.(Action)
	if !ok {
		t.Fatalf("decoded %T, want Action", msg)
	}
	if got.ReqID != orig.ReqID || got.Action != orig.Action || got.Key != orig.Key {
		t.Errorf("decoded %+v, want %+v", got, orig)
	}
	if got.Index == nil || *got.Index != idx {
		t.Errorf("Index = %v, want %d", got.Index, idx)
	}
}

func TestStreamDoneRoundTrip(t *testing.T) {
	orig := StreamDone{
		ReqID:      NewRequestID(),
		ResponseID: "resp_123",
		Usage:      &Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, ok := Decode(data)
	if !ok {
		t.Fatal("Decode rejected own encoding")
	}
	got, ok := msg.(StreamDone)
	if !ok {
		t.Fatalf("decoded %T, want StreamDone", msg)
	}
	if got.ResponseID != orig.ResponseID {
		t.Errorf("ResponseID = %q, want %q", got.ResponseID, orig.ResponseID)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 30 {
		t.Errorf("Usage = %+v, want total 30", got.Usage)
	}
}

func TestDecodeRejectsForeignTraffic(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"not an object", `"hello"`},
		{"no type", `{"requestId":"r1"}`},
		{"unknown type", `{"type":"SOMETHING_ELSE","requestId":"r1"}`},
		{"missing request id", `{"type":"STREAM_DELTA","delta":"x"}`},
		{"cross-frame without marker", `{"type":"ACTION","requestId":"r1","action":"next"}`},
		{"other extension message", `{"source":"react-devtools","payload":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if msg, ok := Decode([]byte(tc.raw)); ok {
				t.Errorf("Decode accepted %s as %T", tc.raw, msg)
			}
		})
	}
}

func TestDecodeStreamKindsNeedNoMarker(t *testing.T) {
	raw := `{"type":"STREAM_DELTA","requestId":"r1","delta":"hi"}`
	msg, ok := Decode([]byte(raw))
	if !ok {
		t.Fatal("Decode rejected background-channel message without marker")
	}
	d, ok := msg.(StreamDelta)
	if !ok {
		t.Fatalf("decoded %T, want StreamDelta", msg)
	}
	if d.Delta != "hi" {
		t.Errorf("Delta = %q, want %q", d.Delta, "hi")
	}
}
