package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPayload_RoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	payloads := []Payload{
		Start{MessageID: "m1"},
		FieldStart{Field: FieldTitle, Value: "Plan"},
		FieldStart{Field: FieldClear},
		Delta{Text: "Hi"},
		ErrorPart{Message: "upstream timeout"},
		Finish{Reason: "stop"},
		AppendMessage{Message: Message{ID: "m2", Role: RoleAssistant, Parts: []Part{TextPart("done")}, CreatedAt: created}},
		Unknown{Type: "data-weather", Data: json.RawMessage(`{"temp":21}`)},
	}

	for _, p := range payloads {
		b, err := MarshalPayload(p)
		if err != nil {
			t.Fatalf("marshal %s: %v", p.Kind(), err)
		}
		got, err := UnmarshalPayload(b)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", p.Kind(), err)
		}
		gb, _ := MarshalPayload(got)
		if string(gb) != string(b) {
			t.Errorf("round trip mismatch for %s: %s != %s", p.Kind(), gb, b)
		}
		if got.Kind() != p.Kind() {
			t.Errorf("kind = %s, want %s", got.Kind(), p.Kind())
		}
	}
}

func TestUnmarshalPayload_UnknownTagPreserved(t *testing.T) {
	p, err := UnmarshalPayload([]byte(`{"type":"tool-call","data":{"x":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := p.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", p)
	}
	if u.Type != "tool-call" || string(u.Data) != `{"x":1}` {
		t.Fatalf("unexpected unknown payload %+v", u)
	}
}

func TestUnmarshalPayload_Rejects(t *testing.T) {
	for _, in := range []string{`{}`, `not json`, `{"type":"delta","data":{"text":5}}`} {
		if _, err := UnmarshalPayload([]byte(in)); err == nil {
			t.Errorf("expected error for %s", in)
		}
	}
}

func TestEvent_JSONCarriesSeq(t *testing.T) {
	b, err := json.Marshal(Event{Seq: 7, Payload: Delta{Text: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	var got Event
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Seq != 7 || got.Payload != (Delta{Text: "x"}) {
		t.Fatalf("got %+v", got)
	}
	if !(Event{Payload: Finish{}}).IsTerminal() {
		t.Fatal("finish should be terminal")
	}
}
