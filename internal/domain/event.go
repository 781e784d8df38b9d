package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the wire tag of a stream event payload.
type EventKind string

const (
	EventStart         EventKind = "start"
	EventFieldStart    EventKind = "start-of-field"
	EventDelta         EventKind = "delta"
	EventError         EventKind = "error"
	EventFinish        EventKind = "finish"
	EventAppendMessage EventKind = "append-message"
)

// Payload is the closed set of stream event bodies. Tags not known to this
// package decode to Unknown.
type Payload interface {
	Kind() EventKind
	isPayload()
}

// Start announces the assistant message the following deltas belong to.
type Start struct {
	MessageID string `json:"messageId"`
}

// Field names a structured side channel carried by FieldStart.
type Field string

const (
	FieldID    Field = "id"
	FieldTitle Field = "title"
	FieldKind  Field = "kind"
	FieldClear Field = "clear"
)

type FieldStart struct {
	Field Field  `json:"field"`
	Value string `json:"value,omitempty"`
}

type Delta struct {
	Text string `json:"text"`
}

type ErrorPart struct {
	Message string `json:"message"`
}

type Finish struct {
	Reason string `json:"reason,omitempty"`
}

// AppendMessage carries a complete message. It is only produced by the
// fallback replay path.
type AppendMessage struct {
	Message Message `json:"message"`
}

type Unknown struct {
	Type string          `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (Start) Kind() EventKind         { return EventStart }
func (FieldStart) Kind() EventKind    { return EventFieldStart }
func (Delta) Kind() EventKind         { return EventDelta }
func (ErrorPart) Kind() EventKind     { return EventError }
func (Finish) Kind() EventKind        { return EventFinish }
func (AppendMessage) Kind() EventKind { return EventAppendMessage }
func (u Unknown) Kind() EventKind     { return EventKind(u.Type) }

func (Start) isPayload()         {}
func (FieldStart) isPayload()    {}
func (Delta) isPayload()         {}
func (ErrorPart) isPayload()     {}
func (Finish) isPayload()        {}
func (AppendMessage) isPayload() {}
func (Unknown) isPayload()       {}

// Event is a payload at a fixed position in a stream.
type Event struct {
	Seq     int64
	Payload Payload
}

// IsTerminal reports whether the event ends its stream.
func (e Event) IsTerminal() bool {
	_, ok := e.Payload.(Finish)
	return ok
}

type envelope struct {
	Seq  *int64          `json:"seq,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrMissingType is returned when an envelope has no type tag.
var ErrMissingType = errors.New("event envelope has no type")

// MarshalPayload renders the {"type","data"} envelope for a payload.
func MarshalPayload(p Payload) ([]byte, error) {
	env, err := toEnvelope(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalPayload decodes an envelope. Unknown tags are preserved as Unknown.
func UnmarshalPayload(b []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return fromEnvelope(env)
}

// MarshalJSON includes the sequence number alongside the envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	env, err := toEnvelope(e.Payload)
	if err != nil {
		return nil, err
	}
	seq := e.Seq
	env.Seq = &seq
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	p, err := fromEnvelope(env)
	if err != nil {
		return err
	}
	e.Payload = p
	if env.Seq != nil {
		e.Seq = *env.Seq
	}
	return nil
}

func toEnvelope(p Payload) (envelope, error) {
	if p == nil {
		return envelope{}, errors.New("nil payload")
	}
	if u, ok := p.(Unknown); ok {
		if u.Type == "" {
			return envelope{}, ErrMissingType
		}
		return envelope{Type: u.Type, Data: u.Data}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return envelope{Type: string(p.Kind()), Data: data}, nil
}

func fromEnvelope(env envelope) (Payload, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	var (
		p   Payload
		err error
	)
	switch EventKind(env.Type) {
	case EventStart:
		var v Start
		err = unmarshalData(env.Data, &v)
		p = v
	case EventFieldStart:
		var v FieldStart
		err = unmarshalData(env.Data, &v)
		p = v
	case EventDelta:
		var v Delta
		err = unmarshalData(env.Data, &v)
		p = v
	case EventError:
		var v ErrorPart
		err = unmarshalData(env.Data, &v)
		p = v
	case EventFinish:
		var v Finish
		err = unmarshalData(env.Data, &v)
		p = v
	case EventAppendMessage:
		var v AppendMessage
		err = unmarshalData(env.Data, &v)
		p = v
	default:
		return Unknown{Type: env.Type, Data: env.Data}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return p, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
