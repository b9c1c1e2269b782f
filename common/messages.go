package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Wire message types exchanged between the gateway and SDK clients.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeData         = "data"

	StatusSuccess = "success"
)

// Filter restricts which change events a subscription receives.
// Empty Events means every operation; nil Where matches every row.
type Filter struct {
	Events []Operation    `json:"events,omitempty"`
	Where  map[string]any `json:"where,omitempty"`
}

// UnmarshalJSON also accepts the legacy "event" key used by older SDKs.
// Where numbers are kept as json.Number so large integers stay exact.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Events []string       `json:"events"`
		Event  []string       `json:"event"`
		Where  map[string]any `json:"where"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	names := raw.Events
	if len(names) == 0 {
		names = raw.Event
	}
	f.Events = nil
	for _, name := range names {
		op, err := ParseOperation(name)
		if err != nil {
			return err
		}
		f.Events = append(f.Events, op)
	}
	f.Where = raw.Where
	return nil
}

// Allows reports whether the filter's event list admits op.
func (f Filter) Allows(op Operation) bool {
	if len(f.Events) == 0 {
		return true
	}
	for _, e := range f.Events {
		if e == op {
			return true
		}
	}
	return false
}

// ControlMessage is sent from client to gateway.
type ControlMessage struct {
	Type   string  `json:"type"`
	Table  string  `json:"table"`
	Filter *Filter `json:"filter,omitempty"`
}

// DecodeControlMessage parses and validates a client control message.
func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if msg.Table == "" {
		return ControlMessage{}, fmt.Errorf("%w: missing table", ErrDecodeFailure)
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
	default:
		return ControlMessage{}, fmt.Errorf("%w: unknown message type %q", ErrDecodeFailure, msg.Type)
	}
	return msg, nil
}

// AckMessage acknowledges a subscribe or unsubscribe.
type AckMessage struct {
	Type   string `json:"type"`
	Table  string `json:"table"`
	Status string `json:"status"`
}

// DataMessage carries one change event to a subscriber.
type DataMessage struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Operation Operation       `json:"operation"`
	Row       json.RawMessage `json:"row"`
	OldRow    json.RawMessage `json:"old_row,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Truncated bool            `json:"truncated,omitempty"`
}

// NewDataMessage builds the outbound form of a change event.
func NewDataMessage(ev ChangeEvent) DataMessage {
	return DataMessage{
		Type:      TypeData,
		Table:     ev.Table,
		Operation: ev.Operation,
		Row:       ev.Row,
		OldRow:    ev.OldRow,
		Timestamp: ev.EmittedAt,
		Truncated: ev.Truncated,
	}
}

// ServerMessage is the union of everything the gateway sends, as decoded by clients.
type ServerMessage struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Status    string          `json:"status,omitempty"`
	Operation Operation       `json:"operation,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
	OldRow    json.RawMessage `json:"old_row,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// DecodeServerMessage parses a gateway message. Data messages must name a table and a valid operation.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	switch msg.Type {
	case TypeData:
		if msg.Table == "" || !msg.Operation.Valid() {
			return ServerMessage{}, fmt.Errorf("%w: incomplete data message", ErrDecodeFailure)
		}
	case TypeSubscribed, TypeUnsubscribed:
	default:
		return ServerMessage{}, fmt.Errorf("%w: unknown message type %q", ErrDecodeFailure, msg.Type)
	}
	return msg, nil
}

// Data converts a decoded data message back to its typed form.
func (m ServerMessage) Data() DataMessage {
	return DataMessage{
		Type:      m.Type,
		Table:     m.Table,
		Operation: m.Operation,
		Row:       m.Row,
		OldRow:    m.OldRow,
		Timestamp: m.Timestamp,
		Truncated: m.Truncated,
	}
}
