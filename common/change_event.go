package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDecodeFailure marks a notification or control payload that could not be parsed.
// Callers log and drop; it is never propagated to unrelated subscribers.
var ErrDecodeFailure = errors.New("decode failure")

// Operation is the kind of row mutation carried by a ChangeEvent.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// AllOperations lists every operation in trigger order.
var AllOperations = []Operation{OpInsert, OpUpdate, OpDelete}

// ParseOperation accepts an operation name in any case.
func ParseOperation(s string) (Operation, error) {
	switch Operation(strings.ToUpper(strings.TrimSpace(s))) {
	case OpInsert:
		return OpInsert, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpDelete:
		return OpDelete, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrDecodeFailure, s)
}

func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// ChangeEvent is a single row mutation emitted by a table's change hook.
// Events are ephemeral: nothing in the pipeline persists them. Truncated is set
// by the hook when the row did not fit in a notification.
type ChangeEvent struct {
	Namespace string          `json:"schema_name" msgpack:"ns"`
	Table     string          `json:"table_name" msgpack:"tbl"`
	Operation Operation       `json:"operation" msgpack:"op"`
	Row       json.RawMessage `json:"record" msgpack:"row"`
	OldRow    json.RawMessage `json:"old_record,omitempty" msgpack:"old,omitempty"`
	EmittedAt time.Time       `json:"emitted_at" msgpack:"ts"`
	Truncated bool            `json:"truncated,omitempty" msgpack:"trunc,omitempty"`
}

// DecodeChangeEvent parses a raw notification payload.
func DecodeChangeEvent(payload []byte) (ChangeEvent, error) {
	var raw struct {
		Namespace string          `json:"schema_name"`
		Table     string          `json:"table_name"`
		Operation string          `json:"operation"`
		Row       json.RawMessage `json:"record"`
		OldRow    json.RawMessage `json:"old_record"`
		EmittedAt *time.Time      `json:"emitted_at"`
		Truncated bool            `json:"truncated"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if raw.Namespace == "" || raw.Table == "" {
		return ChangeEvent{}, fmt.Errorf("%w: missing schema_name or table_name", ErrDecodeFailure)
	}
	op, err := ParseOperation(raw.Operation)
	if err != nil {
		return ChangeEvent{}, err
	}

	ev := ChangeEvent{
		Namespace: raw.Namespace,
		Table:     raw.Table,
		Operation: op,
		Row:       raw.Row,
		Truncated: raw.Truncated,
	}
	if isJSONNull(ev.Row) {
		ev.Row = json.RawMessage("{}")
	}
	if !isJSONNull(raw.OldRow) {
		ev.OldRow = raw.OldRow
	}
	if raw.EmittedAt != nil {
		ev.EmittedAt = raw.EmittedAt.UTC()
	} else {
		ev.EmittedAt = time.Now().UTC()
	}
	return ev, nil
}

func isJSONNull(m json.RawMessage) bool {
	s := strings.TrimSpace(string(m))
	return s == "" || s == "null"
}
