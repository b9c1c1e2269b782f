package publisher

import (
	"encoding/json"
	"time"

	"github.com/kmal808/litebase/common"
)

// Record is one change event as exported to brokers
type Record struct {
	Seq       uint64           `json:"seq" msgpack:"seq"`             // Per-process export sequence
	NodeID    uint64           `json:"node_id" msgpack:"node"`        // Exporting node
	TenantID  string           `json:"tenant_id" msgpack:"tenant"`    // Empty when the namespace maps to no tenant
	Namespace string           `json:"namespace" msgpack:"ns"`        // Tenant schema
	Table     string           `json:"table" msgpack:"tbl"`           // Table name
	Operation common.Operation `json:"operation" msgpack:"op"`        // INSERT, UPDATE or DELETE
	Row       json.RawMessage  `json:"row" msgpack:"-"`               // New row, or the deleted row for DELETE
	OldRow    json.RawMessage  `json:"old_row,omitempty" msgpack:"-"` // Previous row for UPDATE when available
	EmittedAt time.Time        `json:"emitted_at" msgpack:"ts"`       // Trigger timestamp
	Truncated bool             `json:"truncated,omitempty" msgpack:"trunc,omitempty"`
}

// Sink represents a destination for change records (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an encoded record to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts records to sink-specific formats
type Transformer interface {
	// Transform converts a record to bytes for publishing
	Transform(rec Record) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a record should be published
type Filter interface {
	// Match returns true if the record should be published
	Match(namespace, table string) bool
}
