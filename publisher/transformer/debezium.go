package transformer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kmal808/litebase/common"
	"github.com/kmal808/litebase/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer transforms records to Debezium JSON with Schema format,
// readable by Kafka Connect and other Debezium consumers.
//
// Change rows carry no column types, so the value schema is inferred from the
// JSON values of each row and cached per table and column layout.
type DebeziumTransformer struct {
	connectorName string
	schemaCache   sync.Map // "ns.table|col:type,..." -> *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "litebase",
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TenantID  string `json:"tenantId,omitempty"`
	Seq       uint64 `json:"seq"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Transform converts a record to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(rec publisher.Record) ([]byte, error) {
	after, before, err := rec.Columns()
	if err != nil {
		return nil, err
	}

	after, before = flattenJSON(after), flattenJSON(before)
	sample := after
	if sample == nil {
		sample = before
	}

	message := debeziumMessage{
		Schema: d.getOrBuildSchema(rec.Namespace, rec.Table, sample),
		Payload: debeziumPayload{
			Before: before,
			After:  after,
			Op:     d.mapOperation(rec.Operation),
			TsMs:   rec.EmittedAt.UnixMilli(),
			Source: debeziumSource{
				Connector: d.connectorName,
				Schema:    rec.Namespace,
				Table:     rec.Table,
				TenantID:  rec.TenantID,
				Seq:       rec.Seq,
				Truncated: rec.Truncated,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

// mapOperation maps a change operation to the Debezium op code
func (d *DebeziumTransformer) mapOperation(op common.Operation) string {
	switch op {
	case common.OpInsert:
		return "c"
	case common.OpUpdate:
		return "u"
	case common.OpDelete:
		return "d"
	default:
		log.Warn().Str("operation", string(op)).Msg("Unknown change operation, defaulting to update")
		return "u"
	}
}

// getOrBuildSchema retrieves or builds the envelope schema for a table's column layout
func (d *DebeziumTransformer) getOrBuildSchema(namespace, table string, row map[string]any) *debeziumEnvelopeSchema {
	columns := make([]debeziumSchemaField, 0, len(row))
	for name, value := range row {
		columns = append(columns, debeziumSchemaField{
			Field:    name,
			Type:     d.mapJSONType(value),
			Optional: true,
		})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Field < columns[j].Field })

	var key strings.Builder
	key.WriteString(namespace + "." + table + "|")
	for _, col := range columns {
		key.WriteString(col.Field + ":" + col.Type + ",")
	}

	if cached, ok := d.schemaCache.Load(key.String()); ok {
		return cached.(*debeziumEnvelopeSchema)
	}

	schema := d.buildEnvelopeSchema(namespace, table, columns)
	d.schemaCache.Store(key.String(), schema)
	return schema
}

// buildEnvelopeSchema constructs the Debezium envelope schema
func (d *DebeziumTransformer) buildEnvelopeSchema(namespace, table string, columns []debeziumSchemaField) *debeziumEnvelopeSchema {
	valueSchemaName := namespace + "." + table + ".Value"

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: namespace + "." + table + ".Envelope",
		Fields: []debeziumSchemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columns},
			{Field: "after", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columns},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.litebase.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "schema", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "tenantId", Type: "string", Optional: true},
					{Field: "seq", Type: "int64"},
					{Field: "truncated", Type: "boolean", Optional: true},
				},
			},
		},
	}
}

// mapJSONType maps a decoded JSON value to a Debezium type. Objects and arrays
// (jsonb columns) are carried as strings, matching Debezium's io.debezium.data.Json.
func (d *DebeziumTransformer) mapJSONType(value any) string {
	switch v := value.(type) {
	case bool:
		return "boolean"
	case float64:
		if v == float64(int64(v)) {
			return "int64"
		}
		return "double"
	default:
		return "string"
	}
}

// flattenJSON re-encodes object and array values as JSON strings
func flattenJSON(row map[string]any) map[string]any {
	for name, value := range row {
		switch value.(type) {
		case map[string]any, []any:
			if data, err := json.Marshal(value); err == nil {
				row[name] = string(data)
			}
		}
	}
	return row
}
