package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/kmal808/litebase/common"
)

// NewRecord wraps a decoded change event for export
func NewRecord(seq, nodeID uint64, tenantID string, ev common.ChangeEvent) Record {
	return Record{
		Seq:       seq,
		NodeID:    nodeID,
		TenantID:  tenantID,
		Namespace: ev.Namespace,
		Table:     ev.Table,
		Operation: ev.Operation,
		Row:       ev.Row,
		OldRow:    ev.OldRow,
		EmittedAt: ev.EmittedAt,
		Truncated: ev.Truncated,
	}
}

// Key is the partition key of a record: namespace, table and the row's "id"
// column when present, so changes to one row stay ordered within a partition.
func (r Record) Key() string {
	base := r.Namespace + "." + r.Table
	var row struct {
		ID json.RawMessage `json:"id"`
	}
	if len(r.Row) == 0 || json.Unmarshal(r.Row, &row) != nil || len(row.ID) == 0 || string(row.ID) == "null" {
		return base
	}

	var s string
	if json.Unmarshal(row.ID, &s) == nil {
		return base + ":" + s
	}
	return base + ":" + string(row.ID)
}

// Columns decodes the new and old rows. Either map is nil when the row is absent.
func (r Record) Columns() (after, before map[string]any, err error) {
	if after, err = decodeRow(r.Row); err != nil {
		return nil, nil, fmt.Errorf("failed to decode row: %w", err)
	}
	if before, err = decodeRow(r.OldRow); err != nil {
		return nil, nil, fmt.Errorf("failed to decode old row: %w", err)
	}
	if r.Operation == common.OpDelete {
		return nil, after, nil
	}
	return after, before, nil
}

func decodeRow(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return row, nil
}
