package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kmal808/litebase/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	ev := common.ChangeEvent{
		Namespace: "project_x",
		Table:     "users",
		Operation: common.OpUpdate,
		Row:       json.RawMessage(`{"id":1}`),
		OldRow:    json.RawMessage(`{"id":1,"name":"a"}`),
		EmittedAt: time.Unix(100, 0).UTC(),
		Truncated: true,
	}

	rec := NewRecord(9, 3, "tenant-x", ev)
	assert.Equal(t, uint64(9), rec.Seq)
	assert.Equal(t, uint64(3), rec.NodeID)
	assert.Equal(t, "tenant-x", rec.TenantID)
	assert.Equal(t, "project_x", rec.Namespace)
	assert.Equal(t, common.OpUpdate, rec.Operation)
	assert.Equal(t, ev.OldRow, rec.OldRow)
	assert.True(t, rec.Truncated)
}

func TestRecordKey(t *testing.T) {
	tests := []struct {
		row  string
		want string
	}{
		{`{"id":1,"name":"a"}`, "ns.users:1"},
		{`{"id":"7f3a","name":"a"}`, "ns.users:7f3a"},
		{`{"name":"a"}`, "ns.users"},
		{`{"id":null}`, "ns.users"},
		{`{}`, "ns.users"},
		{``, "ns.users"},
		{`not json`, "ns.users"},
	}
	for _, tt := range tests {
		rec := Record{Namespace: "ns", Table: "users", Row: json.RawMessage(tt.row)}
		assert.Equal(t, tt.want, rec.Key(), tt.row)
	}
}

func TestRecordColumns(t *testing.T) {
	update := Record{Operation: common.OpUpdate, Row: json.RawMessage(`{"id":1,"v":2}`), OldRow: json.RawMessage(`{"id":1,"v":1}`)}
	after, before, err := update.Columns()
	require.NoError(t, err)
	assert.Equal(t, float64(2), after["v"])
	assert.Equal(t, float64(1), before["v"])

	del := Record{Operation: common.OpDelete, Row: json.RawMessage(`{"id":1}`)}
	after, before, err = del.Columns()
	require.NoError(t, err)
	assert.Nil(t, after)
	assert.Equal(t, float64(1), before["id"])

	insert := Record{Operation: common.OpInsert, Row: json.RawMessage(`{}`)}
	after, before, err = insert.Columns()
	require.NoError(t, err)
	assert.Empty(t, after)
	assert.Nil(t, before)

	_, _, err = Record{Row: json.RawMessage(`"scalar"`)}.Columns()
	require.Error(t, err)
}
