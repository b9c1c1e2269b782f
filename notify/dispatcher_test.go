package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kmal808/litebase/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenantP1 = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	tenantP2 = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
)

func testResolver(namespace string) (string, bool) {
	switch namespace {
	case "project_p1":
		return tenantP1, true
	case "project_p2":
		return tenantP2, true
	}
	return "", false
}

func event(namespace, table string, op common.Operation, row string) common.ChangeEvent {
	return common.ChangeEvent{
		Namespace: namespace,
		Table:     table,
		Operation: op,
		Row:       json.RawMessage(row),
		EmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newTestDispatcher() (*Registry, *Dispatcher) {
	r := NewRegistry(4)
	return r, NewDispatcher(r, testResolver)
}

func TestDispatchInsertDeliveredOnce(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1,"name":"John"}`))

	msgs := c1.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, common.TypeData, msgs[0].Type)
	assert.Equal(t, "users", msgs[0].Table)
	assert.Equal(t, common.OpInsert, msgs[0].Operation)
	assert.JSONEq(t, `{"id":1,"name":"John"}`, string(msgs[0].Row))
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].Timestamp)
}

func TestDispatchNeverCrossesTenants(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	c2 := newFakeSubscriber("c2")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})
	r.Subscribe(tenantP2, "users", c2, common.Filter{})

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1}`))
	d.HandleChange(event("project_p1", "users", common.OpUpdate, `{"id":1}`))

	require.Len(t, c1.received(), 2)
	require.Empty(t, c2.received())
}

func TestDispatchUnresolvedNamespaceDropped(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})

	d.HandleChange(event("project_deleted", "users", common.OpInsert, `{"id":1}`))
	d.HandleChange(event("public", "users", common.OpInsert, `{"id":1}`))

	require.Empty(t, c1.received())
	require.Equal(t, uint64(2), d.Stats().Unresolved)
}

func TestDispatchEventFilter(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{Events: []common.Operation{common.OpInsert}})

	d.HandleChange(event("project_p1", "users", common.OpUpdate, `{"id":1}`))
	require.Empty(t, c1.received())

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1}`))
	require.Len(t, c1.received(), 1)
}

func TestDispatchDeleteOnlyScenario(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{Events: []common.Operation{common.OpDelete}})

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1}`))
	require.Empty(t, c1.received())

	d.HandleChange(event("project_p1", "users", common.OpDelete, `{"id":1}`))
	msgs := c1.received()
	require.Len(t, msgs, 1)
	require.Equal(t, common.OpDelete, msgs[0].Operation)
}

func TestDispatchAfterUnsubscribe(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})
	require.True(t, r.Unsubscribe(tenantP1, "users", c1))

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1}`))
	require.Empty(t, c1.received())
}

func TestDispatchAfterPeerDisconnect(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	c2 := newFakeSubscriber("c2")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})
	r.Subscribe(tenantP1, "users", c2, common.Filter{})

	r.DropConnection(tenantP1, c2)
	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":2}`))

	require.Len(t, c1.received(), 1)
	require.Empty(t, c2.received())
}

func TestDispatchPushFailureIsolated(t *testing.T) {
	r, d := newTestDispatcher()
	closed := newFakeSubscriber("closed")
	closed.err = ErrConnectionClosed
	full := newFakeSubscriber("full")
	full.err = ErrBackpressure
	healthy := newFakeSubscriber("healthy")

	r.Subscribe(tenantP1, "users", closed, common.Filter{})
	r.Subscribe(tenantP1, "users", full, common.Filter{})
	r.Subscribe(tenantP1, "users", healthy, common.Filter{})

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1}`))
	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":2}`))

	require.Len(t, healthy.received(), 2)
	st := d.Stats()
	require.Equal(t, uint64(4), st.Failed)
	require.Equal(t, uint64(2), st.Delivered)
}

func TestDispatchWhereFilter(t *testing.T) {
	tests := []struct {
		name  string
		where map[string]any
		row   string
		match bool
	}{
		{"equal string", map[string]any{"status": "active"}, `{"status":"active","id":1}`, true},
		{"different string", map[string]any{"status": "active"}, `{"status":"banned"}`, false},
		{"number normalized", map[string]any{"id": float64(1)}, `{"id":1.0}`, true},
		{"int against float", map[string]any{"id": 7}, `{"id":7}`, true},
		{"number vs string", map[string]any{"id": "1"}, `{"id":1}`, false},
		{"missing column", map[string]any{"owner": "x"}, `{"id":1}`, false},
		{"null", map[string]any{"deleted_at": nil}, `{"deleted_at":null}`, true},
		{"nested object", map[string]any{"meta": map[string]any{"a": true}}, `{"meta":{"a":true}}`, true},
		{"multiple columns", map[string]any{"a": 1, "b": "x"}, `{"a":1,"b":"y"}`, false},
		{"row not an object", map[string]any{"a": 1}, `[1,2]`, false},
		{"row malformed", map[string]any{"a": 1}, `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, d := newTestDispatcher()
			c1 := newFakeSubscriber("c1")
			r.Subscribe(tenantP1, "users", c1, common.Filter{Where: tt.where})

			d.HandleChange(event("project_p1", "users", common.OpInsert, tt.row))

			if tt.match {
				require.Len(t, c1.received(), 1)
			} else {
				require.Empty(t, c1.received())
			}
		})
	}
}

func TestDispatchCarriesOldRow(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})

	ev := event("project_p1", "users", common.OpUpdate, `{"id":1,"name":"Jane"}`)
	ev.OldRow = json.RawMessage(`{"id":1,"name":"John"}`)
	d.HandleChange(ev)

	msgs := c1.received()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"id":1,"name":"John"}`, string(msgs[0].OldRow))
}

func TestDispatchSubscribersSeeSameOrder(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})

	for _, op := range []common.Operation{common.OpInsert, common.OpUpdate, common.OpDelete} {
		d.HandleChange(event("project_p1", "users", op, `{"id":1}`))
	}

	msgs := c1.received()
	require.Len(t, msgs, 3)
	require.Equal(t, common.OpInsert, msgs[0].Operation)
	require.Equal(t, common.OpUpdate, msgs[1].Operation)
	require.Equal(t, common.OpDelete, msgs[2].Operation)
}

func TestErrorsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrBackpressure, ErrConnectionClosed))
}

func TestDispatchWhereLargeIntegerExact(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")

	var filter common.Filter
	require.NoError(t, json.Unmarshal([]byte(`{"where":{"id":9007199254740993}}`), &filter))
	r.Subscribe(tenantP1, "users", c1, filter)

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":9007199254740992}`))
	require.Empty(t, c1.received())

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":9007199254740993}`))
	require.Len(t, c1.received(), 1)
}

func TestDispatchEncodesOncePerEvent(t *testing.T) {
	r, d := newTestDispatcher()
	c1 := newFakeSubscriber("c1")
	c2 := newFakeSubscriber("c2")
	c3 := newFakeSubscriber("c3")
	r.Subscribe(tenantP1, "users", c1, common.Filter{})
	r.Subscribe(tenantP1, "users", c2, common.Filter{})
	r.Subscribe(tenantP1, "users", c3, common.Filter{Events: []common.Operation{common.OpDelete}})

	d.HandleChange(event("project_p1", "users", common.OpInsert, `{"id":1}`))

	p1 := c1.rawPayloads()
	p2 := c2.rawPayloads()
	require.Len(t, p1, 1)
	require.Len(t, p2, 1)
	require.Empty(t, c3.rawPayloads())
	require.Same(t, &p1[0][0], &p2[0][0])
	require.JSONEq(t, string(p1[0]), string(p2[0]))
}
