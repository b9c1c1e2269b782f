package notify

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kmal808/litebase/common"
	"github.com/kmal808/litebase/telemetry"
	"github.com/rs/zerolog/log"
)

// TenantResolver maps a change event namespace to the owning tenant ID
type TenantResolver func(namespace string) (tenantID string, ok bool)

// DispatchStats counts dispatch outcomes since start
type DispatchStats struct {
	Events     uint64 `json:"events"`
	Delivered  uint64 `json:"delivered"`
	Filtered   uint64 `json:"filtered"`
	Failed     uint64 `json:"failed"`
	Unresolved uint64 `json:"unresolved"`
}

// Dispatcher fans change events out to the subscribers of the event's own tenant
type Dispatcher struct {
	registry *Registry
	resolve  TenantResolver

	events     atomic.Uint64
	delivered  atomic.Uint64
	filtered   atomic.Uint64
	failed     atomic.Uint64
	unresolved atomic.Uint64
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry, resolve TenantResolver) *Dispatcher {
	return &Dispatcher{registry: registry, resolve: resolve}
}

// HandleChange delivers ev to every matching subscriber. A failing subscriber
// never prevents delivery to the rest.
func (d *Dispatcher) HandleChange(ev common.ChangeEvent) {
	start := time.Now()
	d.events.Add(1)

	tenantID, ok := d.resolve(ev.Namespace)
	if !ok {
		d.unresolved.Add(1)
		telemetry.UnresolvedNamespacesTotal.Inc()
		log.Debug().
			Str("namespace", ev.Namespace).
			Str("table", ev.Table).
			Msg("Dropping change event for unknown namespace")
		return
	}

	subs := d.registry.SubscribersFor(tenantID, ev.Table)
	if len(subs) == 0 {
		return
	}

	row := lazyRow{raw: ev.Row}
	var payload []byte

	for _, sub := range subs {
		if !sub.Filter.Allows(ev.Operation) || !row.matches(sub.Filter.Where) {
			d.filtered.Add(1)
			telemetry.DispatchTotal.With("filtered").Inc()
			continue
		}

		if payload == nil {
			data, err := json.Marshal(common.NewDataMessage(ev))
			if err != nil {
				log.Error().Err(err).
					Str("tenant_id", tenantID).
					Str("table", ev.Table).
					Msg("Unable to encode change event")
				return
			}
			payload = data
		}

		if err := sub.Subscriber.Push(payload); err != nil {
			d.failed.Add(1)
			telemetry.DispatchTotal.With("failed").Inc()
			event := log.Debug()
			if errors.Is(err, ErrBackpressure) {
				event = log.Warn()
			}
			event.Err(err).
				Str("tenant_id", tenantID).
				Str("table", ev.Table).
				Str("conn_id", sub.Subscriber.ID()).
				Msg("Failed to push change event")
			continue
		}

		d.delivered.Add(1)
		telemetry.DispatchTotal.With("delivered").Inc()
	}

	telemetry.DispatchDurationSeconds.Observe(time.Since(start).Seconds())
}

// Stats returns dispatch counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Events:     d.events.Load(),
		Delivered:  d.delivered.Load(),
		Filtered:   d.filtered.Load(),
		Failed:     d.failed.Load(),
		Unresolved: d.unresolved.Load(),
	}
}

// lazyRow decodes the event row at most once per event
type lazyRow struct {
	raw     json.RawMessage
	decoded bool
	columns map[string]json.RawMessage
}

// matches reports whether every where column equals the row's value. A row that
// fails to decode, or lacks a column, does not match.
func (r *lazyRow) matches(where map[string]any) bool {
	if len(where) == 0 {
		return true
	}
	if !r.decoded {
		r.decoded = true
		r.columns = common.DecodeColumns(r.raw)
	}
	return common.MatchWhere(where, r.columns)
}
