package notify

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/kmal808/litebase/common"
)

var (
	// ErrConnectionClosed is returned by Push on a connection that has shut down
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBackpressure is returned by Push when the connection's outbound queue is full
	ErrBackpressure = errors.New("outbound queue full")
)

// Subscriber is a live connection that can receive change messages.
// Push receives an encoded common.DataMessage shared by every recipient of the
// event and must not modify it. Push must not block; it either enqueues or fails.
type Subscriber interface {
	ID() string
	Push(payload []byte) error
}

// Subscription pairs a subscriber with its filter for one table
type Subscription struct {
	Subscriber Subscriber
	Filter     common.Filter
}

type tableKey struct {
	tenantID string
	table    string
}

type connKey struct {
	tenantID string
	connID   string
}

// shard holds every entry of the tenants hashed to it, so per-tenant
// operations never take more than one lock.
type shard struct {
	mu     sync.RWMutex
	tables map[tableKey]map[string]Subscription
	conns  map[connKey]map[string]struct{}
}

// Stats summarizes registry contents
type Stats struct {
	Tenants       int `json:"tenants"`
	Tables        int `json:"tables"`
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

// Registry maps (tenant, table) to the subscriptions interested in it.
// It performs no I/O; callers push to subscribers outside its locks.
type Registry struct {
	shards []*shard
}

// NewRegistry creates a registry with the given number of lock shards (minimum 1)
func NewRegistry(shards int) *Registry {
	if shards < 1 {
		shards = 1
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{
			tables: make(map[tableKey]map[string]Subscription),
			conns:  make(map[connKey]map[string]struct{}),
		}
	}
	return r
}

func (r *Registry) shardFor(tenantID string) *shard {
	if len(r.shards) == 1 {
		return r.shards[0]
	}
	return r.shards[xxhash.Sum64String(tenantID)%uint64(len(r.shards))]
}

// Subscribe upserts sub's subscription to table. A repeated subscribe replaces the filter.
func (r *Registry) Subscribe(tenantID, table string, sub Subscriber, filter common.Filter) {
	s := r.shardFor(tenantID)
	tk := tableKey{tenantID: tenantID, table: table}
	ck := connKey{tenantID: tenantID, connID: sub.ID()}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tables[tk]
	if !ok {
		entry = make(map[string]Subscription)
		s.tables[tk] = entry
	}
	entry[sub.ID()] = Subscription{Subscriber: sub, Filter: filter}

	tables, ok := s.conns[ck]
	if !ok {
		tables = make(map[string]struct{})
		s.conns[ck] = tables
	}
	tables[table] = struct{}{}
}

// Unsubscribe removes sub from table. Returns false if it was not subscribed.
func (r *Registry) Unsubscribe(tenantID, table string, sub Subscriber) bool {
	s := r.shardFor(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(tableKey{tenantID: tenantID, table: table}, sub.ID())
}

// remove deletes one subscription and prunes empty entries. Caller holds the lock.
func (s *shard) remove(tk tableKey, connID string) bool {
	entry, ok := s.tables[tk]
	if !ok {
		return false
	}
	if _, ok := entry[connID]; !ok {
		return false
	}

	delete(entry, connID)
	if len(entry) == 0 {
		delete(s.tables, tk)
	}

	ck := connKey{tenantID: tk.tenantID, connID: connID}
	if tables, ok := s.conns[ck]; ok {
		delete(tables, tk.table)
		if len(tables) == 0 {
			delete(s.conns, ck)
		}
	}
	return true
}

// DropConnection removes sub from every table of the tenant and returns how many
// subscriptions were removed. Cost is proportional to sub's own subscriptions.
func (r *Registry) DropConnection(tenantID string, sub Subscriber) int {
	s := r.shardFor(tenantID)
	ck := connKey{tenantID: tenantID, connID: sub.ID()}

	s.mu.Lock()
	defer s.mu.Unlock()

	tables, ok := s.conns[ck]
	if !ok {
		return 0
	}

	names := make([]string, 0, len(tables))
	for table := range tables {
		names = append(names, table)
	}

	removed := 0
	for _, table := range names {
		if s.remove(tableKey{tenantID: tenantID, table: table}, ck.connID) {
			removed++
		}
	}
	return removed
}

// SubscribersFor returns a snapshot of the subscriptions to a table.
// The snapshot is safe to use after the registry changes.
func (r *Registry) SubscribersFor(tenantID, table string) []Subscription {
	s := r.shardFor(tenantID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := s.tables[tableKey{tenantID: tenantID, table: table}]
	if len(entry) == 0 {
		return nil
	}

	subs := make([]Subscription, 0, len(entry))
	for _, sub := range entry {
		subs = append(subs, sub)
	}
	return subs
}

// TablesFor returns the tables sub is subscribed to within a tenant
func (r *Registry) TablesFor(tenantID string, sub Subscriber) []string {
	s := r.shardFor(tenantID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	tables := s.conns[connKey{tenantID: tenantID, connID: sub.ID()}]
	names := make([]string, 0, len(tables))
	for table := range tables {
		names = append(names, table)
	}
	return names
}

// Stats walks every shard and counts entries
func (r *Registry) Stats() Stats {
	var st Stats
	tenants := make(map[string]struct{})

	for _, s := range r.shards {
		s.mu.RLock()
		st.Tables += len(s.tables)
		st.Connections += len(s.conns)
		for tk, entry := range s.tables {
			tenants[tk.tenantID] = struct{}{}
			st.Subscriptions += len(entry)
		}
		s.mu.RUnlock()
	}

	st.Tenants = len(tenants)
	return st
}

// SubscriptionTotals reports connection and subscription counts for the metrics collector
func (r *Registry) SubscriptionTotals() (connections, subscriptions int) {
	st := r.Stats()
	return st.Connections, st.Subscriptions
}
