package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/kmal808/litebase/common"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned by Subscribe and Unsubscribe without a live transport
	ErrNotConnected = errors.New("realtime client is not connected")
	// ErrTransportFailure wraps dial and send failures
	ErrTransportFailure = errors.New("realtime transport failure")
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultDialTimeout          = 10 * time.Second
)

// State is the connection state of a Manager
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Retrying
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Manager
type Options struct {
	BaseURL              string // http(s):// or ws(s):// address of the gateway
	APIKey               string
	ProjectID            string
	MaxReconnectAttempts int           // Reconnects after an unrequested close before giving up
	ReconnectDelay       time.Duration // First reconnect delay, doubled every attempt
	DialTimeout          time.Duration
	Dialer               Dialer
}

type stopper interface {
	Stop() bool
}

// Manager keeps one transport to the gateway, replays subscriptions after every
// reconnect and dispatches change messages to local handlers.
type Manager struct {
	opts   Options
	target string
	events *emitter

	// afterFunc schedules reconnects; replaced in tests
	afterFunc func(time.Duration, func()) stopper

	mu         sync.Mutex
	state      State
	gen        uint64
	transport  Transport
	tables     []string
	filters    map[string]common.Filter
	attempts   int
	timer      stopper
	gaveUp     bool
	onGiveUp   []func()
	onStateSet []func(State)

	// watchMu serializes Watch and its undo so merged filters reach the gateway in order
	watchMu  sync.Mutex
	watches  map[string][]*watch
	watchSeq uint64
}

// watch is one Watch registration sharing its table's gateway subscription
type watch struct {
	id     uint64
	filter common.Filter
}

func (w *watch) admits(msg common.DataMessage) bool {
	if !w.filter.Allows(msg.Operation) {
		return false
	}
	if len(w.filter.Where) == 0 {
		return true
	}
	return common.MatchWhere(w.filter.Where, common.DecodeColumns(msg.Row))
}

// mergeFilters returns a filter admitting every change any of ws admits. Where
// clauses survive only when all watches share the same one.
func mergeFilters(ws []*watch) common.Filter {
	if len(ws) == 0 {
		return common.Filter{}
	}

	var merged common.Filter
	wanted := make(map[common.Operation]bool)
	for _, w := range ws {
		if len(w.filter.Events) == 0 {
			wanted = nil
			break
		}
		for _, op := range w.filter.Events {
			wanted[op] = true
		}
	}
	for _, op := range common.AllOperations {
		if wanted[op] {
			merged.Events = append(merged.Events, op)
		}
	}

	merged.Where = ws[0].filter.Where
	for _, w := range ws[1:] {
		if !reflect.DeepEqual(w.filter.Where, merged.Where) {
			merged.Where = nil
			break
		}
	}
	return merged
}

// New creates a disconnected Manager
func New(opts Options) (*Manager, error) {
	if opts.APIKey == "" || opts.ProjectID == "" {
		return nil, fmt.Errorf("api key and project id are required")
	}
	target, err := RealtimeURL(opts.BaseURL, opts.APIKey, opts.ProjectID)
	if err != nil {
		return nil, err
	}

	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}

	return &Manager{
		opts:    opts,
		target:  target,
		events:  newEmitter(),
		filters: make(map[string]common.Filter),
		watches: make(map[string][]*watch),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}, nil
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnDisconnected registers fn to run once the manager stops retrying
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	m.onGiveUp = append(m.onGiveUp, fn)
	m.mu.Unlock()
}

// OnStateChange registers fn to run after every state transition
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onStateSet = append(m.onStateSet, fn)
	m.mu.Unlock()
}

// Connect opens the transport and replays held subscriptions before reporting
// Connected. A failed dial enters the reconnect cycle and returns the error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connected, Connecting:
		m.mu.Unlock()
		return nil
	case Retrying:
		m.stopTimerLocked()
	case Disconnected:
		m.attempts = 0
		m.gaveUp = false
	}
	m.mu.Unlock()

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.notifyState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	t, err := m.opts.Dialer.Dial(dialCtx, m.target)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
		m.lost(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = t.Close()
		return ErrNotConnected
	}
	m.transport = t
	m.attempts = 0
	replay := make([]common.ControlMessage, 0, len(m.tables))
	for _, table := range m.tables {
		filter := m.filters[table]
		replay = append(replay, common.ControlMessage{Type: common.TypeSubscribe, Table: table, Filter: &filter})
	}
	m.mu.Unlock()

	go m.readLoop(gen, t)

	for _, msg := range replay {
		if err := m.send(ctx, t, msg); err != nil {
			m.lost(gen, err)
			return err
		}
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.setStateLocked(Connected)
	m.mu.Unlock()
	m.notifyState(Connected)

	log.Info().Str("project_id", m.opts.ProjectID).Int("replayed", len(replay)).Msg("Realtime client connected")
	return nil
}

// Subscribe asks the gateway for changes on table. The subscription is kept
// locally and replayed after reconnects; a later call for the same table replaces the filter.
func (m *Manager) Subscribe(ctx context.Context, table string, filter common.Filter) error {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := m.filters[table]; !ok {
		m.tables = append(m.tables, table)
	}
	m.filters[table] = filter
	t := m.transport
	m.mu.Unlock()

	return m.send(ctx, t, common.ControlMessage{Type: common.TypeSubscribe, Table: table, Filter: &filter})
}

// Unsubscribe stops changes on table
func (m *Manager) Unsubscribe(ctx context.Context, table string) error {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.forgetLocked(table)
	t := m.transport
	m.mu.Unlock()

	return m.send(ctx, t, common.ControlMessage{Type: common.TypeUnsubscribe, Table: table})
}

// Subscriptions returns a copy of the held table filters
func (m *Manager) Subscriptions() map[string]common.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]common.Filter, len(m.filters))
	for table, filter := range m.filters {
		out[table] = filter
	}
	return out
}

// On registers h for every change on table. The returned func removes it.
func (m *Manager) On(table string, h Handler) func() {
	return m.events.on(table, h)
}

// OnOperation registers h for one operation on table
func (m *Manager) OnOperation(table string, op common.Operation, h Handler) func() {
	return m.events.on(operationKey(table, op), h)
}

// Watch subscribes to table and registers h for the changes filter admits. Watches
// on one table share a single gateway subscription whose filter admits the union
// of theirs. The returned func removes h and narrows or ends that subscription.
func (m *Manager) Watch(ctx context.Context, table string, filter common.Filter, h Handler) (func(), error) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	m.mu.Lock()
	m.watchSeq++
	w := &watch{id: m.watchSeq, filter: filter}
	existing := m.watches[table]
	merged := mergeFilters(append(existing[:len(existing):len(existing)], w))
	m.mu.Unlock()

	if err := m.Subscribe(ctx, table, merged); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.watches[table] = append(m.watches[table], w)
	m.mu.Unlock()

	off := m.events.on(table, func(msg common.DataMessage) {
		if w.admits(msg) {
			h(msg)
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			off()
			m.unwatch(table, w)
		})
	}, nil
}

func (m *Manager) unwatch(table string, w *watch) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	m.mu.Lock()
	current := m.watches[table]
	remaining := make([]*watch, 0, len(current))
	for _, other := range current {
		if other.id != w.id {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == len(current) {
		// Disconnect already forgot it
		m.mu.Unlock()
		return
	}
	if len(remaining) == 0 {
		delete(m.watches, table)
	} else {
		m.watches[table] = remaining
	}
	m.mu.Unlock()

	merged := mergeFilters(remaining)
	var err error
	if len(remaining) == 0 {
		err = m.Unsubscribe(context.Background(), table)
	} else {
		err = m.Subscribe(context.Background(), table, merged)
	}

	switch {
	case errors.Is(err, ErrNotConnected):
		// Keep the held filter right for the next replay
		m.mu.Lock()
		if _, ok := m.filters[table]; ok {
			if len(remaining) == 0 {
				m.forgetLocked(table)
			} else {
				m.filters[table] = merged
			}
		}
		m.mu.Unlock()
	case err != nil:
		log.Warn().Err(err).Str("table", table).Msg("Failed to update subscription after unwatch")
	}
}

func (m *Manager) OnInsert(ctx context.Context, table string, h Handler) (func(), error) {
	return m.Watch(ctx, table, common.Filter{Events: []common.Operation{common.OpInsert}}, h)
}

func (m *Manager) OnUpdate(ctx context.Context, table string, h Handler) (func(), error) {
	return m.Watch(ctx, table, common.Filter{Events: []common.Operation{common.OpUpdate}}, h)
}

func (m *Manager) OnDelete(ctx context.Context, table string, h Handler) (func(), error) {
	return m.Watch(ctx, table, common.Filter{Events: []common.Operation{common.OpDelete}}, h)
}

// Disconnect cancels any pending reconnect, closes the transport and forgets
// every subscription. Repeated calls are no-ops.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	t := m.transport
	m.transport = nil
	m.tables = nil
	m.filters = make(map[string]common.Filter)
	m.watches = make(map[string][]*watch)
	m.attempts = 0
	changed := m.state != Disconnected
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if changed {
		m.notifyState(Disconnected)
		log.Info().Str("project_id", m.opts.ProjectID).Msg("Realtime client disconnected")
	}
}

func (m *Manager) send(ctx context.Context, t Transport, msg common.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: send %s %s: %v", ErrTransportFailure, msg.Type, msg.Table, err)
	}
	return nil
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			m.lost(gen, fmt.Errorf("%w: %v", ErrTransportFailure, err))
			return
		}

		msg, err := common.DecodeServerMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("Dropping malformed realtime message")
			continue
		}
		if msg.Type != common.TypeData {
			log.Debug().Str("type", msg.Type).Str("table", msg.Table).Msg("Realtime acknowledgement")
			continue
		}
		m.events.emit(msg.Data())
	}
}

// lost handles the end of transport generation gen. Stale generations are
// ignored so an explicit Disconnect never triggers a reconnect.
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.transport = nil
	m.gen++

	var giveUp []func()
	var next State
	if m.attempts < m.opts.MaxReconnectAttempts {
		m.attempts++
		delay := m.opts.ReconnectDelay << (m.attempts - 1)
		retryGen := m.gen
		m.timer = m.afterFunc(delay, func() { m.retry(retryGen) })
		next = Retrying

		log.Warn().
			Err(cause).
			Int("attempt", m.attempts).
			Dur("delay", delay).
			Msg("Realtime connection lost, reconnecting")
	} else {
		next = Disconnected
		if !m.gaveUp {
			m.gaveUp = true
			giveUp = append(giveUp, m.onGiveUp...)
		}
		log.Error().Err(cause).Int("attempts", m.attempts).Msg("Realtime reconnect attempts exhausted")
	}
	m.setStateLocked(next)
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.notifyState(next)
	for _, fn := range giveUp {
		fn()
	}
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != Retrying {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	_ = m.connect(context.Background())
}

func (m *Manager) forgetLocked(table string) {
	if _, ok := m.filters[table]; !ok {
		return
	}
	delete(m.filters, table)
	for i, t := range m.tables {
		if t == table {
			m.tables = append(m.tables[:i], m.tables[i+1:]...)
			break
		}
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
}

func (m *Manager) notifyState(s State) {
	m.mu.Lock()
	listeners := m.onStateSet
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}
