package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kmal808/litebase/common"
	"github.com/kmal808/litebase/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultListenerRetryInitial is the first reconnect delay after the listener connection drops
	DefaultListenerRetryInitial = 500 * time.Millisecond
	// DefaultListenerRetryMax caps the reconnect delay
	DefaultListenerRetryMax = 30 * time.Second

	closeTimeout = 5 * time.Second
)

// NotificationConn is the subset of *pgx.Conn the listener needs.
type NotificationConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a dedicated connection for LISTEN.
type ConnectFunc func(ctx context.Context) (NotificationConn, error)

// PgxConnect returns a ConnectFunc dialing dsn with pgx. The listener connection
// is kept outside the pool so it is never handed to another caller.
func PgxConnect(dsn string) ConnectFunc {
	return func(ctx context.Context) (NotificationConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// ListenerConfig configures the change notification listener
type ListenerConfig struct {
	Channel      string        // NOTIFY channel every change hook publishes to
	Connect      ConnectFunc   // Opens the listener connection
	RetryInitial time.Duration // First reconnect delay
	RetryMax     time.Duration // Reconnect delay cap
}

// Listener is the single process-wide change notification source. It holds one
// LISTEN connection, decodes each payload and hands the event to every registered
// handler in arrival order. While disconnected, notifications are lost.
type Listener struct {
	config ListenerConfig

	mu       sync.RWMutex
	handlers []ChangeHandler

	connected   atomic.Bool
	received    atomic.Uint64
	malformed   atomic.Uint64
	reconnects  atomic.Uint64
	cancel      context.CancelFunc
	doneCh      chan struct{}
	lifecycleMu sync.Mutex
}

// NewListener creates a listener; call Start to begin receiving.
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Channel == "" {
		return nil, fmt.Errorf("listener channel is required")
	}
	if config.Connect == nil {
		return nil, fmt.Errorf("listener connect function is required")
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultListenerRetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = DefaultListenerRetryMax
		if config.RetryMax < config.RetryInitial {
			config.RetryMax = config.RetryInitial
		}
	}
	return &Listener{config: config}, nil
}

// OnEvent registers a handler for decoded change events.
func (l *Listener) OnEvent(handler ChangeHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

// Connected reports whether the LISTEN session is currently established.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Stats returns counters for received notifications, dropped payloads and reconnects.
func (l *Listener) Stats() (received, malformed, reconnects uint64) {
	return l.received.Load(), l.malformed.Load(), l.reconnects.Load()
}

// Start launches the listen loop in the background.
func (l *Listener) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.doneCh = make(chan struct{})

	log.Info().Str("channel", l.config.Channel).Msg("Starting change listener")
	go func() {
		defer close(l.doneCh)
		_ = l.Run(runCtx)
	}()
}

// Stop terminates the listen loop and waits for it to exit.
func (l *Listener) Stop() {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.doneCh
	l.cancel = nil

	log.Info().Str("channel", l.config.Channel).Msg("Change listener stopped")
}

// Run connects, listens and delivers notifications until ctx ends. Connection
// failures are retried with exponential backoff; Run only returns ctx's error.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.config.RetryInitial
	for {
		listened, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if listened {
			delay = l.config.RetryInitial
		}

		l.reconnects.Add(1)
		telemetry.ListenerReconnectsTotal.Inc()
		log.Warn().
			Err(err).
			Str("channel", l.config.Channel).
			Dur("retry_delay", delay).
			Msg("Change listener disconnected, reconnecting")

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}

		delay *= 2
		if delay > l.config.RetryMax {
			delay = l.config.RetryMax
		}
	}
}

// session runs one connection lifetime. listened reports whether LISTEN succeeded,
// which resets the backoff.
func (l *Listener) session(ctx context.Context) (listened bool, err error) {
	conn, err := l.config.Connect(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		l.connected.Store(false)
		telemetry.ListenerConnected.Set(0)
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := conn.Close(closeCtx); cerr != nil {
			log.Debug().Err(cerr).Msg("Failed to close listener connection")
		}
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+QuoteIdent(l.config.Channel)); err != nil {
		return false, fmt.Errorf("failed to listen on %s: %w", l.config.Channel, err)
	}

	l.connected.Store(true)
	telemetry.ListenerConnected.Set(1)
	log.Info().Str("channel", l.config.Channel).Msg("Listening for change notifications")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.process(n)
	}
}

func (l *Listener) process(n *pgconn.Notification) {
	if n == nil || n.Channel != l.config.Channel {
		return
	}
	l.received.Add(1)

	ev, err := common.DecodeChangeEvent([]byte(n.Payload))
	if err != nil {
		l.malformed.Add(1)
		telemetry.NotificationsTotal.With("malformed").Inc()
		log.Warn().Err(err).Uint32("pid", n.PID).Msg("Dropping malformed change notification")
		return
	}
	telemetry.NotificationsTotal.With("decoded").Inc()

	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()

	for _, h := range handlers {
		l.deliver(h, ev)
	}
}

func (l *Listener) deliver(h ChangeHandler, ev common.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("namespace", ev.Namespace).
				Str("table", ev.Table).
				Msg("Change handler panicked")
		}
	}()
	h.HandleChange(ev)
}

// sleepCtx sleeps for d unless ctx ends first. Returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
