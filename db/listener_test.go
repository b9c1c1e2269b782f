package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kmal808/litebase/common"
	"github.com/stretchr/testify/require"
)

type fakeNotificationConn struct {
	notifications chan *pgconn.Notification
	listenErr     error

	mu     sync.Mutex
	execs  []string
	closed bool
}

func newFakeNotificationConn() *fakeNotificationConn {
	return &fakeNotificationConn{notifications: make(chan *pgconn.Notification, 16)}
}

func (c *fakeNotificationConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execs = append(c.execs, sql)
	c.mu.Unlock()
	return pgconn.NewCommandTag("LISTEN"), c.listenErr
}

func (c *fakeNotificationConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n, ok := <-c.notifications:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return n, nil
	}
}

func (c *fakeNotificationConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeNotificationConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recordingHandler struct {
	mu     sync.Mutex
	events []common.ChangeEvent
}

func (h *recordingHandler) HandleChange(ev common.ChangeEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []common.ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]common.ChangeEvent(nil), h.events...)
}

func notification(payload string) *pgconn.Notification {
	return &pgconn.Notification{PID: 42, Channel: "litebase_changes", Payload: payload}
}

func TestListenerDeliversDecodedEventsInOrder(t *testing.T) {
	conn := newFakeNotificationConn()
	l, err := NewListener(ListenerConfig{
		Channel: "litebase_changes",
		Connect: func(context.Context) (NotificationConn, error) { return conn, nil },
	})
	require.NoError(t, err)

	h := &recordingHandler{}
	l.OnEvent(h)
	l.Start(context.Background())
	defer l.Stop()

	conn.notifications <- notification(`{"schema_name":"project_a","table_name":"users","operation":"INSERT","record":{"id":1}}`)
	conn.notifications <- notification(`{"schema_name":"project_a","table_name":"users","operation":"DELETE","record":{"id":1}}`)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 2 }, time.Second, time.Millisecond)

	events := h.snapshot()
	require.Equal(t, common.OpInsert, events[0].Operation)
	require.Equal(t, common.OpDelete, events[1].Operation)
	require.Equal(t, "project_a", events[0].Namespace)
	require.True(t, l.Connected())

	conn.mu.Lock()
	require.Equal(t, []string{`LISTEN "litebase_changes"`}, conn.execs)
	conn.mu.Unlock()
}

func TestListenerDropsMalformedPayloads(t *testing.T) {
	conn := newFakeNotificationConn()
	l, err := NewListener(ListenerConfig{
		Channel: "litebase_changes",
		Connect: func(context.Context) (NotificationConn, error) { return conn, nil },
	})
	require.NoError(t, err)

	h := &recordingHandler{}
	l.OnEvent(h)
	l.Start(context.Background())
	defer l.Stop()

	conn.notifications <- notification(`not json`)
	conn.notifications <- notification(`{"schema_name":"project_a","table_name":"users","operation":"TRUNCATE"}`)
	conn.notifications <- notification(`{"schema_name":"project_a","table_name":"users","operation":"UPDATE","record":{"id":2}}`)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, common.OpUpdate, h.snapshot()[0].Operation)

	received, malformed, _ := l.Stats()
	require.Equal(t, uint64(3), received)
	require.Equal(t, uint64(2), malformed)
}

func TestListenerRecoversFromHandlerPanic(t *testing.T) {
	conn := newFakeNotificationConn()
	l, err := NewListener(ListenerConfig{
		Channel: "litebase_changes",
		Connect: func(context.Context) (NotificationConn, error) { return conn, nil },
	})
	require.NoError(t, err)

	l.OnEvent(ChangeHandlerFunc(func(common.ChangeEvent) { panic("boom") }))
	h := &recordingHandler{}
	l.OnEvent(h)
	l.Start(context.Background())
	defer l.Stop()

	conn.notifications <- notification(`{"schema_name":"project_a","table_name":"t","operation":"INSERT","record":{}}`)
	conn.notifications <- notification(`{"schema_name":"project_a","table_name":"t","operation":"INSERT","record":{}}`)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 2 }, time.Second, time.Millisecond)
}

func TestListenerReconnectsAfterConnectionLoss(t *testing.T) {
	first := newFakeNotificationConn()
	second := newFakeNotificationConn()

	var dials atomic.Int32
	l, err := NewListener(ListenerConfig{
		Channel:      "litebase_changes",
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		Connect: func(context.Context) (NotificationConn, error) {
			switch dials.Add(1) {
			case 1:
				return first, nil
			case 2:
				return nil, errors.New("connection refused")
			default:
				return second, nil
			}
		},
	})
	require.NoError(t, err)

	h := &recordingHandler{}
	l.OnEvent(h)
	l.Start(context.Background())
	defer l.Stop()

	close(first.notifications)
	require.Eventually(t, first.isClosed, time.Second, time.Millisecond)

	second.notifications <- notification(`{"schema_name":"project_a","table_name":"t","operation":"INSERT","record":{"id":9}}`)
	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, time.Second, time.Millisecond)

	_, _, reconnects := l.Stats()
	require.GreaterOrEqual(t, reconnects, uint64(2))
	require.GreaterOrEqual(t, dials.Load(), int32(3))
}

func TestListenerStopClosesConnection(t *testing.T) {
	conn := newFakeNotificationConn()
	l, err := NewListener(ListenerConfig{
		Channel: "litebase_changes",
		Connect: func(context.Context) (NotificationConn, error) { return conn, nil },
	})
	require.NoError(t, err)

	l.Start(context.Background())
	require.Eventually(t, l.Connected, time.Second, time.Millisecond)

	l.Stop()
	l.Stop()
	require.True(t, conn.isClosed())
	require.False(t, l.Connected())
}

func TestNewListenerValidation(t *testing.T) {
	_, err := NewListener(ListenerConfig{})
	require.Error(t, err)

	_, err = NewListener(ListenerConfig{Channel: "c"})
	require.Error(t, err)

	l, err := NewListener(ListenerConfig{
		Channel: "c",
		Connect: func(context.Context) (NotificationConn, error) { return nil, nil },
	})
	require.NoError(t, err)
	require.Equal(t, DefaultListenerRetryInitial, l.config.RetryInitial)
	require.Equal(t, DefaultListenerRetryMax, l.config.RetryMax)
}

func TestQuoteIdentAndIsCode(t *testing.T) {
	require.Equal(t, `"project_x"."users"`, QuoteIdent("project_x", "users"))
	require.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))

	err := &pgconn.PgError{Code: CodeUniqueViolation}
	require.True(t, IsCode(err, CodeUniqueViolation))
	require.False(t, IsCode(err, CodeDuplicateTable))
	require.False(t, IsCode(errors.New("plain"), CodeUniqueViolation))
}

func TestListenerRunReturnsContextError(t *testing.T) {
	l, err := NewListener(ListenerConfig{
		Channel:      "litebase_changes",
		RetryInitial: time.Millisecond,
		Connect: func(context.Context) (NotificationConn, error) {
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, l.Run(ctx), context.DeadlineExceeded)
	require.False(t, l.Connected())
}
