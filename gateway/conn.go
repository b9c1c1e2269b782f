package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kmal808/litebase/common"
	"github.com/kmal808/litebase/notify"
	"github.com/kmal808/litebase/telemetry"
	"github.com/rs/zerolog/log"
)

// Conn is one authenticated websocket. Outbound messages pass through a bounded
// queue drained by the write pump; nothing ever blocks on a slow peer.
type Conn struct {
	id       string
	tenantID string
	server   *Server
	ws       *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newConn(s *Server, id, tenantID string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:       id,
		tenantID: tenantID,
		server:   s,
		ws:       ws,
		send:     make(chan []byte, s.config.OutboundQueueSize),
		done:     make(chan struct{}),
	}
}

// ID identifies the connection in the subscription registry
func (c *Conn) ID() string {
	return c.id
}

// TenantID is the tenant the connection authenticated as
func (c *Conn) TenantID() string {
	return c.tenantID
}

// Push queues an encoded change message without blocking. The payload is
// shared with other connections and is only ever read.
func (c *Conn) Push(payload []byte) error {
	return c.enqueue(payload)
}

func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return notify.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return notify.ErrConnectionClosed
	default:
		c.dropped.Add(1)
		telemetry.BackpressureDropsTotal.Inc()
		return notify.ErrBackpressure
	}
}

func (c *Conn) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("Failed to encode reply")
		return
	}
	if err := c.enqueue(data); err != nil {
		log.Warn().Err(err).Str("conn_id", c.id).Msg("Failed to queue reply")
	}
}

// closeWith sends a close frame and tears the connection down. Safe to call repeatedly.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.server.config.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
		c.server.release(c)
	})
}

func (c *Conn) close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Conn) readPump() {
	defer func() {
		c.close()
		// A subscribe handled while another goroutine closed the connection may
		// have landed after release; this goroutine is the only one that subscribes.
		c.server.registry.DropConnection(c.tenantID, c)
	}()

	cfg := c.server.config
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("Realtime connection read failed")
			}
			return
		}
		c.handleControl(data)
	}
}

func (c *Conn) handleControl(data []byte) {
	msg, err := common.DecodeControlMessage(data)
	if err != nil {
		telemetry.ControlMessagesTotal.With("unknown", "malformed").Inc()
		log.Warn().Err(err).Str("conn_id", c.id).Str("tenant_id", c.tenantID).Msg("Ignoring malformed control message")
		return
	}

	switch msg.Type {
	case common.TypeSubscribe:
		var filter common.Filter
		if msg.Filter != nil {
			filter = *msg.Filter
		}
		c.server.registry.Subscribe(c.tenantID, msg.Table, c, filter)
		c.reply(common.AckMessage{Type: common.TypeSubscribed, Table: msg.Table, Status: common.StatusSuccess})

	case common.TypeUnsubscribe:
		c.server.registry.Unsubscribe(c.tenantID, msg.Table, c)
		c.reply(common.AckMessage{Type: common.TypeUnsubscribed, Table: msg.Table, Status: common.StatusSuccess})
	}

	telemetry.ControlMessagesTotal.With(msg.Type, "success").Inc()
	log.Debug().
		Str("conn_id", c.id).
		Str("tenant_id", c.tenantID).
		Str("type", msg.Type).
		Str("table", msg.Table).
		Msg("Handled control message")
}

func (c *Conn) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.writeFailed(err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.writeFailed(err)
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeFailed(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Str("conn_id", c.id).Msg("Realtime connection write failed")
	}
	c.close()
}
