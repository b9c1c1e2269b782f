package gateway

import (
	"net/http"
	"time"

	"github.com/kmal808/litebase/cfg"
)

// Config controls connection limits and keepalive
type Config struct {
	OutboundQueueSize int           // Pending messages per connection before drops
	MaxMessageBytes   int64         // Largest accepted control message
	WriteTimeout      time.Duration // Deadline for each websocket write
	PongWait          time.Duration // Read deadline, extended on every pong
	PingPeriod        time.Duration // Keepalive ping interval, < PongWait
	CheckOrigin       func(r *http.Request) bool
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() Config {
	return Config{
		OutboundQueueSize: 256,
		MaxMessageBytes:   64 * 1024,
		WriteTimeout:      10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
	}
}

// ConfigFrom builds a gateway config from the realtime settings
func ConfigFrom(rc cfg.RealtimeConfiguration) Config {
	return Config{
		OutboundQueueSize: rc.OutboundQueueSize,
		MaxMessageBytes:   rc.MaxMessageBytes,
		WriteTimeout:      time.Duration(rc.WriteTimeoutMS) * time.Millisecond,
		PongWait:          time.Duration(rc.PongWaitSeconds) * time.Second,
		PingPeriod:        time.Duration(rc.PingPeriodSeconds) * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = d.OutboundQueueSize
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.CheckOrigin == nil {
		// Browser SDKs connect cross-origin; the credential is the access control
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}
