package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kmal808/litebase/notify"
	"github.com/kmal808/litebase/telemetry"
	"github.com/kmal808/litebase/tenant"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrAuthenticationFailed rejects an upgrade with a missing, unknown or mismatched credential
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator resolves a credential to its tenant. *tenant.Registry satisfies it.
type Authenticator interface {
	GetByCredential(ctx context.Context, credential string) (*tenant.Tenant, error)
}

// Server accepts realtime websocket connections and binds each to its authenticated tenant
type Server struct {
	config   Config
	auth     Authenticator
	registry *notify.Registry
	upgrader websocket.Upgrader

	conns *xsync.MapOf[string, *Conn]
	wg    sync.WaitGroup

	// mu orders connection registration against Shutdown
	mu      sync.Mutex
	closing bool
}

// NewServer creates a gateway server
func NewServer(config Config, auth Authenticator, registry *notify.Registry) *Server {
	config = config.withDefaults()
	return &Server{
		config:   config,
		auth:     auth,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		conns: xsync.NewMapOf[string, *Conn](),
	}
}

// Routes returns a router serving /realtime and /health
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/realtime", s.ServeRealtime)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "healthy"}); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// authenticate checks apiKey and projectId. The tenant returned by the credential
// is authoritative; projectId only has to agree with it.
func (s *Server) authenticate(r *http.Request) (*tenant.Tenant, error) {
	query := r.URL.Query()
	credential := query.Get("apiKey")
	claimedID := query.Get("projectId")
	if credential == "" || claimedID == "" {
		return nil, fmt.Errorf("%w: apiKey and projectId are required", ErrAuthenticationFailed)
	}

	t, err := s.auth.GetByCredential(r.Context(), credential)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown credential", ErrAuthenticationFailed)
	}
	if err != nil {
		return nil, err
	}
	if t.ID != claimedID {
		return nil, fmt.Errorf("%w: credential does not belong to project %s", ErrAuthenticationFailed, claimedID)
	}
	return t, nil
}

// ServeRealtime authenticates and upgrades a connection, then serves it until it closes
func (s *Server) ServeRealtime(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	t, err := s.authenticate(r)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			telemetry.GatewayAuthFailuresTotal.Inc()
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected realtime connection")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		log.Error().Err(err).Msg("Failed to authenticate realtime connection")
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", t.ID).Msg("Failed to upgrade realtime connection")
		return
	}

	c := newConn(s, uuid.NewString(), t.ID, ws)
	if !s.register(c) {
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = ws.Close()
		return
	}
	defer s.wg.Done()

	log.Debug().Str("tenant_id", t.ID).Str("conn_id", c.id).Msg("Realtime connection opened")

	go c.writePump()
	c.readPump()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// register tracks c unless Shutdown has started. Once Shutdown sets closing,
// every registered connection is visible to its close sweep and wait.
func (s *Server) register(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	s.conns.Store(c.id, c)
	telemetry.GatewayConnections.Inc()
	return true
}

// release is called once per connection when it closes
func (s *Server) release(c *Conn) {
	removed := s.registry.DropConnection(c.tenantID, c)
	s.conns.Delete(c.id)
	telemetry.GatewayConnections.Dec()

	log.Debug().
		Str("tenant_id", c.tenantID).
		Str("conn_id", c.id).
		Int("subscriptions", removed).
		Uint64("dropped", c.dropped.Load()).
		Msg("Realtime connection closed")
}

// DisconnectTenant closes every live connection of a tenant and returns how many were closed
func (s *Server) DisconnectTenant(tenantID string) int {
	var targets []*Conn
	s.conns.Range(func(_ string, c *Conn) bool {
		if c.tenantID == tenantID {
			targets = append(targets, c)
		}
		return true
	})

	for _, c := range targets {
		c.closeWith(websocket.ClosePolicyViolation, "project deleted")
	}
	if len(targets) > 0 {
		log.Info().Str("tenant_id", tenantID).Int("connections", len(targets)).Msg("Disconnected tenant")
	}
	return len(targets)
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	return s.conns.Size()
}

// Shutdown stops accepting connections, closes the open ones and waits for them to finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.conns.Range(func(_ string, c *Conn) bool {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
