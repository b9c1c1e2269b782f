package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kmal808/litebase/notify"
	"github.com/kmal808/litebase/publisher"
	"github.com/kmal808/litebase/tenant"
	"github.com/rs/zerolog/log"
)

// TenantDirectory creates, lists and deletes tenants. *tenant.Registry satisfies it.
type TenantDirectory interface {
	Create(ctx context.Context, name string, config tenant.Config) (*tenant.Tenant, error)
	List(ctx context.Context) ([]*tenant.Tenant, error)
	Delete(ctx context.Context, id string) error
}

// ConnectionCounter reports live realtime connections. *gateway.Server satisfies it.
type ConnectionCounter interface {
	ConnectionCount() int
}

// SubscriptionStats reports subscription registry totals. *notify.Registry satisfies it.
type SubscriptionStats interface {
	Stats() notify.Stats
}

// DispatchStats reports change dispatch counters. *notify.Dispatcher satisfies it.
type DispatchStats interface {
	Stats() notify.DispatchStats
}

// ListenerStats reports change listener counters. *db.Listener satisfies it.
type ListenerStats interface {
	Connected() bool
	Stats() (received, malformed, reconnects uint64)
}

// ExportStats reports per-sink export counters. *publisher.Registry satisfies it.
type ExportStats interface {
	Stats() []publisher.WorkerStats
}

// Sources wires the admin endpoints to the running components. Nil sources
// are omitted from responses.
type Sources struct {
	Tenants     TenantDirectory
	Connections ConnectionCounter
	Registry    SubscriptionStats
	Dispatcher  DispatchStats
	Listener    ListenerStats
	Exports     ExportStats
}

// AdminHandlers handles the admin API
type AdminHandlers struct {
	sources Sources
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(sources Sources) *AdminHandlers {
	return &AdminHandlers{sources: sources}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
