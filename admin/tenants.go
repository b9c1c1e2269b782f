package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kmal808/litebase/tenant"
	"github.com/rs/zerolog/log"
)

// maxCreateBody bounds a tenant creation request
const maxCreateBody = 64 << 10

type createTenantRequest struct {
	Name   string        `json:"name"`
	Config tenant.Config `json:"config"`
}

// handleCreateTenant provisions a tenant. The response is the only place the
// credential is ever returned.
func (h *AdminHandlers) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := h.sources.Tenants.Create(r.Context(), req.Name, req.Config)
	switch {
	case errors.Is(err, tenant.ErrInvalidName):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, tenant.ErrDuplicateName):
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant_id", created.ID).Str("name", created.Name).Msg("Tenant created via admin API")
	writeJSONStatus(w, http.StatusCreated, created)
}

// handleListTenants lists tenants without their credentials
func (h *AdminHandlers) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.sources.Tenants.List(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	redacted := make([]*tenant.Tenant, 0, len(tenants))
	for _, t := range tenants {
		redacted = append(redacted, t.Redacted())
	}
	writeJSONResponse(w, redacted)
}

// handleDeleteTenant deletes a tenant, its namespace and its live connections
func (h *AdminHandlers) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.sources.Tenants.Delete(r.Context(), id); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant_id", id).Msg("Tenant deleted via admin API")
	writeJSONResponse(w, map[string]interface{}{"deleted": id})
}
