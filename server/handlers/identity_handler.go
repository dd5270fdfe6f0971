package handlers

import (
	"net/http"
	"strings"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/server/middleware"
)

// IdentityHandler passes identity lookups through to the backend.
type IdentityHandler struct {
	svc *coordinator.Coordinator
}

// NewIdentityHandler creates a new identity handler.
func NewIdentityHandler(svc *coordinator.Coordinator) *IdentityHandler {
	return &IdentityHandler{svc: svc}
}

// Lookup handles GET /identity/lookup/{handle}.
func (h *IdentityHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	handle := strings.Trim(strings.TrimPrefix(r.URL.Path, "/identity/lookup"), "/")
	if handle == "" {
		middleware.Error(w, http.StatusBadRequest, "handle is required")
		return
	}
	rec, err := h.svc.IdentityLookup(r.Context(), handle)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, rec)
}
