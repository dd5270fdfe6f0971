package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/server/middleware"
)

// AgentHandler handles agent-related HTTP endpoints.
type AgentHandler struct {
	svc *coordinator.Coordinator
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(svc *coordinator.Coordinator) *AgentHandler {
	return &AgentHandler{svc: svc}
}

// Agents handles GET/POST /agents and PATCH /agents/{id}.
func (h *AgentHandler) Agents(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/agents"), "/")

	switch r.Method {
	case http.MethodGet:
		if path != "" {
			h.handleGetAgent(w, r, path)
			return
		}
		h.handleListAgents(w, r)
	case http.MethodPost:
		h.handleUpsertAgent(w, r)
	case http.MethodPatch:
		if path == "" {
			middleware.Error(w, http.StatusBadRequest, "expected /agents/{id}")
			return
		}
		h.handlePatchAgent(w, r, path)
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *AgentHandler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.Store().ListAgents(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"agents":      agents,
		"total_count": len(agents),
	})
}

func (h *AgentHandler) handleGetAgent(w http.ResponseWriter, r *http.Request, id string) {
	agent, err := h.svc.Store().GetAgent(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var body coordinator.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	agent, created, err := h.svc.RegisterAgent(r.Context(), body)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	middleware.JSON(w, code, agent)
}

func (h *AgentHandler) handlePatchAgent(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		coordinator.AgentRequest
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	agent, err := h.svc.PatchAgent(r.Context(), id, body.AgentRequest, body.Active)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, agent)
}
