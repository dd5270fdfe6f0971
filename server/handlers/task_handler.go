package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/core/market"
	"agentmarket-backend/server/middleware"
)

// TaskHandler handles task-related HTTP endpoints.
type TaskHandler struct {
	svc *coordinator.Coordinator
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(svc *coordinator.Coordinator) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// taskView augments a task with the result-visibility flag for non-creators.
type taskView struct {
	market.Task
	HasResults bool `json:"has_results"`
}

func viewOf(t market.Task, creator bool, hadResults bool) taskView {
	v := taskView{Task: t, HasResults: hadResults}
	if !creator {
		v.WorkResults = nil
	}
	return v
}

// Tasks routes /tasks, /tasks/{id}, and the nested task actions.
func (h *TaskHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks"), "/")
	parts := strings.Split(path, "/")

	switch r.Method {
	case http.MethodGet:
		if path == "" {
			h.handleListTasks(w, r)
			return
		}
		if parts[0] == "activity" && len(parts) > 1 && parts[1] == "feed" {
			h.handleActivityFeed(w, r)
			return
		}
		h.handleGetTask(w, r, parts[0])
	case http.MethodPost:
		if len(parts) < 2 {
			middleware.Error(w, http.StatusBadRequest, "expected /tasks/{id}/{action}")
			return
		}
		switch parts[1] {
		case "work":
			h.handleSubmitWork(w, r, parts[0])
		case "refund":
			h.handleRefund(w, r, parts[0])
		default:
			middleware.Error(w, http.StatusNotFound, "unknown task action")
		}
	case http.MethodPatch:
		if len(parts) == 2 && parts[1] == "status" {
			h.handleStatusOverride(w, r, parts[0])
			return
		}
		middleware.Error(w, http.StatusBadRequest, "expected /tasks/{id}/status")
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleListTasks handles GET /tasks?address=W: only the caller's own tasks.
func (h *TaskHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if strings.TrimSpace(address) == "" {
		middleware.Error(w, http.StatusBadRequest, "address query parameter is required")
		return
	}
	tasks, err := h.svc.Store().ListTasksByCreator(r.Context(), address)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if tasks == nil {
		tasks = []market.Task{}
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       tasks,
		"total_count": len(tasks),
	})
}

// handleGetTask handles GET /tasks/{id}?address=W. Work results are visible
// only to the creator; everyone else gets has_results.
func (h *TaskHandler) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	address := r.URL.Query().Get("address")
	task, isCreator, hasResults, err := h.svc.TaskDetail(r.Context(), taskID, address)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, viewOf(task, isCreator, hasResults))
}

// handleSubmitWork handles POST /tasks/{id}/work.
func (h *TaskHandler) handleSubmitWork(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		WorkerID string          `json:"workerId"`
		Result   json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := h.svc.SubmitWork(r.Context(), taskID, body.WorkerID, string(body.Result))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, task)
}

// handleRefund handles POST /tasks/{id}/refund.
func (h *TaskHandler) handleRefund(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		CallerWallet string `json:"callerWallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := h.svc.Refund(r.Context(), taskID, body.CallerWallet)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, task)
}

// handleStatusOverride handles PATCH /tasks/{id}/status (admin only path).
func (h *TaskHandler) handleStatusOverride(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Status  string `json:"status"`
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := h.svc.AdminSetStatus(r.Context(), taskID, body.Status, body.AgentID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, task)
}

// handleActivityFeed handles GET /tasks/activity/feed?address=W.
func (h *TaskHandler) handleActivityFeed(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if strings.TrimSpace(address) == "" {
		middleware.Error(w, http.StatusBadRequest, "address query parameter is required")
		return
	}
	feed, err := h.svc.ActivityFeed(r.Context(), address)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"activity":    feed,
		"total_count": len(feed),
	})
}
