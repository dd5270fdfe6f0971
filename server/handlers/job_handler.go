package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/core/market"
	"agentmarket-backend/server/middleware"
)

// JobHandler handles job board HTTP endpoints.
type JobHandler struct {
	svc *coordinator.Coordinator
}

// NewJobHandler creates a new job board handler.
func NewJobHandler(svc *coordinator.Coordinator) *JobHandler {
	return &JobHandler{svc: svc}
}

// JobBoard handles GET/POST /jobboard and the nested job actions.
func (h *JobHandler) JobBoard(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobboard"), "/")
	parts := strings.Split(path, "/")

	switch r.Method {
	case http.MethodGet:
		if path == "" {
			h.handleList(w, r)
			return
		}
		if len(parts) > 1 && parts[1] == "payment-details" {
			h.handlePaymentDetails(w, r, parts[0])
			return
		}
		h.handleGetJob(w, r, parts[0])
	case http.MethodPost:
		if path == "" {
			h.handleCreateJob(w, r)
			return
		}
		if len(parts) < 2 {
			middleware.Error(w, http.StatusBadRequest, "expected /jobboard/{id}/{action}")
			return
		}
		switch parts[1] {
		case "bid":
			h.handleBid(w, r, parts[0])
		case "accept":
			h.handleAccept(w, r, parts[0])
		case "confirm-escrow":
			h.handleConfirmEscrow(w, r, parts[0])
		case "payment-details":
			h.handlePaymentDetails(w, r, parts[0])
		default:
			middleware.Error(w, http.StatusNotFound, "unknown job action")
		}
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *JobHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := market.PostingFilter{
		Status:    r.URL.Query().Get("status"),
		Skills:    splitCSV(r.URL.Query().Get("skills")),
		MinBudget: int64FromQuery(r, "minBudget", 0),
		Limit:     intFromQuery(r, "limit", 50),
		Offset:    intFromQuery(r, "offset", 0),
	}
	entries, err := h.svc.JobBoard(r.Context(), filter)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        entries,
		"total_count": len(entries),
	})
}

func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	posting, err := h.svc.Store().GetPosting(r.Context(), jobID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	bids, err := h.svc.Store().ListBidsByJob(r.Context(), jobID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"posting": posting,
		"bids":    bids,
	})
}

func (h *JobHandler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title          string   `json:"title"`
		Description    string   `json:"description"`
		Budget         int64    `json:"budget"`
		RequiredSkills []string `json:"requiredSkills"`
		CreatorWallet  string   `json:"creatorWallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, posting, err := h.svc.CreateJob(r.Context(), coordinator.JobRequest{
		Title:          body.Title,
		Description:    body.Description,
		Budget:         body.Budget,
		RequiredSkills: body.RequiredSkills,
		CreatorWallet:  body.CreatorWallet,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusCreated, map[string]interface{}{
		"task":    task,
		"posting": posting,
	})
}

func (h *JobHandler) handleConfirmEscrow(w http.ResponseWriter, r *http.Request, jobID string) {
	var body struct {
		ExternalRef     string `json:"externalRef"`
		DepositorWallet string `json:"depositorWallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := h.svc.ConfirmEscrow(r.Context(), jobID, body.ExternalRef, body.DepositorWallet)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, task)
}

func (h *JobHandler) handleBid(w http.ResponseWriter, r *http.Request, jobID string) {
	var body struct {
		WorkerID       string `json:"workerId"`
		WorkerHandle   string `json:"workerHandle"`
		Message        string `json:"message"`
		RelevanceScore int    `json:"relevanceScore"`
		EstimatedTime  string `json:"estimatedTime"`
		ProposedAmount int64  `json:"proposedAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	bid, err := h.svc.SubmitBid(r.Context(), jobID, coordinator.BidRequest{
		WorkerID:       body.WorkerID,
		WorkerHandle:   body.WorkerHandle,
		Message:        body.Message,
		RelevanceScore: body.RelevanceScore,
		EstimatedTime:  body.EstimatedTime,
		ProposedAmount: body.ProposedAmount,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusCreated, bid)
}

func (h *JobHandler) handleAccept(w http.ResponseWriter, r *http.Request, jobID string) {
	var body struct {
		BidID        string `json:"bidId"`
		CallerWallet string `json:"callerWallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.BidID == "" {
		middleware.Error(w, http.StatusBadRequest, "bidId is required")
		return
	}
	task, bid, err := h.svc.AcceptBid(r.Context(), jobID, body.BidID, body.CallerWallet)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"task": task,
		"bid":  bid,
	})
}

// handlePaymentDetails returns the deposit target for the verifying escrow
// variant, with a QR code the poster's wallet can scan.
func (h *JobHandler) handlePaymentDetails(w http.ResponseWriter, r *http.Request, jobID string) {
	details, err := h.svc.JobPaymentDetails(r.Context(), jobID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	qr, err := qrcode.New(details.PayURI, qrcode.Medium)
	if err != nil {
		middleware.Error(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(256)); err != nil {
		middleware.Error(w, http.StatusInternalServerError, "failed to encode QR code")
		return
	}

	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"payment": details,
		"qr_png":  base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// Helper functions shared by the handlers.
func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intFromQuery(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func int64FromQuery(r *http.Request, key string, defaultValue int64) int64 {
	if value := r.URL.Query().Get(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}
