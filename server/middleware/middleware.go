package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/core/market"
	"agentmarket-backend/escrow"
	"agentmarket-backend/identity"
	"agentmarket-backend/metrics"
	store "agentmarket-backend/storage/market"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Error sends a standardized error response.
func Error(w http.ResponseWriter, code int, message string) {
	JSON(w, code, ErrorResponse{Error: message})
}

// WriteError maps typed errors from the coordinator, store, and adapters to
// stable HTTP codes.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrValidation),
		errors.Is(err, market.ErrInvalidTransition),
		errors.Is(err, store.ErrPostingClosed),
		errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrDepositorMismatch),
		errors.Is(err, escrow.ErrNotHeld),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrInsufficientFunds):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrUnauthorized),
		errors.Is(err, market.ErrNotCreator),
		errors.Is(err, market.ErrNotAssigned):
		Error(w, http.StatusForbidden, err.Error())
	case coordinator.IsNotFound(err):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyAccepted),
		errors.Is(err, store.ErrDuplicateID),
		errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrAlreadySettled):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrBackendUnavailable),
		errors.Is(err, identity.ErrBackendUnavailable):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// CORS handles cross-origin requests including preflight.
func CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Counted records a request counter sample per route and status code.
func Counted(met *metrics.Metrics, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		if met != nil {
			met.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		}
	}
}
