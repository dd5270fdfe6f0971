package server

import (
	"net/http"
	"time"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/metrics"
	"agentmarket-backend/server/handlers"
	mw "agentmarket-backend/server/middleware"
)

// Server wires the coordinator's REST surface.
type Server struct {
	svc *coordinator.Coordinator
	met *metrics.Metrics

	agents   *handlers.AgentHandler
	jobs     *handlers.JobHandler
	tasks    *handlers.TaskHandler
	identity *handlers.IdentityHandler
}

// NewServer builds a Server over the coordinator service.
func NewServer(svc *coordinator.Coordinator, met *metrics.Metrics) *Server {
	return &Server{
		svc:      svc,
		met:      met,
		agents:   handlers.NewAgentHandler(svc),
		jobs:     handlers.NewJobHandler(svc),
		tasks:    handlers.NewTaskHandler(svc),
		identity: handlers.NewIdentityHandler(svc),
	}
}

// RegisterRoutes attaches handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.route("/health", s.handleHealth))
	mux.HandleFunc("/agents", s.route("/agents", s.agents.Agents))
	mux.HandleFunc("/agents/", s.route("/agents/:id", s.agents.Agents))
	mux.HandleFunc("/jobboard", s.route("/jobboard", s.jobs.JobBoard))
	mux.HandleFunc("/jobboard/", s.route("/jobboard/:id", s.jobs.JobBoard))
	mux.HandleFunc("/tasks", s.route("/tasks", s.tasks.Tasks))
	mux.HandleFunc("/tasks/", s.route("/tasks/:id", s.tasks.Tasks))
	mux.HandleFunc("/identity/lookup/", s.route("/identity/lookup/:handle", s.identity.Lookup))
	if s.met != nil {
		mux.Handle("/metrics", s.met.Handler())
	}
}

func (s *Server) route(name string, next http.HandlerFunc) http.HandlerFunc {
	return mw.CORS(mw.Counted(s.met, name, next))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mw.JSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
