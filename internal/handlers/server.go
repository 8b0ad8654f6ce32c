package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/leadscope/backend/internal/middleware"
	"github.com/leadscope/backend/internal/monitoring"
	"github.com/leadscope/backend/internal/tasks"
	"github.com/leadscope/backend/internal/websocket"
)

// NewRouter mounts the full HTTP surface: lead endpoints behind user
// identity, plus health and metrics.
func NewRouter(svc *tasks.Service, streamer *websocket.ProgressStreamer, limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS)

	r.HandleFunc("/healthz", handleHealth).Methods("GET")
	r.Handle("/metrics", monitoring.Handler()).Methods("GET")

	api := r.PathPrefix("/api/leads").Subrouter()
	api.Use(middleware.RequireUser)

	api.Handle("/preview", HandlePreview(svc)).Methods("POST", "OPTIONS")
	api.Handle("/search", limiter.Middleware(HandleSubmit(svc))).Methods("POST", "OPTIONS")
	api.Handle("/tasks", HandleListTasks(svc)).Methods("GET")
	api.Handle("/tasks/{token}", HandleStatus(svc)).Methods("GET")
	api.Handle("/tasks/{token}/results", HandleResults(svc)).Methods("GET")
	api.Handle("/tasks/{token}/export", HandleExport(svc)).Methods("GET")
	api.Handle("/tasks/{token}/cancel", HandleCancel(svc)).Methods("POST", "OPTIONS")
	api.Handle("/tasks/{token}/ws", HandleProgressWS(svc, streamer)).Methods("GET")

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
