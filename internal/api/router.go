package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Prometheus scrape endpoint
	r.Handle("/metrics", s.prometheusHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Gateway: live connection state per device
		if s.scheduler != nil {
			r.Route("/machines", func(r chi.Router) {
				r.Get("/", s.handleListMachines)
				r.Get("/{code}", s.handleGetMachine)
			})
		}

		// Recorder: persisted status and history
		if s.status != nil {
			r.Route("/status", func(r chi.Router) {
				r.Get("/", s.handleListStatus)
				r.Get("/{code}", s.handleGetStatus)
				r.Get("/{code}/history", s.handleGetHistory)
			})
		}
	})

	return r
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	MQTTConnected bool   `json:"mqtt_connected"`
}

// handleHealth returns the server health status.
// A process whose MQTT client is disconnected reports 503 so orchestrators
// can tell it apart from a healthy one.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Service:       s.service,
		Version:       s.version,
		MQTTConnected: true,
	}

	status := http.StatusOK
	if s.mqtt != nil && !s.mqtt.IsConnected() {
		resp.Status = "degraded"
		resp.MQTTConnected = false
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
