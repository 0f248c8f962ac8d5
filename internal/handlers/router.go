// Package handlers is the localhost control surface for the UI shell. Every
// endpoint maps to one explicit operator action; nothing here runs on its
// own schedule.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/relay"
	"github.com/kasipos/kasipos/internal/session"
	"github.com/kasipos/kasipos/internal/websocket"
)

// Router wraps the mux router and the daemon's moving parts.
type Router struct {
	*mux.Router
	db          *database.DB
	coordinator *session.Coordinator
	relay       *relay.Relay
	hub         *websocket.Hub
	shopName    string
}

// NewRouter creates the HTTP router with all routes.
func NewRouter(db *database.DB, coordinator *session.Coordinator, rl *relay.Relay, hub *websocket.Hub, shopName string) *Router {
	r := &Router{
		Router:      mux.NewRouter(),
		db:          db,
		coordinator: coordinator,
		relay:       rl,
		hub:         hub,
		shopName:    shopName,
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Sync session routes
	sync := r.PathPrefix("/api/sync").Subrouter()
	sync.HandleFunc("/host", r.startHost).Methods("POST")
	sync.HandleFunc("/join", r.startJoin).Methods("POST")
	sync.HandleFunc("/cancel", r.cancelSync).Methods("POST")
	sync.HandleFunc("/scan", r.submitPayload).Methods("POST")
	sync.HandleFunc("/scan/begin", r.beginScan).Methods("POST")
	sync.HandleFunc("/code", r.getCode).Methods("GET")
	sync.HandleFunc("/status", r.getStatus).Methods("GET")
	sync.HandleFunc("/report", r.getReport).Methods("GET")

	// Relay fallback routes
	rel := r.PathPrefix("/api/relay").Subrouter()
	rel.HandleFunc("/export", r.relayExport).Methods("POST")
	rel.HandleFunc("/import", r.relayImport).Methods("POST")

	// UI status feed
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		websocket.ServeWs(hub, w, req)
	})

	return r
}

// healthCheck returns the health status of the daemon.
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"server": "local",
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
