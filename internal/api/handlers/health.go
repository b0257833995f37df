// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Gateways         int       `json:"gateways"`
	PendingCommands  int       `json:"pending_commands"`
	WebSocketClients int       `json:"websocket_clients"`
}

// HealthCheck returns a handler reporting liveness and a few gauges.
func HealthCheck(a *authority.Authority, hub *websocket.Hub, clk clock.Clock) http.HandlerFunc {
	clk = clock.Ensure(clk)
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:           "ok",
			Timestamp:        clk.Now(),
			Gateways:         len(a.Gateways()),
			PendingCommands:  a.PendingCommands(),
			WebSocketClients: hub.ClientCount(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
