// Package api provides HTTP routing for the reservation authority.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/parking-lock-sync/backend/internal/api/handlers"
	"github.com/parking-lock-sync/backend/internal/api/middleware"
	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/metrics"
	"github.com/parking-lock-sync/backend/internal/websocket"
	"pkt.systems/pslog"
)

// Deps are the collaborators the router exposes. Metrics and StaticDir are
// optional.
type Deps struct {
	Authority *authority.Authority
	Hub       *websocket.Hub
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    pslog.Logger
	StaticDir string
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	logger := logging.Subsystem(d.Logger, "api")
	a := d.Authority

	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))
	r.Use(middleware.ErrorRecovery(logger))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", handlers.HealthCheck(a, d.Hub, d.Clock)).Methods("GET")
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub, d.Clock, logger)).Methods("GET")

	// Lots and slots
	api.HandleFunc("/parking-lots", handlers.ListParkingLots(a)).Methods("GET")
	api.HandleFunc("/parking-slots", handlers.ListParkingSlots(a)).Methods("GET")
	api.HandleFunc("/dashboard-stats", handlers.DashboardStats(a)).Methods("GET")
	api.HandleFunc("/gateways", handlers.ListGateways(a)).Methods("GET")

	// Reservations
	api.HandleFunc("/reservations", handlers.ListReservations(a)).Methods("GET")
	api.HandleFunc("/reservations", handlers.CreateReservation(a)).Methods("POST")
	api.HandleFunc("/reservations/{id}/arrive", handlers.ArriveReservation(a)).Methods("POST")
	api.HandleFunc("/reservations/{id}", handlers.CancelReservation(a)).Methods("DELETE")

	// Telemetry
	api.HandleFunc("/sensor-data", handlers.SensorData(a)).Methods("GET")
	api.HandleFunc("/sensor-data/{lockId}", handlers.SensorData(a)).Methods("GET")
	api.HandleFunc("/system-logs", handlers.SystemLogs(a)).Methods("GET")

	// Exports
	api.HandleFunc("/export/{kind}", handlers.Export(a, d.Clock)).Methods("GET")
	api.HandleFunc("/export/{kind}/{lockId}", handlers.Export(a, d.Clock)).Methods("GET")

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods("GET")
	}
	if d.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(d.StaticDir)))
	}
	return r
}
