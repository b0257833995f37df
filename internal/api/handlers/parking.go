package handlers

import (
	"net/http"

	"github.com/parking-lock-sync/backend/internal/api/middleware"
	"github.com/parking-lock-sync/backend/internal/authority"
)

// ListParkingLots returns every lot with its availability.
func ListParkingLots(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lots, err := a.ListLots(r.Context())
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lots)
	}
}

// ListParkingSlots returns enriched slots, optionally filtered by ?lot_id=.
func ListParkingSlots(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slots, err := a.ListSlots(r.Context(), r.URL.Query().Get("lot_id"))
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

// DashboardStats returns slot and reservation counts.
func DashboardStats(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := a.DashboardStats(r.Context())
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListGateways returns the gateways known from heartbeats.
func ListGateways(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Gateways())
	}
}
