package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/parking-lock-sync/backend/internal/api/middleware"
	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

// CreateReservationRequest is the body of POST /api/reservations. Duration
// is in hours.
type CreateReservationRequest struct {
	SlotID      string  `json:"slotId"`
	PlateNumber string  `json:"plateNumber"`
	UserName    string  `json:"userName"`
	PhoneNumber string  `json:"phoneNumber"`
	Duration    float64 `json:"duration"`
}

// ReservationResponse is returned by the reservation mutations.
type ReservationResponse struct {
	Success       bool               `json:"success"`
	ReservationID string             `json:"reservationId"`
	CommandID     string             `json:"commandId,omitempty"`
	Message       string             `json:"message"`
	Reservation   models.Reservation `json:"reservation"`
}

// ListReservations returns reservations for ?filter=active|expired|all
// (active by default).
func ListReservations(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		if filter == "" {
			filter = authority.FilterActive
		}
		list, err := a.ListReservations(r.Context(), filter)
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateReservation reserves a free slot.
func CreateReservation(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateReservationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.SlotID == "" || req.PlateNumber == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Slot ID and plate number are required")
			return
		}
		if req.Duration < 0 {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Duration must be positive")
			return
		}

		res, err := a.CreateReservation(r.Context(), authority.ReservationRequest{
			SlotID:      req.SlotID,
			PlateNumber: req.PlateNumber,
			UserName:    req.UserName,
			UserPhone:   req.PhoneNumber,
			Duration:    time.Duration(req.Duration * float64(time.Hour)),
		})
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ReservationResponse{
			Success:       true,
			ReservationID: res.ID,
			Message:       "Reservation created successfully",
			Reservation:   res,
		})
	}
}

// ArriveReservation opens the lock of an active reservation.
func ArriveReservation(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := a.Arrive(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ReservationResponse{
			Success:       true,
			ReservationID: result.Reservation.ID,
			CommandID:     result.CommandID,
			Message:       result.Message,
			Reservation:   result.Reservation,
		})
	}
}

// CancelReservation ends an active reservation and frees its slot.
func CancelReservation(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.Cancel(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ReservationResponse{
			Success:       true,
			ReservationID: res.ID,
			Message:       "Reservation cancelled",
			Reservation:   res,
		})
	}
}
