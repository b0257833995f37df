package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/parking-lock-sync/backend/internal/api/middleware"
	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/storage/models"
)

const (
	defaultSensorHours = 24
	defaultLogLimit    = 50
)

// SensorData returns battery and signal samples for the last ?hours= hours,
// for one lock when {lockId} is present and for every lock otherwise.
func SensorData(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours, ok := positiveFloat(w, r, "hours", defaultSensorHours)
		if !ok {
			return
		}
		window := time.Duration(hours * float64(time.Hour))
		readings, err := a.SensorData(r.Context(), mux.Vars(r)["lockId"], window)
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		if readings == nil {
			readings = []models.SensorReading{}
		}
		writeJSON(w, http.StatusOK, readings)
	}
}

// SystemLogs returns up to ?limit= entries, newest first.
func SystemLogs(a *authority.Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := positiveFloat(w, r, "limit", defaultLogLimit)
		if !ok {
			return
		}
		logs, err := a.SystemLogs(r.Context(), int(limit))
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		if logs == nil {
			logs = []models.SystemLogEntry{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// positiveFloat reads an optional positive numeric query parameter. On a bad
// value it writes a 400 and returns false.
func positiveFloat(w http.ResponseWriter, r *http.Request, name string, def float64) (float64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, name+" must be a positive number")
		return 0, false
	}
	return v, true
}
