package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/parking-lock-sync/backend/internal/api/middleware"
	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/protocol"
)

// table is an export in both encodings.
type table struct {
	name   string
	header []string
	rows   [][]string
	data   any
}

// Export returns a handler that downloads a dataset as ?format=json (default)
// or csv. Supported {kind} values are parking-lots, parking-slots,
// reservations, sensor-data and system-logs.
func Export(a *authority.Authority, clk clock.Clock) http.HandlerFunc {
	clk = clock.Ensure(clk)
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "csv" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "format must be json or csv")
			return
		}

		t, err := exportTable(r, a, mux.Vars(r)["kind"], mux.Vars(r)["lockId"])
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		stamp := clk.Now().UTC().Format("2006-01-02T15-04-05Z")
		filename := fmt.Sprintf("%s-%s.%s", t.name, stamp, format)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

		if format == "json" {
			writeJSON(w, http.StatusOK, t.data)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		cw.Write(t.header)
		cw.WriteAll(t.rows)
	}
}

func exportTable(r *http.Request, a *authority.Authority, kind, lockID string) (table, error) {
	ctx := r.Context()
	q := r.URL.Query()
	switch kind {
	case "parking-lots":
		lots, err := a.ListLots(ctx)
		t := table{name: kind, data: lots, header: []string{"id", "name", "address", "latitude", "longitude", "total_slots", "available_slots"}}
		for _, l := range lots {
			t.rows = append(t.rows, []string{l.ID, l.Name, l.Address, ftoa(l.Latitude), ftoa(l.Longitude), strconv.Itoa(l.TotalSlots), strconv.Itoa(l.AvailableSlots)})
		}
		return t, err

	case "parking-slots":
		slots, err := a.ListSlots(ctx, q.Get("lot_id"))
		t := table{name: kind, data: slots, header: []string{"id", "lot_id", "lot_name", "gateway_id", "lock_id", "status", "battery_level", "signal_strength", "arm_position", "vehicle_detected", "plate_number", "user_name", "end_time", "last_update"}}
		for _, s := range slots {
			end := ""
			if s.EndTime != nil {
				end = s.EndTime.Format(time.RFC3339)
			}
			t.rows = append(t.rows, []string{s.ID, s.LotID, s.LotName, s.GatewayID, s.LockID, string(s.Status), ftoa(s.BatteryLevel), ftoa(s.SignalStrength), string(s.ArmPosition), strconv.FormatBool(s.VehicleDetected), s.PlateNumber, s.UserName, end, s.LastUpdate.Format(time.RFC3339)})
		}
		return t, err

	case "reservations":
		filter := q.Get("filter")
		if filter == "" {
			filter = authority.FilterAll
		}
		list, err := a.ListReservations(ctx, filter)
		t := table{name: kind, data: list, header: []string{"id", "slot_id", "lock_id", "lot_name", "plate_number", "user_name", "phone_number", "start_time", "end_time", "status", "created_at"}}
		for _, res := range list {
			t.rows = append(t.rows, []string{res.ID, res.SlotID, res.LockID, res.LotName, res.PlateNumber, res.UserName, res.UserPhone, res.StartTime.Format(time.RFC3339), res.EndTime.Format(time.RFC3339), string(res.Status), res.CreatedAt.Format(time.RFC3339)})
		}
		return t, err

	case "sensor-data":
		hours := float64(defaultSensorHours)
		if v, err := strconv.ParseFloat(q.Get("hours"), 64); err == nil && v > 0 {
			hours = v
		}
		readings, err := a.SensorData(ctx, lockID, time.Duration(hours*float64(time.Hour)))
		name := kind
		if lockID != "" {
			name += "-" + lockID
		}
		t := table{name: name, data: readings, header: []string{"lock_id", "sensor_type", "value", "timestamp"}}
		for _, s := range readings {
			t.rows = append(t.rows, []string{s.LockID, s.SensorType, ftoa(s.Value), s.Timestamp.Format(time.RFC3339)})
		}
		return t, err

	case "system-logs":
		limit := 100
		if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
			limit = v
		}
		logs, err := a.SystemLogs(ctx, limit)
		t := table{name: kind, data: logs, header: []string{"type", "message", "level", "timestamp"}}
		for _, e := range logs {
			t.rows = append(t.rows, []string{e.Type, e.Message, string(e.Level), e.Timestamp.Format(time.RFC3339)})
		}
		return t, err
	}
	return table{}, fmt.Errorf("%w: unknown export %q", protocol.ErrNotFound, kind)
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
