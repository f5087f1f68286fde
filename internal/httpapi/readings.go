package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/apperr"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/ingest"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/store"
)

func (s *Server) handleTelemetryPost(w http.ResponseWriter, r *http.Request) {
	var reading ingest.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		s.fail(w, apperr.BadRequest("Invalid JSON body"))
		return
	}

	rec, appErr := s.pipeline.Ingest(r.Context(), reading, r.RemoteAddr, s.now())
	if appErr != nil {
		s.fail(w, appErr)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"message":   "Telemetry data saved",
		"id":        rec.ID,
		"timestamp": rec.Timestamp,
	})
}

func (s *Server) handleReadingsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TelemetryFilter{
		DeviceID:   q.Get("deviceId"),
		SensorType: q.Get("sensorType"),
		Ascending:  q.Get("sortOrder") == "asc",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, apperr.BadRequest("Invalid limit parameter"))
			return
		}
		f.Limit = n
	}
	var appErr *apperr.AppError
	if f.Start, appErr = parseTimeParam(q.Get("startDate"), "startDate"); appErr != nil {
		s.fail(w, appErr)
		return
	}
	if f.End, appErr = parseTimeParam(q.Get("endDate"), "endDate"); appErr != nil {
		s.fail(w, appErr)
		return
	}

	readings, err := s.repo.ListTelemetry(r.Context(), f)
	if err != nil {
		s.fail(w, apperr.Internal("Failed to retrieve readings", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(readings),
		"data":    readings,
	})
}

func (s *Server) handleReadingsLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")

	if deviceID != "" {
		if readings, ok := s.cache.DeviceLatest(r.Context(), deviceID); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"count":   len(readings),
				"data":    readings,
			})
			return
		}
	}

	readings, err := s.repo.LatestPerSensor(r.Context(), deviceID)
	if err != nil {
		s.fail(w, apperr.Internal("Failed to retrieve latest readings", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(readings),
		"data":    readings,
	})
}

// periods maps the stats window names onto durations. Unknown values
// fall back to 24h.
var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (s *Server) handleReadingsStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	period := q.Get("period")
	window, ok := periods[period]
	if !ok {
		period = "24h"
		window = periods[period]
	}
	since := s.now().UTC().Add(-window)

	stats, err := s.repo.Stats(r.Context(), q.Get("deviceId"), q.Get("sensorType"), since)
	if err != nil {
		s.fail(w, apperr.Internal("Failed to compute statistics", err))
		return
	}

	data := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		data = append(data, map[string]any{
			"deviceId":   st.DeviceID,
			"sensorType": st.SensorType,
			"statistics": map[string]any{
				"average":       st.Average,
				"minimum":       st.Minimum,
				"maximum":       st.Maximum,
				"count":         st.Count,
				"lastValue":     st.LastValue,
				"lastTimestamp": st.LastTimestamp,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"period":    period,
		"startDate": since.Format(time.RFC3339),
		"data":      data,
	})
}

func (s *Server) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AlertFilter{
		DeviceID: q.Get("deviceId"),
		Severity: q.Get("severity"),
	}
	if v := q.Get("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, apperr.BadRequest("Invalid acknowledged parameter"))
			return
		}
		f.Acknowledged = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, apperr.BadRequest("Invalid limit parameter"))
			return
		}
		f.Limit = n
	}

	alerts, err := s.repo.ListAlerts(r.Context(), f)
	if err != nil {
		s.fail(w, apperr.Internal("Failed to retrieve alerts", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(alerts),
		"data":    alerts,
	})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alertId"))
	if err != nil {
		s.fail(w, apperr.BadRequest("Invalid alert id"))
		return
	}

	switch err := s.repo.AcknowledgeAlert(r.Context(), id); {
	case errors.Is(err, store.ErrAlertNotFound):
		s.fail(w, apperr.NotFound("Alert not found"))
	case err != nil:
		s.fail(w, apperr.Internal("Failed to acknowledge alert", err))
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Alert acknowledged",
		})
	}
}

func parseTimeParam(v, name string) (time.Time, *apperr.AppError) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.BadRequest("Invalid " + name + " parameter").
			WithField("expectedFormat", time.RFC3339)
	}
	return t, nil
}
