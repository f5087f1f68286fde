package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/apperr"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/store"
)

// onlineWindow matches the liveness sweep: a device counts as online
// when it reported within the last five minutes.
const onlineWindow = 5 * time.Minute

type deviceView struct {
	store.Device
	IsOnline    bool   `json:"isOnline"`
	LastSeenAgo string `json:"lastSeenAgo"`
}

func (s *Server) deviceView(d store.Device) deviceView {
	now := s.now()
	v := deviceView{Device: d, LastSeenAgo: "Never"}
	if d.LastSeen != nil {
		v.IsOnline = now.Sub(*d.LastSeen) <= onlineWindow
		v.LastSeenAgo = formatAgo(now.Sub(*d.LastSeen))
	}
	return v
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	devices, err := s.repo.ListDevices(r.Context(), store.DeviceFilter{
		Location: q.Get("location"),
		Status:   q.Get("status"),
	})
	if err != nil {
		s.fail(w, apperr.Internal("Failed to retrieve devices", err))
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.deviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(views),
		"data":    views,
	})
}

type devicePayload struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Type     string `json:"type"`
	Firmware string `json:"firmware"`
	Status   string `json:"status"`
}

func (s *Server) handleDeviceCreate(w http.ResponseWriter, r *http.Request) {
	var p devicePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.fail(w, apperr.BadRequest("Invalid JSON body"))
		return
	}
	if p.DeviceID == "" {
		s.fail(w, apperr.BadRequest("Missing required fields").WithField("required", []string{"deviceId"}))
		return
	}

	dev := &store.Device{
		DeviceID: p.DeviceID,
		Name:     p.Name,
		Location: p.Location,
		Type:     p.Type,
		Firmware: p.Firmware,
		Status:   store.DeviceStatusRegistered,
	}
	if dev.Name == "" {
		dev.Name = dev.DeviceID
	}
	if dev.Location == "" {
		dev.Location = "Unknown"
	}
	if dev.Type == "" {
		dev.Type = "ESP32"
	}
	if dev.Firmware == "" {
		dev.Firmware = "unknown"
	}

	switch err := s.repo.CreateDevice(r.Context(), dev); {
	case errors.Is(err, store.ErrDeviceExists):
		s.fail(w, apperr.Conflict("Device already exists"))
	case err != nil:
		s.fail(w, apperr.Internal("Failed to register device", err))
	default:
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"message": "Device registered",
			"data":    s.deviceView(*dev),
		})
	}
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	dev, err := s.repo.GetDevice(r.Context(), deviceID)
	if errors.Is(err, store.ErrDeviceNotFound) {
		s.fail(w, apperr.NotFound("Device not found"))
		return
	}
	if err != nil {
		s.fail(w, apperr.Internal("Failed to retrieve device", err))
		return
	}

	latest, ok := s.cache.DeviceLatest(r.Context(), deviceID)
	if !ok {
		if latest, err = s.repo.LatestPerSensor(r.Context(), deviceID); err != nil {
			s.fail(w, apperr.Internal("Failed to retrieve device readings", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"data":           s.deviceView(*dev),
		"latestReadings": latest,
	})
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var p devicePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.fail(w, apperr.BadRequest("Invalid JSON body"))
		return
	}

	patch := map[string]any{}
	if p.Name != "" {
		patch["name"] = p.Name
	}
	if p.Location != "" {
		patch["location"] = p.Location
	}
	if p.Type != "" {
		patch["type"] = p.Type
	}
	if p.Firmware != "" {
		patch["firmware"] = p.Firmware
	}
	if p.Status != "" {
		patch["status"] = p.Status
	}
	if len(patch) == 0 {
		s.fail(w, apperr.BadRequest("No updatable fields provided"))
		return
	}

	switch err := s.repo.UpdateDevice(r.Context(), deviceID, patch); {
	case errors.Is(err, store.ErrDeviceNotFound):
		s.fail(w, apperr.NotFound("Device not found"))
	case err != nil:
		s.fail(w, apperr.Internal("Failed to update device", err))
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Device updated successfully",
		})
	}
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	deleteReadings := r.URL.Query().Get("deleteReadings") == "true"

	switch err := s.repo.DeleteDevice(r.Context(), deviceID); {
	case errors.Is(err, store.ErrDeviceNotFound):
		s.fail(w, apperr.NotFound("Device not found"))
		return
	case err != nil:
		s.fail(w, apperr.Internal("Failed to delete device", err))
		return
	}

	var deletedReadings int64
	if deleteReadings {
		n, err := s.repo.DeleteTelemetryForDevice(r.Context(), deviceID)
		if err != nil {
			s.fail(w, apperr.Internal("Failed to delete device readings", err))
			return
		}
		deletedReadings = n
		_ = s.cache.DropDevice(r.Context(), deviceID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Device deleted successfully",
		"deletedReadings": deletedReadings,
	})
}
