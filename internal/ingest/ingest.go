package ingest

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/alerting"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/apperr"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/observability"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/realtime"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/store"
)

// Reading is a raw sensor datum as submitted by a device, before
// validation. Value is a pointer so an explicit 0 survives the presence
// check.
type Reading struct {
	DeviceID       string   `json:"deviceId"`
	SensorType     string   `json:"sensorType"`
	Value          *float64 `json:"value"`
	Unit           string   `json:"unit"`
	Location       string   `json:"location"`
	SignalStrength *int     `json:"signalStrength"`
}

var validSensorTypes = map[string]struct{}{
	"temperature": {},
	"humidity":    {},
	"motion":      {},
	"light":       {},
	"pressure":    {},
	"gas":         {},
}

// ValidSensorTypes returns the accepted sensor types in stable order.
func ValidSensorTypes() []string {
	out := make([]string, 0, len(validSensorTypes))
	for t := range validSensorTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var defaultUnits = map[string]string{
	"temperature": "°C",
	"humidity":    "%",
	"motion":      "bool",
	"light":       "lux",
	"pressure":    "hPa",
	"gas":         "ppm",
}

// DefaultUnit returns the unit assumed for a sensor type when the device
// did not declare one; empty for unrecognized types.
func DefaultUnit(sensorType string) string {
	return defaultUnits[sensorType]
}

// Validate checks a reading for structural and semantic validity. Pure:
// no side effects, no storage access.
func Validate(r Reading) *apperr.AppError {
	var missing []string
	if strings.TrimSpace(r.DeviceID) == "" {
		missing = append(missing, "deviceId")
	}
	if strings.TrimSpace(r.SensorType) == "" {
		missing = append(missing, "sensorType")
	}
	if r.Value == nil {
		missing = append(missing, "value")
	}
	if len(missing) > 0 {
		return apperr.BadRequest("Missing required fields").
			WithField("required", []string{"deviceId", "sensorType", "value"})
	}
	if _, ok := validSensorTypes[r.SensorType]; !ok {
		return apperr.BadRequest("Invalid sensor type").
			WithField("validTypes", ValidSensorTypes())
	}
	return nil
}

// Pipeline runs a validated reading through persistence, device liveness
// and alert evaluation. Only the telemetry write is fatal; the two
// post-persist steps are logged and swallowed so a durable write always
// yields a success response.
type Pipeline struct {
	Repo      *store.Repo
	Evaluator *alerting.Evaluator
	Cache     *store.LatestCache
	Hub       *realtime.Hub
}

// Ingest validates and persists one reading. sourceAddr is the client
// network address stamped onto the record.
func (p *Pipeline) Ingest(ctx context.Context, r Reading, sourceAddr string, now time.Time) (*store.Telemetry, *apperr.AppError) {
	if err := Validate(r); err != nil {
		observability.ReadingsRejected.Inc()
		return nil, err
	}

	now = now.UTC()
	unit := r.Unit
	if unit == "" {
		unit = DefaultUnit(r.SensorType)
	}
	location := r.Location
	if location == "" {
		location = "Unknown"
	}

	rec := &store.Telemetry{
		DeviceID:       r.DeviceID,
		SensorType:     r.SensorType,
		Value:          *r.Value,
		Unit:           unit,
		Location:       location,
		SignalStrength: r.SignalStrength,
		Timestamp:      now,
		ReceivedAt:     now,
		SourceAddress:  sourceAddr,
	}

	if err := p.Repo.InsertTelemetry(ctx, rec); err != nil {
		return nil, apperr.Internal("Failed to save telemetry data", err)
	}
	observability.ReadingsIngested.WithLabelValues(rec.SensorType).Inc()
	slog.Debug("telemetry stored", "device_id", rec.DeviceID, "sensor_type", rec.SensorType, "value", rec.Value)

	if err := p.Cache.Store(ctx, rec); err != nil {
		slog.Warn("latest cache update failed", "device_id", rec.DeviceID, "error", err)
	}

	if err := p.Repo.TouchDevice(ctx, r.DeviceID, r.Location, now); err != nil {
		slog.Warn("device liveness update failed", "device_id", r.DeviceID, "error", err)
	}

	p.evaluateAlert(ctx, rec, now)
	return rec, nil
}

func (p *Pipeline) evaluateAlert(ctx context.Context, rec *store.Telemetry, now time.Time) {
	if p.Evaluator == nil {
		return
	}
	alert := p.Evaluator.Evaluate(rec, now)
	if alert == nil {
		return
	}
	if err := p.Repo.InsertAlert(ctx, alert); err != nil {
		slog.Warn("alert insert failed", "device_id", rec.DeviceID, "error", err)
		return
	}
	observability.AlertsEmitted.WithLabelValues(alert.Type).Inc()
	slog.Info("alert created", "device_id", alert.DeviceID, "type", alert.Type, "message", alert.Message)
	if p.Hub != nil {
		p.Hub.BroadcastAlert(*alert)
	}
}
