package alerting

import (
	"fmt"
	"time"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/store"
)

// Threshold is the allowed [Low, High] band for one sensor type.
type Threshold struct {
	High float64
	Low  float64
}

// Table maps sensor type to its threshold band. Types without an entry
// never produce alerts.
type Table map[string]Threshold

// DefaultTable is the baseline configuration: only temperature and
// humidity are guarded.
func DefaultTable() Table {
	return Table{
		"temperature": {High: 30, Low: 5},
		"humidity":    {High: 80, Low: 20},
	}
}

// Evaluator derives alerts from persisted readings against an injected
// threshold table.
type Evaluator struct {
	Table    Table
	Severity string
}

func NewEvaluator(table Table) *Evaluator {
	return &Evaluator{Table: table, Severity: "warning"}
}

// Evaluate returns the alert a reading's value provokes, or nil when the
// value sits inside the band or the sensor type has no thresholds. High
// and low are mutually exclusive since High > Low.
func (e *Evaluator) Evaluate(t *store.Telemetry, now time.Time) *store.Alert {
	th, ok := e.Table[t.SensorType]
	if !ok {
		return nil
	}

	switch {
	case t.Value > th.High:
		return &store.Alert{
			DeviceID:   t.DeviceID,
			SensorType: t.SensorType,
			Type:       store.AlertTypeHigh,
			Severity:   e.Severity,
			Message:    fmt.Sprintf("%s is above threshold: %v%s (max: %v)", t.SensorType, t.Value, t.Unit, th.High),
			Value:      t.Value,
			Threshold:  th.High,
			Timestamp:  now.UTC(),
		}
	case t.Value < th.Low:
		return &store.Alert{
			DeviceID:   t.DeviceID,
			SensorType: t.SensorType,
			Type:       store.AlertTypeLow,
			Severity:   e.Severity,
			Message:    fmt.Sprintf("%s is below threshold: %v%s (min: %v)", t.SensorType, t.Value, t.Unit, th.Low),
			Value:      t.Value,
			Threshold:  th.Low,
			Timestamp:  now.UTC(),
		}
	default:
		return nil
	}
}
