package store

import (
	"time"

	"github.com/google/uuid"
)

// Telemetry is one validated sensor reading. Rows are append-only and
// expire after the telemetry retention window (see Sweeper).
type Telemetry struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID       string    `gorm:"index:idx_telemetry_device_ts,priority:1;not null" json:"deviceId"`
	SensorType     string    `gorm:"index:idx_telemetry_sensor_ts,priority:1;not null" json:"sensorType"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit"`
	Location       string    `json:"location"`
	SignalStrength *int      `json:"signalStrength"`
	Timestamp      time.Time `gorm:"index:idx_telemetry_device_ts,priority:2;index:idx_telemetry_sensor_ts,priority:2;index" json:"timestamp"`
	ReceivedAt     time.Time `json:"receivedAt"`
	SourceAddress  string    `json:"sourceAddress"`
}

func (Telemetry) TableName() string { return "telemetry" }

// Device is the registry entry for one sensor node. Created explicitly via
// registration or implicitly on first ingest. Never deleted automatically.
type Device struct {
	DeviceID  string     `gorm:"primaryKey" json:"deviceId"`
	Name      string     `json:"name"`
	Location  string     `gorm:"index" json:"location"`
	Type      string     `json:"type"`
	Firmware  string     `json:"firmware"`
	Status    string     `gorm:"index" json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	LastSeen  *time.Time `json:"lastSeen"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (Device) TableName() string { return "devices" }

// Alert is emitted when a reading breaches its sensor type's threshold
// band. Append-only apart from the acknowledged flag; expires after the
// alert retention window.
type Alert struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID     string    `gorm:"index:idx_alerts_device_ts,priority:1;not null" json:"deviceId"`
	SensorType   string    `json:"sensorType"`
	Type         string    `json:"type"`
	Severity     string    `gorm:"index" json:"severity"`
	Message      string    `json:"message"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	Timestamp    time.Time `gorm:"index:idx_alerts_device_ts,priority:2;index" json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

func (Alert) TableName() string { return "alerts" }

const (
	AlertTypeHigh = "high_value"
	AlertTypeLow  = "low_value"

	DeviceStatusOnline     = "online"
	DeviceStatusOffline    = "offline"
	DeviceStatusRegistered = "registered"
)
