package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already exists")
	ErrAlertNotFound  = errors.New("alert not found")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{TranslateError: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Telemetry{}, &Device{}, &Alert{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// Ping reports storage connectivity for the health probes.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Telemetry ---

func (r *Repo) InsertTelemetry(ctx context.Context, t *Telemetry) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = t.ReceivedAt
	}
	return r.db.WithContext(ctx).Create(t).Error
}

type TelemetryFilter struct {
	DeviceID   string
	SensorType string
	Start      time.Time
	End        time.Time
	Limit      int
	Ascending  bool
}

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
)

func (r *Repo) ListTelemetry(ctx context.Context, f TelemetryFilter) ([]Telemetry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultReadingsLimit
	}
	if limit > maxReadingsLimit {
		limit = maxReadingsLimit
	}

	q := r.db.WithContext(ctx).Model(&Telemetry{})
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.SensorType != "" {
		q = q.Where("sensor_type = ?", f.SensorType)
	}
	if !f.Start.IsZero() {
		q = q.Where("timestamp >= ?", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("timestamp <= ?", f.End)
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "timestamp"}, Desc: !f.Ascending},
		{Column: clause.Column{Name: "id"}, Desc: !f.Ascending},
	}}

	var rows []Telemetry
	if err := q.Clauses(order).Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestPerSensor returns the newest reading for every distinct
// (device_id, sensor_type) pair, or only the given device's pairs when
// deviceID is non-empty. Ties on timestamp break on id descending so the
// result is stable across calls.
func (r *Repo) LatestPerSensor(ctx context.Context, deviceID string) ([]Telemetry, error) {
	sql := `
		SELECT * FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY device_id, sensor_type
				ORDER BY timestamp DESC, id DESC
			) AS row_rank
			FROM telemetry %s
		) ranked
		WHERE row_rank = 1
		ORDER BY device_id, sensor_type`

	var rows []Telemetry
	var err error
	if deviceID != "" {
		err = r.db.WithContext(ctx).Raw(fmt.Sprintf(sql, "WHERE device_id = ?"), deviceID).Scan(&rows).Error
	} else {
		err = r.db.WithContext(ctx).Raw(fmt.Sprintf(sql, "")).Scan(&rows).Error
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SensorStats is one (device, sensor) aggregate over a time window.
type SensorStats struct {
	DeviceID      string    `json:"deviceId"`
	SensorType    string    `json:"sensorType"`
	Average       float64   `json:"average"`
	Minimum       float64   `json:"minimum"`
	Maximum       float64   `json:"maximum"`
	Count         int64     `json:"count"`
	LastValue     float64   `json:"lastValue"`
	LastTimestamp time.Time `json:"lastTimestamp"`
}

// Stats aggregates readings with timestamp >= since, grouped by
// (device_id, sensor_type). The last value per group is taken in
// (timestamp, id) order, matching LatestPerSensor.
func (r *Repo) Stats(ctx context.Context, deviceID, sensorType string, since time.Time) ([]SensorStats, error) {
	where := "timestamp >= ?"
	args := []any{since}
	if deviceID != "" {
		where += " AND device_id = ?"
		args = append(args, deviceID)
	}
	if sensorType != "" {
		where += " AND sensor_type = ?"
		args = append(args, sensorType)
	}

	sql := fmt.Sprintf(`
		SELECT
			g.device_id,
			g.sensor_type,
			g.average,
			g.minimum,
			g.maximum,
			g.count,
			l.value AS last_value,
			l.timestamp AS last_timestamp
		FROM (
			SELECT device_id, sensor_type,
				AVG(value) AS average,
				MIN(value) AS minimum,
				MAX(value) AS maximum,
				COUNT(*) AS count
			FROM telemetry
			WHERE %s
			GROUP BY device_id, sensor_type
		) g
		JOIN (
			SELECT * FROM (
				SELECT device_id, sensor_type, value, timestamp, ROW_NUMBER() OVER (
					PARTITION BY device_id, sensor_type
					ORDER BY timestamp DESC, id DESC
				) AS row_rank
				FROM telemetry
				WHERE %s
			) ranked WHERE row_rank = 1
		) l ON l.device_id = g.device_id AND l.sensor_type = g.sensor_type
		ORDER BY g.device_id, g.sensor_type`, where, where)

	var rows []SensorStats
	if err := r.db.WithContext(ctx).Raw(sql, append(append([]any{}, args...), args...)...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Average = roundTo2(rows[i].Average)
	}
	return rows, nil
}

func roundTo2(v float64) float64 {
	if v >= 0 {
		return float64(int64(v*100+0.5)) / 100
	}
	return float64(int64(v*100-0.5)) / 100
}

func (r *Repo) DeleteTelemetryForDevice(ctx context.Context, deviceID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&Telemetry{})
	return res.RowsAffected, res.Error
}

// --- Devices ---

// TouchDevice records device liveness as a single atomic upsert. On
// conflict only last_seen, updated_at and (when provided) location are
// assigned; device_id, created_at and status survive from the insert.
func (r *Repo) TouchDevice(ctx context.Context, deviceID, location string, seenAt time.Time) error {
	seenAt = seenAt.UTC()
	insertLocation := location
	if insertLocation == "" {
		insertLocation = "Unknown"
	}
	dev := &Device{
		DeviceID:  deviceID,
		Location:  insertLocation,
		Status:    DeviceStatusOnline,
		CreatedAt: seenAt,
		LastSeen:  &seenAt,
		UpdatedAt: seenAt,
	}

	assigns := map[string]any{
		"last_seen":  seenAt,
		"updated_at": seenAt,
		"status":     DeviceStatusOnline,
	}
	if location != "" {
		assigns["location"] = location
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(assigns),
	}).Create(dev).Error
}

type DeviceFilter struct {
	Location string
	Status   string
}

func (r *Repo) ListDevices(ctx context.Context, f DeviceFilter) ([]Device, error) {
	q := r.db.WithContext(ctx).Model(&Device{})
	if f.Location != "" {
		q = q.Where("location = ?", f.Location)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var rows []Device
	if err := q.Order("device_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var dev Device
	if err := r.db.WithContext(ctx).First(&dev, "device_id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &dev, nil
}

func (r *Repo) CreateDevice(ctx context.Context, dev *Device) error {
	now := time.Now().UTC()
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = now
	}
	dev.UpdatedAt = now
	err := r.db.WithContext(ctx).Create(dev).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDeviceExists
	}
	return err
}

// UpdateDevice applies the non-empty fields of patch to an existing
// device. Returns ErrDeviceNotFound when no row matches.
func (r *Repo) UpdateDevice(ctx context.Context, deviceID string, patch map[string]any) error {
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return err
	}
	patch["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", deviceID).Updates(patch).Error
}

func (r *Repo) DeleteDevice(ctx context.Context, deviceID string) error {
	res := r.db.WithContext(ctx).Delete(&Device{}, "device_id = ?", deviceID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// --- Alerts ---

func (r *Repo) InsertAlert(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

type AlertFilter struct {
	DeviceID     string
	Severity     string
	Acknowledged *bool
	Limit        int
}

const defaultAlertsLimit = 50

func (r *Repo) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAlertsLimit
	}
	if limit > maxReadingsLimit {
		limit = maxReadingsLimit
	}

	q := r.db.WithContext(ctx).Model(&Alert{})
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Acknowledged != nil {
		q = q.Where("acknowledged = ?", *f.Acknowledged)
	}

	var rows []Alert
	err := q.Clauses(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "timestamp"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: true},
	}}).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) AcknowledgeAlert(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", id).Update("acknowledged", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// --- Retention ---

func (r *Repo) DeleteTelemetryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Telemetry{})
	return res.RowsAffected, res.Error
}

func (r *Repo) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Alert{})
	return res.RowsAffected, res.Error
}

// MarkDevicesOffline flips status for devices whose last_seen fell behind
// the liveness window. Query-time online computation does not depend on
// this; the stored status only feeds the registry list filter.
func (r *Repo) MarkDevicesOffline(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("status = ?", DeviceStatusOnline).
		Where("last_seen IS NOT NULL AND last_seen < ?", cutoff).
		Update("status", DeviceStatusOffline)
	return res.RowsAffected, res.Error
}
