package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func insertReading(t *testing.T, repo *Repo, deviceID, sensorType string, value float64, ts time.Time) *Telemetry {
	t.Helper()
	rec := &Telemetry{
		DeviceID:   deviceID,
		SensorType: sensorType,
		Value:      value,
		Timestamp:  ts,
		ReceivedAt: ts,
	}
	if err := repo.InsertTelemetry(context.Background(), rec); err != nil {
		t.Fatalf("insert telemetry: %v", err)
	}
	return rec
}

func TestListTelemetryOrderAndLimit(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		insertReading(t, repo, "esp32-01", "temperature", 20+float64(i), base.Add(time.Duration(i)*time.Minute))
	}

	rows, err := repo.ListTelemetry(ctx, TelemetryFilter{DeviceID: "esp32-01", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	// Default order is newest first.
	if rows[0].Value != 24 || rows[2].Value != 22 {
		t.Fatalf("unexpected descending order: %v %v", rows[0].Value, rows[2].Value)
	}

	asc, err := repo.ListTelemetry(ctx, TelemetryFilter{DeviceID: "esp32-01", Ascending: true})
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if asc[0].Value != 20 {
		t.Fatalf("expected oldest first, got %v", asc[0].Value)
	}
}

func TestListTelemetryLimitCap(t *testing.T) {
	repo := openTestRepo(t)

	rows, err := repo.ListTelemetry(context.Background(), TelemetryFilter{Limit: 50000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
	// The cap itself is exercised through the SQL LIMIT; verify it does not
	// error and that a window of exactly maxReadingsLimit rows survives.
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxReadingsLimit+5; i++ {
		insertReading(t, repo, "esp32-01", "temperature", float64(i), base.Add(time.Duration(i)*time.Second))
	}
	rows, err = repo.ListTelemetry(context.Background(), TelemetryFilter{Limit: 50000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != maxReadingsLimit {
		t.Fatalf("expected %d rows, got %d", maxReadingsLimit, len(rows))
	}
}

func TestListTelemetryTimeWindow(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	insertReading(t, repo, "esp32-01", "temperature", 1, base)
	insertReading(t, repo, "esp32-01", "temperature", 2, base.Add(time.Hour))
	insertReading(t, repo, "esp32-01", "temperature", 3, base.Add(2*time.Hour))

	rows, err := repo.ListTelemetry(ctx, TelemetryFilter{
		Start: base.Add(30 * time.Minute),
		End:   base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != 2 {
		t.Fatalf("expected only the middle reading, got %+v", rows)
	}
}

func TestLatestPerSensorOnePerPair(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	insertReading(t, repo, "esp32-01", "temperature", 21, base)
	insertReading(t, repo, "esp32-01", "temperature", 22, base.Add(time.Minute))
	insertReading(t, repo, "esp32-01", "humidity", 55, base)
	insertReading(t, repo, "esp32-02", "temperature", 19, base)

	rows, err := repo.LatestPerSensor(ctx, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(rows))
	}
	for _, row := range rows {
		if row.DeviceID == "esp32-01" && row.SensorType == "temperature" && row.Value != 22 {
			t.Fatalf("expected newest temperature 22, got %v", row.Value)
		}
	}

	only, err := repo.LatestPerSensor(ctx, "esp32-02")
	if err != nil {
		t.Fatalf("latest device: %v", err)
	}
	if len(only) != 1 || only[0].DeviceID != "esp32-02" {
		t.Fatalf("expected one reading for esp32-02, got %+v", only)
	}
}

func TestLatestPerSensorTimestampTieBreaksOnID(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	a := insertReading(t, repo, "esp32-01", "temperature", 1, ts)
	b := insertReading(t, repo, "esp32-01", "temperature", 2, ts)

	want := a
	if b.ID.String() > a.ID.String() {
		want = b
	}

	rows, err := repo.LatestPerSensor(ctx, "esp32-01")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(rows))
	}
	if rows[0].ID != want.ID {
		t.Fatalf("tie not broken on id: got %s want %s", rows[0].ID, want.ID)
	}
}

func TestStatsAggregates(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	insertReading(t, repo, "esp32-01", "temperature", 20, base)
	insertReading(t, repo, "esp32-01", "temperature", 22, base.Add(time.Minute))
	insertReading(t, repo, "esp32-01", "temperature", 24, base.Add(2*time.Minute))
	// Outside the window, must not count.
	insertReading(t, repo, "esp32-01", "temperature", 99, base.Add(-time.Hour))

	stats, err := repo.Stats(ctx, "esp32-01", "temperature", base)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 group, got %d", len(stats))
	}
	st := stats[0]
	if st.Average != 22.00 || st.Minimum != 20 || st.Maximum != 24 || st.Count != 3 {
		t.Fatalf("unexpected aggregates: %+v", st)
	}
	if st.LastValue != 24 {
		t.Fatalf("expected last value 24, got %v", st.LastValue)
	}
}

func TestStatsAverageRounding(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	insertReading(t, repo, "esp32-01", "temperature", 20, base)
	insertReading(t, repo, "esp32-01", "temperature", 20, base.Add(time.Minute))
	insertReading(t, repo, "esp32-01", "temperature", 21, base.Add(2*time.Minute))

	stats, err := repo.Stats(ctx, "esp32-01", "", base)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[0].Average != 20.33 {
		t.Fatalf("expected 20.33, got %v", stats[0].Average)
	}
}

func TestTouchDeviceInsertsThenUpdates(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	first := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := repo.TouchDevice(ctx, "esp32-01", "", first); err != nil {
		t.Fatalf("touch: %v", err)
	}
	dev, err := repo.GetDevice(ctx, "esp32-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.Location != "Unknown" || dev.Status != DeviceStatusOnline {
		t.Fatalf("unexpected insert defaults: %+v", dev)
	}
	if dev.LastSeen == nil || !dev.LastSeen.Equal(first) {
		t.Fatalf("last_seen not recorded: %v", dev.LastSeen)
	}

	second := first.Add(time.Minute)
	if err := repo.TouchDevice(ctx, "esp32-01", "garage", second); err != nil {
		t.Fatalf("touch again: %v", err)
	}
	dev, err = repo.GetDevice(ctx, "esp32-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !dev.LastSeen.Equal(second) {
		t.Fatalf("last_seen not advanced: %v", dev.LastSeen)
	}
	if dev.Location != "garage" {
		t.Fatalf("location not updated: %q", dev.Location)
	}
	if !dev.CreatedAt.Equal(first) {
		t.Fatalf("created_at must survive the upsert: %v", dev.CreatedAt)
	}

	// Empty location leaves the stored one untouched.
	if err := repo.TouchDevice(ctx, "esp32-01", "", second.Add(time.Minute)); err != nil {
		t.Fatalf("touch third: %v", err)
	}
	dev, _ = repo.GetDevice(ctx, "esp32-01")
	if dev.Location != "garage" {
		t.Fatalf("empty location overwrote stored value: %q", dev.Location)
	}
}

func TestCreateDeviceConflict(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	dev := &Device{DeviceID: "esp32-01", Name: "Living Room", Status: DeviceStatusRegistered}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.CreateDevice(ctx, &Device{DeviceID: "esp32-01", Name: "Dup"})
	if !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("expected ErrDeviceExists, got %v", err)
	}
}

func TestUpdateDeviceNotFound(t *testing.T) {
	repo := openTestRepo(t)
	err := repo.UpdateDevice(context.Background(), "nope", map[string]any{"name": "x"})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateDevice(ctx, &Device{DeviceID: "esp32-01"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	insertReading(t, repo, "esp32-01", "temperature", 21, time.Now().UTC())

	if err := repo.DeleteDevice(ctx, "esp32-01"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteDevice(ctx, "esp32-01"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	n, err := repo.DeleteTelemetryForDevice(ctx, "esp32-01")
	if err != nil {
		t.Fatalf("delete readings: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reading deleted, got %d", n)
	}
}

func TestListDevicesFilters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for _, d := range []*Device{
		{DeviceID: "a", Location: "garage", Status: DeviceStatusOnline},
		{DeviceID: "b", Location: "kitchen", Status: DeviceStatusOnline},
		{DeviceID: "c", Location: "garage", Status: DeviceStatusOffline},
	} {
		if err := repo.CreateDevice(ctx, d); err != nil {
			t.Fatalf("create %s: %v", d.DeviceID, err)
		}
	}

	rows, err := repo.ListDevices(ctx, DeviceFilter{Location: "garage"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 garage devices, got %d", len(rows))
	}

	rows, err = repo.ListDevices(ctx, DeviceFilter{Location: "garage", Status: DeviceStatusOnline})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].DeviceID != "a" {
		t.Fatalf("expected device a, got %+v", rows)
	}
}

func TestAlertLifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := &Alert{
		DeviceID:   "esp32-01",
		SensorType: "temperature",
		Type:       AlertTypeHigh,
		Severity:   "warning",
		Message:    "temperature is above threshold: 35°C (max: 30)",
		Value:      35,
		Threshold:  30,
	}
	if err := repo.InsertAlert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	unacked := false
	rows, err := repo.ListAlerts(ctx, AlertFilter{DeviceID: "esp32-01", Acknowledged: &unacked})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(rows))
	}

	if err := repo.AcknowledgeAlert(ctx, a.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	rows, err = repo.ListAlerts(ctx, AlertFilter{DeviceID: "esp32-01", Acknowledged: &unacked})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no unacknowledged alerts, got %d", len(rows))
	}

	if err := repo.AcknowledgeAlert(ctx, uuid.New()); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestRetentionCutoffs(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	insertReading(t, repo, "esp32-01", "temperature", 1, now.Add(-40*24*time.Hour))
	insertReading(t, repo, "esp32-01", "temperature", 2, now.Add(-time.Hour))

	n, err := repo.DeleteTelemetryOlderThan(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("delete telemetry: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired reading, got %d", n)
	}
	rows, _ := repo.ListTelemetry(ctx, TelemetryFilter{})
	if len(rows) != 1 || rows[0].Value != 2 {
		t.Fatalf("recent reading must survive: %+v", rows)
	}

	old := &Alert{DeviceID: "esp32-01", SensorType: "temperature", Type: AlertTypeHigh, Severity: "warning", Timestamp: now.Add(-100 * 24 * time.Hour)}
	fresh := &Alert{DeviceID: "esp32-01", SensorType: "temperature", Type: AlertTypeHigh, Severity: "warning", Timestamp: now.Add(-time.Hour)}
	for _, a := range []*Alert{old, fresh} {
		if err := repo.InsertAlert(ctx, a); err != nil {
			t.Fatalf("insert alert: %v", err)
		}
	}
	n, err = repo.DeleteAlertsOlderThan(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("delete alerts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired alert, got %d", n)
	}
}

func TestMarkDevicesOffline(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	live := time.Now().UTC()
	if err := repo.TouchDevice(ctx, "stale", "", stale); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := repo.TouchDevice(ctx, "live", "", live); err != nil {
		t.Fatalf("touch: %v", err)
	}

	n, err := repo.MarkDevicesOffline(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 device flipped, got %d", n)
	}
	dev, _ := repo.GetDevice(ctx, "stale")
	if dev.Status != DeviceStatusOffline {
		t.Fatalf("stale device still %q", dev.Status)
	}
	dev, _ = repo.GetDevice(ctx, "live")
	if dev.Status != DeviceStatusOnline {
		t.Fatalf("live device flipped to %q", dev.Status)
	}
}
