package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper replaces storage-native TTL indexes with explicit periodic
// deletes: telemetry and alert rows past their retention windows are
// purged, and devices past the liveness window get their stored status
// flipped to offline.
type Sweeper struct {
	Repo               *Repo
	TelemetryRetention time.Duration
	AlertRetention     time.Duration
	OfflineAfter       time.Duration

	cron *cron.Cron
}

// Start schedules the background jobs and returns immediately. Call Stop
// on shutdown.
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", s.sweepRetention); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every 1m", s.sweepOffline); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	slog.Info("retention sweeper started",
		"telemetry_retention", s.TelemetryRetention,
		"alert_retention", s.AlertRetention,
		"offline_after", s.OfflineAfter)
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Sweeper) sweepRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now().UTC()
	n, err := s.Repo.DeleteTelemetryOlderThan(ctx, now.Add(-s.TelemetryRetention))
	if err != nil {
		slog.Error("telemetry retention sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("telemetry retention sweep", "deleted", n)
	}

	n, err = s.Repo.DeleteAlertsOlderThan(ctx, now.Add(-s.AlertRetention))
	if err != nil {
		slog.Error("alert retention sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("alert retention sweep", "deleted", n)
	}
}

func (s *Sweeper) sweepOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.Repo.MarkDevicesOffline(ctx, s.OfflineAfter)
	if err != nil {
		slog.Error("offline sweep failed", "error", err)
	} else if n > 0 {
		slog.Debug("devices marked offline", "count", n)
	}
}
