package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/alerting"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/auth"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/config"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/httpapi"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/ingest"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/mqttingest"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/realtime"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Port) == "" {
		slog.Error("missing required env", "key", "POSTGRES_PORT")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cache *store.LatestCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Warn("redis unreachable, latest-reading cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			cache = store.NewLatestCache(rdb)
			slog.Info("latest-reading cache enabled", "addr", cfg.RedisAddr)
		}
	}

	hub := realtime.NewHub()
	pipeline := &ingest.Pipeline{
		Repo:      repo,
		Evaluator: alerting.NewEvaluator(alerting.DefaultTable()),
		Cache:     cache,
		Hub:       hub,
	}

	if cfg.MQTTBrokerURL != "" {
		mq, err := mqttingest.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		if err := mq.Subscribe(ctx, cfg.MQTTTopic, pipeline); err != nil {
			slog.Error("mqtt subscribe failed", "topic", cfg.MQTTTopic, "error", err)
			os.Exit(1)
		}
		slog.Info("mqtt ingest subscribed", "topic", cfg.MQTTTopic)
	}

	sweeper := &store.Sweeper{
		Repo:               repo,
		TelemetryRetention: cfg.TelemetryRetention,
		AlertRetention:     cfg.AlertRetention,
		OfflineAfter:       cfg.OfflineAfter,
	}
	if err := sweeper.Start(); err != nil {
		slog.Error("retention sweeper failed to start", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	srv := httpapi.New(repo, pipeline, auth.New(cfg.DeviceAPIKey, cfg.ClientAPIKey), httpapi.Options{
		Production:  cfg.Production(),
		CORSOrigins: cfg.CORSOrigins,
		Cache:       cache,
		Hub:         hub,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("iot-api listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
