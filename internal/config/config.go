package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	Port        string
	LogLevel    string
	Environment string
	CORSOrigins []string

	// Pre-shared credentials for the two client populations. An empty
	// value switches the corresponding auth mode to "open" (development).
	DeviceAPIKey string
	ClientAPIKey string

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTTopic     string

	RedisAddr     string
	RedisPassword string

	TelemetryRetention time.Duration
	AlertRetention     time.Duration
	OfflineAfter       time.Duration

	Postgres DBConfig
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("IOT_API_PORT", "3000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Environment:   getEnv("APP_ENV", "development"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		DeviceAPIKey:  strings.TrimSpace(os.Getenv("ESP32_API_KEY")),
		ClientAPIKey:  strings.TrimSpace(os.Getenv("CLIENT_API_KEY")),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "iot-api"),
		MQTTTopic:     getEnv("MQTT_TELEMETRY_TOPIC", "smarthouse/telemetry"),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		TelemetryRetention: getDuration("TELEMETRY_RETENTION", 30*24*time.Hour),
		AlertRetention:     getDuration("ALERT_RETENTION", 90*24*time.Hour),
		OfflineAfter:       getDuration("DEVICE_OFFLINE_AFTER", 5*time.Minute),

		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
	}

	slog.Info("config loaded",
		"port", cfg.Port,
		"env", cfg.Environment,
		"device_auth", authMode(cfg.DeviceAPIKey),
		"client_auth", authMode(cfg.ClientAPIKey),
		"mqtt", cfg.MQTTBrokerURL != "",
		"redis", cfg.RedisAddr != "")
	return cfg
}

// Production reports whether internal error detail should be withheld
// from API responses.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func authMode(key string) string {
	if key == "" {
		return "open"
	}
	return "enforced"
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration env, using default", "key", k, "value", v)
		return def
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
