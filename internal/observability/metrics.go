package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReadingsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_api_readings_ingested_total",
			Help: "Readings accepted and persisted, by sensor type.",
		},
		[]string{"sensor_type"},
	)

	ReadingsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_api_readings_rejected_total",
			Help: "Readings rejected by validation.",
		},
	)

	AlertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_api_alerts_emitted_total",
			Help: "Threshold alerts written, by alert type.",
		},
		[]string{"type"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_api_requests_total",
			Help: "HTTP requests by route pattern and method.",
		},
		[]string{"endpoint", "method"},
	)
)

func init() {
	prometheus.MustRegister(ReadingsIngested, ReadingsRejected, AlertsEmitted, RequestsTotal)
}

// Handler exposes the process metrics for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
