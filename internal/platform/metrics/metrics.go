// Package metrics holds the Prometheus collectors exported on /metrics:
//   - http_requests_total: counter by method, route and status
//   - http_request_duration_seconds: histogram by method and route
//   - http_requests_in_flight: gauge
//   - prescriptions_created_total, patients_created_total: domain counters
//   - prescription_domain_errors_total: not-found / conflict outcomes by kind
//   - prescription_event_publish_failures_total: failed event deliveries
//
// Collectors register with the default registry at package initialization.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current in-flight requests",
		},
	)

	PrescriptionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Prescriptions committed",
		},
	)

	PatientsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patients_created_total",
			Help: "Patients inserted by find-or-create",
		},
	)

	DomainErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prescription_domain_errors_total",
			Help: "Rejected prescription operations by error kind",
		},
		[]string{"kind"},
	)

	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prescription_event_publish_failures_total",
			Help: "Prescription events that could not be delivered",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		PrescriptionsCreated,
		PatientsCreated,
		DomainErrors,
		EventPublishFailures,
	)
}

// Middleware records request count, latency and in-flight requests, labelled
// by the matched route pattern rather than the raw path.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			HTTPRequestsInFlight.Inc()
			defer HTTPRequestsInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
