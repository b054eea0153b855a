// Package metrics exposes Prometheus metrics for the audit log, key
// rotation and the HTTP API on a private registry.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctrlai/sealog/internal/audit"
	"github.com/ctrlai/sealog/internal/keystore"
	"github.com/ctrlai/sealog/internal/seal"
)

// Result label values.
const (
	ResultOK           = "ok"
	ResultInvalid      = "invalid"
	ResultCryptoError  = "crypto_error"
	ResultStorageError = "storage_error"
	ResultError        = "error"
	ResultFailed       = "failed"
	ResultUnverified   = "unverified"
	ResultReadOnly     = "read_only"
)

// Metrics holds every collector. It implements audit.Observer.
type Metrics struct {
	registry *prometheus.Registry

	recordsTotal       *prometheus.CounterVec
	recordDuration     prometheus.Histogram
	rotationsTotal     *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	keyCreated         prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ audit.Observer = (*Metrics)(nil)

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealog_records_total",
			Help: "Audit records attempted, by result.",
		}, []string{"result"}),

		recordDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sealog_record_duration_seconds",
			Help:    "Time to digest, sign, encrypt and persist one record.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		rotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealog_rotations_total",
			Help: "Key rotations, by result.",
		}, []string{"result"}),

		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealog_verifications_total",
			Help: "Envelope verifications, by result.",
		}, []string{"result"}),

		keyCreated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sealog_key_created_timestamp_seconds",
			Help: "Creation time of the current key material.",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealog_http_requests_total",
			Help: "HTTP requests processed.",
		}, []string{"method", "route", "status"}),

		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sealog_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, c := range []prometheus.Collector{
		m.recordsTotal,
		m.recordDuration,
		m.rotationsTotal,
		m.verificationsTotal,
		m.keyCreated,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the private registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDone implements audit.Observer.
func (m *Metrics) RecordDone(_ string, d time.Duration, err error) {
	m.recordsTotal.WithLabelValues(recordResult(err)).Inc()
	if err == nil {
		m.recordDuration.Observe(d.Seconds())
	}
}

// VerifyDone implements audit.Observer.
func (m *Metrics) VerifyDone(err error) {
	result := ResultOK
	if err != nil {
		result = ResultUnverified
	}
	m.verificationsTotal.WithLabelValues(result).Inc()
}

// RotationDone counts a rotation attempt and tracks the current key age.
func (m *Metrics) RotationDone(km *keystore.KeyMaterial, err error) {
	if err != nil {
		m.rotationsTotal.WithLabelValues(ResultFailed).Inc()
		return
	}
	m.rotationsTotal.WithLabelValues(ResultOK).Inc()
	m.SetCurrentKey(km)
}

// SetCurrentKey publishes the creation time of the active key.
func (m *Metrics) SetCurrentKey(km *keystore.KeyMaterial) {
	if km != nil {
		m.keyCreated.Set(float64(km.CreatedAt().UnixNano()) / 1e9)
	}
}

// Middleware instruments requests, labelled by chi route pattern so path
// parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func recordResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, audit.ErrInvalidEvent):
		return ResultInvalid
	case errors.Is(err, audit.ErrReadOnly):
		return ResultReadOnly
	case errors.Is(err, seal.ErrCrypto):
		return ResultCryptoError
	case errors.Is(err, audit.ErrStorageWrite):
		return ResultStorageError
	default:
		return ResultError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through to the underlying writer for the websocket feed.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}
