// Package httpx assembles the ingress pipeline: the fixed, ordered
// middleware stages every inbound request passes through before it can
// reach route logic, the registrar extension point domain routes attach
// through, and the terminal error boundary.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/splax/chatgate/pkg/session"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one gateway dependency.
type HealthCheck func(ctx context.Context) error

// Registrar attaches collaborator routes to the assembled pipeline. The
// gateway has no knowledge of what is attached; it only guarantees the
// attachment lands after the ingress stages and before the boundary.
type Registrar func(*Router)

// Router wires the ingress pipeline around a ServeMux.
type Router struct {
	mux     *http.ServeMux
	log     *slog.Logger
	codec   *session.Codec
	origin  string
	maxBody int64
	handler http.Handler

	dbHealth     HealthCheck
	brokerHealth HealthCheck

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
}

// Option adjusts router construction.
type Option func(*Router)

// WithMaxBodyBytes overrides the request body ceiling.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Router) { r.maxBody = n }
}

// WithHealthChecks wires dependency probes into /healthz.
func WithHealthChecks(db, broker HealthCheck) Option {
	return func(r *Router) {
		r.dbHealth = db
		r.brokerHealth = broker
	}
}

// NewRouter assembles the pipeline and runs the registrar. Stage order
// is fixed; the registrar only ever sees a mux already wrapped by every
// ingress stage, and unmatched paths fall through to the boundary.
func NewRouter(log *slog.Logger, codec *session.Codec, clientOrigin string, registrar Registrar, opts ...Option) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		log:     log,
		codec:   codec,
		origin:  clientOrigin,
		maxBody: maxBodyBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.initMetrics()

	r.mux.HandleFunc("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())
	if registrar != nil {
		registrar(r)
	}
	r.mux.HandleFunc("/", r.handleNotFound)

	r.handler = r.assemble()
	return r
}

// assemble wraps the mux with the boundary and the ingress stages in
// their fixed order, audit logging outermost.
func (r *Router) assemble() http.Handler {
	var h http.Handler = r.mux
	stages := r.stages()
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i].wrap(h)
	}
	h = r.recoverStage(h)
	return r.audit(h)
}

// ServeHTTP runs every request through the assembled pipeline.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Handle attaches an error-returning route handler behind the boundary.
func (r *Router) Handle(pattern string, h HandlerFunc) {
	r.mux.HandleFunc(pattern, r.boundary(h))
}

// HandleFunc attaches a raw handler, for endpoints that own their full
// response lifecycle such as the websocket upgrade.
func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	check := func(name string, probe HealthCheck) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("broker", r.brokerHealth)

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// audit logs every request with its terminal status and records metrics.
func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.log.Warn("http_request", fields...)
		default:
			r.log.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
