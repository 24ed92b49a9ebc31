// Package health aggregates exchange reachability and serves the HTTP health
// surface.
//
// [Aggregator] runs a public liveness probe and an authenticated probe
// concurrently and folds them into an online/degraded/offline [Report].
// [Handler] exposes:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; 200 unless the latest report is offline.
//   - /status: circuit breaker, rate limiter and tool metrics together with
//     the latest report.
//   - /metrics: Prometheus scrape endpoint.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/exchangemcp/internal/observe"
	"github.com/MrWong99/exchangemcp/internal/ratelimit"
	"github.com/MrWong99/exchangemcp/internal/reqctx"
	"github.com/MrWong99/exchangemcp/internal/resilience"
)

// result is the JSON response body for the liveness and readiness endpoints.
type result struct {
	Status string  `json:"status"`
	Report *Report `json:"report,omitempty"`
}

// Sources are the components whose state /status reports. Nil fields are
// omitted from the snapshot.
type Sources struct {
	Breaker  *resilience.CircuitBreaker
	Limits   *ratelimit.Registry
	Tools    *observe.Collector
	Requests *reqctx.Manager
}

// Snapshot is the structured status document served on /status.
type Snapshot struct {
	Health         *Report                          `json:"health,omitempty"`
	CircuitBreaker *resilience.BreakerStats         `json:"circuit_breaker,omitempty"`
	RateLimits     map[string]ratelimit.BucketStats `json:"rate_limits,omitempty"`
	Tools          *observe.Summary                 `json:"tools,omitempty"`
	ActiveRequests int                              `json:"active_requests"`
}

// Handler serves the health surface. It is safe for concurrent use.
type Handler struct {
	agg *Aggregator
	src Sources
}

// New creates a [Handler] reporting on agg and src. agg may be nil, in which
// case readiness is always reported.
func New(agg *Aggregator, src Sources) *Handler {
	return &Handler{agg: agg, src: src}
}

// Snapshot collects the current state of every source.
func (h *Handler) Snapshot() Snapshot {
	var s Snapshot
	if h.agg != nil {
		if r, ok := h.agg.Last(); ok {
			s.Health = &r
		}
	}
	if h.src.Breaker != nil {
		st := h.src.Breaker.Stats()
		s.CircuitBreaker = &st
	}
	if h.src.Limits != nil {
		s.RateLimits = h.src.Limits.Stats()
	}
	if h.src.Tools != nil {
		sum := h.src.Tools.Summary()
		s.Tools = &sum
	}
	if h.src.Requests != nil {
		s.ActiveRequests = h.src.Requests.Active()
	}
	return s
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 unless the exchange is offline. Without a cached report
// a check is run on the request's context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.agg == nil {
		writeJSON(w, http.StatusOK, result{Status: "ok"})
		return
	}

	rep, ok := h.agg.Last()
	if !ok {
		rep = h.agg.Check(r.Context())
	}

	res := result{Status: string(rep.Status), Report: &rep}
	status := http.StatusOK
	if rep.Status == StatusOffline {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Status serves [Handler.Snapshot].
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// Register adds the health surface routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
	mux.Handle("GET /metrics", observe.MetricsHandler())
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
