// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe. Returns 200 while every liveness [Checker]
//     passes; with none registered it always returns 200.
//   - /readyz: readiness probe. Returns 200 only when all liveness and
//     readiness checkers pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "capture", "actuator"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker lists are fixed before the handler is registered.
type Handler struct {
	live  []Checker
	ready []Checker
}

// New creates a [Handler] that evaluates the given readiness checkers on each
// /readyz request.
func New(ready ...Checker) *Handler {
	c := make([]Checker, len(ready))
	copy(c, ready)
	return &Handler{ready: c}
}

// WithLiveness adds checkers evaluated by both /healthz and /readyz. A
// failing liveness check means the process should be restarted, e.g. the
// capture loop stopped delivering frames.
func (h *Handler) WithLiveness(live ...Checker) *Handler {
	h.live = append(h.live, live...)
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.live)
}

// Readyz is the readiness probe. It evaluates liveness and readiness
// checkers together.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	all := make([]Checker, 0, len(h.live)+len(h.ready))
	all = append(all, h.live...)
	all = append(all, h.ready...)
	h.serve(w, r, all)
}

// serve runs checkers concurrently, each under its own [checkTimeout], and
// writes the aggregated result.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, checkers []Checker) {
	errs := make([]error, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		})
	}
	wg.Wait()

	res := result{Status: "ok"}
	status := http.StatusOK
	if len(checkers) > 0 {
		res.Checks = make(map[string]string, len(checkers))
	}
	for i, c := range checkers {
		if errs[i] == nil {
			res.Checks[c.Name] = "ok"
			continue
		}
		res.Checks[c.Name] = "fail: " + errs[i].Error()
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
