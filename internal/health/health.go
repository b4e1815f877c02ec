// Package health serves the liveness and readiness probes for the
// segmentation service.
//
//   - /healthz — liveness; a process that can still answer HTTP is alive,
//     so this always returns 200 OK.
//   - /readyz  — readiness; 200 only while every registered [Checker]
//     passes. The service registers one checker per classifier gateway
//     (reporting an open circuit breaker as not ready) and, when the
//     archive is configured, a database ping.
//
// Responses are JSON: a top-level "status" of "ok" or "fail" plus a
// "checks" map with the per-checker outcome, so an operator can see which
// dependency took the service out of rotation.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// checkTimeout bounds a single readiness check. A gateway that cannot
// answer within this is treated as down.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency can accept work and an error describing why it cannot
// otherwise; it must respect context cancellation.
type Checker struct {
	// Name keys the check in the JSON response, e.g. "vad", "recognition",
	// "archive".
	Name string

	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. Safe for concurrent use; the
// checker set is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline derived from
// the request context and reports 503 if any fails. All checkers run even
// after a failure so the response names every unhealthy dependency, not
// just the first.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}
