// Package health provides the HTTP liveness and readiness probes served
// alongside the event stream and metrics endpoints.
//
//   - /healthz — liveness; always returns 200 OK.
//   - /readyz  — readiness; returns 200 only when every registered [Checker]
//     passes (the voiceprint store is reachable, providers respond, ...).
//
// Responses are JSON with a top-level "status" field ("ok" or "fail") and a
// per-check result map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ycxom/voicegate/pkg/template"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy; it must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StoreChecker probes a voiceprint store by listing it.
func StoreChecker(store template.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		},
	}
}

// response is the JSON body for both probes.
type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz returns 200 only when every registered checker passes. Each check
// runs with a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
