// Package health provides HTTP liveness and readiness handlers for the
// wakecall daemon.
//
//   - GET /healthz: liveness; 200 while the process can serve HTTP.
//   - GET /readyz: readiness; 200 only when every [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/wakecall/internal/detector"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name is the key of this check in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Snapshotter exposes the controller state.
type Snapshotter interface {
	Snapshot() detector.Snapshot
}

// ControllerCheck fails while the controller sits in [detector.PhaseError],
// i.e. until the microphone is usable again and the host asked for a retry.
func ControllerCheck(s Snapshotter) Checker {
	return Checker{
		Name: "controller",
		Check: func(context.Context) error {
			snap := s.Snapshot()
			if snap.Phase == detector.PhaseError {
				return fmt.Errorf("phase %s: %s", snap.Phase, snap.FailReason)
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Phase  detector.Phase    `json:"phase,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	state    Snapshotter
}

// New creates a [Handler]. When state is non-nil its phase is reported in
// every response and [ControllerCheck] is prepended to checkers.
func New(state Snapshotter, checkers ...Checker) *Handler {
	h := &Handler{state: state}
	if state != nil {
		h.checkers = append(h.checkers, ControllerCheck(state))
	}
	h.checkers = append(h.checkers, checkers...)
	return h
}

func (h *Handler) phase() detector.Phase {
	if h.state == nil {
		return ""
	}
	return h.state.Snapshot().Phase
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Phase: h.phase()})
}

// Readyz runs every checker in order, each under a [checkTimeout] deadline
// derived from the request.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{
		Status: "ok",
		Phase:  h.phase(),
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
