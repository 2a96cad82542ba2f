// Package health provides the relay's liveness and readiness handlers.
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; 503 when a required dependency is down.
//
// A check may report a partial outage by wrapping its error with
// [Degraded]. The relay stays ready (200, status "degraded") since calls
// can still be served, for example through a provider whose breaker is
// closed.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Response statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name appears as a key in the JSON response, e.g. "transcoder".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type degradedError struct{ err error }

func (e degradedError) Error() string { return e.err.Error() }
func (e degradedError) Unwrap() error { return e.err }

// Degraded marks err as a partial outage that does not make the relay
// unready. A nil err stays nil.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return degradedError{err: err}
}

// IsDegraded reports whether err was wrapped by [Degraded].
func IsDegraded(err error) bool {
	var d degradedError
	return errors.As(err, &d)
}

type result struct {
	Status       string            `json:"status"`
	LiveSessions *int              `json:"live_sessions,omitempty"`
	Checks       map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
	sessions func() int
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// ReportSessions adds the live session count returned by fn to /readyz.
func (h *Handler) ReportSessions(fn func() int) *Handler {
	h.sessions = fn
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusOK})
}

// Readyz runs every checker concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		})
	}
	wg.Wait()

	res := result{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		switch err := errs[i]; {
		case err == nil:
			res.Checks[c.Name] = StatusOK
		case IsDegraded(err):
			res.Checks[c.Name] = "degraded: " + err.Error()
			if res.Status == StatusOK {
				res.Status = StatusDegraded
			}
		default:
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = StatusFail
		}
	}
	if h.sessions != nil {
		n := h.sessions()
		res.LiveSessions = &n
	}

	status := http.StatusOK
	if res.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
