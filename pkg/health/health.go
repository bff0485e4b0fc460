// Package health serves liveness and readiness probes. Readiness runs every
// registered dependency check concurrently under a shared deadline.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"
)

// Checker reports whether a dependency can serve requests.
type Checker func(ctx context.Context) error

// Status of a single check or of the whole service.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// DefaultTimeout bounds a readiness probe when the handler has none set.
const DefaultTimeout = 5 * time.Second

// Response is the probe body.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    Status `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type registration struct {
	check    Checker
	critical bool
}

// Handler holds the registered checks. A failing critical check makes the
// service down (503); a failing non-critical one only degrades it (200).
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]registration
	timeout  time.Duration
}

// NewHandler returns a Handler with no checks and DefaultTimeout.
func NewHandler() *Handler {
	return &Handler{checkers: make(map[string]registration), timeout: DefaultTimeout}
}

// SetTimeout changes the deadline shared by all checks of one probe.
func (h *Handler) SetTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// RegisterCritical adds or replaces a check whose failure takes the service down.
func (h *Handler) RegisterCritical(name string, checker Checker) {
	h.register(name, registration{check: checker, critical: true})
}

// RegisterNonCritical adds or replaces a check whose failure only degrades the service.
func (h *Handler) RegisterNonCritical(name string, checker Checker) {
	h.register(name, registration{check: checker})
}

func (h *Handler) register(name string, reg registration) {
	h.mu.Lock()
	h.checkers[name] = reg
	h.mu.Unlock()
}

// Check runs every registered check and folds the results into one status.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	timeout := h.timeout
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checkers))
	)
	for name, reg := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, reg)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	return Response{
		Status:    overall(results),
		Timestamp: time.Now().UTC(),
		Checks:    results,
	}
}

func run(ctx context.Context, reg registration) CheckResult {
	start := time.Now()
	err := reg.check(ctx)
	res := CheckResult{
		Status:    StatusUp,
		Critical:  reg.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = StatusDown
		res.Error = err.Error()
	}
	return res
}

func overall(results map[string]CheckResult) Status {
	status := StatusUp
	for _, res := range results {
		switch {
		case res.Status != StatusDown:
		case res.Critical:
			return StatusDown
		default:
			status = StatusDegraded
		}
	}
	return status
}

// LivenessHandler answers 200 while the process can serve HTTP at all.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: time.Now().UTC()})
	}
}

// ReadinessHandler answers 200 when up or degraded and 503 when down.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())
		status := http.StatusOK
		if resp.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
