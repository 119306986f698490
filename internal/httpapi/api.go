// Package httpapi exposes the queue control plane over HTTP, grounded
// on control_plane/api.go's API struct (services wired in at
// construction, storm-protection rate.Limiters, idempotency wrapper)
// generalized from FluxForge's agent/job endpoints to the image
// generation contract in spec.md §6.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nick227/imagequeue/internal/auth"
	"github.com/nick227/imagequeue/internal/breaker"
	"github.com/nick227/imagequeue/internal/credit"
	"github.com/nick227/imagequeue/internal/providers"
	"github.com/nick227/imagequeue/internal/queue"
	"github.com/nick227/imagequeue/internal/store"
)

// errNotFound is a local sentinel for handlers that look up a store
// record directly rather than through the queue/breaker/credit error
// types (those do not have a "not found" case of their own).
var errNotFound = errors.New("not found")

// API bundles every collaborator the handlers touch.
type API struct {
	manager   *queue.Manager
	breakers  *breaker.Manager
	guard     *credit.Guard
	providers *providers.Registry
	store     store.Store
	signer    *auth.Signer
	wsHub     *MetricsHub

	// submitLimiter guards against a single caller hammering
	// /api/image/generate faster than the queue's own admission gates
	// can reject, mirroring api.go's heartbeatLimiter/reconcileLimiter
	// storm-protection pattern.
	submitLimiter *rate.Limiter
}

// NewAPI wires the collaborators into an API and starts its
// WebSocket metrics hub.
func NewAPI(manager *queue.Manager, breakers *breaker.Manager, guard *credit.Guard, registry *providers.Registry, st store.Store, signer *auth.Signer) *API {
	a := &API{
		manager:       manager,
		breakers:      breakers,
		guard:         guard,
		providers:     registry,
		store:         st,
		signer:        signer,
		submitLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	a.wsHub = NewMetricsHub(manager)
	return a
}

// RunMetricsHub drives the WebSocket broadcast loop until ctx is
// cancelled; callers start it in its own goroutine.
func (a *API) RunMetricsHub(ctx context.Context) {
	a.wsHub.Run(ctx)
}

// Routes mounts every handler onto mux, applying the auth middleware
// to every route except the WebSocket metrics stream (which
// authenticates its own upgrade request).
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/image/generate", a.signer.Middleware(http.HandlerFunc(a.handleGenerate)))
	mux.Handle("GET /api/image/{imageID}", a.signer.Middleware(http.HandlerFunc(a.handleGetImage)))
	mux.Handle("GET /api/credits/balance", a.signer.Middleware(http.HandlerFunc(a.handleBalance)))
	mux.Handle("GET /api/credits/transactions", a.signer.Middleware(http.HandlerFunc(a.handleTransactions)))

	mux.Handle("GET /admin/queue/overview", a.signer.Middleware(http.HandlerFunc(a.handleOverview)))
	mux.Handle("POST /admin/queue/{requestID}/cancel", a.signer.Middleware(http.HandlerFunc(a.handleCancel)))
	mux.Handle("POST /admin/queue/pause", a.signer.Middleware(http.HandlerFunc(a.handlePause)))
	mux.Handle("POST /admin/queue/resume", a.signer.Middleware(http.HandlerFunc(a.handleResume)))
	mux.Handle("GET /admin/breakers", a.signer.Middleware(http.HandlerFunc(a.handleBreakerStatus)))
	mux.Handle("POST /admin/breakers/{service}/reset", a.signer.Middleware(http.HandlerFunc(a.handleBreakerReset)))

	mux.HandleFunc("GET /ws/metrics", a.handleMetricsStream)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// writeError maps a queue/breaker/credit error to its HTTP status per
// spec.md §7's error-code table, using the CodedError/RetriableAfter
// interfaces so the mapping never string-matches error text.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "NotFound"})
		return
	}
	if errors.Is(err, breaker.ErrOpen) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "CircuitOpen"})
		return
	}

	status := http.StatusInternalServerError
	code := "InternalError"

	if ce, ok := err.(queue.CodedError); ok {
		code = ce.Code()
		status = statusForCode(code)
	} else if ce, ok := err.(interface{ Code() string }); ok {
		code = ce.Code()
		status = statusForCode(code)
	}

	body := errorBody{Error: err.Error(), Code: code}
	if ra, ok := err.(queue.RetriableAfter); ok {
		body.RetryAfter = int(ra.RetryAfter() / time.Second)
		w.Header().Set("Retry-After", formatSeconds(body.RetryAfter))
	}

	writeJSON(w, status, body)
}

func statusForCode(code string) int {
	switch code {
	case "Validation":
		return http.StatusBadRequest
	case "Backpressure", "RateLimit":
		return http.StatusTooManyRequests
	case "InsufficientCredits":
		return http.StatusPaymentRequired
	case "CircuitOpen":
		return http.StatusServiceUnavailable
	case "Shutdown":
		return http.StatusServiceUnavailable
	case "NotFound":
		return http.StatusNotFound
	case "Timeout":
		return http.StatusGatewayTimeout
	case "Cancelled":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func formatSeconds(n int) string {
	if n < 0 {
		n = 0
	}
	return strconv.Itoa(n)
}
