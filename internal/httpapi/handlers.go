package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nick227/imagequeue/internal/auth"
	"github.com/nick227/imagequeue/internal/providers"
	"github.com/nick227/imagequeue/internal/queue"
)

type generateRequest struct {
	Provider   string `json:"provider"`
	Prompt     string `json:"prompt"`
	Priority   *int   `json:"priority,omitempty"`
	Multiplier bool   `json:"multiplier"`
	Mixup      bool   `json:"mixup"`
	Mashup     bool   `json:"mashup"`
	RequestID  string `json:"request_id,omitempty"`
}

type generateResponse struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	ImageURL  string `json:"image_url"`
}

// handleGenerate implements POST /api/image/generate (spec.md §6): the
// credit pre-flight check runs before Submit so a request that cannot
// possibly be paid for never occupies a queue slot, and Settle only
// runs after the future resolves successfully.
func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing identity", Code: "Unauthorized"})
		return
	}

	if !a.submitLimiter.Allow() {
		writeError(w, queue.ErrRateLimit)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body", Code: "Validation"})
		return
	}
	if req.Prompt == "" || req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "prompt and provider are required", Code: "Validation"})
		return
	}

	reservation, err := a.guard.Check(r.Context(), claims.UserID, req.Provider, req.Multiplier, req.Mixup, req.Mashup)
	if err != nil {
		writeError(w, err)
		return
	}

	work, err := a.providers.Work(req.Provider, providers.Request{
		Prompt:     req.Prompt,
		UserID:     claims.UserID,
		Multiplier: req.Multiplier,
		Mixup:      req.Mixup,
		Mashup:     req.Mashup,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "Validation"})
		return
	}

	opts := queue.Options{
		RequestID: req.RequestID,
		UserID:    claims.UserID,
	}
	if req.Priority != nil {
		opts.Priority = *req.Priority
		opts.PriorityIsSet = true
	}

	future, _, err := a.manager.Submit(work, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := future.Wait(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := a.guard.Settle(r.Context(), reservation); err != nil {
		writeError(w, err)
		return
	}

	url, _ := result.Data.(string)
	writeJSON(w, http.StatusOK, generateResponse{
		RequestID: req.RequestID,
		Provider:  result.Provider,
		ImageURL:  url,
	})
}

func (a *API) handleGetImage(w http.ResponseWriter, r *http.Request) {
	imageID := r.PathValue("imageID")
	img, err := a.store.GetImage(r.Context(), imageID)
	if err != nil {
		writeError(w, err)
		return
	}
	if img == nil {
		writeError(w, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	balance, err := a.guard.Balance(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	txns, err := a.store.ListTransactionsByUser(r.Context(), claims.UserID, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.GetOverview())
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")
	ok := a.manager.Cancel(requestID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.manager.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.manager.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.breakers.Status())
}

func (a *API) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	a.breakers.Reset(service)
	w.WriteHeader(http.StatusNoContent)
}
