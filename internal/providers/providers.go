// Package providers adapts outbound image-generation APIs to
// queue.Work, grounded on control_plane/jobs.go's Dispatcher (an
// http.Client-based fire-and-parse-response adapter), generalized
// from one agent-execute endpoint into a small registry of named
// providers, each guarded by its own breaker.Manager entry (service =
// "provider:<name>", per spec.md §4.6's named-service list).
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nick227/imagequeue/internal/breaker"
	"github.com/nick227/imagequeue/internal/queue"
)

// Request is the normalized image-generation request every adapter
// accepts, independent of provider-specific wire shape.
type Request struct {
	Prompt     string
	UserID     string
	Multiplier bool
	Mixup      bool
	Mashup     bool
}

// Adapter is one outbound provider integration.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (queue.Result, error)
}

// HTTPAdapter is a generic JSON-over-HTTP adapter shared by the three
// stub providers; each only differs in endpoint and payload shape.
type HTTPAdapter struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPAdapter builds an adapter that POSTs to endpoint with a
// bearer apiKey, mirroring control_plane/jobs.go's client.Do pattern
// (5s client timeout, context-aware request construction).
func NewHTTPAdapter(name, endpoint, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

type providerPayload struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id"`
}

type providerResponse struct {
	URL string `json:"url"`
}

// Generate posts req to the provider endpoint and parses its response
// into a queue.Result. A non-2xx status or transport error is
// returned verbatim so the breaker.Manager wrapping this call counts
// it as a failure.
func (a *HTTPAdapter) Generate(ctx context.Context, req Request) (queue.Result, error) {
	data, err := json.Marshal(providerPayload{Prompt: req.Prompt, UserID: req.UserID})
	if err != nil {
		return queue.Result{}, fmt.Errorf("providers: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(data))
	if err != nil {
		return queue.Result{}, fmt.Errorf("providers: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return queue.Result{}, fmt.Errorf("providers: %s unreachable: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return queue.Result{}, fmt.Errorf("providers: %s returned status %d: %s", a.name, resp.StatusCode, string(body))
	}

	var parsed providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return queue.Result{}, fmt.Errorf("providers: decode %s response: %w", a.name, err)
	}

	return queue.Result{Provider: a.name, Data: parsed.URL}, nil
}

// Registry resolves a provider name to a breaker-wrapped adapter.
type Registry struct {
	breakers  *breaker.Manager
	providers map[string]Adapter
}

// NewRegistry builds a Registry over breakers, registering each
// adapter's name as its own named service.
func NewRegistry(breakers *breaker.Manager, adapters ...Adapter) *Registry {
	r := &Registry{breakers: breakers, providers: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.providers[a.Name()] = a
	}
	return r
}

// Work returns a queue.Work that calls the named provider through its
// circuit breaker, for submission via queue.Manager.Submit.
func (r *Registry) Work(provider string, req Request) (queue.Work, error) {
	adapter, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", provider)
	}

	service := "provider:" + provider
	return queue.WorkFunc(func(ctx context.Context) (queue.Result, error) {
		var result queue.Result
		err := r.breakers.Execute(ctx, service, func(ctx context.Context) error {
			var runErr error
			result, runErr = adapter.Generate(ctx, req)
			return runErr
		})
		return result, err
	}), nil
}
