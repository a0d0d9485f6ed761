package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"sentinelcore/internal/planmodel"
)

// HTTPBackend is the default Backend: a thin JSON-over-HTTP client against
// a single configured planning endpoint, mirroring the shape mote's
// deleted HTTP provider adapters used against their chat completion
// endpoints (POST a request body, decode a typed response, surface
// non-2xx as an error) — generalized here from "chat completion" to
// "plan/adapt/interpret" as the three calls Backend names.
type HTTPBackend struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPBackend builds a Backend that talks to endpoint. apiKeyEnv, if
// non-empty, names the environment variable holding the bearer credential
// (never the credential itself — config never stores secrets directly).
func NewHTTPBackend(endpoint, apiKeyEnv string, timeout time.Duration) *HTTPBackend {
	var key string
	if apiKeyEnv != "" {
		key = os.Getenv(apiKeyEnv)
	}
	return &HTTPBackend{
		Endpoint: endpoint,
		APIKey:   key,
		Client:   &http.Client{Timeout: timeout},
	}
}

type planRequest struct {
	Intent string                  `json:"intent"`
	Screen planmodel.ScreenAnalysis `json:"screen"`
	System planmodel.SystemContext `json:"system"`
}

type adaptRequest struct {
	Plan   *planmodel.Plan         `json:"plan"`
	Cursor int                     `json:"cursor"`
	Error  planmodel.ErrorContext  `json:"error"`
	Screen planmodel.ScreenAnalysis `json:"screen"`
}

type interpretRequest struct {
	Intent string `json:"intent"`
}

func (b *HTTPBackend) Plan(ctx context.Context, intent string, screen planmodel.ScreenAnalysis, sys planmodel.SystemContext) (*planmodel.Plan, error) {
	var plan planmodel.Plan
	if err := b.post(ctx, "/plan", planRequest{Intent: intent, Screen: screen, System: sys}, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (b *HTTPBackend) Adapt(ctx context.Context, plan *planmodel.Plan, cursor int, errCtx planmodel.ErrorContext, screen planmodel.ScreenAnalysis) (*planmodel.Plan, error) {
	var resp struct {
		CannotRecover bool            `json:"cannot_recover"`
		Plan          *planmodel.Plan `json:"plan"`
	}
	if err := b.post(ctx, "/adapt", adaptRequest{Plan: plan, Cursor: cursor, Error: errCtx, Screen: screen}, &resp); err != nil {
		return nil, err
	}
	if resp.CannotRecover {
		return nil, ErrCannotRecover
	}
	return resp.Plan, nil
}

func (b *HTTPBackend) Interpret(ctx context.Context, intent string) (planmodel.IntentTags, error) {
	var tags planmodel.IntentTags
	if err := b.post(ctx, "/interpret", interpretRequest{Intent: intent}, &tags); err != nil {
		return planmodel.IntentTags{}, err
	}
	return tags, nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("planner backend: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("planner backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("planner backend: request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("planner backend: %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("planner backend: decode %s response: %w", path, err)
	}
	return nil
}
