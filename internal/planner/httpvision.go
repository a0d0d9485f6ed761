package planner

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"sentinelcore/internal/executor"
	"sentinelcore/internal/planmodel"
)

// HTTPPerceiver is the default Perceiver: it shoots the AI display through
// shooter, then posts the framebuffer to the same planning endpoint's
// /analyze route for a vision-backed ScreenAnalysis. Grounded on the same
// HTTPBackend request/response shape — the endpoint is treated as a
// single external planning+vision service rather than two.
type HTTPPerceiver struct {
	backend        *HTTPBackend
	shooter        executor.Screenshotter
	screenshotPath string
}

// NewHTTPPerceiver builds a Perceiver that writes screenshots to path
// before each analysis call.
func NewHTTPPerceiver(backend *HTTPBackend, shooter executor.Screenshotter, path string) *HTTPPerceiver {
	return &HTTPPerceiver{backend: backend, shooter: shooter, screenshotPath: path}
}

type analyzeRequest struct {
	ImageB64 string `json:"image_base64"`
}

func (p *HTTPPerceiver) Analyze(ctx context.Context) (planmodel.ScreenAnalysis, error) {
	if err := p.shooter.Screenshot(ctx, p.screenshotPath); err != nil {
		return planmodel.ScreenAnalysis{}, fmt.Errorf("perceiver: capture: %w", err)
	}

	data, err := os.ReadFile(p.screenshotPath)
	if err != nil {
		return planmodel.ScreenAnalysis{}, fmt.Errorf("perceiver: read screenshot: %w", err)
	}

	var out planmodel.ScreenAnalysis
	req := analyzeRequest{ImageB64: base64.StdEncoding.EncodeToString(data)}
	if err := p.backend.post(ctx, "/analyze", req, &out); err != nil {
		return planmodel.ScreenAnalysis{}, err
	}
	return out, nil
}

// HTTPTemplateMatcher is the default TemplateMatcher: a thin client
// against the planning endpoint's /match route.
type HTTPTemplateMatcher struct {
	backend *HTTPBackend
}

// NewHTTPTemplateMatcher builds a TemplateMatcher backed by backend.
func NewHTTPTemplateMatcher(backend *HTTPBackend) *HTTPTemplateMatcher {
	return &HTTPTemplateMatcher{backend: backend}
}

type matchRequest struct {
	ScreenshotPath string  `json:"screenshot_path"`
	TemplateID     string  `json:"template_id"`
	MinConfidence  float64 `json:"min_confidence"`
}

func (m *HTTPTemplateMatcher) FindBestMatch(ctx context.Context, screenshotPath, templateID string, minConfidence float64) (executor.Match, error) {
	var out executor.Match
	req := matchRequest{ScreenshotPath: screenshotPath, TemplateID: templateID, MinConfidence: minConfidence}
	if err := m.backend.post(ctx, "/match", req, &out); err != nil {
		return executor.Match{}, err
	}
	return out, nil
}
