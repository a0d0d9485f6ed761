package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelcore/internal/planmodel"
)

type fakeBackend struct {
	plan       *planmodel.Plan
	planErr    error
	adapted    *planmodel.Plan
	adaptErr   error
	tags       planmodel.IntentTags
	tagsErr    error
	lastIntent string
}

func (f *fakeBackend) Plan(ctx context.Context, intent string, screen planmodel.ScreenAnalysis, sys planmodel.SystemContext) (*planmodel.Plan, error) {
	f.lastIntent = intent
	return f.plan, f.planErr
}

func (f *fakeBackend) Adapt(ctx context.Context, plan *planmodel.Plan, cursor int, errCtx planmodel.ErrorContext, screen planmodel.ScreenAnalysis) (*planmodel.Plan, error) {
	return f.adapted, f.adaptErr
}

func (f *fakeBackend) Interpret(ctx context.Context, intent string) (planmodel.IntentTags, error) {
	f.lastIntent = intent
	return f.tags, f.tagsErr
}

func validPlan() *planmodel.Plan {
	return &planmodel.Plan{
		TaskID: "t1",
		Intent: "open firefox",
		Steps: []planmodel.Step{
			{ID: "s1", Order: 0, Action: planmodel.Action{Kind: planmodel.ActionOpenApplication, Alias: "firefox-esr"}},
		},
		Confidence: 0.9,
	}
}

func TestPlan_ValidPlanPassesThrough(t *testing.T) {
	backend := &fakeBackend{plan: validPlan()}
	f := New(backend, nil, time.Second)

	plan, err := f.Plan(context.Background(), "open firefox", planmodel.ScreenAnalysis{}, planmodel.SystemContext{})

	require.NoError(t, err)
	assert.Equal(t, "t1", plan.TaskID)
}

func TestPlan_InvalidPlanBecomesMalformedError(t *testing.T) {
	bad := validPlan()
	bad.Steps[0].ID = ""
	backend := &fakeBackend{plan: bad}
	f := New(backend, nil, time.Second)

	_, err := f.Plan(context.Background(), "x", planmodel.ScreenAnalysis{}, planmodel.SystemContext{})

	var ce *planmodel.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, planmodel.ErrPlannerMalformed, ce.Kind)
}

func TestPlan_BackendErrorBecomesUnavailable(t *testing.T) {
	backend := &fakeBackend{planErr: errors.New("connection refused")}
	f := New(backend, nil, time.Second)

	_, err := f.Plan(context.Background(), "x", planmodel.ScreenAnalysis{}, planmodel.SystemContext{})

	var ce *planmodel.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, planmodel.ErrPlannerUnavailable, ce.Kind)
}

func TestPlan_NilPlanBecomesMalformed(t *testing.T) {
	backend := &fakeBackend{plan: nil}
	f := New(backend, nil, time.Second)

	_, err := f.Plan(context.Background(), "x", planmodel.ScreenAnalysis{}, planmodel.SystemContext{})

	var ce *planmodel.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, planmodel.ErrPlannerMalformed, ce.Kind)
}

func TestPlan_RedactsBlockedPattern(t *testing.T) {
	backend := &fakeBackend{plan: validPlan()}
	pol := &planmodel.Policy{BlockedPatterns: []string{`rm\s+-rf`}}
	f := New(backend, pol, time.Second)

	_, err := f.Plan(context.Background(), "please rm -rf /", planmodel.ScreenAnalysis{}, planmodel.SystemContext{})

	require.NoError(t, err)
	assert.Contains(t, backend.lastIntent, "redacted")
}

func TestAdapt_CannotRecoverSentinelPropagates(t *testing.T) {
	backend := &fakeBackend{adaptErr: ErrCannotRecover}
	f := New(backend, nil, time.Second)

	_, err := f.Adapt(context.Background(), validPlan(), 0, planmodel.ErrorContext{}, planmodel.ScreenAnalysis{})

	assert.ErrorIs(t, err, ErrCannotRecover)
}

func TestAdapt_NilPlanTreatedAsCannotRecover(t *testing.T) {
	backend := &fakeBackend{adapted: nil}
	f := New(backend, nil, time.Second)

	_, err := f.Adapt(context.Background(), validPlan(), 0, planmodel.ErrorContext{}, planmodel.ScreenAnalysis{})

	assert.ErrorIs(t, err, ErrCannotRecover)
}

func TestAdapt_ValidReplacementPassesThrough(t *testing.T) {
	backend := &fakeBackend{adapted: validPlan()}
	f := New(backend, nil, time.Second)

	adapted, err := f.Adapt(context.Background(), validPlan(), 0, planmodel.ErrorContext{}, planmodel.ScreenAnalysis{})

	require.NoError(t, err)
	assert.Equal(t, "t1", adapted.TaskID)
}

func TestInterpret_PassesThroughTags(t *testing.T) {
	backend := &fakeBackend{tags: planmodel.IntentTags{IntentType: "open_app", EstimatedSteps: 2, Confidence: 0.8}}
	f := New(backend, nil, time.Second)

	tags, err := f.Interpret(context.Background(), "open firefox")

	require.NoError(t, err)
	assert.Equal(t, "open_app", tags.IntentType)
}

func TestNew_ZeroTimeoutUsesDefault(t *testing.T) {
	f := New(&fakeBackend{}, nil, 0)
	assert.Equal(t, DefaultTimeout, f.timeout)
}
