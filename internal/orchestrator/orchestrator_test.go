package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelcore/internal/eventbus"
	"sentinelcore/internal/executor"
	"sentinelcore/internal/planmodel"
	"sentinelcore/internal/planner"
)

type fakeBackend struct {
	plan *planmodel.Plan
}

func (f *fakeBackend) Plan(ctx context.Context, intent string, screen planmodel.ScreenAnalysis, sys planmodel.SystemContext) (*planmodel.Plan, error) {
	return f.plan, nil
}
func (f *fakeBackend) Adapt(ctx context.Context, plan *planmodel.Plan, cursor int, errCtx planmodel.ErrorContext, screen planmodel.ScreenAnalysis) (*planmodel.Plan, error) {
	return nil, planner.ErrCannotRecover
}
func (f *fakeBackend) Interpret(ctx context.Context, intent string) (planmodel.IntentTags, error) {
	return planmodel.IntentTags{}, nil
}

type fakeAdaptingBackend struct {
	plan *planmodel.Plan
}

func (f *fakeAdaptingBackend) Plan(ctx context.Context, intent string, screen planmodel.ScreenAnalysis, sys planmodel.SystemContext) (*planmodel.Plan, error) {
	return f.plan, nil
}
func (f *fakeAdaptingBackend) Adapt(ctx context.Context, plan *planmodel.Plan, cursor int, errCtx planmodel.ErrorContext, screen planmodel.ScreenAnalysis) (*planmodel.Plan, error) {
	return &planmodel.Plan{
		TaskID:     plan.TaskID,
		Intent:     plan.Intent,
		Confidence: 0.9,
		Steps: []planmodel.Step{
			{ID: "s1-adapted", Order: cursor, Action: planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}},
		},
	}, nil
}
func (f *fakeAdaptingBackend) Interpret(ctx context.Context, intent string) (planmodel.IntentTags, error) {
	return planmodel.IntentTags{}, nil
}

type fakeStop struct{ requested bool }

func (f *fakeStop) StopRequested() bool { return f.requested }

type fakeSafety struct{}

func (fakeSafety) WaitForSafeMoment(ctx context.Context, timeout time.Duration) planmodel.SafetyVerdict {
	return planmodel.VerdictSafe
}

type fakePerceiver struct{}

func (fakePerceiver) Analyze(ctx context.Context) (planmodel.ScreenAnalysis, error) {
	return planmodel.ScreenAnalysis{}, nil
}

type noopInjector struct{}

func (noopInjector) Click(ctx context.Context, displayID string, x, y int, button planmodel.MouseButton) error {
	return nil
}
func (noopInjector) Move(ctx context.Context, displayID string, x, y int) error { return nil }
func (noopInjector) Scroll(ctx context.Context, displayID string, dx, dy int) error {
	return nil
}
func (noopInjector) KeyPress(ctx context.Context, displayID string, combo string) error { return nil }
func (noopInjector) TypeText(ctx context.Context, displayID string, text string, d time.Duration) error {
	return nil
}

func onePlanStepPlan(taskID string) *planmodel.Plan {
	return &planmodel.Plan{
		TaskID:     taskID,
		Intent:     "open firefox",
		Confidence: 0.9,
		Steps: []planmodel.Step{
			{ID: "s1", Order: 0, Action: planmodel.Action{Kind: planmodel.ActionOpenApplication, Alias: "firefox-esr"}},
		},
	}
}

func newTestOrchestrator(t *testing.T, plan *planmodel.Plan, stop StopFlag) *Orchestrator {
	t.Helper()
	bus := eventbus.New()
	exec := executor.New(
		executor.Config{},
		execAlwaysSafe{},
		execAlwaysAllow{},
		execStopAdapter{stop},
		nil,
		&fakeLauncher{},
		noopInjector{},
		nil,
	)
	facade := planner.New(&fakeBackend{plan: plan}, nil, time.Second)
	return New(bus, exec, facade, fakePerceiver{}, fakeSafety{}, stop, Config{})
}

type execAlwaysSafe struct{}

func (execAlwaysSafe) IsSafeForAIActivity(ctx context.Context) planmodel.SafetyVerdict {
	return planmodel.VerdictSafe
}

type execAlwaysAllow struct{}

func (execAlwaysAllow) Validate(ctx context.Context, action planmodel.Action, requester planmodel.Requester) (planmodel.Verdict, error) {
	return planmodel.Verdict{Allowed: true}, nil
}

type execStopAdapter struct{ stop StopFlag }

func (e execStopAdapter) StopRequested() bool {
	if e.stop == nil {
		return false
	}
	return e.stop.StopRequested()
}

type fakeLauncher struct{ lastAlias string }

func (f *fakeLauncher) LaunchOn(ctx context.Context, alias string, args ...string) error {
	f.lastAlias = alias
	return nil
}

func TestRunTask_CompletesSinglePlanStepPlan(t *testing.T) {
	o := newTestOrchestrator(t, onePlanStepPlan("t1"), &fakeStop{})

	pe, err := o.RunTask(context.Background(), planmodel.Requester{TaskID: "t1"}, "open firefox", planmodel.SystemContext{})

	require.NoError(t, err)
	assert.Equal(t, planmodel.StatusCompleted, pe.Status)
	assert.Equal(t, 1, pe.Cursor)
}

func TestRunTask_StopRequestedCancelsExecution(t *testing.T) {
	o := newTestOrchestrator(t, onePlanStepPlan("t2"), &fakeStop{requested: true})

	pe, err := o.RunTask(context.Background(), planmodel.Requester{TaskID: "t2"}, "open firefox", planmodel.SystemContext{})

	require.NoError(t, err)
	assert.Equal(t, planmodel.StatusCancelled, pe.Status)
}

func TestRunTask_PlanningFailureBecomesFailed(t *testing.T) {
	o := newTestOrchestrator(t, nil, &fakeStop{})

	pe, err := o.RunTask(context.Background(), planmodel.Requester{TaskID: "t3"}, "do something", planmodel.SystemContext{})

	require.NoError(t, err)
	assert.Equal(t, planmodel.StatusFailed, pe.Status)
}

func TestInvariant_CompletedExecutionHasCursorAtStepCount(t *testing.T) {
	o := newTestOrchestrator(t, onePlanStepPlan("t4"), &fakeStop{})
	pe, err := o.RunTask(context.Background(), planmodel.Requester{TaskID: "t4"}, "open firefox", planmodel.SystemContext{})
	require.NoError(t, err)
	assert.NoError(t, pe.Invariant())
}

func TestRouteDecision_CompletesWhenCursorReachesEnd(t *testing.T) {
	pe := planmodel.NewPlanExecution(onePlanStepPlan("t5"))
	pe.Cursor = 1
	o := &Orchestrator{}
	next := o.routeDecision(pe, planmodel.ScreenAnalysis{})
	assert.Equal(t, stateCompleted, next)
	assert.Equal(t, planmodel.StatusCompleted, pe.Status)
}

func TestRouteDecision_HighErrorRateForcesAdapt(t *testing.T) {
	plan := onePlanStepPlan("t6")
	plan.Steps = append(plan.Steps, planmodel.Step{ID: "s2", Order: 1, Action: planmodel.Action{Kind: planmodel.ActionWait}})
	pe := planmodel.NewPlanExecution(plan)
	pe.Cursor = 1
	pe.RecordError(planmodel.StepError{StepID: "s1", Kind: planmodel.ErrInternal, Reason: "x"})
	o := &Orchestrator{}
	next := o.routeDecision(pe, planmodel.ScreenAnalysis{})
	assert.Equal(t, stateAdapt, next)
}

func TestHandleError_RetriesBeforeEscalating(t *testing.T) {
	pe := planmodel.NewPlanExecution(onePlanStepPlan("t7"))
	o := &Orchestrator{cfg: Config{MaxRetries: 1, MaxAdaptations: 1}}

	next := o.handleError(pe)
	assert.Equal(t, stateCaptureScreen, next)
	assert.Equal(t, 1, pe.RetriesForCursor)

	next = o.handleError(pe)
	assert.Equal(t, stateAdapt, next)
}

func TestRouteDecision_ViolationRateExceededForcesAdapt(t *testing.T) {
	pe := planmodel.NewPlanExecution(onePlanStepPlan("t9"))
	o := &Orchestrator{cfg: Config{ViolationRateWindow: time.Minute, ViolationRateThreshold: 1}}
	o.onEvent(planmodel.NewEvent(planmodel.EventViolationDetected, "", nil))
	o.onEvent(planmodel.NewEvent(planmodel.EventViolationDetected, "", nil))

	next := o.routeDecision(pe, planmodel.ScreenAnalysis{})
	assert.Equal(t, stateAdapt, next)
}

func TestPauseResume_TaskCompletesAfterResume(t *testing.T) {
	o := newTestOrchestrator(t, onePlanStepPlan("t8"), &fakeStop{})
	o.Pause("t8")

	go func() {
		time.Sleep(50 * time.Millisecond)
		o.Resume("t8")
	}()

	pe, err := o.RunTask(context.Background(), planmodel.Requester{TaskID: "t8"}, "open firefox", planmodel.SystemContext{})

	require.NoError(t, err)
	assert.Equal(t, planmodel.StatusCompleted, pe.Status)
}

func TestAdapt_PublishesPlanAdaptedOnSuccessfulSplice(t *testing.T) {
	bus := eventbus.New()

	var got []planmodel.Event
	var mu sync.Mutex
	sub := bus.Subscribe(func(ev planmodel.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, 8)
	defer bus.Unsubscribe(sub)

	plan := onePlanStepPlan("t10")
	facade := planner.New(&fakeAdaptingBackend{plan: plan}, nil, time.Second)
	o := New(bus, nil, facade, nil, nil, nil, Config{})

	pe := planmodel.NewPlanExecution(plan)
	next := o.adapt(context.Background(), pe, planmodel.ScreenAnalysis{})

	require.Equal(t, stateCaptureScreen, next)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, ev := range got {
		if ev.Kind == planmodel.EventPlanAdapted && ev.TaskID == "t10" {
			found = true
		}
	}
	assert.True(t, found, "expected a PlanAdapted event for task t10")
}

func TestTaskQueue_PauseResume(t *testing.T) {
	q := NewTaskQueue()
	assert.False(t, q.PauseRequested("x"))

	q.Pause("x")
	assert.True(t, q.PauseRequested("x"))

	q.Resume("x")
	assert.False(t, q.PauseRequested("x"))
}

func TestTaskQueue_CancelInterruptsRunningTask(t *testing.T) {
	q := NewTaskQueue()
	started := make(chan struct{})
	resultCh, err := q.Enqueue("t1", context.Background(), func(ctx context.Context) (*planmodel.PlanExecution, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	q.Cancel("t1")

	res := <-resultCh
	assert.Error(t, res.err)
}
