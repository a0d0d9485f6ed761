// Package orchestrator implements the Plan Orchestrator (C7): the state
// machine described in the safety core design that drives one Plan from
// intent to a terminal event. Grounded on the teacher's
// internal/runner/orchestrator.StandardOrchestrator.Run (event-channel-
// returning goroutine, ctx-cancellation checked at every loop iteration,
// consecutive-error counters bounding retries before a hard stop) and on
// internal/scheduler/run_queue.go's per-key serialized worker (adapted
// here into a per-task queue so concurrent Cancel/Run calls for the same
// task never race, while independent tasks proceed in parallel).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"sentinelcore/internal/eventbus"
	"sentinelcore/internal/executor"
	"sentinelcore/internal/planmodel"
	"sentinelcore/internal/planner"
	"sentinelcore/pkg/logger"
)

// state names the orchestrator's position in the §4.7 state diagram.
type state int

const (
	stateIdle state = iota
	statePlanning
	stateCaptureScreen
	stateRouteDecision
	stateExecuteStep
	stateVerify
	stateAdapt
	stateHandleError
	stateCompleted
	stateFailed
	stateCancelled
	statePaused
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePlanning:
		return "planning"
	case stateCaptureScreen:
		return "capture_screen"
	case stateRouteDecision:
		return "route_decision"
	case stateExecuteStep:
		return "execute_step"
	case stateVerify:
		return "verify"
	case stateAdapt:
		return "adapt"
	case stateHandleError:
		return "handle_error"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateCancelled:
		return "cancelled"
	case statePaused:
		return "paused"
	default:
		return "unknown"
	}
}

func (s state) terminal() bool {
	return s == stateCompleted || s == stateFailed || s == stateCancelled
}

// Perceiver captures and analyzes the current screen. Treated as an
// external boundary — like executor.TemplateMatcher, no concrete vision
// backend appears anywhere in the pack, so the interface is the grounded
// choice and a concrete implementation is out of this module's scope.
type Perceiver interface {
	Analyze(ctx context.Context) (planmodel.ScreenAnalysis, error)
}

// SafetyWaiter is the Activity Monitor's wait_for_safe primitive, consulted
// when the orchestrator must hold a dangerous step until the user goes
// idle again.
type SafetyWaiter interface {
	WaitForSafeMoment(ctx context.Context, timeout time.Duration) planmodel.SafetyVerdict
}

// StopFlag mirrors executor.StopFlag — the Emergency Stop's non-blocking
// signal, observed at every state transition per §5's cancellation rule.
type StopFlag interface {
	StopRequested() bool
}

// Config tunes orchestrator behavior; New replaces zero values with
// defaults (MaxRetries 3, MaxAdaptations 5, WaitForSafe 2m,
// ViolationRateWindow 30s, ViolationRateThreshold 3).
type Config struct {
	MaxRetries     int
	MaxAdaptations int
	WaitForSafe    time.Duration

	// ViolationRateWindow/ViolationRateThreshold bound the "isolation
	// violation rate above threshold" disjunct of §4.7's disrupt rule:
	// disrupt if more than ViolationRateThreshold ViolationDetected events
	// land within the trailing ViolationRateWindow.
	ViolationRateWindow    time.Duration
	ViolationRateThreshold int
}

// Orchestrator drives PlanExecutions. One instance is shared across tasks;
// concurrency is the per-task queue's responsibility — Orchestrator itself
// holds no execution-specific mutable state.
type Orchestrator struct {
	bus      *eventbus.Bus
	exec     *executor.Executor
	facade   *planner.Facade
	perceive Perceiver
	safety   SafetyWaiter
	stop     StopFlag
	cfg      Config

	queue *TaskQueue

	violationsMu   sync.Mutex
	violationTimes []time.Time
}

// New constructs an Orchestrator.
func New(bus *eventbus.Bus, exec *executor.Executor, facade *planner.Facade, perceive Perceiver, safety SafetyWaiter, stop StopFlag, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxAdaptations <= 0 {
		cfg.MaxAdaptations = 5
	}
	if cfg.WaitForSafe <= 0 {
		cfg.WaitForSafe = 2 * time.Minute
	}
	if cfg.ViolationRateWindow <= 0 {
		cfg.ViolationRateWindow = 30 * time.Second
	}
	if cfg.ViolationRateThreshold <= 0 {
		cfg.ViolationRateThreshold = 3
	}
	o := &Orchestrator{
		bus:      bus,
		exec:     exec,
		facade:   facade,
		perceive: perceive,
		safety:   safety,
		stop:     stop,
		cfg:      cfg,
		queue:    NewTaskQueue(),
	}
	if bus != nil {
		bus.Subscribe(o.onEvent, eventbus.DefaultQueueSize)
	}
	return o
}

// onEvent records the arrival time of every ViolationDetected event so
// routeDecision can fold the isolation violation rate into its disrupt
// rule, per §4.7's "isolation violation rate above threshold" disjunct.
func (o *Orchestrator) onEvent(ev planmodel.Event) {
	if ev.Kind != planmodel.EventViolationDetected {
		return
	}
	now := time.Now()
	cutoff := now.Add(-o.cfg.ViolationRateWindow)

	o.violationsMu.Lock()
	defer o.violationsMu.Unlock()
	o.violationTimes = append(o.violationTimes, now)
	kept := o.violationTimes[:0]
	for _, t := range o.violationTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.violationTimes = kept
}

// isolationViolationRateExceeded reports whether more than
// ViolationRateThreshold isolation violations landed within the trailing
// ViolationRateWindow.
func (o *Orchestrator) isolationViolationRateExceeded() bool {
	cutoff := time.Now().Add(-o.cfg.ViolationRateWindow)

	o.violationsMu.Lock()
	defer o.violationsMu.Unlock()
	count := 0
	for _, t := range o.violationTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return count > o.cfg.ViolationRateThreshold
}

// Pause requests that taskID's in-flight execution suspend at its next
// state-loop iteration, matching §5's cooperative pause semantics. Resume
// returns execution to the exact state it was paused in, with cursor and
// retries_for_cursor unchanged.
func (o *Orchestrator) Pause(taskID string) { o.queue.Pause(taskID) }

// Resume clears a previously requested pause for taskID.
func (o *Orchestrator) Resume(taskID string) { o.queue.Resume(taskID) }

// RunTask drives one intent to completion, serialized per TaskID so a
// concurrent Cancel(taskID) or a retried RunTask call for the same task
// never races with an execution already in flight.
func (o *Orchestrator) RunTask(ctx context.Context, requester planmodel.Requester, intent string, sys planmodel.SystemContext) (*planmodel.PlanExecution, error) {
	resultCh, err := o.queue.Enqueue(requester.TaskID, ctx, func(taskCtx context.Context) (*planmodel.PlanExecution, error) {
		return o.run(taskCtx, requester, intent, sys)
	})
	if err != nil {
		return nil, err
	}
	res := <-resultCh
	return res.exec, res.err
}

// Cancel requests cancellation of the task's in-flight execution, if any.
func (o *Orchestrator) Cancel(taskID string) { o.queue.Cancel(taskID) }

func (o *Orchestrator) run(ctx context.Context, requester planmodel.Requester, intent string, sys planmodel.SystemContext) (*planmodel.PlanExecution, error) {
	pe := planmodel.NewPlanExecution(nil)
	pe.StartTime = time.Now()
	cur := stateIdle
	var screen planmodel.ScreenAnalysis
	var paused bool
	var resumeTo state

	o.publish(requester.TaskID, planmodel.EventTaskStarted, map[string]any{"intent": intent})

	for !cur.terminal() {
		if o.stop != nil && o.stop.StopRequested() {
			cur = o.finish(pe, stateCancelled, "emergency stop requested")
			break
		}
		if ctx.Err() != nil {
			cur = o.finish(pe, stateCancelled, "context cancelled")
			break
		}
		if paused {
			select {
			case <-ctx.Done():
				cur = o.finish(pe, stateCancelled, "context cancelled while paused")
			case <-time.After(200 * time.Millisecond):
				if !o.queue.PauseRequested(requester.TaskID) {
					cur = resumeTo
					paused = false
				}
			}
			continue
		}

		if o.queue.PauseRequested(requester.TaskID) {
			resumeTo = cur
			cur = statePaused
		}

		logger.Debugf("orchestrator: task %s entering state %s", requester.TaskID, cur)

		switch cur {
		case stateIdle:
			cur = statePlanning

		case statePlanning:
			plan, err := o.facade.Plan(ctx, intent, screen, sys)
			if err != nil {
				pe.RecordError(planmodel.StepError{Kind: kindOf(err), Reason: err.Error(), At: time.Now()})
				cur = o.finish(pe, stateFailed, "planning failed: "+err.Error())
				break
			}
			pe.Plan = plan
			pe.Status = planmodel.StatusRunning
			o.publish(requester.TaskID, planmodel.EventPlanReady, map[string]any{"steps": len(plan.Steps)})
			cur = stateCaptureScreen

		case stateCaptureScreen:
			if o.perceive != nil {
				a, err := o.perceive.Analyze(ctx)
				if err != nil {
					logger.Warnf("orchestrator: task %s screen capture failed: %v", requester.TaskID, err)
				} else {
					screen = a
				}
			}
			cur = stateRouteDecision

		case stateRouteDecision:
			cur = o.routeDecision(pe, screen)

		case stateExecuteStep:
			cur = o.executeStep(ctx, pe, requester)

		case stateVerify:
			cur = o.verify(pe)

		case stateAdapt:
			cur = o.adapt(ctx, pe, screen)

		case stateHandleError:
			cur = o.handleError(pe)

		case statePaused:
			paused = true
		}
	}

	if pe.EndTime == nil {
		now := time.Now()
		pe.EndTime = &now
	}
	o.publish(requester.TaskID, planmodel.EventTaskCompleted, map[string]any{"status": string(pe.Status)})
	return pe, pe.Invariant()
}

// routeDecision implements RouteDecision's tie-break rules from §4.7.
func (o *Orchestrator) routeDecision(pe *planmodel.PlanExecution, screen planmodel.ScreenAnalysis) state {
	if pe.Cursor >= len(pe.Plan.Steps) {
		pe.Status = planmodel.StatusCompleted
		return stateCompleted
	}

	disrupt := o.isolationViolationRateExceeded() || (screen.HasDisruptiveUI() && pe.RetriesForCursor >= 1)
	if disrupt {
		return stateAdapt
	}
	if pe.ErrorRate() > 0.3 {
		return stateAdapt
	}
	return stateExecuteStep
}

// executeStep asks the Activity Monitor to wait out an unsafe window
// before invoking the Executor, matching §5's suspension point (d).
func (o *Orchestrator) executeStep(ctx context.Context, pe *planmodel.PlanExecution, requester planmodel.Requester) state {
	step, ok := pe.Plan.StepByID(stepIDAt(pe))
	if !ok {
		pe.RecordError(planmodel.StepError{Kind: planmodel.ErrInternal, Reason: "cursor references unknown step", At: time.Now()})
		return stateHandleError
	}

	if o.safety != nil {
		if verdict := o.safety.WaitForSafeMoment(ctx, o.cfg.WaitForSafe); verdict != planmodel.VerdictSafe {
			pe.RecordError(planmodel.StepError{StepID: step.ID, Kind: planmodel.ErrNotSafe, Reason: string(verdict), At: time.Now()})
			pe.Status = planmodel.StatusFailed
			return stateFailed
		}
	}

	start := time.Now()
	o.publish(requester.TaskID, planmodel.EventStepStarted, map[string]any{"step_id": step.ID, "order": step.Order})
	outcome := o.exec.Execute(ctx, step, requester)
	pe.Timings = append(pe.Timings, time.Since(start))

	if outcome.OK {
		o.publish(requester.TaskID, planmodel.EventStepCompleted, map[string]any{"step_id": step.ID, "screen_changed": outcome.ScreenChanged})
		return stateVerify
	}

	ce := outcome.Error
	pe.RecordError(planmodel.StepError{StepID: step.ID, Kind: ce.Kind, Reason: ce.Message, At: time.Now()})

	if ce.Retryable && pe.RetriesForCursor < step.RetryPolicy.Bound() {
		pe.RetriesForCursor++
		return stateExecuteStep
	}
	if ce.Kind == planmodel.ErrTemplateNotFound || ce.Kind == planmodel.ErrIsolationBreach {
		return stateAdapt
	}
	return stateHandleError
}

// verify advances the cursor on a completed step, per Verify's "advanced"
// transition; a genuinely stuck verification is left to a future
// screen-diff assertion and currently always advances, since the Executor
// already performed the post-condition check (ActionVerify) inline.
func (o *Orchestrator) verify(pe *planmodel.PlanExecution) state {
	pe.Cursor++
	pe.RetriesForCursor = 0
	return stateCaptureScreen
}

// adapt calls the façade's adapt() and, on success, splices the remaining
// steps per the "remaining steps spliced in" transition note.
func (o *Orchestrator) adapt(ctx context.Context, pe *planmodel.PlanExecution, screen planmodel.ScreenAnalysis) state {
	if pe.AdaptationCount >= o.cfg.MaxAdaptations {
		pe.Status = planmodel.StatusFailed
		return stateFailed
	}

	errCtx := o.buildErrorContext(pe)
	newPlan, err := o.facade.Adapt(ctx, pe.Plan, pe.Cursor, errCtx, screen)
	if err != nil {
		return stateHandleError
	}

	if splErr := pe.Plan.SpliceFrom(pe.Cursor, newPlan.Steps); splErr != nil {
		pe.RecordError(planmodel.StepError{Kind: planmodel.ErrPlannerMalformed, Reason: splErr.Error(), At: time.Now()})
		return stateHandleError
	}
	pe.AdaptationCount++
	pe.RetriesForCursor = 0
	pe.Status = planmodel.StatusAdapting
	o.publish(pe.Plan.TaskID, planmodel.EventPlanAdapted, map[string]any{"cursor": pe.Cursor, "adaptation_count": pe.AdaptationCount})
	return stateCaptureScreen
}

// handleError routes a fatal step failure: retry if the bound allows one
// more pass, otherwise escalate to Adapt, otherwise fail outright.
func (o *Orchestrator) handleError(pe *planmodel.PlanExecution) state {
	if pe.RetriesForCursor < o.cfg.MaxRetries {
		pe.RetriesForCursor++
		return stateCaptureScreen
	}
	if pe.AdaptationCount < o.cfg.MaxAdaptations {
		return stateAdapt
	}
	pe.Status = planmodel.StatusFailed
	return stateFailed
}

func (o *Orchestrator) finish(pe *planmodel.PlanExecution, to state, reason string) state {
	switch to {
	case stateFailed:
		pe.Status = planmodel.StatusFailed
	case stateCancelled:
		pe.Status = planmodel.StatusCancelled
	case stateCompleted:
		pe.Status = planmodel.StatusCompleted
	}
	logger.Warnf("orchestrator: execution ending in %s: %s", to, reason)
	return to
}

func (o *Orchestrator) buildErrorContext(pe *planmodel.PlanExecution) planmodel.ErrorContext {
	completed := make([]string, 0, pe.Cursor)
	for i := 0; i < pe.Cursor && i < len(pe.Plan.Steps); i++ {
		completed = append(completed, pe.Plan.Steps[i].ID)
	}
	lastErrors := pe.Errors
	if len(lastErrors) > 3 {
		lastErrors = lastErrors[len(lastErrors)-3:]
	}
	return planmodel.ErrorContext{
		CurrentStep:    stepIDAt(pe),
		CompletedSteps: completed,
		LastErrors:     lastErrors,
		RetryCount:     pe.RetriesForCursor,
	}
}

func (o *Orchestrator) publish(taskID string, kind planmodel.EventKind, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(planmodel.NewEvent(kind, taskID, payload))
}

func stepIDAt(pe *planmodel.PlanExecution) string {
	if pe.Plan == nil || pe.Cursor >= len(pe.Plan.Steps) {
		return ""
	}
	return pe.Plan.Steps[pe.Cursor].ID
}

func kindOf(err error) planmodel.ErrorKind {
	if ce, ok := err.(*planmodel.CoreError); ok {
		return ce.Kind
	}
	return planmodel.ErrInternal
}
