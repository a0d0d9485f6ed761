// Package executor implements the Action Executor (C6): the per-step
// algorithm that checks the stop flag, asks the Activity Monitor and
// Permission Guard, switches into the AI-display context, and dispatches
// exactly one Action variant against the desktop. Grounded on the
// teacher's executeToolsWithSession dispatch loop (policy-check-then-
// dispatch-then-result cycle, generalized from "call a chat tool" to
// "perform one desktop action") and on desktop_controller.py's
// switch-on-action-kind shape (safe_click/safe_type/find_element/
// open_application as the native primitive set).
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"sentinelcore/internal/planmodel"
	"sentinelcore/pkg/logger"
)

// SafetyChecker is the Activity Monitor's gate, consulted as step 2.
type SafetyChecker interface {
	IsSafeForAIActivity(ctx context.Context) planmodel.SafetyVerdict
}

// Validator is the Permission Guard, consulted as step 3.
type Validator interface {
	Validate(ctx context.Context, action planmodel.Action, requester planmodel.Requester) (planmodel.Verdict, error)
}

// StopFlag reports the Emergency Stop's non-blocking "stop requested"
// signal, consulted as step 1.
type StopFlag interface {
	StopRequested() bool
}

// Screenshotter captures the AI display's framebuffer to a file.
type Screenshotter interface {
	Screenshot(ctx context.Context, outputPath string) error
}

// Launcher starts an application on the AI display by alias.
type Launcher interface {
	LaunchOn(ctx context.Context, alias string, args ...string) error
}

// InputInjector performs raw input-injection primitives against the given
// AI display id, derived per call rather than read from ambient process
// state — two concurrent tasks targeting different AI displays must never
// race on a shared global.
type InputInjector interface {
	Click(ctx context.Context, displayID string, x, y int, button planmodel.MouseButton) error
	Move(ctx context.Context, displayID string, x, y int) error
	Scroll(ctx context.Context, displayID string, dx, dy int) error
	KeyPress(ctx context.Context, displayID string, combo string) error
	TypeText(ctx context.Context, displayID string, text string, interCharDelay time.Duration) error
}

// TemplateMatcher is the external template-matching service consulted by
// FindElement/Verify. Out of scope for this module's implementation —
// the façade-style boundary mirrors the teacher's provider.Provider
// abstraction for an external backend.
type TemplateMatcher interface {
	FindBestMatch(ctx context.Context, screenshotPath, templateID string, minConfidence float64) (Match, error)
}

// Match is one template-matcher result.
type Match struct {
	Found      bool
	X, Y       int
	Confidence float64
}

// StepOutcome is the Action Executor's return value, matching
// StepOutcome from the data model.
type StepOutcome struct {
	OK             bool
	Output         any
	Error          *planmodel.CoreError
	ScreenChanged  bool
	AdaptationHint string
}

// Config tunes the executor's timing, matching desktop_controller.py's
// click_delay/type_interval configuration block.
type Config struct {
	AIDisplayID   string
	ClickDelay    time.Duration
	TypeInterval  time.Duration
	ScreenshotDir string
}

// Executor runs one Step at a time against the AI display.
type Executor struct {
	cfg       Config
	safety    SafetyChecker
	validator Validator
	stop      StopFlag
	shooter   Screenshotter
	launcher  Launcher
	injector  InputInjector
	matcher   TemplateMatcher
}

// New constructs an Executor. Any dependency left nil causes the action
// kinds that need it to fail with ErrInternal rather than panic.
func New(cfg Config, safety SafetyChecker, validator Validator, stop StopFlag, shooter Screenshotter, launcher Launcher, injector InputInjector, matcher TemplateMatcher) *Executor {
	if cfg.ClickDelay == 0 {
		cfg.ClickDelay = 100 * time.Millisecond
	}
	if cfg.TypeInterval == 0 {
		cfg.TypeInterval = 10 * time.Millisecond
	}
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = os.TempDir()
	}
	return &Executor{cfg: cfg, safety: safety, validator: validator, stop: stop, shooter: shooter, launcher: launcher, injector: injector, matcher: matcher}
}

// Execute runs the full §4.6 algorithm for one step.
func (e *Executor) Execute(ctx context.Context, step planmodel.Step, requester planmodel.Requester) StepOutcome {
	// 1. stop-requested check.
	if e.stop != nil && e.stop.StopRequested() {
		return errOutcome(planmodel.NewCoreError(planmodel.ErrCancelled, "stop requested", nil))
	}

	// 2. activity-monitor verdict.
	if e.safety != nil {
		if verdict := e.safety.IsSafeForAIActivity(ctx); verdict != planmodel.VerdictSafe {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrNotSafe, fmt.Sprintf("activity monitor verdict: %s", verdict), nil))
		}
	}

	// 3. permission-guard validation.
	if e.validator != nil {
		verdict, err := e.validator.Validate(ctx, step.Action, requester)
		if err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "permission guard error", err))
		}
		if !verdict.Allowed {
			ce := planmodel.NewCoreError(planmodel.ErrPolicyDenied, verdict.Reason, nil)
			ce.Retryable = false
			return errOutcome(ce)
		}
	}

	// 5+6. dispatch with a hard timeout bound. The AI-display context
	// switch happens per injector call (step 4), via a derived cmd.Env
	// rather than a process-wide os.Setenv, so concurrent tasks targeting
	// different AI displays never race on a shared global.
	timeout := time.Duration(step.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcomeCh := make(chan StepOutcome, 1)
	go func() { outcomeCh <- e.dispatch(dctx, step) }()

	select {
	case outcome := <-outcomeCh:
		return outcome
	case <-dctx.Done():
		logger.Warnf("step %s exceeded timeout %s", step.ID, timeout)
		return errOutcome(planmodel.NewCoreError(planmodel.ErrTimeout, fmt.Sprintf("step %s exceeded %s", step.ID, timeout), nil))
	}
}

func (e *Executor) dispatch(ctx context.Context, step planmodel.Step) StepOutcome {
	a := step.Action
	switch a.Kind {
	case planmodel.ActionClick:
		if e.injector == nil {
			return errOutcome(missingDependency("input injector"))
		}
		if err := e.injector.Click(ctx, e.cfg.AIDisplayID, a.X, a.Y, a.Button); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "click failed", err))
		}
		time.Sleep(e.cfg.ClickDelay)
		return StepOutcome{OK: true, ScreenChanged: step.ExpectedScreenChange}

	case planmodel.ActionMove:
		if e.injector == nil {
			return errOutcome(missingDependency("input injector"))
		}
		if err := e.injector.Move(ctx, e.cfg.AIDisplayID, a.X, a.Y); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "move failed", err))
		}
		return StepOutcome{OK: true}

	case planmodel.ActionScroll:
		if e.injector == nil {
			return errOutcome(missingDependency("input injector"))
		}
		if err := e.injector.Scroll(ctx, e.cfg.AIDisplayID, a.DX, a.DY); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "scroll failed", err))
		}
		return StepOutcome{OK: true, ScreenChanged: step.ExpectedScreenChange}

	case planmodel.ActionKeyPress:
		if e.injector == nil {
			return errOutcome(missingDependency("input injector"))
		}
		if err := e.injector.KeyPress(ctx, e.cfg.AIDisplayID, a.Combo); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "key press failed", err))
		}
		return StepOutcome{OK: true, ScreenChanged: step.ExpectedScreenChange}

	case planmodel.ActionType:
		if e.injector == nil {
			return errOutcome(missingDependency("input injector"))
		}
		if err := e.injector.TypeText(ctx, e.cfg.AIDisplayID, a.Text, e.cfg.TypeInterval); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "type failed", err))
		}
		return StepOutcome{OK: true}

	case planmodel.ActionWait:
		select {
		case <-time.After(time.Duration(a.DurationMS) * time.Millisecond):
			return StepOutcome{OK: true}
		case <-ctx.Done():
			return errOutcome(planmodel.NewCoreError(planmodel.ErrCancelled, "wait interrupted", ctx.Err()))
		}

	case planmodel.ActionScreenshot:
		if e.shooter == nil {
			return errOutcome(missingDependency("screenshotter"))
		}
		path := a.TargetPath
		if path == "" {
			path = e.tempScreenshotPath()
		}
		if err := e.shooter.Screenshot(ctx, path); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "screenshot failed", err))
		}
		return StepOutcome{OK: true, Output: path}

	case planmodel.ActionFindElement:
		return e.findElement(ctx, a.TemplateID, a.MinConfidence)

	case planmodel.ActionOpenApplication:
		if e.launcher == nil {
			return errOutcome(missingDependency("launcher"))
		}
		if err := e.launcher.LaunchOn(ctx, a.Alias); err != nil {
			return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, fmt.Sprintf("failed to open %s", a.Alias), err))
		}
		return StepOutcome{OK: true, ScreenChanged: true}

	case planmodel.ActionVerify:
		// A Verify predicate is, in the closed action set this executor
		// understands, a FindElement check: success iff the referenced
		// template is found above its confidence floor.
		outcome := e.findElement(ctx, a.TemplateID, a.MinConfidence)
		if !outcome.OK {
			outcome.AdaptationHint = "verify predicate not satisfied: " + a.Predicate
		}
		return outcome

	default:
		return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, fmt.Sprintf("unknown action kind %q", a.Kind), nil))
	}
}

func (e *Executor) findElement(ctx context.Context, templateID string, minConfidence float64) StepOutcome {
	if e.shooter == nil {
		return errOutcome(missingDependency("screenshotter"))
	}
	if e.matcher == nil {
		return errOutcome(missingDependency("template matcher"))
	}

	path := e.tempScreenshotPath()
	if err := e.shooter.Screenshot(ctx, path); err != nil {
		return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "screenshot for find_element failed", err))
	}
	defer os.Remove(path)

	match, err := e.matcher.FindBestMatch(ctx, path, templateID, minConfidence)
	if err != nil {
		return errOutcome(planmodel.NewCoreError(planmodel.ErrInternal, "template matcher error", err))
	}
	if !match.Found {
		ce := planmodel.NewCoreError(planmodel.ErrTemplateNotFound, fmt.Sprintf("template %q not found above confidence %.2f", templateID, minConfidence), nil)
		return errOutcome(ce)
	}
	return StepOutcome{OK: true, Output: match}
}

func (e *Executor) tempScreenshotPath() string {
	return fmt.Sprintf("%s/shot-%d.png", e.cfg.ScreenshotDir, time.Now().UnixNano())
}

func errOutcome(ce *planmodel.CoreError) StepOutcome {
	return StepOutcome{OK: false, Error: ce}
}

func missingDependency(what string) *planmodel.CoreError {
	return planmodel.NewCoreError(planmodel.ErrInternal, "executor missing dependency: "+what, nil)
}

// xdotoolInjector is the default InputInjector, backed by the xdotool CLI
// — the idiomatic Linux/X11 equivalent of the original's pyautogui calls.
type xdotoolInjector struct{}

// NewXdotoolInjector returns the default CLI-backed InputInjector.
func NewXdotoolInjector() InputInjector { return xdotoolInjector{} }

// displayEnv derives a per-call environment with DISPLAY set to displayID,
// mirroring display.withDisplayEnv, so dispatching input never depends on
// (or mutates) the process-wide ambient environment.
func displayEnv(displayID string) []string {
	env := os.Environ()
	if displayID == "" {
		return env
	}
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, "DISPLAY=") || strings.HasPrefix(kv, "WAYLAND_DISPLAY=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "DISPLAY="+displayID)
}

func (xdotoolInjector) Click(ctx context.Context, displayID string, x, y int, button planmodel.MouseButton) error {
	btn := "1"
	switch button {
	case planmodel.ButtonRight:
		btn = "3"
	case planmodel.ButtonMiddle:
		btn = "2"
	}
	cmd := exec.CommandContext(ctx, "xdotool", "mousemove", itoa(x), itoa(y), "click", btn)
	cmd.Env = displayEnv(displayID)
	return cmd.Run()
}

func (xdotoolInjector) Move(ctx context.Context, displayID string, x, y int) error {
	cmd := exec.CommandContext(ctx, "xdotool", "mousemove", itoa(x), itoa(y))
	cmd.Env = displayEnv(displayID)
	return cmd.Run()
}

func (xdotoolInjector) Scroll(ctx context.Context, displayID string, dx, dy int) error {
	button := "4"
	amount := dy
	if dy < 0 {
		button = "5"
		amount = -dy
	}
	if amount == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "xdotool", "click", "--repeat", itoa(amount), button)
	cmd.Env = displayEnv(displayID)
	return cmd.Run()
}

func (xdotoolInjector) KeyPress(ctx context.Context, displayID string, combo string) error {
	cmd := exec.CommandContext(ctx, "xdotool", "key", combo)
	cmd.Env = displayEnv(displayID)
	return cmd.Run()
}

func (xdotoolInjector) TypeText(ctx context.Context, displayID string, text string, interCharDelay time.Duration) error {
	delayMS := interCharDelay.Milliseconds()
	if delayMS <= 0 {
		delayMS = 1
	}
	cmd := exec.CommandContext(ctx, "xdotool", "type", "--delay", itoa(int(delayMS)), text)
	cmd.Env = displayEnv(displayID)
	return cmd.Run()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

