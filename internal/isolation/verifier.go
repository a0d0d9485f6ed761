// Package isolation implements the Isolation Verifier (C4): periodic
// checks that AI automation stays confined to its own display, its own
// processes and its own resource budget, tripping the Emergency Stop once
// violations exceed the configured budget. Grounded on IsolationManager's
// four-check ensure_isolation sequence (display/process/window/resource),
// reimplemented against gopsutil for process/environment introspection in
// place of psutil, and on the cron scheduler's robfig/cron-driven
// periodic tick with an overlap guard so a slow check never stacks.
package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/process"

	"sentinelcore/internal/planmodel"
)

// ViolationKind classifies what ensure_isolation's check detected.
type ViolationKind string

const (
	ViolationDisplay  ViolationKind = "display"
	ViolationProcess  ViolationKind = "process"
	ViolationWindow   ViolationKind = "window"
	ViolationResource ViolationKind = "resource"
)

// Violation records one isolation breach.
type Violation struct {
	Kind    ViolationKind
	Details string
	At      time.Time
	Count   int
}

// ResourceBudget bounds AI-process resource consumption, matching the
// original's 80% CPU / 2048MB memory thresholds.
type ResourceBudget struct {
	MaxCPUPercent  float64
	MaxMemoryMB    float64
}

// DefaultResourceBudget matches the original's hardcoded thresholds.
func DefaultResourceBudget() ResourceBudget {
	return ResourceBudget{MaxCPUPercent: 80.0, MaxMemoryMB: 2048.0}
}

// WindowInfo is one window reported by a WindowLister.
type WindowInfo struct {
	ID      string
	Desktop string
	PID     string
	Title   string
}

// WindowLister lists windows currently shown on a display. Abstracted
// behind an interface because it shells out to wmctrl, which is not
// present in test environments.
type WindowLister interface {
	List(ctx context.Context, displayID string) ([]WindowInfo, error)
}

// wmctrlLister is the default WindowLister, backed by the wmctrl CLI.
type wmctrlLister struct{}

func (wmctrlLister) List(ctx context.Context, displayID string) ([]WindowInfo, error) {
	cmd := exec.CommandContext(ctx, "wmctrl", "-l")
	cmd.Env = append(cmd.Env, "DISPLAY="+displayID)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var windows []WindowInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(strings.TrimSpace(line), " ", 4)
		if len(fields) < 4 {
			continue
		}
		windows = append(windows, WindowInfo{ID: fields[0], Desktop: fields[1], PID: fields[2], Title: strings.TrimSpace(fields[3])})
	}
	return windows, nil
}

// Verifier owns the periodic isolation check loop and violation ledger.
type Verifier struct {
	mu sync.Mutex

	userDisplay string
	aiDisplay   string

	violations    []Violation
	violationCap  int
	maxViolations int
	active        bool

	budget ResourceBudget

	windows WindowLister
	logger  *slog.Logger

	onMaxViolations func()
	publish         func(planmodel.Event)

	cronSched *cron.Cron
	running   atomic.Bool
}

// SetPublisher wires pub to be invoked with a ViolationDetected event every
// time recordViolation fires, so the caller can bridge it onto the shared
// event bus (§4.4, §8 scenario 6). Nil is safe and means no publication.
func (v *Verifier) SetPublisher(pub func(planmodel.Event)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publish = pub
}

// NewVerifier constructs a Verifier. maxViolations<=0 uses the original's
// default of 5. onMaxViolations is invoked once, synchronously, the
// instant the violation count first exceeds maxViolations — wiring it to the
// Emergency Stop latch is the caller's responsibility.
func NewVerifier(userDisplay, aiDisplay string, maxViolations int, onMaxViolations func(), logger *slog.Logger) *Verifier {
	if maxViolations <= 0 {
		maxViolations = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		userDisplay:     userDisplay,
		aiDisplay:       aiDisplay,
		violationCap:    256,
		maxViolations:   maxViolations,
		active:          true,
		budget:          DefaultResourceBudget(),
		windows:         wmctrlLister{},
		logger:          logger,
		onMaxViolations: onMaxViolations,
	}
}

// EnsureIsolation runs the four checks in order, short-circuiting on the
// first that fails, matching ensure_isolation's sequencing.
func (v *Verifier) EnsureIsolation(ctx context.Context) bool {
	if !v.checkDisplayIsolation(ctx) {
		return false
	}
	if !v.checkProcessIsolation(ctx) {
		return false
	}
	if !v.checkWindowIsolation(ctx) {
		return false
	}
	return v.checkResourceIsolation(ctx)
}

// checkDisplayIsolation confirms automation-owned children see DISPLAY set
// to the AI display rather than the user's, matching
// _verify_display_isolation: a mismatch is recorded as a violation
// unconditionally, then auto-corrected by switching the env var, then
// rechecked. isDisplayFunctional's xrandr ping is a separate liveness
// check layered on top.
func (v *Verifier) checkDisplayIsolation(ctx context.Context) bool {
	current := os.Getenv("DISPLAY")
	if current != v.aiDisplay {
		v.recordViolation(ViolationDisplay, fmt.Sprintf("process DISPLAY=%q, expected AI display %q", current, v.aiDisplay))
		v.switchToAIDisplay()
		if os.Getenv("DISPLAY") != v.aiDisplay {
			return false
		}
	}
	return v.isDisplayFunctional(ctx, v.aiDisplay)
}

// switchToAIDisplay auto-corrects the process DISPLAY env var to the AI
// display, matching _switch_to_ai_display.
func (v *Verifier) switchToAIDisplay() {
	_ = os.Setenv("DISPLAY", v.aiDisplay)
}

// isDisplayFunctional shells out to xrandr to confirm the AI display
// actually answers, matching _verify_ai_display_functional.
func (v *Verifier) isDisplayFunctional(ctx context.Context, displayID string) bool {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "xrandr", "--listmonitors")
	cmd.Env = append(cmd.Env, "DISPLAY="+displayID)
	return cmd.Run() == nil
}

func (v *Verifier) checkProcessIsolation(ctx context.Context) bool {
	aiProcs, userProcs, err := v.classifyProcessesByDisplay(ctx)
	if err != nil {
		v.recordViolation(ViolationProcess, fmt.Sprintf("failed to enumerate processes: %v", err))
		return false
	}

	var interfering []string
	for name := range aiProcs {
		if userProcs[name] {
			interfering = append(interfering, name)
		}
	}
	if len(interfering) > 0 {
		v.recordViolation(ViolationProcess, fmt.Sprintf("interfering processes: %s", strings.Join(interfering, ", ")))
		return false
	}
	return true
}

// classifyProcessesByDisplay partitions running processes by DISPLAY
// environment variable, matching _get_ai_processes/_get_user_processes.
func (v *Verifier) classifyProcessesByDisplay(ctx context.Context) (ai, user map[string]bool, err error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, nil, err
	}

	ai = make(map[string]bool)
	user = make(map[string]bool)
	for _, p := range procs {
		name, nameErr := p.NameWithContext(ctx)
		if nameErr != nil || name == "" {
			continue
		}
		env, envErr := p.EnvironWithContext(ctx)
		if envErr != nil {
			continue
		}
		display := envValue(env, "DISPLAY")
		switch display {
		case v.aiDisplay:
			ai[name] = true
		case v.userDisplay, "":
			user[name] = true
		}
	}
	return ai, user, nil
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

func (v *Verifier) checkWindowIsolation(ctx context.Context) bool {
	aiWindows, err := v.windows.List(ctx, v.aiDisplay)
	if err != nil {
		aiWindows = nil
	}
	userWindows, err := v.windows.List(ctx, v.userDisplay)
	if err != nil {
		userWindows = nil
	}

	aiTitles := make(map[string]bool, len(aiWindows))
	for _, w := range aiWindows {
		aiTitles[w.Title] = true
	}
	for _, w := range userWindows {
		if aiTitles[w.Title] {
			v.recordViolation(ViolationWindow, fmt.Sprintf("overlapping window title: %s", w.Title))
			return false
		}
	}
	return true
}

func (v *Verifier) checkResourceIsolation(ctx context.Context) bool {
	cpu, memMB, err := v.aiProcessResourceUsage(ctx)
	if err != nil {
		v.recordViolation(ViolationResource, fmt.Sprintf("failed to measure AI process resources: %v", err))
		return true // measurement failure is a warning, not a block, matching the original
	}

	if cpu > v.budget.MaxCPUPercent {
		v.recordViolation(ViolationResource, fmt.Sprintf("high AI CPU usage: %.1f%%", cpu))
	}
	if memMB > v.budget.MaxMemoryMB {
		v.recordViolation(ViolationResource, fmt.Sprintf("high AI memory usage: %.1fMB", memMB))
	}
	return true
}

func (v *Verifier) aiProcessResourceUsage(ctx context.Context) (cpuPercent, memoryMB float64, err error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range procs {
		env, envErr := p.EnvironWithContext(ctx)
		if envErr != nil || envValue(env, "DISPLAY") != v.aiDisplay {
			continue
		}
		if pct, pctErr := p.CPUPercentWithContext(ctx); pctErr == nil {
			cpuPercent += pct
		}
		if mi, miErr := p.MemoryInfoWithContext(ctx); miErr == nil && mi != nil {
			memoryMB += float64(mi.RSS) / (1024 * 1024)
		}
	}
	return cpuPercent, memoryMB, nil
}

// recordViolation appends a bounded violation record and fires
// onMaxViolations exactly once the instant the count first exceeds the
// configured budget.
func (v *Verifier) recordViolation(kind ViolationKind, details string) {
	v.mu.Lock()
	v.violations = append(v.violations, Violation{Kind: kind, Details: details, At: time.Now(), Count: len(v.violations) + 1})
	if len(v.violations) > v.violationCap {
		v.violations = v.violations[len(v.violations)-v.violationCap:]
	}
	count := len(v.violations)
	callback := v.onMaxViolations
	publish := v.publish
	v.mu.Unlock()

	v.logger.Warn("isolation violation", "kind", kind, "details", details, "count", count)

	if publish != nil {
		publish(planmodel.NewEvent(planmodel.EventViolationDetected, "", map[string]any{
			"kind":    string(kind),
			"details": details,
			"count":   count,
		}))
	}

	if count == v.maxViolations+1 && callback != nil {
		v.logger.Error("maximum isolation violations exceeded", "max", v.maxViolations)
		callback()
	}
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Active           bool
	UserDisplay      string
	AIDisplay        string
	ViolationCount   int
	RecentViolations []Violation
}

// GetStatus returns a snapshot of current isolation state.
func (v *Verifier) GetStatus() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	recent := v.violations
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	out := make([]Violation, len(recent))
	copy(out, recent)

	return Status{
		Active:           v.active,
		UserDisplay:      v.userDisplay,
		AIDisplay:        v.aiDisplay,
		ViolationCount:   len(v.violations),
		RecentViolations: out,
	}
}

// ResetState clears the violation ledger and reactivates isolation,
// matching reset_isolation_state.
func (v *Verifier) ResetState() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.violations = nil
	v.active = true
}

// EmergencyIsolation terminates every process bound to the AI display,
// clears its windows, and marks isolation inactive, matching
// emergency_isolation.
func (v *Verifier) EmergencyIsolation(ctx context.Context) error {
	v.logger.Error("emergency isolation activated")

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return planmodel.NewCoreError(planmodel.ErrIsolationBreach, "failed to enumerate processes for emergency isolation", err)
	}

	terminated := 0
	for _, p := range procs {
		env, envErr := p.EnvironWithContext(ctx)
		if envErr != nil || envValue(env, "DISPLAY") != v.aiDisplay {
			continue
		}
		if termErr := p.TerminateWithContext(ctx); termErr == nil {
			terminated++
		}
	}
	v.logger.Info("terminated AI processes", "count", terminated)

	clearCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	clear := exec.CommandContext(clearCtx, "wmctrl", "-c", ":ACTIVE:")
	clear.Env = append(clear.Env, "DISPLAY="+v.aiDisplay)
	_ = clear.Run()

	v.mu.Lock()
	v.active = false
	v.mu.Unlock()
	return nil
}

// CheckApplicationPermission reports whether alias matches an entry in
// allowed, matching check_application_permission's substring semantics.
func CheckApplicationPermission(allowed map[string][]string, alias string) bool {
	lower := strings.ToLower(alias)
	for _, apps := range allowed {
		for _, a := range apps {
			if strings.Contains(lower, strings.ToLower(a)) {
				return true
			}
		}
	}
	return false
}

// Start launches the periodic isolation check on the given interval
// expression (robfig/cron "@every" syntax, e.g. "@every 5s"). An overlap
// guard (running) skips a tick if the previous check is still in flight.
func (v *Verifier) Start(ctx context.Context, every string) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(every, func() {
		if !v.running.CompareAndSwap(false, true) {
			return
		}
		defer v.running.Store(false)
		v.EnsureIsolation(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule isolation check: %w", err)
	}

	v.mu.Lock()
	v.cronSched = c
	v.mu.Unlock()

	c.Start()
	return nil
}

// Stop halts the periodic isolation check, waiting for any in-flight run
// to finish.
func (v *Verifier) Stop() {
	v.mu.Lock()
	c := v.cronSched
	v.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
