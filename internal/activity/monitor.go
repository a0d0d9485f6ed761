// Package activity implements the Activity Monitor (C2): classifying how
// busy the real user currently is, and gating whether it is safe for the
// automation core to act at all. Grounded on UserActivityMonitor's
// threshold table and process-scanning checks, reimplemented against
// gopsutil for CPU/memory/process introspection instead of psutil, and
// exposing RecordMouseActivity/RecordKeyboardActivity hooks in place of a
// pynput listener — this module does not own an input-hook backend, the
// caller wires whatever desktop input source it has into those hooks.
package activity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"sentinelcore/internal/planmodel"
)

// Thresholds are the idle/light/intensive cutoffs from §4.2, as durations
// since the last recorded input event.
type Thresholds struct {
	Idle       time.Duration
	Light      time.Duration
	Intensive  time.Duration
}

// DefaultThresholds matches the original's activity_threshold table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Idle:      300 * time.Second,
		Light:     60 * time.Second,
		Intensive: 10 * time.Second,
	}
}

// ResourceLimits bound VM resource consumption before automation is
// considered unsafe, matching vm_resource_limits.
type ResourceLimits struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

// DefaultResourceLimits matches the original's 80%/90% caps.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{MaxCPUPercent: 80.0, MaxMemoryPercent: 90.0}
}

var defaultPresentationIndicators = []string{
	"libreoffice-impress",
	"soffice.bin --impress",
	"powerpoint.exe",
	"keynote",
	"zoom --fullscreen",
	"teams --presentation",
}

// Monitor tracks recency of user input and current resource pressure to
// decide whether automation may safely run.
type Monitor struct {
	mu sync.RWMutex

	lastMouse    time.Time
	lastKeyboard time.Time

	thresholds            Thresholds
	limits                ResourceLimits
	criticalProcesses     []string
	presentationIndicators []string

	lowActivityCPUFloor      float64
	intensiveActivityCPUFloor float64

	now func() time.Time

	subscribers  []func(planmodel.ActivityLevel, planmodel.SafetyVerdict)
	lastLevel    planmodel.ActivityLevel
	lastVerdict  planmodel.SafetyVerdict
	haveObserved bool
}

// Subscribe registers fn to be called, in order, whenever IsSafeForAIActivity
// observes a different activity level or safety verdict than the previous
// call — the C2 contract's fourth primitive alongside current_level,
// safety_verdict and wait_for_safe.
func (m *Monitor) Subscribe(fn func(level planmodel.ActivityLevel, verdict planmodel.SafetyVerdict)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// notifyIfChanged fires every subscriber the first time a level/verdict
// pair is observed, and again each time either value differs from the
// previous observation.
func (m *Monitor) notifyIfChanged(level planmodel.ActivityLevel, verdict planmodel.SafetyVerdict) {
	m.mu.Lock()
	changed := !m.haveObserved || level != m.lastLevel || verdict != m.lastVerdict
	if changed {
		m.lastLevel = level
		m.lastVerdict = verdict
		m.haveObserved = true
	}
	subs := append([]func(planmodel.ActivityLevel, planmodel.SafetyVerdict){}, m.subscribers...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(level, verdict)
	}
}

// NewMonitor constructs a Monitor with the given critical-process list
// (lowercased process names/cmdline fragments that must never be
// interrupted by automation).
func NewMonitor(criticalProcesses []string) *Monitor {
	return &Monitor{
		lastMouse:                time.Now(),
		lastKeyboard:             time.Now(),
		thresholds:               DefaultThresholds(),
		limits:                   DefaultResourceLimits(),
		criticalProcesses:        criticalProcesses,
		presentationIndicators:   append([]string{}, defaultPresentationIndicators...),
		lowActivityCPUFloor:      20.0,
		intensiveActivityCPUFloor: 5.0,
		now:                      time.Now,
	}
}

// RecordMouseActivity marks the current instant as the last mouse event.
func (m *Monitor) RecordMouseActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	m.lastMouse = t
}

// RecordKeyboardActivity marks the current instant as the last keyboard
// event.
func (m *Monitor) RecordKeyboardActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	m.lastKeyboard = t
}

// SetThresholds overrides the default idle/light/intensive cutoffs.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// ActivityLevel classifies current user activity, defaulting to
// ActivityIntensive (the conservative choice) on any measurement error.
func (m *Monitor) ActivityLevel(ctx context.Context) planmodel.ActivityLevel {
	m.mu.RLock()
	lastMouse, lastKeyboard := m.lastMouse, m.lastKeyboard
	th := m.thresholds
	m.mu.RUnlock()

	now := m.now()
	mouseIdle := now.Sub(lastMouse)
	keyboardIdle := now.Sub(lastKeyboard)

	cpuPercent, err := m.userProcessCPU(ctx)
	if err != nil {
		return planmodel.ActivityIntensive
	}

	if mouseIdle > th.Idle && keyboardIdle > th.Idle && cpuPercent < m.intensiveActivityCPUFloor {
		return planmodel.ActivityIdle
	}
	if mouseIdle > th.Light || keyboardIdle > th.Light || cpuPercent < m.lowActivityCPUFloor {
		return planmodel.ActivityLight
	}
	return planmodel.ActivityIntensive
}

// userProcessCPU sums per-process CPU percent across all processes,
// approximating the original's "exclude system processes" filter by
// summing everything — gopsutil does not expose a portable per-user
// process owner the way psutil's username field does, so this tracks
// aggregate CPU pressure rather than per-user CPU, which is the signal
// ActivityLevel actually needs.
func (m *Monitor) userProcessCPU(ctx context.Context) (float64, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percent) == 0 {
		return 0, err
	}
	return percent[0], nil
}

// IsUserInCriticalTask reports whether a process matching the critical
// list is currently running, defaulting to true (assume critical) on any
// measurement error, per the original's safety-first fallback.
func (m *Monitor) IsUserInCriticalTask(ctx context.Context) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return true
	}
	m.mu.RLock()
	critical := m.criticalProcesses
	m.mu.RUnlock()

	return anyProcessMatches(ctx, procs, critical)
}

// IsUserPresenting reports whether the user appears to be running a
// presentation, defaulting to true on any measurement error.
func (m *Monitor) IsUserPresenting(ctx context.Context) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return true
	}
	m.mu.RLock()
	indicators := m.presentationIndicators
	m.mu.RUnlock()

	return anyProcessMatches(ctx, procs, indicators)
}

func anyProcessMatches(ctx context.Context, procs []*process.Process, needles []string) bool {
	for _, p := range procs {
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		haystack := strings.ToLower(name + " " + cmdline)
		for _, needle := range needles {
			if needle == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(needle)) {
				return true
			}
		}
	}
	return false
}

// VMResources is a point-in-time resource snapshot, matching
// check_vm_resources's return shape.
type VMResources struct {
	CPUPercent    float64
	MemoryPercent float64
}

// CheckVMResources samples current CPU and memory pressure, defaulting to
// maximum (100%) on any measurement error so callers fail closed.
func (m *Monitor) CheckVMResources(ctx context.Context) VMResources {
	cpuPercent, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		return VMResources{CPUPercent: 100, MemoryPercent: 100}
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return VMResources{CPUPercent: cpuPercent[0], MemoryPercent: 100}
	}
	return VMResources{CPUPercent: cpuPercent[0], MemoryPercent: vm.UsedPercent}
}

// IsVMResourcesAvailable reports whether current resource pressure is
// within the configured limits.
func (m *Monitor) IsVMResourcesAvailable(ctx context.Context) bool {
	r := m.CheckVMResources(ctx)
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()
	return r.CPUPercent <= limits.MaxCPUPercent && r.MemoryPercent <= limits.MaxMemoryPercent
}

// IsSafeForAIActivity runs the full §4.2 safety gate in order — activity
// level, critical task, resource availability, presentation — and returns
// the first blocking verdict, or VerdictSafe if none block.
func (m *Monitor) IsSafeForAIActivity(ctx context.Context) planmodel.SafetyVerdict {
	level := m.ActivityLevel(ctx)
	verdict := m.evaluateVerdict(ctx, level)
	m.notifyIfChanged(level, verdict)
	return verdict
}

func (m *Monitor) evaluateVerdict(ctx context.Context, level planmodel.ActivityLevel) planmodel.SafetyVerdict {
	if level == planmodel.ActivityIntensive {
		return planmodel.VerdictBlockedByActivity
	}
	if m.IsUserInCriticalTask(ctx) {
		return planmodel.VerdictBlockedByCriticalApp
	}
	if !m.IsVMResourcesAvailable(ctx) {
		return planmodel.VerdictBlockedByResources
	}
	if m.IsUserPresenting(ctx) {
		return planmodel.VerdictBlockedByPresentation
	}
	return planmodel.VerdictSafe
}

// WaitForSafeMoment polls IsSafeForAIActivity until it returns
// VerdictSafe, ctx is cancelled, or timeout elapses, returning the verdict
// observed at the stopping point.
func (m *Monitor) WaitForSafeMoment(ctx context.Context, timeout time.Duration) planmodel.SafetyVerdict {
	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		verdict := m.IsSafeForAIActivity(ctx)
		if verdict == planmodel.VerdictSafe {
			return verdict
		}
		if m.now().After(deadline) {
			return verdict
		}
		select {
		case <-ctx.Done():
			return verdict
		case <-ticker.C:
		}
	}
}
