// Package estop implements the Emergency Stop (C5): a latch that, on
// first trigger, runs a fixed six-step halt sequence and deduplicates any
// further trigger until explicitly reset. Grounded on emergency_stop.py's
// mutex-guarded emergency_triggered latch and its
// kill-processes/reset-env/notify sequence, and on procmgr.Manager's
// StopAll broadcast-then-force-kill idiom for step 4's child teardown.
package estop

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sentinelcore/internal/planmodel"
	"sentinelcore/pkg/logger"
)

// Source identifies what triggered the stop, carried in the
// EmergencyStop event's payload.
type Source string

const (
	SourceHotkey  Source = "hotkey"
	SourceManual  Source = "manual"
	SourceIsolation Source = "isolation_violation"
)

// ChildTerminator tears down AI-owned children (C1's display-owned
// processes). Abstracted behind an interface so estop does not import
// the display package directly — the composition root wires the real
// *display.Manager in.
type ChildTerminator interface {
	DestroyAll()
}

// Notifier performs the best-effort step-6 user notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// desktopNotifier shells out to notify-send, matching
// _send_emergency_notification's primary path.
type desktopNotifier struct{}

func (desktopNotifier) Notify(ctx context.Context, title, body string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(cctx, "notify-send", title, body, "--urgency=critical").Run()
}

// automationEnvVars are cleared on trigger, matching
// _reset_display_environment's automation_vars list.
var automationEnvVars = []string{"AI_DISPLAY", "AUTOMATION_ACTIVE", "TEMPLATE_DIR"}

// Stop is the emergency-stop latch. Zero value is not usable; construct
// with New.
type Stop struct {
	mu          sync.Mutex
	armed       bool
	triggered   bool
	hotkey      string
	userDisplay string

	stopRequested atomic.Bool

	subscribers []func(planmodel.Event)
	terminator  ChildTerminator
	notifier    Notifier

	// AutoReset, when true, clears the latch immediately after one
	// trigger sequence completes instead of requiring an explicit Reset
	// call. Default false per the spec's manual-reset-by-default
	// decision; a Policy may opt in per deployment.
	AutoReset bool
}

// New constructs a Stop bound to terminator (nil disables step 4) and
// notifier (nil uses the default desktop-notification backend).
func New(hotkey, userDisplay string, terminator ChildTerminator, notifier Notifier) *Stop {
	if notifier == nil {
		notifier = desktopNotifier{}
	}
	return &Stop{
		hotkey:      hotkey,
		userDisplay: userDisplay,
		terminator:  terminator,
		notifier:    notifier,
	}
}

// Arm enables the hotkey-triggered path; Trigger works regardless of Arm.
func (s *Stop) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	return nil
}

// Disarm disables the hotkey-triggered path without affecting a latch
// already tripped.
func (s *Stop) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
}

// IsArmed reports whether the hotkey path is currently enabled.
func (s *Stop) IsArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Subscribe registers fn to be called, isolated from other subscribers'
// panics, during step 3 of the trigger sequence.
func (s *Stop) Subscribe(fn func(planmodel.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// StopRequested is the flag C6/C7 must observe between actions and
// surrender on — a non-blocking read, per §4.6 step 1.
func (s *Stop) StopRequested() bool { return s.stopRequested.Load() }

// Trigger runs the six-step sequence exactly once per latch window. A
// second call before Reset is a deduplicated no-op, returning false.
func (s *Stop) Trigger(ctx context.Context, source Source) bool {
	s.mu.Lock()
	if s.triggered {
		s.mu.Unlock()
		return false
	}
	s.triggered = true
	s.mu.Unlock()

	logger.Errorf("emergency stop triggered (source=%s)", source)

	// Step 1: stop-requested flag, observed lock-free by C6/C7.
	s.stopRequested.Store(true)

	// Step 2: broadcast EmergencyStop{source}.
	ev := planmodel.NewEvent(planmodel.EventEmergencyStop, "", map[string]any{"source": string(source)})

	// Step 3: invoke every subscriber, isolating failures.
	s.mu.Lock()
	subs := append([]func(planmodel.Event){}, s.subscribers...)
	s.mu.Unlock()
	for _, fn := range subs {
		s.safeNotify(fn, ev)
	}

	// Step 4: terminate AI-owned children.
	if s.terminator != nil {
		s.terminator.DestroyAll()
	}

	// Step 5: restore display environment.
	s.resetDisplayEnvironment()

	// Step 6: best-effort desktop notification.
	if err := s.notifier.Notify(ctx, "Emergency Stop", "Desktop automation has been stopped"); err != nil {
		logger.Warnf("emergency stop notification failed: %v", err)
	}

	logger.Errorf("emergency stop sequence completed")

	if s.AutoReset {
		s.Reset()
	}
	return true
}

func (s *Stop) safeNotify(fn func(planmodel.Event), ev planmodel.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("emergency stop subscriber panicked: %v", r)
		}
	}()
	fn(ev)
}

func (s *Stop) resetDisplayEnvironment() {
	_ = os.Setenv("DISPLAY", s.userDisplay)
	for _, v := range automationEnvVars {
		_ = os.Unsetenv(v)
	}
	logger.Infof("display environment reset to %s", s.userDisplay)
}

// Reset clears the trigger latch and the stop-requested flag, re-arming
// the system for a fresh trigger. Manual-reset is the default flow per
// the spec's emergency-stop recovery decision; only an operator action
// (CLI, UI button) should call this.
func (s *Stop) Reset() {
	s.mu.Lock()
	s.triggered = false
	s.mu.Unlock()
	s.stopRequested.Store(false)
	logger.Infof("emergency stop state reset")
}

// IsTriggered reports whether the latch is currently tripped.
func (s *Stop) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// ParseHotkey validates a hotkey string of the form "F1".."F12" or a
// small set of named keys, matching _parse_key's accepted vocabulary.
// It does not bind an OS-level listener — the caller's input source
// reports raw key names and this only validates the configured hotkey
// is one Trigger's caller could plausibly recognize.
func ParseHotkey(key string) bool {
	upper := strings.ToUpper(key)
	if strings.HasPrefix(upper, "F") && len(upper) > 1 {
		if n, ok := parsePositiveInt(upper[1:]); ok && n >= 1 && n <= 12 {
			return true
		}
	}
	switch upper {
	case "ESC", "ESCAPE", "CTRL", "ALT", "SHIFT", "TAB", "SPACE", "ENTER", "DELETE", "BACKSPACE":
		return true
	}
	return len(key) == 1
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
