// Package display implements the Display Manager (C1): creation,
// screenshotting, app-launch and teardown of a virtual X display isolated
// from the user's session. Grounded on the original VirtualDisplayManager
// (alternative-display probing order, lock-file bookkeeping, Xvfb flags,
// created_by_us tracking) reimplemented with the teacher procmgr.Manager's
// supervised-subprocess idiom (exec.CommandContext bound to a manager-owned
// context, a per-process exit channel, graceful-then-group-kill teardown).
package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"sentinelcore/internal/planmodel"
	"sentinelcore/pkg/logger"
)

// UserDisplay is the default real-user display, never a valid AI display.
const UserDisplay = ":0"

// alternativeDisplays is the probing order used before the caller's
// preferred id, so a fresh AI display avoids colliding with whatever the
// user session already occupies. Ported verbatim from the original's
// _find_available_display.
var alternativeDisplays = []string{":10", ":20", ":30", ":99", ":1"}

// Handle is a DisplayHandle: only displays with CreatedByUs=true may be
// torn down by the Manager.
type Handle struct {
	ID           string
	Resolution   string
	CreatedByUs  bool
	process      *os.Process
	cmd          *exec.Cmd
	exitCh       chan error
}

// Prober checks whether a display id is free (no X server answering) and
// whether an already-started display has become ready. Abstracted behind
// an interface so tests can avoid depending on xdpyinfo being installed.
type Prober interface {
	IsAvailable(ctx context.Context, displayID string) bool
	IsReady(ctx context.Context, displayID string) bool
}

// Screenshotter captures the framebuffer of a display to a file, trying a
// chain of external tools.
type Screenshotter interface {
	Capture(ctx context.Context, displayID, outputPath string) error
}

// Manager owns every display it creates. It never tears down a display
// it did not create, tracked in createdByUs.
type Manager struct {
	mu          sync.Mutex
	handles     map[string]*Handle
	createdByUs map[string]bool
	tmpDir      string
	prober      Prober
	shooter     Screenshotter

	aliasTable map[string][]string // alias -> argv override

	publish func(planmodel.Event)
}

// SetPublisher wires pub to be invoked with DisplayReady/DisplayLost events
// on successful CreateAIDisplay/Destroy calls, so the caller can bridge
// them onto the shared event bus (§3's Event tagged variant). Nil is safe
// and means no publication.
func (m *Manager) SetPublisher(pub func(planmodel.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish = pub
}

func (m *Manager) emit(kind planmodel.EventKind, displayID string) {
	m.mu.Lock()
	pub := m.publish
	m.mu.Unlock()
	if pub == nil {
		return
	}
	pub(planmodel.NewEvent(kind, "", map[string]any{"display_id": displayID}))
}

// NewManager constructs a Manager. prober/shooter may be nil to use the
// default xdpyinfo/scrot-or-import-backed implementations.
func NewManager(prober Prober, shooter Screenshotter) *Manager {
	if prober == nil {
		prober = xdpyinfoProber{}
	}
	if shooter == nil {
		shooter = chainScreenshotter{}
	}
	return &Manager{
		handles:     make(map[string]*Handle),
		createdByUs: make(map[string]bool),
		tmpDir:      os.TempDir(),
		prober:      prober,
		shooter:     shooter,
		aliasTable: map[string][]string{
			"file_manager": {"thunar", "--no-daemon"},
			"browser":      {"firefox-esr", "--new-instance", "--no-remote"},
		},
	}
}

// CreateAIDisplay creates a virtual display for AI automation, per §4.1.
func (m *Manager) CreateAIDisplay(ctx context.Context, preferredID, resolution string) (*Handle, error) {
	if preferredID == "" {
		preferredID = ":1"
	}
	if resolution == "" {
		resolution = "1920x1080"
	}

	displayID := m.findAvailableDisplay(ctx, preferredID)
	if displayID == "" {
		return nil, planmodel.NewCoreError(planmodel.ErrDisplayUnavailable, "no available display found", nil)
	}

	handle, err := m.spawn(ctx, displayID, resolution)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.handles[displayID] = handle
	m.createdByUs[displayID] = true
	m.mu.Unlock()

	logger.Infof("display: AI display ready at %s", displayID)
	m.emit(planmodel.EventDisplayReady, displayID)
	return handle, nil
}

func (m *Manager) findAvailableDisplay(ctx context.Context, preferred string) string {
	current := os.Getenv("DISPLAY")
	if current == "" {
		current = UserDisplay
	}

	for _, candidate := range alternativeDisplays {
		if candidate == current {
			continue
		}
		if m.prober.IsAvailable(ctx, candidate) {
			return candidate
		}
	}
	if preferred != current && m.prober.IsAvailable(ctx, preferred) {
		return preferred
	}
	return ""
}

func (m *Manager) spawn(ctx context.Context, displayID, resolution string) (*Handle, error) {
	m.removeLockFiles(displayID)

	cmd := exec.CommandContext(ctx, "Xvfb", displayID,
		"-screen", "0", fmt.Sprintf("%sx24", resolution),
		"-ac", "+extension", "GLX", "+render", "-noreset",
		"-nolisten", "tcp", // security: disable TCP connections
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, planmodel.NewCoreError(planmodel.ErrDisplayUnavailable, "failed to start Xvfb", err)
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	const maxAttempts = 10
	const pollInterval = 500 * time.Millisecond
	ready := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case err := <-exitCh:
			return nil, planmodel.NewCoreError(planmodel.ErrDisplayUnavailable, "Xvfb exited before becoming ready", err)
		case <-time.After(pollInterval):
		}
		if m.prober.IsReady(ctx, displayID) {
			ready = true
			break
		}
	}

	if !ready {
		_ = cmd.Process.Kill()
		m.removeLockFiles(displayID)
		return nil, planmodel.NewCoreError(planmodel.ErrDisplayUnavailable, fmt.Sprintf("display %s failed to become ready", displayID), nil)
	}

	handle := &Handle{
		ID:          displayID,
		Resolution:  resolution,
		CreatedByUs: true,
		process:     cmd.Process,
		cmd:         cmd,
		exitCh:      exitCh,
	}
	m.setupContent(ctx, displayID)
	return handle, nil
}

func (m *Manager) setupContent(ctx context.Context, displayID string) {
	_ = exec.CommandContext(ctx, "xsetroot", "-display", displayID, "-solid", "#2d2d2d").Run()
	wm := exec.CommandContext(ctx, "openbox", "--replace")
	wm.Env = append(os.Environ(), "DISPLAY="+displayID)
	_ = wm.Start()
}

func (m *Manager) removeLockFiles(displayID string) {
	num := displayNumber(displayID)
	for _, p := range []string{
		filepath.Join(m.tmpDir, fmt.Sprintf(".X%s-lock", num)),
		filepath.Join(m.tmpDir, ".X11-unix", "X"+num),
	} {
		_ = os.Remove(p)
	}
}

func displayNumber(displayID string) string {
	if len(displayID) > 1 && displayID[0] == ':' {
		return displayID[1:]
	}
	return "0"
}

// Screenshot captures the framebuffer of handle's display.
func (m *Manager) Screenshot(ctx context.Context, handle *Handle, outputPath string) error {
	if err := m.shooter.Capture(ctx, handle.ID, outputPath); err != nil {
		return planmodel.NewCoreError(planmodel.ErrInternal, "screenshot failed", err)
	}
	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return planmodel.NewCoreError(planmodel.ErrInternal, "screenshot output missing or empty", err)
	}
	return nil
}

// LaunchOn spawns alias on handle's display, refusing the user display and
// special-casing a small alias table for safer argument forms.
func (m *Manager) LaunchOn(ctx context.Context, handle *Handle, alias string, extraArgs ...string) (*os.Process, error) {
	if handle.ID == UserDisplay {
		return nil, planmodel.NewCoreError(planmodel.ErrPolicyDenied, "refusing to launch on user display", nil)
	}

	argv, ok := m.aliasTable[alias]
	if !ok {
		argv = []string{alias}
	}
	argv = append(append([]string{}, argv...), extraArgs...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = withDisplayEnv(os.Environ(), handle.ID)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, planmodel.NewCoreError(planmodel.ErrInternal, fmt.Sprintf("failed to launch %s", alias), err)
	}
	return cmd.Process, nil
}

// withDisplayEnv returns env with DISPLAY set to displayID and any
// Wayland compositor override stripped, per the external-interface
// requirement that the user display is never visible to a spawned child.
func withDisplayEnv(env []string, displayID string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if len(kv) >= 8 && kv[:8] == "DISPLAY=" {
			continue
		}
		if len(kv) >= 16 && kv[:16] == "WAYLAND_DISPLAY=" {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "DISPLAY="+displayID)
}

// IsAlive reports whether the display's Xvfb process is still running.
func (m *Manager) IsAlive(handle *Handle) bool {
	if handle == nil || handle.cmd == nil || handle.cmd.Process == nil {
		return false
	}
	select {
	case <-handle.exitCh:
		return false
	default:
		return true
	}
}

// Destroy tears down handle, refusing to act on a display this manager did
// not create.
func (m *Manager) Destroy(handle *Handle) error {
	m.mu.Lock()
	if !m.createdByUs[handle.ID] {
		m.mu.Unlock()
		return planmodel.NewCoreError(planmodel.ErrInternal, "refusing to destroy a display we did not create", nil)
	}
	m.mu.Unlock()

	if handle.process != nil {
		_ = handle.process.Signal(os.Interrupt)
		select {
		case <-handle.exitCh:
		case <-time.After(3 * time.Second):
			killProcessGroup(handle.cmd)
		}
	}

	m.mu.Lock()
	m.removeLockFiles(handle.ID)
	delete(m.handles, handle.ID)
	delete(m.createdByUs, handle.ID)
	m.mu.Unlock()

	m.emit(planmodel.EventDisplayLost, handle.ID)
	return nil
}

// DestroyAll tears down every display this manager created, leaving any
// pre-existing display untouched.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.createdByUs))
	for id := range m.createdByUs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		h := m.handles[id]
		m.mu.Unlock()
		if h != nil {
			_ = m.Destroy(h)
		}
	}
}

// CreatedByUs reports whether displayID was created by this manager — the
// invariant C1's teardown path must never violate.
func (m *Manager) CreatedByUs(displayID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdByUs[displayID]
}
