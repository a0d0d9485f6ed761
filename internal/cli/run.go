package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"sentinelcore/internal/activity"
	"sentinelcore/internal/display"
	"sentinelcore/internal/estop"
	"sentinelcore/internal/eventbus"
	"sentinelcore/internal/executor"
	"sentinelcore/internal/isolation"
	"sentinelcore/internal/orchestrator"
	"sentinelcore/internal/planmodel"
	"sentinelcore/internal/planner"
	"sentinelcore/internal/policy"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// boundScreenshotter adapts display.Manager.Screenshot (which needs a
// *display.Handle) to executor.Screenshotter's handle-less signature —
// the handle is fixed for the lifetime of one `run` invocation.
type boundScreenshotter struct {
	mgr    *display.Manager
	handle *display.Handle
}

func (b boundScreenshotter) Screenshot(ctx context.Context, outputPath string) error {
	return b.mgr.Screenshot(ctx, b.handle, outputPath)
}

// boundLauncher adapts display.Manager.LaunchOn the same way for
// executor.Launcher.
type boundLauncher struct {
	mgr    *display.Manager
	handle *display.Handle
}

func (b boundLauncher) LaunchOn(ctx context.Context, alias string, args ...string) error {
	_, err := b.mgr.LaunchOn(ctx, b.handle, alias, args...)
	return err
}

// NewRunCmd creates the run command: it drives one intent through the
// full safety core, from display creation to a terminal PlanExecution.
func NewRunCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "run <intent>",
		Short: "Run one automation intent through the safety core",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("run: CLI context not initialized")
			}
			return runIntent(cmd.Context(), cliCtx, args[0], agentID)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "cli", "requester agent id recorded in the audit trail")

	return cmd
}

func runIntent(ctx context.Context, cliCtx *CLIContext, intent, agentID string) error {
	cfg := cliCtx.Config
	pol := cfg.Policy

	db, err := cliCtx.GetStorage()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	guard := policy.NewGuard(&pol)
	guard.SetSink(db)

	bus := eventbus.New()
	sub := bus.Subscribe(func(ev planmodel.Event) {
		fmt.Printf("[%s] %s\n", ev.Kind, ev.TaskID)
	}, 32)
	defer bus.Unsubscribe(sub)

	displayMgr := display.NewManager(nil, nil)
	displayMgr.SetPublisher(bus.Publish)
	handle, err := displayMgr.CreateAIDisplay(ctx, cfg.Display.AIDisplayID, "")
	if err != nil {
		return fmt.Errorf("create AI display: %w", err)
	}
	defer displayMgr.Destroy(handle)

	stop := estop.New(pol.EmergencyHotkey, display.UserDisplay, displayMgr, nil)
	stop.Subscribe(bus.Publish)
	if err := stop.Arm(); err != nil {
		return fmt.Errorf("arm emergency stop: %w", err)
	}

	monitor := activity.NewMonitor(pol.CriticalProcesses)

	verifier := isolation.NewVerifier(display.UserDisplay, handle.ID, pol.MaxViolations, func() {
		stop.Trigger(ctx, estop.SourceIsolation)
	}, slog.Default())
	verifier.SetPublisher(bus.Publish)
	if err := verifier.Start(ctx, fmt.Sprintf("@every %s", cfg.Isolation.Interval)); cfg.Isolation.Enabled && err != nil {
		return fmt.Errorf("start isolation verifier: %w", err)
	}
	defer verifier.Stop()

	screenshotPath := filepath.Join(cfg.Executor.ScreenshotDir, "sentinelcore-screen.png")
	if cfg.Executor.ScreenshotDir == "" {
		screenshotPath = filepath.Join(os.TempDir(), "sentinelcore-screen.png")
	}

	shooter := boundScreenshotter{mgr: displayMgr, handle: handle}
	launcher := boundLauncher{mgr: displayMgr, handle: handle}

	backend := planner.NewHTTPBackend(cfg.Planner.Endpoint, cfg.Planner.APIKeyEnv, cfg.Planner.Timeout)

	exec := executor.New(executor.Config{
		AIDisplayID:   handle.ID,
		ClickDelay:    cfg.Executor.ClickDelay,
		TypeInterval:  cfg.Executor.TypeInterval,
		ScreenshotDir: cfg.Executor.ScreenshotDir,
	}, monitor, guard, stop, shooter, launcher, executor.NewXdotoolInjector(), planner.NewHTTPTemplateMatcher(backend))

	facade := planner.New(backend, &pol, cfg.Planner.Timeout)
	perceiver := planner.NewHTTPPerceiver(backend, shooter, screenshotPath)

	orch := orchestrator.New(bus, exec, facade, perceiver, monitor, stop, orchestrator.Config{
		MaxRetries:             cfg.Orchestrator.MaxRetries,
		MaxAdaptations:         cfg.Orchestrator.MaxAdaptations,
		WaitForSafe:            cfg.Orchestrator.WaitForSafe,
		ViolationRateWindow:    cfg.Orchestrator.ViolationRateWindow,
		ViolationRateThreshold: cfg.Orchestrator.ViolationRateThreshold,
	})

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	requester := planmodel.Requester{TaskID: uuid.New().String(), AgentID: agentID}
	sys := planmodel.SystemContext{OS: "linux", DisplayServer: "x11"}

	pe, runErr := orch.RunTask(runCtx, requester, intent, sys)
	if pe != nil {
		fmt.Printf("task %s finished: %s\n", requester.TaskID, pe.Status)
	}
	if runErr != nil {
		return fmt.Errorf("run task: %w", runErr)
	}
	return nil
}
