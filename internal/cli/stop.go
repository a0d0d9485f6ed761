package cli

import (
	"context"
	"fmt"

	"sentinelcore/internal/display"
	"sentinelcore/internal/estop"

	"github.com/spf13/cobra"
)

// NewStopCmd creates the stop command: a manual emergency stop that runs
// the six-step halt sequence in this process. The sequence uses a fresh
// display.Manager, which owns no displays, so it does not tear down an AI
// display or children started by another `run` process; it resets this
// process's display environment and sends the desktop notification.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Manually trigger the emergency stop sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("stop: CLI context not initialized")
			}
			return runStop(cmd.Context(), cliCtx)
		},
	}
}

func runStop(ctx context.Context, cliCtx *CLIContext) error {
	cfg := cliCtx.Config

	displayMgr := display.NewManager(nil, nil)
	stop := estop.New(cfg.Policy.EmergencyHotkey, display.UserDisplay, displayMgr, nil)

	if ok := stop.Trigger(ctx, estop.SourceManual); !ok {
		return fmt.Errorf("stop: already triggered")
	}

	fmt.Println("emergency stop triggered")
	return nil
}
