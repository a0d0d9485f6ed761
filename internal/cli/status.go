package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"sentinelcore/internal/activity"
	"sentinelcore/internal/display"
	"sentinelcore/internal/isolation"
	"sentinelcore/internal/planmodel"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// verdictColor highlights a non-safe verdict in red on an interactive
// terminal; redirected output (a log file, a pipe) gets plain text.
func verdictColor(v planmodel.SafetyVerdict) string {
	s := string(v)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	if v == planmodel.VerdictSafe {
		return "\x1b[32m" + s + "\x1b[0m"
	}
	return "\x1b[31m" + s + "\x1b[0m"
}

// NewStatusCmd creates the status command: a point-in-time read of the
// Activity Monitor and Isolation Verifier without running any task.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report current activity level and isolation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("status: CLI context not initialized")
			}
			return runStatus(cmd.Context(), cliCtx)
		},
	}
}

func runStatus(ctx context.Context, cliCtx *CLIContext) error {
	cfg := cliCtx.Config

	monitor := activity.NewMonitor(cfg.Policy.CriticalProcesses)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	level := monitor.ActivityLevel(cctx)
	verdict := monitor.IsSafeForAIActivity(cctx)

	fmt.Printf("activity level:   %s\n", level)
	fmt.Printf("safety verdict:   %s\n", verdictColor(verdict))
	fmt.Printf("user in critical: %v\n", monitor.IsUserInCriticalTask(cctx))
	fmt.Printf("user presenting:  %v\n", monitor.IsUserPresenting(cctx))

	verifier := isolation.NewVerifier(display.UserDisplay, cfg.Display.AIDisplayID, cfg.Policy.MaxViolations, nil, nil)
	isolated := verifier.EnsureIsolation(cctx)
	st := verifier.GetStatus()
	fmt.Printf("isolated:         %v\n", isolated)
	fmt.Printf("violation count:  %d\n", st.ViolationCount)

	return nil
}
