package cli

import (
	"encoding/json"
	"fmt"

	"sentinelcore/internal/config"

	"github.com/spf13/cobra"
)

// NewPolicyCmd creates the policy command group.
func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and reload the safety policy",
	}

	cmd.AddCommand(newPolicyReloadCmd())
	cmd.AddCommand(newPolicyShowCmd())

	return cmd
}

func newPolicyReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the policy section of the config file without restarting",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := config.ReloadPolicy()
			if err != nil {
				return fmt.Errorf("reload policy: %w", err)
			}
			fmt.Printf("policy reloaded: strict_mode=%v allowed_applications=%d blocked_patterns=%d\n",
				pol.StrictMode, len(pol.AllowedApps), len(pol.BlockedPatterns))
			return nil
		},
	}
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the currently loaded policy as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("policy show: CLI context not initialized")
			}
			data, err := json.MarshalIndent(cliCtx.Config.Policy, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
