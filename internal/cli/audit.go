package cli

import (
	"encoding/json"
	"fmt"

	"sentinelcore/internal/storage"

	"github.com/spf13/cobra"
)

// NewAuditCmd creates the dump-audit command: reads the durable audit
// trail a policy.Guard's Sink has mirrored to storage, independent of
// the in-memory ring's bounded retention.
func NewAuditCmd() *cobra.Command {
	var taskID string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "dump-audit",
		Short: "Dump the durable audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("dump-audit: CLI context not initialized")
			}

			db, err := cliCtx.GetStorage()
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}

			var entries []*storage.AuditEntry
			if taskID != "" {
				entries, err = db.ListAuditRecords(taskID, limit)
			} else {
				entries, err = db.ListAllAuditRecords(limit)
			}
			if err != nil {
				return fmt.Errorf("list audit records: %w", err)
			}

			if jsonOutput {
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%s  %-8s %-22s allowed=%-5v threat=%-10s %s\n",
					e.CreatedAt.Format("2006-01-02T15:04:05"), e.TaskID, e.ActionKind, e.Allowed, e.Threat, e.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "limit to a single task id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to print (0 = unbounded)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
