package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/railzwaylabs/dirsync/internal/app"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		mode   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "run <connector_id>",
		Short: "Run one reconciliation of a connector and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.RunOnce(ctx, args[0], mode, dryRun)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "Reconciliation mode (full or delta)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Detect discrepancies without persisting them")

	return cmd
}
