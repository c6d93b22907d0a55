package cli

import (
	"github.com/railzwaylabs/dirsync/internal/app"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Apply, roll back or inspect the operation store schema",
		Long: "Manages the Postgres schema holding discrepancies, remediation operations,\n" +
			"attempts, conflict records, schedules and runs. With DB_TYPE=memory there\n" +
			"is nothing to migrate and the command exits cleanly.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			return app.RunMigrations(action)
		},
	}

	return cmd
}
