package cli

import (
	"errors"

	"github.com/railzwaylabs/dirsync/internal/app"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		migrateFirst bool
		opts         app.ServeOptions
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation API with the operation worker and run scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DisableWorker && opts.DisableScheduler && opts.DisableAPI {
				return errors.New("serve: nothing to run, every component is disabled")
			}
			if migrateFirst {
				if err := app.RunMigrations("up"); err != nil {
					return err
				}
			}

			app.RunServer(opts)
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Apply operation store migrations before starting")
	cmd.Flags().BoolVar(&opts.DisableAPI, "no-api", false, "Do not serve the HTTP API")
	cmd.Flags().BoolVar(&opts.DisableWorker, "no-worker", false, "Do not execute due remediation operations")
	cmd.Flags().BoolVar(&opts.DisableScheduler, "no-scheduler", false, "Do not fire scheduled reconciliation runs")

	return cmd
}
