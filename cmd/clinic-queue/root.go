package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic-queue",
		Short: "Walk-in patient queue for clinic front desks",
		Long: `clinic-queue issues per-clinic daily ticket numbers, moves tickets through
waiting, in_progress, finished and absent, and pushes every change to
display boards and clinic stations.

Configuration is read from QUEUE_CONFIG (a YAML file) and the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}
