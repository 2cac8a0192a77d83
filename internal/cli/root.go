// Package cli wires the masterd commands: the long-running serve command plus
// local pipeline execution and remote control of a running master.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"masterd/internal/buildinfo"
)

func Execute() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "masterd",
		Short:        "Prefork worker-pool supervisor with a delivery pipeline engine",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		serveCmd(),
		checkCmd(),
		runCmd(),
		statusCmd(),
		triggerCmd(),
		runsCmd(),
		reloadCmd(),
		stopCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(buildinfo.String())
		},
	}
}
