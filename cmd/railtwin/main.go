// Command railtwin runs the rail network digital twin: an HTTP/websocket
// server over simulation runs, or a headless simulation printing snapshots.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "railtwin",
		Short:         "Rail network digital twin with conflict resolution",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file (defaults apply when empty)")
	root.AddCommand(newServeCmd(), newSimulateCmd())
	return root
}
