// Command gridkit runs the spreadsheet data engine: a daemon serving the
// engine API over a unix socket, plus client subcommands for applying
// actions and inspecting tables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set by the build via -ldflags.
	version = "dev"

	flagConfig string
	flagSocket string
)

func main() {
	root := &cobra.Command{
		Use:           "gridkit",
		Short:         "Spreadsheet data engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default gridkit.yaml)")
	root.PersistentFlags().StringVar(&flagSocket, "socket", "", "daemon socket path (overrides config)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newApplyCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newSchemaCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gridkit: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gridkit version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
