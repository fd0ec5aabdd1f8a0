// Command nexusd runs the Nexus GPU job scheduler control plane: the HTTP
// surface and the scheduler tick loop, backed by a single SQLite file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nexus/internal/config"
)

var homeFlag string

func main() {
	root := &cobra.Command{
		Use:   "nexusd",
		Short: "Nexus GPU job scheduler control plane",
	}
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "server home directory (overrides NEXUS_HOME)")

	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(homeFlag)
}
