package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "controller",
		Short: "gridmr job controller",
		Long: `The gridmr controller tracks job and task lifecycles, hands attempts to
polling executors and drives the two-phase output commit protocol.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	root.AddCommand(buildServeCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildKillCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
