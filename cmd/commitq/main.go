package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commitq",
		Short: "Commit queue for code reviews",
		Long:  "commitq verifies approved changes (review, presubmit, try jobs, tree status) and lands them automatically",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:7474", "daemon server address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCycleCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(lkgrCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
