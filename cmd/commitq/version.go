package main

import (
	"fmt"

	"github.com/commitq-dev/commitq/internal/version"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show commitq version",
		Run: func(cmd *cobra.Command, args []string) {
			if verbose {
				fmt.Printf("commitq %s\n", version.Full())
				return
			}
			fmt.Printf("commitq %s\n", version.Version)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include the commit timestamp")
	return cmd
}
