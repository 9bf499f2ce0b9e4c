package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arimxyer/cerberus-storage/internal/policy"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the storage format version this build writes",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storage format version %d\n", policy.CurrentNorcowVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
