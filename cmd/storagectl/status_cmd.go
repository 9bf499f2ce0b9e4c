package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lock, PIN, and remaining-attempts status for the configured storage",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	hasPin, err := e.HasPin()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	rem, err := e.GetPinRem()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	rows := [][]string{
		{"path", cfg.Path},
		{"unlocked", fmt.Sprintf("%t", e.IsUnlocked())},
		{"pin set", fmt.Sprintf("%t", hasPin)},
		{"attempts remaining", fmt.Sprintf("%d", rem)},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"field", "value"})
	_ = table.Bulk(rows)
	_ = table.Render()
	return nil
}
