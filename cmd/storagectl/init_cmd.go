package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create fresh storage at the configured path",
	Long: `Init wipes any prior contents at the configured path and prepares fresh
storage with an empty PIN and wipe code. The engine is left unlocked after
Init, matching init_wiped_storage's behavior.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		fmt.Fprintf(os.Stderr, "storage already exists at %s; init will erase it.\n", cfg.Path)
		ok, err := promptYesNo("Continue?", false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	if err := e.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	fmt.Println(color.GreenString("storage initialized at %s", cfg.Path))
	return nil
}
