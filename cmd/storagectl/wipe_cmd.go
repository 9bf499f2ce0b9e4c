package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var wipeForce bool

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Erase every record and reinitialize storage with an empty PIN",
	RunE:  runWipe,
}

func init() {
	rootCmd.AddCommand(wipeCmd)
	wipeCmd.Flags().BoolVar(&wipeForce, "force", false, "skip the confirmation prompt")
}

func runWipe(cmd *cobra.Command, args []string) error {
	if !wipeForce {
		ok, err := promptYesNo("This erases every record. Continue?", false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	if err := e.Wipe(); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}
	fmt.Println(color.YellowString("storage wiped"))
	return nil
}
