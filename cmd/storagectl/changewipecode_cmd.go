package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var changeWipeCodeCmd = &cobra.Command{
	Use:   "change-wipe-code",
	Short: "Verify the current PIN and set a new wipe code",
	Long: `change-wipe-code sets the code that, if ever entered in place of the PIN,
silently wipes storage. It must differ from the current PIN.`,
	RunE: runChangeWipeCode,
}

func init() {
	rootCmd.AddCommand(changeWipeCodeCmd)
}

func runChangeWipeCode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	pin, err := readPin("PIN: ")
	if err != nil {
		return err
	}
	wipeCode, err := readPin("New wipe code: ")
	if err != nil {
		return err
	}
	confirm, err := readPin("Confirm new wipe code: ")
	if err != nil {
		return err
	}
	if string(wipeCode) != string(confirm) {
		return fmt.Errorf("change-wipe-code: wipe code and confirmation do not match")
	}

	ok, err := e.ChangeWipeCode(pin, nil, wipeCode)
	if err != nil {
		return fmt.Errorf("change-wipe-code: %w", err)
	}
	if !ok {
		return fmt.Errorf("change-wipe-code: wrong pin")
	}

	fmt.Println("wipe code changed")
	return nil
}
