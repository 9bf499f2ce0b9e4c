package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var changePinCmd = &cobra.Command{
	Use:   "change-pin",
	Short: "Verify the current PIN and replace it with a new one",
	RunE:  runChangePin,
}

func init() {
	rootCmd.AddCommand(changePinCmd)
}

func runChangePin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	oldPin, err := readPin("Current PIN: ")
	if err != nil {
		return err
	}
	newPin, err := readPin("New PIN: ")
	if err != nil {
		return err
	}
	confirmPin, err := readPin("Confirm new PIN: ")
	if err != nil {
		return err
	}
	if string(newPin) != string(confirmPin) {
		return fmt.Errorf("change-pin: new PIN and confirmation do not match")
	}

	ok, err := e.ChangePin(oldPin, newPin, nil, nil)
	if err != nil {
		return fmt.Errorf("change-pin: %w", err)
	}
	if !ok {
		return fmt.Errorf("change-pin: wrong current pin, or new pin equals the wipe code")
	}

	fmt.Println("pin changed")
	return nil
}
