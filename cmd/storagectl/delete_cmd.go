package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arimxyer/cerberus-storage/internal/policy"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	err = e.Delete(key)
	if err != nil && errors.Is(err, policy.ErrLocked) {
		if err := unlockInteractive(e); err != nil {
			return err
		}
		err = e.Delete(key)
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	defer e.Lock()

	fmt.Printf("0x%04x deleted\n", key)
	return nil
}
