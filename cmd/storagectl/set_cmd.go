package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arimxyer/cerberus-storage/internal/policy"
)

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a record's value",
	Long: `Set writes key's value, sealing it under the session key unless key is
PUBLIC (and, if also writable-locked, without requiring an unlock at all).`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	val := []byte(args[1])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	err = e.Set(key, val)
	if err != nil && errors.Is(err, policy.ErrLocked) {
		if err := unlockInteractive(e); err != nil {
			return err
		}
		err = e.Set(key, val)
	}
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	defer e.Lock()

	fmt.Printf("0x%04x set\n", key)
	return nil
}
