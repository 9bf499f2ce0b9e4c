package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var setCounterCmd = &cobra.Command{
	Use:   "set-counter <key> <value>",
	Short: "Store a monotonic counter under a PUBLIC key",
	Args:  cobra.ExactArgs(2),
	RunE:  runSetCounter,
}

var nextCounterCmd = &cobra.Command{
	Use:   "next-counter <key>",
	Short: "Increment and print the counter stored under a PUBLIC key",
	Args:  cobra.ExactArgs(1),
	RunE:  runNextCounter,
}

func init() {
	rootCmd.AddCommand(setCounterCmd)
	rootCmd.AddCommand(nextCounterCmd)
}

func runSetCounter(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	value, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid counter value %q: %w", args[1], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}

	if err := e.SetCounter(key, uint32(value)); err != nil {
		return fmt.Errorf("set-counter: %w", err)
	}
	fmt.Printf("0x%04x = %d\n", key, value)
	return nil
}

func runNextCounter(cmd *cobra.Command, args []string) error {
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

	next, err := e.NextCounter(key)
	if err != nil {
		return fmt.Errorf("next-counter: %w", err)
	}
	fmt.Printf("0x%04x = %d\n", key, next)
	return nil
}
