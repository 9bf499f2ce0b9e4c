package main

import (
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/arimxyer/cerberus-storage/internal/policy"
)

var (
	getQuiet bool
	getCopy  bool
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a record's value",
	Long: `Get reads key's value. PUBLIC keys (application byte bit 0x80 set) are
readable without unlocking; anything else requires a PIN.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVarP(&getQuiet, "quiet", "q", false, "print only the raw value")
	getCmd.Flags().BoolVar(&getCopy, "copy", false, "copy the value to the clipboard instead of printing it")
}

func runGet(cmd *cobra.Command, args []string) error {
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

	val, err := e.Get(key)
	if err != nil {
		if isRefused(err) {
			if err := unlockInteractive(e); err != nil {
				return err
			}
			val, err = e.Get(key)
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
		} else {
			return fmt.Errorf("get: %w", err)
		}
	}
	defer e.Lock()

	has, err := e.Has(key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !has {
		return fmt.Errorf("get: key 0x%04x has no value", key)
	}

	if getCopy {
		if err := clipboard.WriteAll(string(val)); err != nil {
			return fmt.Errorf("get: copy to clipboard: %w", err)
		}
		fmt.Println("value copied to clipboard")
		return nil
	}

	if getQuiet {
		fmt.Println(string(val))
		return nil
	}
	fmt.Printf("0x%04x = %q\n", key, string(val))
	return nil
}

// isRefused reports whether err is the policy package's "needs an unlocked
// session" refusal, as opposed to a malformed-input or I/O failure.
func isRefused(err error) bool {
	return err != nil && errors.Is(err, policy.ErrLocked)
}
