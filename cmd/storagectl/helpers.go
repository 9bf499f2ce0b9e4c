package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/howeyc/gopass"
	"golang.org/x/term"

	"github.com/arimxyer/cerberus-storage/internal/engine"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

// readPin prompts prompt on stderr and reads a PIN with asterisk masking
// when stdin is a terminal, falling back to a plain line read otherwise
// (scripts, tests).
func readPin(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		var line string
		if _, err := fmt.Scanln(&line); err != nil {
			return nil, fmt.Errorf("read pin: %w", err)
		}
		return []byte(line), nil
	}

	pin, err := gopass.GetPasswdMasked()
	if err != nil {
		return nil, fmt.Errorf("read pin: %w", err)
	}
	return pin, nil
}

// newProgressReporter builds a session.ProgressFunc that accumulates the
// elapsed-millisecond deltas the PIN stretcher reports and, in verbose
// mode, prints a running total to stderr. It never requests cancellation.
func newProgressReporter(label string) session.ProgressFunc {
	elapsed := 0
	return func(deltaMs int) bool {
		elapsed += deltaMs
		if verbose {
			fmt.Fprintf(os.Stderr, "\r%s... %dms elapsed", label, elapsed)
		}
		return false
	}
}

// unlockInteractive prompts for a PIN and unlocks e, a no-op if a session
// is already active. It calls EnsureNotWipeCode first so entering the wipe
// code here looks, from the outside, indistinguishable from a normal wipe.
func unlockInteractive(e *engine.Engine) error {
	if e.IsUnlocked() {
		return nil
	}
	pin, err := readPin("PIN: ")
	if err != nil {
		return err
	}
	e.EnsureNotWipeCode(pin)

	ok, err := e.Unlock(pin, nil, newProgressReporter("deriving key"))
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if !ok {
		return fmt.Errorf("unlock: wrong pin")
	}
	return nil
}

// promptYesNo prompts prompt on stdout and reads a y/n answer from stdin,
// returning defaultYes if the response is empty.
func promptYesNo(prompt string, defaultYes bool) (bool, error) {
	if defaultYes {
		fmt.Printf("%s (Y/n): ", prompt)
	} else {
		fmt.Printf("%s (y/N): ", prompt)
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	response := strings.TrimSpace(strings.ToLower(line))
	switch response {
	case "":
		return defaultYes, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return defaultYes, nil
	}
}
