package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arimxyer/cerberus-storage/internal/config"
	"github.com/arimxyer/cerberus-storage/internal/engine"
	"github.com/arimxyer/cerberus-storage/internal/storagelog"
)

var (
	cfgFile   string
	pathFlag  string
	verbose   bool
	keyFormat string // "hex" or "dec", how -k/positional key args are parsed
)

var rootCmd = &cobra.Command{
	Use:   "storagectl",
	Short: "Inspect and drive a cerberus-storage record log from the command line",
	Long: `storagectl is a demonstration consumer of the cerberus-storage engine: it
opens a record log, unlocks it with a PIN, and exercises the same Init/
Unlock/Get/Set/Delete/Wipe operations an embedder would call, standing in
for the embedded scripting-runtime binding this module was designed for.

Examples:
  # Create fresh storage with an empty PIN
  storagectl init

  # Store a value under app 0x01, item 0x01
  storagectl set 0x0101 "hello"

  # Read it back
  storagectl get 0x0101

  # Show PIN and remaining-attempts status
  storagectl status`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (JWCC/JSON-with-comments)")
	rootCmd.PersistentFlags().StringVar(&pathFlag, "path", "", "record log path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&keyFormat, "key-format", "hex", "how to parse key arguments: hex or dec")
}

// loadConfig layers the --config file and environment overrides, then
// applies --path on top as the final, highest-precedence override.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if pathFlag != "" {
		cfg.Path = pathFlag
	}
	return cfg, nil
}

// fatalHandler is the engine's last resort: it logs and exits, standing in
// for storage.c's __fatal_error halt-the-device semantics in a process
// that can actually stop running.
func fatalHandler(reason, msg string) {
	fmt.Fprintln(os.Stderr, color.RedString("FATAL [%s]: %s", reason, msg))
	os.Exit(2)
}

// openEngine wires an Engine over cfg the way engine.Open expects, logging
// structured events to stderr via log/slog unless --verbose is off, in
// which case events are simply dropped.
func openEngine(cfg config.Config) (*engine.Engine, error) {
	flashMode := engine.FlashBitwise
	if !cfg.FlashBitAccess {
		flashMode = engine.FlashBlockwise
	}

	var logger engine.Logger
	if verbose {
		logger = &storagelog.Logger{Sink: storagelog.SlogSink{}}
	}

	e, err := engine.Open(engine.Config{
		Path:           cfg.Path,
		FlashMode:      flashMode,
		PinLogCapacity: cfg.PinLogCapacity,
		Fatal:          fatalHandler,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open engine at %s: %w", cfg.Path, err)
	}
	return e, nil
}

// parseKey parses a key argument according to --key-format, defaulting to
// hex (e.g. "0x0101" or "0101").
func parseKey(arg string) (uint16, error) {
	base := 16
	if keyFormat == "dec" {
		base = 10
	}
	s := arg
	if base == 16 {
		if len(s) > 1 && (s[0:2] == "0x" || s[0:2] == "0X") {
			s = s[2:]
		}
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: %w", arg, err)
	}
	return uint16(v), nil
}

func logVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}
