// Package engine is the public API facade of the storage module: it wires
// the record log, the PIN-fails counter, the PIN-stretch capability, and the
// policy state machine together behind the seventeen operations an embedder
// actually calls (Init, Unlock, Lock, IsUnlocked, HasPin, GetPinRem,
// ChangePin, EnsureNotWipeCode, HasWipeCode, ChangeWipeCode, Get, Set, Has,
// Delete, SetCounter, NextCounter, Wipe), and enforces the three-outcome
// error model everywhere: a non-nil error means malformed input or an I/O
// failure, a false first return means "refused" (wrong PIN, wrong wipe
// code, no such record) and is never itself an error, and a detected fault
// or tamper never returns at all — it flows through the injected
// FatalHandler instead.
package engine

import (
	"errors"
	"fmt"

	"github.com/arimxyer/cerberus-storage/internal/norcow"
	"github.com/arimxyer/cerberus-storage/internal/optiga"
	"github.com/arimxyer/cerberus-storage/internal/pinlog"
	"github.com/arimxyer/cerberus-storage/internal/policy"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

// FlashMode selects which PIN-fails log encoding Open uses to read and
// write PinLogsKey. Open does not detect which encoding existing storage
// was written with; the same mode has to be passed on every Open.
type FlashMode int

const (
	// FlashBitwise is the legacy one-bit-per-failure encoding.
	FlashBitwise FlashMode = iota
	// FlashBlockwise is the newer one-word-per-failure encoding.
	FlashBlockwise
)

// Logger receives structured audit events as the engine runs. Implementations
// live in internal/storagelog; nil is a valid, silent default.
type Logger interface {
	Event(name string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Event(string, map[string]any) {}

// Config configures a new Engine.
type Config struct {
	// Path is the on-disk location of the record log.
	Path string
	// FlashMode selects the PIN-fails encoding, for new and existing
	// storage alike.
	FlashMode FlashMode
	// PinLogCapacity bounds the blockwise counter's word block before it
	// compacts. Zero means no bound: the block grows until the next reset.
	PinLogCapacity int
	// HardwareCallerSalt is the caller-supplied component hashed once into
	// the boot-persistent hardware salt mixed into every PIN derivation.
	HardwareCallerSalt []byte
	// Element, if non-nil, selects the secure-element PIN-stretch path
	// (internal/optiga) instead of the software PBKDF2 path.
	Element optiga.Element
	// Mcu, required alongside Element, is the MCU-side mirror counter kept
	// in sync with the secure element's own attempt counter.
	Mcu optiga.McuCounter
	// Fatal is called by the fault handler once it has done everything it
	// safely can; it never returns control in a real deployment. Required.
	Fatal policy.FatalHandler
	// Logger receives structured audit events. Optional.
	Logger Logger
}

// ErrMissingFatalHandler is returned by Open when Config.Fatal is nil: an
// engine with no fault handler destination can't safely run.
var ErrMissingFatalHandler = errors.New("engine: Config.Fatal is required")

// Engine is the storage module's public entry point.
type Engine struct {
	store  *policy.Store
	log    Logger
	hwSalt [session.HardwareSaltSize]byte
}

// Open loads (or prepares to initialize) storage at cfg.Path and wires every
// collaborator layer, mirroring storage_init's one-time setup of the record
// log, the fault handler, and the PIN-stretch capability.
func Open(cfg Config) (*Engine, error) {
	if cfg.Fatal == nil {
		return nil, ErrMissingFatalHandler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	recLog, err := norcow.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("engine: open record log: %w", err)
	}

	var fails pinlog.Counter
	switch cfg.FlashMode {
	case FlashBlockwise:
		fails = pinlog.NewBlockwiseCounter(recLog, policy.PinLogsKey, cfg.PinLogCapacity)
	default:
		fails = pinlog.NewBitwiseCounter(recLog, policy.PinLogsKey)
	}

	hwSalt := session.HardwareSalt(cfg.HardwareCallerSalt)

	var stretcher session.PinStretcher
	if cfg.Element != nil {
		if cfg.Mcu == nil {
			return nil, errors.New("engine: Config.Mcu is required when Config.Element is set")
		}
		if _, err := optiga.SyncFails(cfg.Mcu, cfg.Element); err != nil {
			logger.Event("optiga_sync_failed", map[string]any{"error": err.Error()})
		}
		stretcher = &optiga.Stretcher{HWSalt: hwSalt, Element: cfg.Element}
	} else {
		stretcher = &session.SoftStretcher{HWSalt: hwSalt}
	}

	store := &policy.Store{
		Log:       recLog,
		Fails:     fails,
		Stretcher: stretcher,
	}
	fault := &policy.FaultHandler{
		Counter: fails,
		Wiper:   store,
		Fatal: func(reason, msg string) {
			logger.Event("fault_detected", map[string]any{"reason": reason, "message": msg})
			cfg.Fatal(reason, msg)
		},
	}
	store.Fault = fault
	store.Unlocker = &policy.Unlocker{
		Fails:     fails,
		Edek:      recLog,
		EdekKey:   policy.EdekPvcKey,
		Stretcher: stretcher,
		Fault:     fault,
		Wipe:      store.Wipe,
	}

	// Run any pending locked migration before handing the engine back, so
	// a store left at an older format version is brought up to date before
	// its first Unlock, mirroring storage_init's own call to
	// storage_upgrade at boot.
	if err := store.StorageUpgrade(); err != nil {
		return nil, fmt.Errorf("engine: storage upgrade: %w", err)
	}

	return &Engine{store: store, log: logger, hwSalt: hwSalt}, nil
}

// Init wipes any prior contents and prepares fresh storage with an empty PIN
// and wipe code, mirroring init_wiped_storage. Init leaves the engine
// unlocked.
func (e *Engine) Init() error {
	if err := e.store.Wipe(); err != nil {
		return fmt.Errorf("engine: init: %w", err)
	}
	e.log.Event("init", nil)
	return nil
}

// Unlock attempts to open storage with pin and an optional extSalt,
// reporting progress through progress if non-nil. A (false, nil) return
// means the PIN was wrong but storage was not wiped; a (false, err) return
// where errors.Is(err, policy.ErrWiped) means this call itself wiped
// storage, either by exhausting PinMaxTries or because pin was the wipe
// code.
func (e *Engine) Unlock(pin, extSalt []byte, progress session.ProgressFunc) (bool, error) {
	if e.store.IsUnlocked() {
		return false, policy.ErrAlreadyUnlocked
	}
	ok, err := e.store.Unlock(pin, extSalt, progress)
	if err != nil && errors.Is(err, policy.ErrWiped) {
		e.log.Event("wipe", map[string]any{"reason": "pin attempts exhausted"})
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("engine: unlock: %w", err)
	}
	e.log.Event("unlock_attempt", map[string]any{"success": ok})
	return ok, nil
}

// Lock ends the current session, zeroizing the cached session keys.
func (e *Engine) Lock() {
	e.store.Lock()
	e.log.Event("lock", nil)
}

// IsUnlocked reports whether a session is currently active.
func (e *Engine) IsUnlocked() bool { return e.store.IsUnlocked() }

// HasPin reports whether a non-empty PIN is currently configured.
func (e *Engine) HasPin() (bool, error) {
	ok, err := e.store.HasPin()
	if err != nil {
		return false, fmt.Errorf("engine: has pin: %w", err)
	}
	return ok, nil
}

// GetPinRem returns the number of unlock attempts remaining before a wipe.
func (e *Engine) GetPinRem() (uint32, error) {
	rem, err := e.store.GetPinRem()
	if err != nil {
		return 0, fmt.Errorf("engine: get pin rem: %w", err)
	}
	return rem, nil
}

// ChangePin verifies oldPin via a full unlock and, on success, re-wraps the
// session keys under newPin. It refuses (false, nil) if oldPin is wrong or
// if newPin equals the configured wipe code.
func (e *Engine) ChangePin(oldPin, newPin, oldExtSalt, newExtSalt []byte) (bool, error) {
	ok, err := e.store.ChangePin(oldPin, newPin, oldExtSalt, newExtSalt)
	if err != nil {
		return false, fmt.Errorf("engine: change pin: %w", err)
	}
	e.log.Event("change_pin", map[string]any{"success": ok})
	return ok, nil
}

// EnsureNotWipeCode halts the device (via the fault handler, after a wipe)
// if pin matches the configured wipe code. It is expected to be called by
// an embedder right before Unlock, on every PIN entry, so that entering the
// wipe code looks from the outside indistinguishable from a normal wipe.
func (e *Engine) EnsureNotWipeCode(pin []byte) {
	e.store.EnsureNotWipeCode(pin)
}

// HasWipeCode reports whether a non-empty wipe code is configured. Requires
// an unlocked session; returns (false, nil) if locked.
func (e *Engine) HasWipeCode() (bool, error) {
	ok, err := e.store.HasWipeCode()
	if err != nil {
		return false, fmt.Errorf("engine: has wipe code: %w", err)
	}
	return ok, nil
}

// ChangeWipeCode verifies pin via a full unlock and, on success, sets
// wipeCode as the new wipe code. It refuses (false, ErrWipeCodeEqualsPin)
// if wipeCode equals pin.
func (e *Engine) ChangeWipeCode(pin, extSalt, wipeCode []byte) (bool, error) {
	ok, err := e.store.ChangeWipeCode(pin, extSalt, wipeCode)
	if err != nil {
		return false, fmt.Errorf("engine: change wipe code: %w", err)
	}
	e.log.Event("change_wipe_code", map[string]any{"success": ok})
	return ok, nil
}

// Get reads key: PUBLIC keys are plaintext and locked-readable, everything
// else requires an unlocked session. A key with no value returns an error;
// Has reports presence as a plain boolean.
func (e *Engine) Get(key uint16) ([]byte, error) {
	val, err := e.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("engine: get: %w", err)
	}
	return val, nil
}

// Has reports whether key currently holds a value.
func (e *Engine) Has(key uint16) (bool, error) {
	return e.store.Has(key)
}

// Set writes key's value, sealing it under the session DEK unless key is
// PUBLIC.
func (e *Engine) Set(key uint16, val []byte) error {
	if err := e.store.Set(key, val); err != nil {
		return fmt.Errorf("engine: set: %w", err)
	}
	return nil
}

// Delete removes key.
func (e *Engine) Delete(key uint16) error {
	if err := e.store.Delete(key); err != nil {
		return fmt.Errorf("engine: delete: %w", err)
	}
	return nil
}

// SetCounter stores a monotonic counter under a PUBLIC key.
func (e *Engine) SetCounter(key uint16, value uint32) error {
	if err := e.store.SetCounter(key, value); err != nil {
		return fmt.Errorf("engine: set counter: %w", err)
	}
	return nil
}

// NextCounter increments and returns the counter stored under a PUBLIC key.
func (e *Engine) NextCounter(key uint16) (uint32, error) {
	v, err := e.store.NextCounter(key)
	if err != nil {
		return 0, fmt.Errorf("engine: next counter: %w", err)
	}
	return v, nil
}

// Wipe erases every record and reinitializes storage to a fresh, unlocked
// state with an empty PIN.
func (e *Engine) Wipe() error {
	if err := e.store.Wipe(); err != nil {
		return fmt.Errorf("engine: wipe: %w", err)
	}
	e.log.Event("wipe", map[string]any{"reason": "requested"})
	return nil
}
