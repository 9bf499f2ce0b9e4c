package policy

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

// PinMaxTries is the number of consecutive wrong unlock attempts tolerated
// before storage wipes itself.
const PinMaxTries = 16

var (
	// ErrAlreadyUnlocked is returned by Unlock when a session is already
	// active; the engine must Lock first.
	ErrAlreadyUnlocked = errors.New("policy: storage already unlocked")
	// ErrNotInitialized reports storage that Init has not prepared; no
	// operation in this package currently returns it.
	ErrNotInitialized = errors.New("policy: storage not initialized")
	// ErrWiped is returned by Unlock when this call itself triggered a wipe,
	// either by exceeding PinMaxTries or because the PIN was the wipe code.
	ErrWiped = errors.New("policy: too many failed attempts, storage wiped")
)

// FailsLog is the PIN-fail counter contract the unlock state machine
// depends on.
type FailsLog interface {
	GetFails() (uint32, error)
	FailsIncrease() error
	FailsReset() error
}

// EdekStore is the minimal surface needed to read/write the wrapped
// DEK||SAK buffer under EDEK_PVC_KEY.
type EdekStore interface {
	Get(key uint16) ([]byte, error)
	Set(key uint16, buf []byte, length int) error
}

// Keys is a local alias avoiding a direct session-package name collision
// at call sites that also hold policy-level key material.
type Keys = session.Keys

// Unlocker bundles everything the unlock/lock state machine needs: the
// PIN-fail log, the wrapped-key record, the PIN stretcher, the fault
// handler, and the wipe hook, mirroring storage.c's unlock()/
// storage_unlock() pair.
type Unlocker struct {
	Fails     FailsLog
	Edek      EdekStore
	EdekKey   uint16
	Stretcher session.PinStretcher
	Fault     *FaultHandler
	Wipe      func() error

	// ProgressBase is the estimated millisecond cost of the PIN stretch
	// itself (excluding any backoff delay). Unlock does not read it.
	ProgressBase int
}

// Unlock attempts to open storage with pin and extSalt, following unlock()'s
// PIN-check sequence: fail-counter read, too-many-tries wipe check,
// exponential backoff (reported through progress only, see runBackoff),
// pre-emptive fail-counter increment with a fault
// check on the increment itself, KEK/KEIV derivation, and finally DEK/SAK
// decryption and PVC check. The wipe-code check that unlock() performs
// before any of this is Store.Unlock's responsibility, since it needs the
// record log directly rather than just the fail-counter/EDEK collaborators
// Unlocker holds. On any wrong-PIN outcome the fail counter is left
// incremented; only a successful unlock resets it (the caller is expected to
// call Fails.FailsReset()).
func (u *Unlocker) Unlock(pin, extSalt []byte, progress session.ProgressFunc) (Keys, error) {
	var keys Keys

	ctr, err := u.Fails.GetFails()
	if err != nil {
		return keys, err
	}

	cryptoprim.WaitRandom()
	if ctr >= PinMaxTries {
		u.safeWipe()
		return keys, ErrWiped
	}

	backoffSteps := uint32(1) << ctr
	waitSeconds := backoffSteps - 1
	u.runBackoff(waitSeconds, progress)

	if err := u.Fails.FailsIncrease(); err != nil {
		return keys, err
	}
	ctrCk, err := u.Fails.GetFails()
	if err != nil || ctr+1 != ctrCk {
		u.Fault.Handle("PIN counter increment")
		return keys, errors.New("policy: unreachable, fault handler halted")
	}

	buf, err := u.Edek.Get(u.EdekKey)
	if err != nil {
		u.Fault.Handle("no EDEK")
		return keys, errors.New("policy: unreachable, fault handler halted")
	}
	if len(buf) != session.StorageSaltSize+session.KeysSize+session.PVCSize {
		u.Fault.Handle("no EDEK")
		return keys, errors.New("policy: unreachable, fault handler halted")
	}
	storageSalt := buf[:session.StorageSaltSize]
	ciphertext := buf[session.StorageSaltSize : session.StorageSaltSize+session.KeysSize]
	var storedPVC [session.PVCSize]byte
	copy(storedPVC[:], buf[session.StorageSaltSize+session.KeysSize:])

	kek, keiv, err := u.Stretcher.DeriveForUnlock(pin, storageSalt, extSalt, progress)
	wrongPin := err != nil
	if !wrongPin {
		keys, err = session.UnwrapKeys(kek, keiv, ciphertext, storedPVC, u.Fault.Handle)
		wrongPin = err != nil
	}
	cryptoprim.ClearBytes(kek[:])
	cryptoprim.ClearBytes(keiv[:])

	if wrongPin {
		cryptoprim.WaitRandom()
		if ctr+1 >= PinMaxTries {
			u.safeWipe()
			return keys, ErrWiped
		}
		return keys, session.ErrPVCMismatch
	}

	return keys, nil
}

func (u *Unlocker) runBackoff(waitSeconds uint32, progress session.ProgressFunc) {
	if waitSeconds == 0 || progress == nil {
		return
	}
	// Ten 100ms progress ticks per backed-off second, matching unlock()'s
	// `for i := 0; i < 10*wait; i++` countdown loop. The ticks are reported
	// without any wall-clock delay, and nothing is reported when progress
	// is nil. A cancel request from progress stops the ticks; the unlock
	// attempt itself still goes on.
	ticks := 10 * waitSeconds
	for i := uint32(0); i < ticks; i++ {
		if progress(100) {
			return
		}
	}
}

func (u *Unlocker) safeWipe() {
	if u.Wipe != nil {
		_ = u.Wipe()
	}
}
