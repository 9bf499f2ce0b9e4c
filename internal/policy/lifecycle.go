package policy

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/auth"
	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

var (
	// ErrVersionDowngrade is a fault: stored data claims an older format
	// version than the log's own active version.
	ErrVersionDowngrade = errors.New("policy: storage version downgrade detected")
	// ErrVersionMismatch is a fault: the authenticated and unauthenticated
	// version markers disagree.
	ErrVersionMismatch = errors.New("policy: storage version markers disagree")
)

// Init prepares a freshly wiped store: random DEK/SAK, an empty PIN and
// wipe code, the authentication tag over zero records, and the current
// version markers (including the log's own data version), mirroring
// init_wiped_storage.
func (s *Store) Init() error {
	keys, err := session.RandomKeys()
	if err != nil {
		return err
	}
	s.keys = keys
	s.unlocked = true

	tag := auth.Init(s.keys.SAK[:])
	if err := s.Log.Set(StorageTagKey, tag[:], len(tag)); err != nil {
		return err
	}

	if err := s.setPin(nil, nil); err != nil {
		return err
	}
	if err := s.SetAuthenticatedVersion(CurrentNorcowVersion); err != nil {
		return err
	}
	var buf [4]byte
	putUint32(buf[:], CurrentNorcowVersion)
	if err := s.Log.Set(UnauthVersionKey, buf[:], 4); err != nil {
		return err
	}
	if err := s.Fails.FailsReset(); err != nil {
		return err
	}
	if err := SetWipeCode(s.Log, WipeCodeDataKey, nil); err != nil {
		return err
	}
	// Steady state: no upgrade is pending, so CheckStorageVersion must see
	// falseWord here, not a missing record.
	if err := s.Log.Set(StorageUpgradedKey, putWord(falseWord), 4); err != nil {
		return err
	}
	return s.Log.UpgradeFinish(CurrentNorcowVersion)
}

// SetAuthenticatedVersion writes the encrypted version marker.
func (s *Store) SetAuthenticatedVersion(version uint32) error {
	var buf [4]byte
	putUint32(buf[:], version)
	return s.SetAuthenticated(VersionKey, buf[:])
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// setPin wraps the session keys under a freshly stretched PIN and writes
// EDEK_PVC_KEY plus PIN_NOT_SET_KEY, mirroring set_pin.
func (s *Store) setPin(pin, extSalt []byte) error {
	var storageSalt [session.StorageSaltSize]byte
	if err := cryptoprim.RandomBuffer(storageSalt[:]); err != nil {
		return err
	}
	kek, keiv, err := s.Stretcher.DeriveForSet(pin, storageSalt[:], extSalt, nil)
	if err != nil {
		return err
	}
	ciphertext, pvc, err := session.WrapKeys(kek, keiv, s.keys)
	cryptoprim.ClearBytes(kek[:])
	cryptoprim.ClearBytes(keiv[:])
	if err != nil {
		return err
	}

	buf := make([]byte, 0, session.StorageSaltSize+session.KeysSize+session.PVCSize)
	buf = append(buf, storageSalt[:]...)
	buf = append(buf, ciphertext...)
	buf = append(buf, pvc[:]...)
	if err := s.Log.Set(EdekPvcKey, buf, len(buf)); err != nil {
		return err
	}

	notSet := byte(0)
	if len(pin) == 0 {
		notSet = 1
	}
	return s.Log.Set(PinNotSetKey, []byte{notSet}, 1)
}

// HasPin reports whether a non-empty PIN is currently configured.
func (s *Store) HasPin() (bool, error) {
	raw, err := s.Log.Get(PinNotSetKey)
	if err != nil {
		return false, nil
	}
	if len(raw) > 0 && raw[0] != 0 {
		return false, nil
	}
	return true, nil
}

// GetPinRem returns the number of unlock attempts remaining before a wipe.
func (s *Store) GetPinRem() (uint32, error) {
	ctr, err := s.Fails.GetFails()
	if err != nil {
		return 0, err
	}
	if ctr >= PinMaxTries {
		return 0, nil
	}
	return PinMaxTries - ctr, nil
}

// EnsureNotWipeCode halts the device (via the fault handler) if pin equals
// the currently configured wipe code, mirroring ensure_not_wipe_code /
// storage_ensure_not_wipe_code: entering the wipe code must always look,
// from the outside, indistinguishable from a successful wipe, never from
// an ordinary wrong-PIN rejection.
func (s *Store) EnsureNotWipeCode(pin []byte) {
	notWipe, err := IsNotWipeCode(s.Log, WipeCodeDataKey, pin, s.Fault.Handle)
	if err != nil {
		return
	}
	if !notWipe {
		s.safeWipeAndReinit()
		s.Fault.Handle("wipe code entered")
	}
}

func (s *Store) safeWipeAndReinit() {
	_ = s.Log.Wipe()
	_ = s.Fails.FailsReset()
	_ = s.Init()
}

// HasWipeCode reports whether a non-empty wipe code is configured. Per
// storage_has_wipe_code, this requires an unlocked session.
func (s *Store) HasWipeCode() (bool, error) {
	if !s.unlocked {
		return false, nil
	}
	return HasWipeCode(s.Log, WipeCodeDataKey, s.Fault.Handle)
}

// ChangeWipeCode verifies pin via a full unlock and, if it succeeds and
// wipeCode differs from pin, stores the new wipe code.
func (s *Store) ChangeWipeCode(pin, extSalt, wipeCode []byte) (bool, error) {
	if len(pin) != 0 && len(pin) == len(wipeCode) && bytesEqual(pin, wipeCode) {
		return false, ErrWipeCodeEqualsPin
	}
	ok, err := s.Unlock(pin, extSalt, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := SetWipeCode(s.Log, WipeCodeDataKey, wipeCode); err != nil {
		return false, err
	}
	return true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ChangePin verifies oldPin via a full unlock and, if it succeeds and the
// new PIN isn't the configured wipe code, re-wraps the session keys under
// newPin.
func (s *Store) ChangePin(oldPin, newPin, oldExtSalt, newExtSalt []byte) (bool, error) {
	ok, err := s.Unlock(oldPin, oldExtSalt, nil)
	if err != nil || !ok {
		return false, err
	}

	notWipe, err := IsNotWipeCode(s.Log, WipeCodeDataKey, newPin, s.Fault.Handle)
	if err != nil {
		return false, err
	}
	if !notWipe {
		return false, nil
	}
	if err := s.setPin(newPin, newExtSalt); err != nil {
		return false, err
	}
	return true, nil
}

// Wipe erases every record and reinitializes storage to a fresh, unlocked
// state with an empty PIN, mirroring storage_wipe.
func (s *Store) Wipe() error {
	s.keys.Zero()
	s.unlocked = false
	if err := s.Log.Wipe(); err != nil {
		return err
	}
	if err := s.Fails.FailsReset(); err != nil {
		return err
	}
	return s.Init()
}

// CheckStorageVersion verifies that the authenticated version marker
// matches the unauthenticated one, then reconciles it against
// CurrentNorcowVersion, mirroring check_storage_version's three-way
// branch: a version ahead of CurrentNorcowVersion is a downgrade attack
// (wipe and fault); a version behind it is a legitimate pending upgrade,
// valid only if STORAGE_UPGRADED_KEY proves StorageUpgrade actually ran
// (wipe and fault if bypassed), in which case the marker is cleared and
// both version records are bumped to CurrentNorcowVersion; an equal
// version is steady state, valid only if STORAGE_UPGRADED_KEY reads
// falseWord (wipe and fault if an upgrade was launched when none was due).
func (s *Store) CheckStorageVersion() error {
	raw, err := s.GetAuthenticated(VersionKey)
	if err != nil {
		return err
	}
	if len(raw) != 4 {
		s.Fault.Handle("storage version check")
		return errNotReached
	}
	version := getUint32(raw)
	if version != s.lockVersion() {
		s.Fault.Handle("storage version check")
		return errNotReached
	}

	upgradedRaw, err := s.Log.Get(StorageUpgradedKey)
	if err != nil {
		s.Fault.Handle("storage version check")
		return errNotReached
	}
	upgraded, ok := getWord(upgradedRaw)
	if !ok {
		s.Fault.Handle("storage version check")
		return errNotReached
	}

	switch {
	case version > CurrentNorcowVersion:
		_ = s.Wipe()
		s.Fault.Handle("storage version check")
		return errNotReached
	case version < CurrentNorcowVersion:
		if upgraded != trueWord {
			_ = s.Wipe()
			s.Fault.Handle("storage version check")
			return errNotReached
		}
		if err := s.Log.Set(StorageUpgradedKey, putWord(falseWord), 4); err != nil {
			return err
		}
		if err := s.SetAuthenticatedVersion(CurrentNorcowVersion); err != nil {
			return err
		}
		var buf [4]byte
		putUint32(buf[:], CurrentNorcowVersion)
		if err := s.Log.Set(UnauthVersionKey, buf[:], 4); err != nil {
			return err
		}
	default:
		if upgraded != falseWord {
			_ = s.Wipe()
			s.Fault.Handle("storage version check")
			return errNotReached
		}
	}
	return nil
}

func (s *Store) lockVersion() uint32 {
	raw, err := s.Log.Get(UnauthVersionKey)
	if err != nil || len(raw) != 4 {
		return 0
	}
	return getUint32(raw)
}
