package policy

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/auth"
	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
	"github.com/arimxyer/cerberus-storage/internal/norcow"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

// Store bundles every collaborator the policy layer's operations need:
// the record log, the PIN-fail counter, the PIN stretcher, the fault
// handler, and the cached session keys while unlocked.
type Store struct {
	Log       *norcow.Log
	Fails     FailsLog
	Stretcher session.PinStretcher
	Fault     *FaultHandler
	Unlocker  *Unlocker

	unlocked bool
	keys     session.Keys
}

// IsUnlocked reports whether a session is currently active.
func (s *Store) IsUnlocked() bool { return s.unlocked }

// Lock clears the cached session keys and ends the unlocked session.
func (s *Store) Lock() {
	s.keys.Zero()
	s.unlocked = false
}

// Unlock runs the full unlock state machine — wipe-code check first, exactly
// as storage.c's unlock() calls ensure_not_wipe_code as its very first step,
// so every call to Unlock (not just a caller who separately remembers to
// call EnsureNotWipeCode beforehand) wipes on a wipe-code PIN — and, on
// success, caches the resulting keys, resets the fail counter, and performs
// any pending version upgrade before returning true.
func (s *Store) Unlock(pin, extSalt []byte, progress session.ProgressFunc) (bool, error) {
	notWipe, err := IsNotWipeCode(s.Log, WipeCodeDataKey, pin, s.Fault.Handle)
	if err != nil {
		return false, err
	}
	if !notWipe {
		s.safeWipeAndReinit()
		s.Fault.Handle("wipe code entered")
		return false, ErrWiped
	}

	keys, err := s.Unlocker.Unlock(pin, extSalt, progress)
	if err != nil {
		if errors.Is(err, ErrWiped) {
			return false, err
		}
		return false, nil
	}
	s.keys = keys
	s.unlocked = true
	if err := s.Fails.FailsReset(); err != nil {
		return false, err
	}

	rawVersion, err := s.GetAuthenticated(VersionKey)
	if err != nil || len(rawVersion) != 4 {
		s.Fault.Handle("storage version check")
		return false, errors.New("policy: unreachable, fault handler halted")
	}
	version := getUint32(rawVersion)
	if err := s.StorageUpgradeUnlocked(version, pin, extSalt); err != nil {
		return false, err
	}
	if err := s.CheckStorageVersion(); err != nil {
		return false, err
	}
	return true, nil
}

// protected mirrors is_protected: every key is part of the authentication
// chain except PUBLIC-flagged keys and those under the storage metadata
// application.
func protected(key uint16) bool {
	app := uint8(key >> 8)
	return (app&FlagPublic) == 0 && app != appStorage
}

// entries snapshots the log for auth.Chain/auth.Verify, which need the
// full (key, value) set to recompute the HMAC chain.
func (s *Store) entries() []auth.Entry {
	var out []auth.Entry
	var cur norcow.Cursor
	for {
		k, v, ok := s.Log.GetNext(&cur)
		if !ok {
			break
		}
		out = append(out, auth.Entry{Key: k, Value: v})
	}
	return out
}

// refreshAuthTag recomputes and persists the whole-store authentication
// tag after an authenticated record is added or changed, mirroring
// auth_update's incremental tag maintenance (done here by recomputation,
// which is equivalent since Store always holds every entry in memory).
func (s *Store) refreshAuthTag() error {
	tag := auth.Chain(s.keys.SAK[:], s.entries(), protected)
	return s.Log.Set(StorageTagKey, tag[:], len(tag))
}

// GetAuthenticated reads an authenticated (auth-chained) plaintext record,
// verifying the whole-store tag as part of retrieval, mirroring
// auth_get's single-pass scan.
func (s *Store) GetAuthenticated(key uint16) ([]byte, error) {
	entries := s.entries()
	var val []byte
	var found bool
	var storedTag []byte
	var entryCount, otherCount int
	for _, e := range entries {
		entryCount++
		if e.Key == key {
			val = e.Value
			found = true
		} else {
			otherCount++
		}
		if e.Key == StorageTagKey {
			storedTag = e.Value
		}
	}
	if err := auth.Verify(s.keys.SAK[:], entries, protected, storedTag, s.Fault.Handle); err != nil {
		return nil, err
	}
	if !found {
		if otherCount != entryCount {
			s.Fault.Handle("sanity check")
		}
		return nil, ErrNotFound
	}
	return val, nil
}

// SetAuthenticated writes an authenticated record and refreshes the tag,
// rolling the record back if the tag write fails, mirroring auth_set.
func (s *Store) SetAuthenticated(key uint16, val []byte) error {
	found, err := s.Log.SetEx(key, val, len(val))
	if err != nil {
		return err
	}
	if !found {
		if err := s.refreshAuthTag(); err != nil {
			_ = s.Log.Delete(key)
			return err
		}
	}
	return nil
}

// DeriveKEK exposes the hardware-salt/PIN-stretch path for callers (tests,
// engine wiring) that need to pre-derive keys outside the unlock flow.
func DeriveKEK(stretcher session.PinStretcher, pin, storageSalt, extSalt []byte) (kek, keiv [cryptoprim.SHA256Size]byte, err error) {
	return stretcher.DeriveForUnlock(pin, storageSalt, extSalt, nil)
}
