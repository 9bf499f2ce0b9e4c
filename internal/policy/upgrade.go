package policy

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/auth"
	"github.com/arimxyer/cerberus-storage/internal/norcow"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

var errNotReached = errors.New("policy: unreachable, fault handler halted")

func putWord(v uint32) []byte {
	var buf [4]byte
	putUint32(buf[:], v)
	return buf[:]
}

func getWord(buf []byte) (uint32, bool) {
	if len(buf) != 4 {
		return 0, false
	}
	return getUint32(buf), true
}

// logIsEmpty reports whether the record log holds no live entries at all.
// A brand-new log and a genuinely pre-existing legacy store both read back
// Version()==0; emptiness is the only signal available to tell "never
// initialized" apart from "real v0 data to migrate", so StorageUpgrade uses
// it to stay a no-op on the former and leave that case to Init.
func logIsEmpty(log *norcow.Log) bool {
	var cur norcow.Cursor
	_, _, ok := log.GetNext(&cur)
	return !ok
}

// StorageUpgrade performs the locked, pre-unlock migration storage_upgrade
// runs at boot whenever the log's version trails CurrentNorcowVersion: from
// version 0 it generates fresh DEK/SAK, builds EDEK_PVC from whatever
// legacy PIN v0PinKey holds, migrates the legacy PIN-fail count, and
// encrypts every other record under the new DEK, as part of the
// authenticated chain, unless it is flagged public. Versions 1 and 2 need no record rewrite at all: unlike
// storage.c, which reshuffled its encrypted-record envelope at its own
// version 4, this engine's envelope has never changed shape, so existing
// entries are already in current form. It always finishes by marking
// STORAGE_UPGRADED_KEY and calling Log.UpgradeFinish.
//
// It is a no-op on a freshly created, still-empty log (see logIsEmpty) and
// on a log already at CurrentNorcowVersion.
func (s *Store) StorageUpgrade() error {
	version := s.Log.Version()
	if version >= CurrentNorcowVersion || logIsEmpty(s.Log) {
		return nil
	}

	if version == 0 {
		if err := s.upgradeFromV0(); err != nil {
			return err
		}
	}

	if version <= 1 {
		if err := SetWipeCode(s.Log, WipeCodeDataKey, nil); err != nil {
			return err
		}
	}
	if version <= 2 {
		// The store may have already run through an earlier upgrade to
		// version 2 without ever being unlocked; STORAGE_UPGRADED_KEY
		// still reading falseWord is how storage.c tells that apart from
		// a genuine first-time migration.
		unauth := uint32(1)
		if raw, err := s.Log.Get(StorageUpgradedKey); err == nil {
			if w, ok := getWord(raw); ok && w == falseWord {
				unauth = 2
			}
		}
		if err := s.Log.Set(UnauthVersionKey, putWord(unauth), 4); err != nil {
			return err
		}
	}

	if err := s.Log.Set(StorageUpgradedKey, putWord(trueWord), 4); err != nil {
		return err
	}
	return s.Log.UpgradeFinish(CurrentNorcowVersion)
}

// upgradeFromV0 migrates a plaintext-norcow store — the original format,
// before any record was ever encrypted — into the current authenticated
// layout, mirroring storage_upgrade's norcow_active_version==0 branch.
// v0PinKey's legacy PIN is read in this engine's ordinary variable-length
// encoding rather than storage.c's packed uint32, since no real device
// ever produced storage.c's literal v0 byte layout through this port; what
// matters for the migration is preserving whatever PIN and record data a
// v0 store held, not byte-for-byte fidelity to a format nothing here can
// read any other way.
func (s *Store) upgradeFromV0() error {
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
	if err := s.SetAuthenticatedVersion(1); err != nil {
		return err
	}

	legacyPin, err := s.Log.Get(v0PinKey)
	if err != nil {
		legacyPin = nil
	} else if err := s.Log.Delete(v0PinKey); err != nil {
		return err
	}
	if err := s.setPin(legacyPin, nil); err != nil {
		return err
	}

	if err := s.migrateLegacyFails(); err != nil {
		return err
	}

	var cur norcow.Cursor
	for {
		key, val, ok := s.Log.GetNext(&cur)
		if !ok {
			break
		}
		if key == v0PinKey || key == PinLogsKey || !protected(key) {
			continue
		}
		if err := s.setEncrypted(key, val); err != nil {
			return err
		}
	}

	s.keys.Zero()
	s.unlocked = false
	return nil
}

// migrateLegacyFails re-creates the fail counter under PinLogsKey through
// this store's configured FailsLog, preserving whatever count the legacy
// store already had (the bitwise v0 layout already matches
// pinlog.BitwiseCounter's, so the common case is a same-format roundtrip
// that happens to be a no-op), mirroring storage_upgrade's
// v0_pin_get_fails + pin_logs_init pair.
func (s *Store) migrateLegacyFails() error {
	fails, err := s.Fails.GetFails()
	if err != nil {
		return err
	}
	if err := s.Fails.FailsReset(); err != nil {
		return err
	}
	for i := uint32(0); i < fails; i++ {
		if err := s.Fails.FailsIncrease(); err != nil {
			return err
		}
	}
	return nil
}

// StorageUpgradeUnlocked performs the post-unlock migration steps for
// storage versions <= 2, mirroring storage_upgrade_unlocked: re-encoding
// the fixed uint32 PIN/wipe-code scheme into the current variable-length
// scheme, which runs once, right after a successful unlock, while pin is
// still available in memory. It never touches VERSION_KEY or
// UNAUTH_VERSION_KEY itself — bumping those to CurrentNorcowVersion is
// CheckStorageVersion's job, once it has confirmed STORAGE_UPGRADED_KEY
// proves the locked StorageUpgrade actually ran rather than being
// bypassed.
func (s *Store) StorageUpgradeUnlocked(version uint32, pin, extSalt []byte) error {
	if version <= 2 {
		if err := s.setPin(pin, extSalt); err != nil {
			return err
		}
	}
	if version == 2 {
		raw, err := s.Log.Get(WipeCodeDataKey)
		if err != nil || len(raw) < 4 {
			s.Fault.Handle("no wipe code")
			return errNotReached
		}
		val := getUint32(raw[:4])
		code, ok := IntToWipeCode(val)
		if !ok {
			s.Fault.Handle("invalid wipe code")
			return errNotReached
		}
		if err := SetWipeCode(s.Log, WipeCodeDataKey, []byte(code)); err != nil {
			return err
		}
	}
	return nil
}
