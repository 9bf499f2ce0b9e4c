package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
	"github.com/arimxyer/cerberus-storage/internal/norcow"
	"github.com/arimxyer/cerberus-storage/internal/pinlog"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

const testKey uint16 = (0x01 << 8) | 0x01         // non-public, non-storage
const testPublicKey uint16 = (0x81 << 8) | 0x01    // FlagPublic
const testWritableLockedKey uint16 = (0xC1 << 8) | 0x01 // FlagPublic | FlagWrite

func recordingFault(t *testing.T) (*FaultHandler, *[]string) {
	t.Helper()
	var calls []string
	log, err := norcow.Open(filepath.Join(t.TempDir(), "fault.bin"))
	require.NoError(t, err)
	fails := pinlog.NewBitwiseCounter(log, PinLogsKey)
	require.NoError(t, fails.FailsReset())
	fault := &FaultHandler{
		Counter: fails,
		Fatal:   func(reason, msg string) { calls = append(calls, reason+": "+msg) },
	}
	return fault, &calls
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := norcow.Open(filepath.Join(t.TempDir(), "store.bin"))
	require.NoError(t, err)
	fails := pinlog.NewBitwiseCounter(log, PinLogsKey)
	stretcher := &session.SoftStretcher{HWSalt: session.HardwareSalt([]byte("caller"))}

	store := &Store{Log: log, Fails: fails, Stretcher: stretcher}
	fault := &FaultHandler{Counter: fails, Wiper: store, Fatal: func(string, string) {}}
	store.Fault = fault
	store.Unlocker = &Unlocker{
		Fails: fails, Edek: log, EdekKey: EdekPvcKey,
		Stretcher: stretcher, Fault: fault, Wipe: store.Wipe,
	}
	return store
}

func TestStoreInitThenUnlockWithEmptyPin(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	require.True(t, s.IsUnlocked())

	s.Lock()
	require.False(t, s.IsUnlocked())

	ok, err := s.Unlock(nil, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, s.IsUnlocked())
}

func TestStoreUnlockWrongPinRefusesWithoutError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	ok, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	s.Lock()

	ok, err = s.Unlock([]byte("0000"), nil, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSetGetEncryptedRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	require.NoError(t, s.Set(testKey, []byte("secret value")))
	val, err := s.Get(testKey)
	require.NoError(t, err)
	require.Equal(t, []byte("secret value"), val)
}

func TestStoreEncryptedRecordRequiresUnlockToRead(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	require.NoError(t, s.Set(testKey, []byte("secret")))
	s.Lock()

	_, err := s.Get(testKey)
	require.ErrorIs(t, err, ErrLocked)
}

func TestStorePublicRecordReadableWhileLocked(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	require.NoError(t, s.Set(testPublicKey, []byte("public value")))
	s.Lock()

	val, err := s.Get(testPublicKey)
	require.NoError(t, err)
	require.Equal(t, []byte("public value"), val)
}

func TestStorePublicNonWritableLockedKeyRejectsSetWhileLocked(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	s.Lock()

	err := s.Set(testPublicKey, []byte("x"))
	require.ErrorIs(t, err, ErrLocked)
}

func TestStoreWritableLockedKeyAcceptsSetWhileLocked(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	s.Lock()

	require.NoError(t, s.Set(testWritableLockedKey, []byte("x")))
	val, err := s.Get(testWritableLockedKey)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), val)
}

func TestStoreReservedStorageKeyRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	const reservedKey uint16 = (appStorage << 8) | 0x42
	require.ErrorIs(t, s.Set(reservedKey, []byte("x")), ErrReservedKey)
	_, err := s.Get(reservedKey)
	require.ErrorIs(t, err, ErrReservedKey)
}

func TestStoreDeleteRefreshesAuthTag(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	require.NoError(t, s.Set(testKey, []byte("a")))
	require.NoError(t, s.Delete(testKey))

	_, err := s.Get(testKey)
	require.Error(t, err)

	// The store must still pass its own authentication check after the
	// delete-triggered tag refresh.
	_, err = s.GetAuthenticated(VersionKey)
	require.NoError(t, err)
}

func TestStoreCountersRequirePublicKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	_, err := s.NextCounter(testKey)
	require.ErrorIs(t, err, ErrNotPublic)
	err = s.SetCounter(testKey, 5)
	require.ErrorIs(t, err, ErrNotPublic)
}

func TestStoreCounterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	v, err := s.NextCounter(testPublicKey)
	require.NoError(t, err)
	require.Equal(t, uint32(1), v)

	require.NoError(t, s.SetCounter(testPublicKey, 41))
	v, err = s.NextCounter(testPublicKey)
	require.NoError(t, err)
	require.Equal(t, uint32(42), v)
}

func TestStoreHasPinTracksConfiguredPin(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	has, err := s.HasPin()
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)

	has, err = s.HasPin()
	require.NoError(t, err)
	require.True(t, has)
}

func TestStoreGetPinRemCountsDownAfterWrongPin(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)
	s.Lock()

	rem, err := s.GetPinRem()
	require.NoError(t, err)
	require.Equal(t, uint32(PinMaxTries), rem)

	ok, err := s.Unlock([]byte("0000"), nil, nil)
	require.NoError(t, err)
	require.False(t, ok)

	rem, err = s.GetPinRem()
	require.NoError(t, err)
	require.Equal(t, uint32(PinMaxTries-1), rem)
}

func TestStoreChangeWipeCodeThenEnsureNotWipeCodeWipes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)

	ok, err := s.ChangeWipeCode([]byte("1234"), nil, []byte("9999"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Set(testKey, []byte("still here")))
	s.EnsureNotWipeCode([]byte("9999"))

	has, err := s.HasPin()
	require.NoError(t, err)
	require.False(t, has, "entering the wipe code must wipe the pin back to empty")

	_, err = s.Get(testKey)
	require.Error(t, err, "a wipe must erase previously stored records")
}

func TestStoreUnlockWithWipeCodeWipesWithoutCallerCheckingFirst(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)

	ok, err := s.ChangeWipeCode([]byte("1234"), nil, []byte("9999"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Set(testKey, []byte("still here")))
	s.Lock()

	// Unlock itself must perform the wipe-code check: a caller that never
	// calls EnsureNotWipeCode separately still gets a wipe, exactly as
	// storage.c's unlock() calls ensure_not_wipe_code as its first step.
	ok, err = s.Unlock([]byte("9999"), nil, nil)
	require.ErrorIs(t, err, ErrWiped)
	require.False(t, ok)

	has, err := s.HasPin()
	require.NoError(t, err)
	require.False(t, has, "unlocking with the wipe code must wipe the pin back to empty")

	_, err = s.Get(testKey)
	require.Error(t, err, "a wipe must erase previously stored records")
}

func TestStoreEnsureNotWipeCodeIsNoOpForOrdinaryPin(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)

	s.EnsureNotWipeCode([]byte("1234"))
	has, err := s.HasPin()
	require.NoError(t, err)
	require.True(t, has, "entering the regular pin must never trigger a wipe")
}

func TestStoreChangeWipeCodeRejectsCodeEqualToPin(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)

	ok, err := s.ChangeWipeCode([]byte("1234"), nil, []byte("1234"))
	require.ErrorIs(t, err, ErrWipeCodeEqualsPin)
	require.False(t, ok)
}

func TestStoreChangePinRejectsPinEqualToWipeCode(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	ok, err := s.ChangeWipeCode(nil, nil, []byte("9999"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ChangePin(nil, []byte("9999"), nil, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreWipeResetsEverything(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(testKey, []byte("data")))

	require.NoError(t, s.Wipe())
	require.True(t, s.IsUnlocked())

	has, err := s.HasPin()
	require.NoError(t, err)
	require.False(t, has)
	_, err = s.Get(testKey)
	require.Error(t, err)
}

func TestStoreTooManyWrongAttemptsWipes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	_, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)
	s.Lock()

	var wiped bool
	for i := 0; i < PinMaxTries; i++ {
		ok, err := s.Unlock([]byte("0000"), nil, nil)
		if err != nil {
			require.ErrorIs(t, err, ErrWiped)
			wiped = true
			break
		}
		require.False(t, ok)
		s.Lock()
	}
	require.True(t, wiped)
}

func TestCheckStorageVersionAgreesAfterInit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	require.NoError(t, s.CheckStorageVersion())
}

func TestStorageUpgradeUnlockedNoOpAtCurrentVersion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	require.NoError(t, s.StorageUpgradeUnlocked(CurrentNorcowVersion, []byte("1234"), nil))
}

func TestStorageUpgradeNoOpOnFreshEmptyLog(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StorageUpgrade())
	require.Equal(t, uint32(0), s.Log.Version())
}

// TestStoreUpgradeFromV1MigratesToCurrentVersion simulates a log left at
// storage format version 1 by firmware that predates STORAGE_UPGRADED_KEY
// and UNAUTH_VERSION_KEY entirely — a real protected record, EDEK_PVC
// wrapped under a known PIN, version markers rolled back, and neither
// bookkeeping key present — and checks that the locked StorageUpgrade plus
// a subsequent Unlock bring it back to CurrentNorcowVersion without
// disturbing the record's plaintext.
func TestStoreUpgradeFromV1MigratesToCurrentVersion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())
	ok, err := s.ChangePin(nil, []byte("1234"), nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Set(testKey, []byte("legacy value")))

	require.NoError(t, s.SetAuthenticatedVersion(1))
	require.NoError(t, s.Log.Delete(UnauthVersionKey))
	require.NoError(t, s.Log.Delete(StorageUpgradedKey))
	require.NoError(t, s.Log.UpgradeFinish(1))
	s.Lock()

	require.NoError(t, s.StorageUpgrade())
	require.Equal(t, CurrentNorcowVersion, s.Log.Version())

	ok, err = s.Unlock([]byte("1234"), nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	val, err := s.Get(testKey)
	require.NoError(t, err)
	require.Equal(t, []byte("legacy value"), val)

	raw, err := s.GetAuthenticated(VersionKey)
	require.NoError(t, err)
	require.Equal(t, CurrentNorcowVersion, getUint32(raw))
}

// TestStoreUpgradeFromV0BuildsFreshEdekFromLegacyPlaintextPin simulates a
// true version-0 store: a plaintext legacy PIN record and a plaintext
// protected record, neither ever encrypted. StorageUpgrade must generate a
// fresh DEK/SAK, wrap it under the legacy PIN, and fold the protected
// record into the authenticated chain so a subsequent Unlock decrypts it.
func TestStoreUpgradeFromV0BuildsFreshEdekFromLegacyPlaintextPin(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Log.Set(v0PinKey, []byte("1234"), 4))
	require.NoError(t, s.Log.Set(testKey, []byte("legacy plaintext"), len("legacy plaintext")))

	require.NoError(t, s.StorageUpgrade())
	require.Equal(t, CurrentNorcowVersion, s.Log.Version())

	_, err := s.Log.Get(v0PinKey)
	require.ErrorIs(t, err, norcow.ErrNotFound, "the legacy plaintext PIN record must not survive migration")

	ok, err := s.Unlock([]byte("1234"), nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	val, err := s.Get(testKey)
	require.NoError(t, err)
	require.Equal(t, []byte("legacy plaintext"), val)
}

func TestFaultHandlerCallsFatalAndBumpsCounter(t *testing.T) {
	fault, calls := recordingFault(t)
	before, err := fault.Counter.GetFails()
	require.NoError(t, err)

	fault.Handle("test fault")
	require.Len(t, *calls, 1)
	require.Contains(t, (*calls)[0], "test fault")

	after, err := fault.Counter.GetFails()
	require.NoError(t, err)
	require.Equal(t, before+1, after)
}

func TestFaultHandlerReentrantCallWipesImmediately(t *testing.T) {
	fault, calls := recordingFault(t)
	var wiped bool
	fault.Wiper = wiperFunc(func() error { wiped = true; return nil })

	fault.inProgress = true
	fault.Handle("reentrant fault")
	require.True(t, wiped, "a fault detected while another is in progress must wipe immediately")
	require.Len(t, *calls, 1)
}

type wiperFunc func() error

func (f wiperFunc) Wipe() error { return f() }

func TestSetWipeCodeAndIsNotWipeCode(t *testing.T) {
	log, err := norcow.Open(filepath.Join(t.TempDir(), "s.bin"))
	require.NoError(t, err)
	const key uint16 = (appStorage << 8) | 0x06

	require.NoError(t, SetWipeCode(log, key, []byte("9999")))

	var faults []string
	onFault := func(msg string) { faults = append(faults, msg) }

	notWipe, err := IsNotWipeCode(log, key, []byte("1234"), onFault)
	require.NoError(t, err)
	require.True(t, notWipe)
	require.Empty(t, faults)

	notWipe, err = IsNotWipeCode(log, key, []byte("9999"), onFault)
	require.NoError(t, err)
	require.False(t, notWipe)
	require.Empty(t, faults)
}

func TestHasWipeCodeReflectsConfiguredState(t *testing.T) {
	log, err := norcow.Open(filepath.Join(t.TempDir(), "s.bin"))
	require.NoError(t, err)
	const key uint16 = (appStorage << 8) | 0x06
	onFault := func(string) {}

	require.NoError(t, SetWipeCode(log, key, nil))
	has, err := HasWipeCode(log, key, onFault)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, SetWipeCode(log, key, []byte("9999")))
	has, err = HasWipeCode(log, key, onFault)
	require.NoError(t, err)
	require.True(t, has)
}

func TestSetWipeCodeRejectsTooLong(t *testing.T) {
	log, err := norcow.Open(filepath.Join(t.TempDir(), "s.bin"))
	require.NoError(t, err)
	const key uint16 = (appStorage << 8) | 0x06

	long := make([]byte, MaxWipeCodeLen+1)
	for i := range long {
		long[i] = '1'
	}
	err = SetWipeCode(log, key, long)
	require.ErrorIs(t, err, ErrWipeCodeTooLong)
}

func TestPinToIntEncoding(t *testing.T) {
	require.Equal(t, uint32(11234), PinToInt([]byte("1234")))
	require.Equal(t, uint32(V0PinEmpty), PinToInt(nil))
	require.Equal(t, uint32(0), PinToInt([]byte("12a4")))

	long := make([]byte, V0MaxPinLen+1)
	for i := range long {
		long[i] = '1'
	}
	require.Equal(t, uint32(0), PinToInt(long))
}

func TestIntToWipeCodeRoundTrip(t *testing.T) {
	encoded := uint32(19999)
	code, ok := IntToWipeCode(encoded)
	require.True(t, ok)
	require.Equal(t, "9999", code)

	code, ok = IntToWipeCode(V2WipeCodeEmpty)
	require.True(t, ok)
	require.Equal(t, "", code)

	_, ok = IntToWipeCode(V0PinEmpty)
	require.False(t, ok)
}

func TestDeriveKEKMatchesStretcherDirectly(t *testing.T) {
	stretcher := &session.SoftStretcher{HWSalt: session.HardwareSalt([]byte("caller"))}
	storageSalt := make([]byte, session.StorageSaltSize)

	kek, keiv, err := DeriveKEK(stretcher, []byte("1234"), storageSalt, nil)
	require.NoError(t, err)

	wantKek, wantKeiv, err := stretcher.DeriveForUnlock([]byte("1234"), storageSalt, nil, nil)
	require.NoError(t, err)
	require.Equal(t, wantKek, kek)
	require.Equal(t, wantKeiv, keiv)
}

func TestStoreValueTooLargeRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	envelopeMax := 0xFFFF - cryptoprim.ChaCha20IVSize - cryptoprim.Poly1305TagSize
	big := make([]byte, envelopeMax+1)
	err := s.Set(testKey, big)
	require.ErrorIs(t, err, ErrTooLarge)
}
