package policy

// Reserved storage-metadata keys, all living under application 0x00 (the
// "storage" pseudo-application), matching storage.c's reserved key block.
// These never participate in the whole-store authentication chain.
const (
	appStorage = 0x00

	// v0PinKey is the legacy plaintext-PIN record from storage format
	// version 0, back before any norcow record was ever encrypted. It has
	// no current counterpart; StorageUpgrade reads it once while migrating
	// a v0 store and never writes it again.
	v0PinKey uint16 = (appStorage << 8) | 0x00
	// PinLogsKey is the PIN-failure log record.
	PinLogsKey uint16 = (appStorage << 8) | 0x01
	// EdekPvcKey holds storage_salt ‖ wrapped(DEK‖SAK) ‖ pvc.
	EdekPvcKey uint16 = (appStorage << 8) | 0x02
	// PinNotSetKey is a one-byte boolean: true when the PIN is the empty PIN.
	PinNotSetKey uint16 = (appStorage << 8) | 0x03
	// VersionKey holds the authenticated (encrypted) storage format version.
	VersionKey uint16 = (appStorage << 8) | 0x04
	// StorageTagKey holds the whole-store HMAC authentication tag.
	StorageTagKey uint16 = (appStorage << 8) | 0x05
	// WipeCodeDataKey holds code‖salt‖tag for the wipe code.
	WipeCodeDataKey uint16 = (appStorage << 8) | 0x06
	// StorageUpgradedKey is a sentinel word: trueWord once the locked
	// StorageUpgrade has run, falseWord in steady state. CheckStorageVersion
	// accepts an older authenticated version only while it reads trueWord.
	StorageUpgradedKey uint16 = (appStorage << 8) | 0x07
	// UnauthVersionKey mirrors VersionKey in plaintext so the version can be
	// read before a PIN unlocks storage.
	UnauthVersionKey uint16 = (appStorage << 8) | 0x08
)

// CurrentNorcowVersion is the storage format version this implementation
// writes for freshly initialized or fully upgraded storage.
const CurrentNorcowVersion uint32 = 3

// FlagPublic, when set in a key's high (application) byte, marks the key
// as not participating in the authentication chain, mirroring storage.c's
// FLAG_PUBLIC bit.
const FlagPublic uint8 = 0x80

// trueWord and falseWord are storage.c's TRUE_WORD/FALSE_WORD sentinels.
// STORAGE_UPGRADED_KEY always holds one of these two specific 32-bit words,
// never a plain boolean, so a corrupted or truncated record can't read back
// as either state by accident.
const (
	trueWord  uint32 = 0xC35A69A5
	falseWord uint32 = 0x3CA5965A
)
