// Package auth implements the whole-store HMAC authentication tag: a
// single SHA-256 HMAC keyed by the session authentication key (SAK) that
// chains over every "protected" record's key (not its value), detecting
// any out-of-band tampering with the record log's keyspace. A key is
// protected unless its high byte is flagged public or belongs to the
// unauthenticated storage-metadata namespace; unprotected keys (the
// active-version marker, the tag itself) never enter the chain.
package auth

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
)

// TagSize is the stored authentication tag length.
const TagSize = cryptoprim.SHA256Size

// ErrTagMismatch is returned by Verify when the computed tag does not
// match the one persisted alongside the log.
var ErrTagMismatch = errors.New("auth: storage authentication tag mismatch")

// Entry is one record in the log, as returned by log iteration.
type Entry struct {
	Key   uint16
	Value []byte
}

// IsProtected reports whether key participates in the authentication
// chain: every application key does, except keys whose application byte
// carries publicFlag and the ones living under the reserved
// storage-metadata application, which would otherwise chain the tag onto
// itself.
func IsProtected(key uint16, storageApp uint8, publicFlag uint8) bool {
	app := uint8(key >> 8)
	return (app&publicFlag) == 0 && app != storageApp
}

// Chain computes the whole-store authentication tag over entries, given
// the cached session authentication key (SAK) and the protected-key
// predicate. It mirrors auth_get's from-scratch recomputation: fold
// HMAC(sak, key-bytes) for every protected key via XOR, then take
// HMAC(sak, fold) as the tag.
func Chain(sak []byte, entries []Entry, protected func(uint16) bool) [TagSize]byte {
	var sum [cryptoprim.SHA256Size]byte
	for _, e := range entries {
		if !protected(e.Key) {
			continue
		}
		kb := [2]byte{byte(e.Key), byte(e.Key >> 8)}
		tag := cryptoprim.HMACSHA256(sak, kb[:])
		for i := range sum {
			sum[i] ^= tag[i]
		}
	}
	return cryptoprim.HMACSHA256(sak, sum[:])
}

// Init computes the tag for freshly wiped storage, i.e. Chain with no
// entries: HMAC(sak, 0^32).
func Init(sak []byte) [TagSize]byte {
	return Chain(sak, nil, func(uint16) bool { return false })
}

// Update folds one more key into a running tag without recomputing the
// whole chain, mirroring auth_update's incremental form. prevSum is the
// XOR-fold accumulated so far (not the tag itself); callers that need the
// incremental form track prevSum alongside the persisted tag.
func Update(sak []byte, prevSum [cryptoprim.SHA256Size]byte, key uint16) (newSum [cryptoprim.SHA256Size]byte, tag [TagSize]byte) {
	kb := [2]byte{byte(key), byte(key >> 8)}
	keyTag := cryptoprim.HMACSHA256(sak, kb[:])
	newSum = prevSum
	for i := range newSum {
		newSum[i] ^= keyTag[i]
	}
	tag = cryptoprim.HMACSHA256(sak, newSum[:])
	return newSum, tag
}

// Verify recomputes the chain over entries and compares it, in constant
// time with a loop-completion fault check, against storedTag.
func Verify(sak []byte, entries []Entry, protected func(uint16) bool, storedTag []byte, onFault func(string)) error {
	computed := Chain(sak, entries, protected)
	if len(storedTag) != TagSize || !cryptoprim.SecEqual(computed[:], storedTag, onFault) {
		return ErrTagMismatch
	}
	return nil
}
