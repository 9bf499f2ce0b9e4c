package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func alwaysProtected(uint16) bool { return true }

func TestInitIsChainOverNoEntries(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	require.Equal(t, Chain(sak, nil, alwaysProtected), Init(sak))
}

func TestChainOrderIndependent(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	a := []Entry{{Key: 0x0101, Value: []byte("a")}, {Key: 0x0201, Value: []byte("b")}}
	b := []Entry{{Key: 0x0201, Value: []byte("b")}, {Key: 0x0101, Value: []byte("a")}}

	require.Equal(t, Chain(sak, a, alwaysProtected), Chain(sak, b, alwaysProtected),
		"the chain folds by XOR, so entry order must not affect the tag")
}

func TestChainIgnoresUnprotectedKeysAndValues(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	protectedOnly := func(key uint16) bool { return key == 0x0101 }

	base := []Entry{{Key: 0x0101, Value: []byte("a")}}
	withUnprotected := []Entry{
		{Key: 0x0101, Value: []byte("a")},
		{Key: 0x8001, Value: []byte("ignored")},
	}
	withChangedValue := []Entry{{Key: 0x0101, Value: []byte("changed")}}

	require.Equal(t, Chain(sak, base, protectedOnly), Chain(sak, withUnprotected, protectedOnly),
		"an unprotected key's presence must not affect the tag")
	require.Equal(t, Chain(sak, base, protectedOnly), Chain(sak, withChangedValue, protectedOnly),
		"only the key, never the value, participates in the chain")
}

func TestChainDifferentKeySetsDiffer(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	a := []Entry{{Key: 0x0101}}
	b := []Entry{{Key: 0x0201}}

	require.NotEqual(t, Chain(sak, a, alwaysProtected), Chain(sak, b, alwaysProtected))
}

func TestUpdateMatchesChainIncrementally(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	entries := []Entry{{Key: 0x0101}, {Key: 0x0201}, {Key: 0x0301}}

	var sum [32]byte
	var tag [32]byte
	for _, e := range entries {
		sum, tag = Update(sak, sum, e.Key)
	}

	require.Equal(t, Chain(sak, entries, alwaysProtected), tag,
		"folding Update over every key in order must match a from-scratch Chain")
}

func TestVerifySucceedsOnMatchingTag(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	entries := []Entry{{Key: 0x0101}, {Key: 0x0201}}
	tag := Chain(sak, entries, alwaysProtected)

	var faults []string
	err := Verify(sak, entries, alwaysProtected, tag[:], func(msg string) { faults = append(faults, msg) })
	require.NoError(t, err)
	require.Empty(t, faults)
}

func TestVerifyFailsOnTamperedTag(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	entries := []Entry{{Key: 0x0101}, {Key: 0x0201}}
	tag := Chain(sak, entries, alwaysProtected)
	tag[0] ^= 0xFF

	err := Verify(sak, entries, alwaysProtected, tag[:], func(string) {})
	require.ErrorIs(t, err, ErrTagMismatch)
}

func TestVerifyFailsOnWrongTagLength(t *testing.T) {
	sak := []byte("session-authentication-key-32by")
	entries := []Entry{{Key: 0x0101}}

	err := Verify(sak, entries, alwaysProtected, []byte{1, 2, 3}, func(string) {})
	require.ErrorIs(t, err, ErrTagMismatch)
}

func TestIsProtected(t *testing.T) {
	const storageApp = 0x00
	const publicFlag = 0x80

	require.True(t, IsProtected(0x0101, storageApp, publicFlag))
	require.False(t, IsProtected(0x8101, storageApp, publicFlag), "a public-flagged app byte is never protected")
	require.False(t, IsProtected(0x0001, storageApp, publicFlag), "the storage-metadata app is never protected")
}
