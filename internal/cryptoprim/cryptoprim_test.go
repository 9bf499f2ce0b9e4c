package cryptoprim

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA256KnownVector(t *testing.T) {
	sum := SHA256([]byte("abc"))
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(sum[:]))
}

func TestHMACSHA256Deterministic(t *testing.T) {
	a := HMACSHA256([]byte("key"), []byte("data"))
	b := HMACSHA256([]byte("key"), []byte("data"))
	require.Equal(t, a, b)

	c := HMACSHA256([]byte("key"), []byte("other"))
	require.NotEqual(t, a, c)
}

func TestPBKDF2DeriveBlockDeterministic(t *testing.T) {
	a := PBKDF2DeriveBlock([]byte("pin"), []byte("salt"), 10, 1)
	b := PBKDF2DeriveBlock([]byte("pin"), []byte("salt"), 10, 1)
	require.Equal(t, a, b)

	c := PBKDF2DeriveBlock([]byte("pin"), []byte("salt"), 10, 2)
	require.NotEqual(t, a, c, "different block indices must derive different key material")
}

func TestRandomBufferFillsNonZero(t *testing.T) {
	buf := make([]byte, 32)
	require.NoError(t, RandomBuffer(buf))
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	require.False(t, allZero, "32 random bytes being all-zero is statistically impossible")
}

func TestSecEqualMatchesAndMismatches(t *testing.T) {
	var faults []string
	onFault := func(msg string) { faults = append(faults, msg) }

	require.True(t, SecEqual([]byte("abcd"), []byte("abcd"), onFault))
	require.False(t, SecEqual([]byte("abcd"), []byte("abce"), onFault))
	require.Empty(t, faults, "equal-length comparisons never trigger the fault path")
}

func TestSecEqualLengthMismatchFaults(t *testing.T) {
	var faults []string
	onFault := func(msg string) { faults = append(faults, msg) }

	ok := SecEqual([]byte("abc"), []byte("abcd"), onFault)
	require.False(t, ok)
	require.NotEmpty(t, faults)
}

func TestSecEqual32MatchesAndMismatches(t *testing.T) {
	var faults []string
	onFault := func(msg string) { faults = append(faults, msg) }

	a := []uint32{1, 2, 3}
	b := []uint32{1, 2, 3}
	require.True(t, SecEqual32(a, b, onFault))

	c := []uint32{1, 2, 4}
	require.False(t, SecEqual32(a, c, onFault))
	require.Empty(t, faults)
}

func TestSecEqual32LengthMismatchFaults(t *testing.T) {
	var faults []string
	onFault := func(msg string) { faults = append(faults, msg) }

	ok := SecEqual32([]uint32{1, 2}, []uint32{1, 2, 3}, onFault)
	require.False(t, ok)
	require.NotEmpty(t, faults)
}

func TestBytesToWords32RoundTrip(t *testing.T) {
	b := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	words := BytesToWords32(b)
	require.Equal(t, []uint32{1, 2}, words)
}

func TestBytesToWords32PanicsOnUnalignedLength(t *testing.T) {
	require.Panics(t, func() {
		BytesToWords32([]byte{1, 2, 3})
	})
}

func TestClearBytesZeroesBuffer(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	ClearBytes(buf)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestSealOpenWholeRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var iv [ChaCha20IVSize]byte
	copy(iv[:], []byte("012345678911"))

	ct, err := SealWhole(key, iv, []byte("plaintext message"))
	require.NoError(t, err)

	pt, err := OpenWhole(key, iv, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("plaintext message"), pt)
}

func TestOpenWholeRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var iv [ChaCha20IVSize]byte
	copy(iv[:], []byte("012345678911"))

	ct, err := SealWhole(key, iv, []byte("plaintext message"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = OpenWhole(key, iv, ct)
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestStreamCipherEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var iv [ChaCha20IVSize]byte
	copy(iv[:], []byte("012345678911"))

	aad := []byte("associated-data")
	pt := []byte("a record body streamed in chunks")

	enc, err := NewStreamCipher(key, iv)
	require.NoError(t, err)
	enc.Auth(aad)
	ct := make([]byte, len(pt))
	enc.Encrypt(ct[:10], pt[:10])
	enc.Encrypt(ct[10:], pt[10:])
	tag := enc.Finish(len(aad), len(pt))

	dec, err := NewStreamCipher(key, iv)
	require.NoError(t, err)
	dec.Auth(aad)
	got := make([]byte, len(ct))
	dec.Decrypt(got[:10], ct[:10])
	dec.Decrypt(got[10:], ct[10:])
	gotTag := dec.Finish(len(aad), len(ct))

	require.Equal(t, pt, got)
	require.Equal(t, tag, gotTag)
}
