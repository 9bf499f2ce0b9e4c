// Package cryptoprim provides the low-level cryptographic primitives the
// storage engine is built on: SHA-256, HMAC-SHA256, PBKDF2-HMAC-SHA256,
// ChaCha20-Poly1305 (RFC 7539), a CSPRNG, and the fault-resistant constant
// time comparators the policy layer uses at every point a fault-injection
// attacker might be probing a secret-derived comparison.
package cryptoprim

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SHA256Size is the digest length of SHA-256 in bytes.
	SHA256Size = sha256.Size

	// ChaCha20IVSize is the ChaCha20 nonce length per RFC 7539.
	ChaCha20IVSize = chacha20poly1305.NonceSize

	// Poly1305TagSize is the Poly1305 authentication tag length.
	Poly1305TagSize = chacha20poly1305.Overhead

	// ChaCha20BlockSize is the ChaCha20 block size used to stream-encrypt
	// record bodies in block-aligned chunks.
	ChaCha20BlockSize = 64
)

var (
	// ErrInvalidKeyLength is returned when a key buffer has the wrong size.
	ErrInvalidKeyLength = errors.New("cryptoprim: invalid key length")

	// ErrOpenFailed is returned when ChaCha20-Poly1305 authentication fails.
	ErrOpenFailed = errors.New("cryptoprim: authentication failed")
)

// SHA256 computes the SHA-256 digest of data.
func SHA256(data []byte) [SHA256Size]byte {
	return sha256.Sum256(data)
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) [SHA256Size]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out [SHA256Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// PBKDF2Batch represents one fixed iteration sub-batch of a PBKDF2 run; it
// lets callers interleave progress reporting with iteration work the way
// the original derivation reports progress every tenth of the PIN budget.
type PBKDF2Batch struct {
	// Iterations is this sub-batch's share of the total iteration count.
	Iterations int
}

// PBKDF2DeriveBlock runs full PBKDF2-HMAC-SHA256 for the given block index
// (1-based, matching the PBKDF2 "i" block counter) and returns a 32-byte
// key. The derivation always runs the full totalIterations in one call,
// with no progress reporting inside it; callers that report progress (see
// internal/session) call it once per output block and report between
// calls.
func PBKDF2DeriveBlock(password, salt []byte, totalIterations, block int) []byte {
	return pbkdf2Block(password, salt, totalIterations, block)
}

func pbkdf2Block(password, salt []byte, iterations, block int) []byte {
	// pbkdf2.Key derives a key of the requested length starting from block 1
	// implicitly; to select an arbitrary block index we salt-extend using the
	// standard PBKDF2 per-block construction: derive len(block)*32 bytes and
	// slice out the requested block. This mirrors the reference PBKDF2_Final
	// behavior of deriving block i from U_1 = PRF(password, salt || INT(i)).
	out := pbkdf2.Key(password, salt, iterations, sha256.Size*block, sha256.New)
	return out[sha256.Size*(block-1):]
}

// RandomBuffer fills buf with cryptographically secure random bytes.
func RandomBuffer(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// Random32 returns a cryptographically secure random 32-bit word.
func Random32() (uint32, error) {
	var buf [4]byte
	if err := RandomBuffer(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WaitRandom introduces a jitter delay ahead of a security-sensitive
// comparison, matching storage.c's wait_random(): a small random delay
// meant to de-correlate the timing of power-analysis probes from the
// comparison itself.
func WaitRandom() {
	n, err := rand.Int(rand.Reader, big.NewInt(10))
	if err != nil {
		return
	}
	time.Sleep(time.Duration(n.Int64()+1) * time.Millisecond)
}

// SecEqual is a constant-time byte comparison that additionally verifies
// its own loop completed the expected number of iterations, treating a
// short-circuited loop (a classic fault-injection target) as a fault.
// onFault is invoked if the lengths differ (SecEqual then returns false) or
// if the loop is found to have been cut short.
func SecEqual(a, b []byte, onFault func(msg string)) bool {
	if len(a) != len(b) {
		onFault("secequal: length mismatch")
		return false
	}
	var diff byte
	i := 0
	for ; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	if i != len(a) {
		onFault("loop completion check")
	}
	return diff == 0
}

// SecEqual32 is the word-wise analogue of SecEqual used for the PIN
// verification code comparison. Each word comparison adds a fresh random
// mask before subtracting and XORs it back out afterwards, following
// storage.c's secequal32, so
// that a differential power analysis trace cannot correlate the
// intermediate subtraction result with the compared values.
func SecEqual32(a, b []uint32, onFault func(msg string)) bool {
	if len(a) != len(b) {
		onFault("secequal32: length mismatch")
		return false
	}
	var diff uint32
	i := 0
	for ; i < len(a); i++ {
		mask, err := Random32()
		if err != nil {
			onFault("secequal32: rng failure")
		}
		diff |= (a[i] + mask - b[i]) ^ mask
	}
	if i != len(a) {
		onFault("loop completion check")
	}
	return diff == 0
}

// BytesToWords32 reinterprets a little-endian byte slice as a slice of
// uint32 words, used to view the Poly1305 tag prefix and the stored PVC as
// words for SecEqual32.
func BytesToWords32(b []byte) []uint32 {
	if len(b)%4 != 0 {
		panic("cryptoprim: BytesToWords32: length not a multiple of 4")
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

// ClearBytes overwrites data with zeros. Kept as a distinct helper (rather
// than inlined memclr) so every zeroization site reads the same way, the
// teacher's ClearBytes idiom.
func ClearBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
