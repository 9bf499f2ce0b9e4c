package cryptoprim

import (
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
)

// StreamCipher wraps a ChaCha20-Poly1305 (RFC 7539) construction exposing
// the incremental encrypt/decrypt + finish API storage.c's rfc7539_* calls
// use, so record bodies can be streamed into norcow.UpdateBytes in
// block-sized chunks rather than assembled in memory first.
type StreamCipher struct {
	enc  *chacha20.Cipher
	mac  *poly1305.MAC
	key  [32]byte
	init bool
}

// NewStreamCipher creates a ChaCha20-Poly1305 context keyed by key and iv,
// mirroring rfc7539_init. It also primes the Poly1305 one-time key the way
// RFC 7539 derives it: block counter 0 of the ChaCha20 keystream.
func NewStreamCipher(key [32]byte, iv [ChaCha20IVSize]byte) (*StreamCipher, error) {
	enc, err := chacha20.NewUnauthenticatedCipher(key[:], iv[:])
	if err != nil {
		return nil, err
	}
	var polyKey [32]byte
	enc.SetCounter(0)
	enc.XORKeyStream(polyKey[:], polyKey[:])
	enc.SetCounter(1)
	mac := poly1305.New(&polyKey)
	return &StreamCipher{enc: enc, mac: mac, key: key, init: true}, nil
}

// Auth feeds additional authenticated data into the running Poly1305 MAC,
// mirroring rfc7539_auth. Must be called before any Encrypt/Decrypt call.
// The AAD is zero-padded to a 16-byte boundary here, ahead of the
// ciphertext, as RFC 7539 lays out the MAC input.
func (c *StreamCipher) Auth(aad []byte) {
	c.mac.Write(aad)
	writePad16(c.mac, len(aad))
}

// Encrypt XORs src with the ChaCha20 keystream into dst and feeds the
// resulting ciphertext into the running Poly1305 MAC (rfc7539_encrypt).
func (c *StreamCipher) Encrypt(dst, src []byte) {
	c.enc.XORKeyStream(dst, src)
	c.mac.Write(dst)
}

// Decrypt feeds src (ciphertext) into the running Poly1305 MAC and XORs it
// with the keystream into dst (rfc7539_decrypt). The MAC must be verified
// by the caller via Finish before dst is trusted.
func (c *StreamCipher) Decrypt(dst, src []byte) {
	c.mac.Write(src)
	c.enc.XORKeyStream(dst, src)
}

// Finish completes the Poly1305 MAC over the RFC 7539 padded
// aadLen/ctLen construction and returns the 16-byte tag, mirroring
// rfc7539_finish.
func (c *StreamCipher) Finish(aadLen, ctLen int) [Poly1305TagSize]byte {
	writePad16(c.mac, ctLen)
	writeLengths(c.mac, aadLen, ctLen)
	var tag [Poly1305TagSize]byte
	c.mac.Sum(tag[:0])
	return tag
}

func writePad16(mac *poly1305.MAC, n int) {
	if rem := n % 16; rem != 0 {
		mac.Write(make([]byte, 16-rem))
	}
}

func writeLengths(mac *poly1305.MAC, aadLen, ctLen int) {
	var lens [16]byte
	putUint64LE(lens[0:8], uint64(aadLen))
	putUint64LE(lens[8:16], uint64(ctLen))
	mac.Write(lens[:])
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// SealWhole encrypts the whole of pt in a single call (used for the
// EDEK_PVC seal, which is small and fixed-size) and returns
// ciphertext||tag via the standard chacha20poly1305 AEAD, equivalent to
// rfc7539_init+encrypt+finish over the full buffer with an empty AAD.
func SealWhole(key [32]byte, iv [ChaCha20IVSize]byte, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv[:], pt, nil), nil
}

// OpenWhole decrypts ciphertext||tag produced by SealWhole.
func OpenWhole(key [32]byte, iv [ChaCha20IVSize]byte, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, iv[:], ct, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
