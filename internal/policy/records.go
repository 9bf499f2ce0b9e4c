package policy

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
)

const (
	// FlagWrite ("writable-locked"), only meaningful together with
	// FlagPublic, lets a public record be written while storage is locked.
	FlagWrite uint8 = 0x40
	// flagsWrite is the combination a key's app byte must carry for Set/
	// Delete/SetCounter/NextCounter to be allowed while locked.
	flagsWrite = FlagPublic | FlagWrite
)

var (
	// ErrReservedKey is returned when a caller addresses an APP==0x00 key
	// through the public record API.
	ErrReservedKey = errors.New("policy: application 0x00 is reserved")
	// ErrLocked is returned when a record operation requires an unlocked
	// session and none is active.
	ErrLocked = errors.New("policy: storage is locked")
	// ErrNotFound is returned when a protected key has no value; a missing
	// PUBLIC key reports norcow.ErrNotFound instead.
	ErrNotFound = errors.New("policy: key not found")
	// ErrTooLarge is returned when a value would overflow the 16-bit
	// ciphertext length field once the IV and tag are added.
	ErrTooLarge = errors.New("policy: value too large")
	// ErrNotPublic is returned by SetCounter/NextCounter against a
	// protected (non-PUBLIC) key.
	ErrNotPublic = errors.New("policy: counters require a public key")
)

func appByte(key uint16) uint8 { return uint8(key >> 8) }

func isPublic(key uint16) bool { return appByte(key)&FlagPublic != 0 }

func writableLocked(key uint16) bool {
	return appByte(key)&flagsWrite == flagsWrite
}

// Has reports whether key currently holds a value.
func (s *Store) Has(key uint16) (bool, error) {
	_, err := s.Get(key)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Get reads key: plaintext and locked-readable if PUBLIC, otherwise
// requiring an unlocked session and going through the authenticated AEAD
// envelope.
func (s *Store) Get(key uint16) ([]byte, error) {
	if appByte(key) == appStorage {
		return nil, ErrReservedKey
	}
	if isPublic(key) {
		return s.Log.Get(key)
	}
	if !s.unlocked {
		return nil, ErrLocked
	}
	return s.getEncrypted(key)
}

func (s *Store) getEncrypted(key uint16) ([]byte, error) {
	stored, err := s.GetAuthenticated(key)
	if err != nil {
		return nil, err
	}
	envelopeMin := cryptoprim.ChaCha20IVSize + cryptoprim.Poly1305TagSize
	if len(stored) < envelopeMin {
		s.Fault.Handle("ciphertext length check")
		return nil, errors.New("policy: unreachable, fault handler halted")
	}
	iv := stored[:cryptoprim.ChaCha20IVSize]
	ciphertext := stored[cryptoprim.ChaCha20IVSize : len(stored)-cryptoprim.Poly1305TagSize]
	storedTag := stored[len(stored)-cryptoprim.Poly1305TagSize:]

	var ivArr [cryptoprim.ChaCha20IVSize]byte
	copy(ivArr[:], iv)
	sc, err := cryptoprim.NewStreamCipher(s.keys.DEK, ivArr)
	if err != nil {
		return nil, err
	}
	kb := [2]byte{byte(key), byte(key >> 8)}
	sc.Auth(kb[:])
	plain := make([]byte, len(ciphertext))
	sc.Decrypt(plain, ciphertext)
	tag := sc.Finish(2, len(ciphertext))

	if !cryptoprim.SecEqual(tag[:], storedTag, s.Fault.Handle) {
		cryptoprim.ClearBytes(plain)
		s.Fault.Handle("authentication tag check")
		return nil, errors.New("policy: unreachable, fault handler halted")
	}
	return plain, nil
}

// Set writes key: PUBLIC keys go straight to the log, others are sealed
// under the session DEK with the per-record AEAD envelope and the whole-
// store tag is refreshed.
func (s *Store) Set(key uint16, val []byte) error {
	if appByte(key) == appStorage {
		return ErrReservedKey
	}
	if !s.unlocked && !writableLocked(key) {
		return ErrLocked
	}
	if isPublic(key) {
		return s.Log.Set(key, val, len(val))
	}
	return s.setEncrypted(key, val)
}

func (s *Store) setEncrypted(key uint16, val []byte) error {
	envelopeMax := 0xFFFF - cryptoprim.ChaCha20IVSize - cryptoprim.Poly1305TagSize
	if len(val) > envelopeMax {
		return ErrTooLarge
	}
	total := cryptoprim.ChaCha20IVSize + len(val) + cryptoprim.Poly1305TagSize
	if err := auth2Set(s, key, total); err != nil {
		return err
	}

	var iv [cryptoprim.ChaCha20IVSize]byte
	if err := cryptoprim.RandomBuffer(iv[:]); err != nil {
		return err
	}
	if err := s.Log.UpdateBytes(key, iv[:]); err != nil {
		return err
	}

	sc, err := cryptoprim.NewStreamCipher(s.keys.DEK, iv)
	if err != nil {
		return err
	}
	kb := [2]byte{byte(key), byte(key >> 8)}
	sc.Auth(kb[:])

	i := 0
	for ; i+cryptoprim.ChaCha20BlockSize < len(val); i += cryptoprim.ChaCha20BlockSize {
		chunk := make([]byte, cryptoprim.ChaCha20BlockSize)
		sc.Encrypt(chunk, val[i:i+cryptoprim.ChaCha20BlockSize])
		if err := s.Log.UpdateBytes(key, chunk); err != nil {
			return err
		}
	}
	last := make([]byte, len(val)-i)
	sc.Encrypt(last, val[i:])
	if err := s.Log.UpdateBytes(key, last); err != nil {
		return err
	}
	tag := sc.Finish(2, len(val))
	return s.Log.UpdateBytes(key, tag[:])
}

// auth2Set preallocates the ciphertext slot via SetEx and refreshes the
// tag exactly once (on first creation), mirroring auth_set wrapping
// norcow_set_ex, then rolling the allocation back if the tag write fails.
func auth2Set(s *Store, key uint16, totalLen int) error {
	found, err := s.Log.SetEx(key, nil, totalLen)
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

// Delete removes key, refreshing the whole-store tag afterward.
func (s *Store) Delete(key uint16) error {
	if appByte(key) == appStorage {
		return ErrReservedKey
	}
	if !s.unlocked && !writableLocked(key) {
		return ErrLocked
	}
	if err := s.Log.Delete(key); err != nil {
		return err
	}
	if !isPublic(key) {
		return s.refreshAuthTag()
	}
	return nil
}
