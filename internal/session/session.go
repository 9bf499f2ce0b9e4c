// Package session derives and holds the keys that protect a storage: the
// key-encryption key (KEK) and its IV, stretched from the PIN via a
// pluggable PinStretcher, and the resulting data-encryption key (DEK) and
// session authentication key (SAK), cached only while the storage is
// unlocked and zeroized immediately on lock.
package session

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
)

const (
	// HardwareSaltSize is the size of the one-time, boot-persistent salt
	// hashed once at startup.
	HardwareSaltSize = cryptoprim.SHA256Size
	// StorageSaltSize is the size of the per-storage random salt stored
	// alongside the wrapped keys.
	StorageSaltSize = 32
	// ExternalSaltSize is the size of the optional caller-supplied salt
	// mixed into PIN stretching.
	ExternalSaltSize = 32
	// DEKSize is the data-encryption key length.
	DEKSize = 32
	// SAKSize is the session authentication key length.
	SAKSize = 16
	// KeysSize is DEK||SAK, the buffer sealed as one unit under the
	// PIN-derived KEK.
	KeysSize = DEKSize + SAKSize
	// PVCSize is the PIN verification code length, the first PVCSize bytes
	// of the Poly1305 tag over the sealed keys.
	PVCSize = 8
	// PinIterCount is the total PBKDF2 iteration budget split across ten
	// reporting sub-batches (five for the KEK block, five for the KEIV
	// block), matching the software PIN-stretch cost.
	PinIterCount = 20000
)

// ErrPVCMismatch indicates the derived PIN verification code did not match
// the one stored alongside the wrapped keys: the entered PIN is wrong.
var ErrPVCMismatch = errors.New("session: pin verification code mismatch")

// Keys is the DEK||SAK pair cached for the duration of an unlocked session.
type Keys struct {
	DEK [DEKSize]byte
	SAK [SAKSize]byte
}

// Zero overwrites the cached keys, called whenever a session locks.
func (k *Keys) Zero() {
	cryptoprim.ClearBytes(k.DEK[:])
	cryptoprim.ClearBytes(k.SAK[:])
}

// PinStretcher is the capability interface selected at build/config time:
// either the software PBKDF2 path or the secure-element (OPTIGA) path.
// Both produce a KEK/KEIV pair from a PIN, a per-storage salt, and an
// optional external salt, reporting progress through progress as they go.
type PinStretcher interface {
	// DeriveForSet stretches pin for a brand-new PIN (set_pin / ChangePIN),
	// returning the KEK and KEIV to seal the keys under.
	DeriveForSet(pin []byte, storageSalt, extSalt []byte, progress ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error)
	// DeriveForUnlock stretches pin to verify an existing PIN (Unlock),
	// returning the KEK and KEIV to attempt opening the wrapped keys with.
	DeriveForUnlock(pin []byte, storageSalt, extSalt []byte, progress ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error)
}

// ProgressFunc is invoked with the number of milliseconds of estimated
// derivation work completed in that call; returning true requests
// cancellation of the remaining derivation.
type ProgressFunc func(deltaMs int) (cancel bool)

// HardwareSalt is the boot-time salt hashed once and mixed into every PIN
// derivation, matching storage.c's hardware_salt handling.
func HardwareSalt(callerSalt []byte) [HardwareSaltSize]byte {
	return cryptoprim.SHA256(callerSalt)
}

func combinedSalt(hw [HardwareSaltSize]byte, storageSalt, extSalt []byte) []byte {
	buf := make([]byte, 0, HardwareSaltSize+len(storageSalt)+len(extSalt))
	buf = append(buf, hw[:]...)
	buf = append(buf, storageSalt...)
	buf = append(buf, extSalt...)
	return buf
}

// SoftStretcher derives the KEK/KEIV pair directly with PBKDF2-HMAC-SHA256
// over PinIterCount iterations, split into ten reported sub-batches (five
// for the KEK block, five for the KEIV block) mirroring derive_kek's
// progress-reporting loop.
type SoftStretcher struct {
	HWSalt [HardwareSaltSize]byte
}

var _ PinStretcher = (*SoftStretcher)(nil)

// DeriveForSet and DeriveForUnlock are identical for the software path:
// PBKDF2 has no notion of "set" vs "verify", only the secure-element path
// distinguishes them (it has a one-shot provisioning call vs. a
// many-times verify call).
func (s *SoftStretcher) DeriveForSet(pin []byte, storageSalt, extSalt []byte, progress ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error) {
	return s.derive(pin, storageSalt, extSalt, progress)
}

func (s *SoftStretcher) DeriveForUnlock(pin []byte, storageSalt, extSalt []byte, progress ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error) {
	return s.derive(pin, storageSalt, extSalt, progress)
}

func (s *SoftStretcher) derive(pin []byte, storageSalt, extSalt []byte, progress ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error) {
	salt := combinedSalt(s.HWSalt, storageSalt, extSalt)
	const perBatch = PinIterCount / 10
	const msPerBatch = PinStretchDurationMs / 10

	kekOut := cryptoprim.PBKDF2DeriveBlock(pin, salt, perBatch*5, 1)
	copy(kek[:], kekOut)
	for i := 0; i < 5 && progress != nil; i++ {
		if progress(msPerBatch) {
			return kek, keiv, errCancelled
		}
	}

	keivOut := cryptoprim.PBKDF2DeriveBlock(pin, salt, perBatch*5, 2)
	copy(keiv[:], keivOut)
	for i := 0; i < 5 && progress != nil; i++ {
		if progress(msPerBatch) {
			return kek, keiv, errCancelled
		}
	}
	return kek, keiv, nil
}

// PinStretchDurationMs is the estimated wall-clock cost, in milliseconds, of
// a full PIN stretch (software or secure-element), used to size progress
// steps for both PinStretcher implementations.
const PinStretchDurationMs = 1280

var errCancelled = errors.New("session: pin stretch cancelled")

// WrapKeys seals keys under kek/keiv using the whole-buffer ChaCha20-
// Poly1305 construction (empty AAD), returning ciphertext and the
// PVCSize-byte PIN verification code (the first PVCSize bytes of the
// Poly1305 tag), mirroring set_pin's rfc7539_init/encrypt/finish sequence.
func WrapKeys(kek, keiv [cryptoprim.SHA256Size]byte, keys Keys) (ciphertext []byte, pvc [PVCSize]byte, err error) {
	sc, err := cryptoprim.NewStreamCipher(kek, [cryptoprim.ChaCha20IVSize]byte(keiv[:cryptoprim.ChaCha20IVSize]))
	if err != nil {
		return nil, pvc, err
	}
	plain := make([]byte, KeysSize)
	copy(plain[:DEKSize], keys.DEK[:])
	copy(plain[DEKSize:], keys.SAK[:])
	ciphertext = make([]byte, KeysSize)
	sc.Encrypt(ciphertext, plain)
	tag := sc.Finish(0, KeysSize)
	copy(pvc[:], tag[:PVCSize])
	cryptoprim.ClearBytes(plain)
	return ciphertext, pvc, nil
}

// UnwrapKeys opens a buffer produced by WrapKeys, verifying the PVC via a
// random-masked, loop-completion-checked word comparison preceded by a
// jitter delay, exactly mirroring decrypt_dek's wait_random()+secequal32
// sequence so that timing and power side-channels can't distinguish a
// near-miss PVC from a correct one.
func UnwrapKeys(kek, keiv [cryptoprim.SHA256Size]byte, ciphertext []byte, storedPVC [PVCSize]byte, onFault func(string)) (Keys, error) {
	var keys Keys
	if len(ciphertext) != KeysSize {
		return keys, ErrPVCMismatch
	}
	sc, err := cryptoprim.NewStreamCipher(kek, [cryptoprim.ChaCha20IVSize]byte(keiv[:cryptoprim.ChaCha20IVSize]))
	if err != nil {
		return keys, err
	}
	plain := make([]byte, KeysSize)
	sc.Decrypt(plain, ciphertext)
	tag := sc.Finish(0, KeysSize)

	cryptoprim.WaitRandom()
	tagWords := cryptoprim.BytesToWords32(tag[:PVCSize])
	pvcWords := cryptoprim.BytesToWords32(storedPVC[:])
	if !cryptoprim.SecEqual32(tagWords, pvcWords, onFault) {
		cryptoprim.ClearBytes(plain)
		return keys, ErrPVCMismatch
	}
	copy(keys.DEK[:], plain[:DEKSize])
	copy(keys.SAK[:], plain[DEKSize:])
	cryptoprim.ClearBytes(plain)
	return keys, nil
}

// RandomKeys generates a fresh DEK||SAK pair for freshly wiped storage.
func RandomKeys() (Keys, error) {
	var keys Keys
	if err := cryptoprim.RandomBuffer(keys.DEK[:]); err != nil {
		return keys, err
	}
	if err := cryptoprim.RandomBuffer(keys.SAK[:]); err != nil {
		return keys, err
	}
	return keys, nil
}
