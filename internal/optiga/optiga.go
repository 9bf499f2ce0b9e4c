// Package optiga implements the secure-element PIN-stretch capability: a
// PinStretcher that hands a PBKDF2-stretched PIN to a secure element for
// final verification/provisioning, and the MCU/secure-element PIN-fail
// counter synchronization loop storage_get_pin_rem relies on. It is a
// capability toggle alongside internal/session's software stretcher, not
// a subtype of it — selected once at config time, never mixed mid-session.
package optiga

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
	"github.com/arimxyer/cerberus-storage/internal/session"
)

// PinSecretSize is the size of the secret exchanged with the secure
// element after PIN stretching and verification.
const PinSecretSize = 32

// Errors mirroring the secure element's distinguishable failure modes.
var (
	ErrAuthFail         = errors.New("optiga: pin verification failed")
	ErrCounterExceeded  = errors.New("optiga: pin counter exceeded")
	ErrCommunication    = errors.New("optiga: secure element communication error")
)

// Element is the narrow secure-element surface the stretcher depends on;
// production wiring backs this with the real transport, tests back it
// with an in-memory fake.
type Element interface {
	// PinSet provisions the secure element with a freshly stretched PIN
	// secret, returning the opaque secret to mix into KEK/KEIV derivation.
	PinSet(stretchedPin []byte) (secret []byte, err error)
	// PinVerify attempts to unlock the secure element with a stretched
	// PIN, returning the opaque secret on success.
	PinVerify(stretchedPin []byte) (secret []byte, err error)
	// PinFailsGet returns the secure element's own view of the failure
	// counter.
	PinFailsGet() (uint32, error)
	// PinFailsIncrease advances the secure element's failure counter by n,
	// used to pull it back into sync with the MCU-side counter.
	PinFailsIncrease(n uint32) error
}

// Stretcher implements session.PinStretcher against a secure element: the
// PIN is first stretched with PBKDF2 (so a compromised element alone
// cannot reduce security below the software-only scheme), then handed to
// the element, whose returned secret is PBKDF2-expanded once more into
// the final KEK/KEIV pair.
type Stretcher struct {
	HWSalt  [session.HardwareSaltSize]byte
	Element Element
}

var _ session.PinStretcher = (*Stretcher)(nil)

func (s *Stretcher) stretchPin(pin []byte, storageSalt, extSalt []byte) []byte {
	salt := make([]byte, 0, session.HardwareSaltSize+len(storageSalt)+len(extSalt))
	salt = append(salt, s.HWSalt[:]...)
	salt = append(salt, storageSalt...)
	salt = append(salt, extSalt...)
	return cryptoprim.PBKDF2DeriveBlock(pin, salt, session.PinIterCount, 1)
}

func deriveFromSecret(secret []byte) (kek, keiv [cryptoprim.SHA256Size]byte) {
	kekOut := cryptoprim.PBKDF2DeriveBlock(secret, nil, 1, 1)
	keivOut := cryptoprim.PBKDF2DeriveBlock(secret, nil, 1, 2)
	copy(kek[:], kekOut)
	copy(keiv[:], keivOut)
	return kek, keiv
}

// DeriveForSet stretches pin, provisions the secure element, and expands
// its returned secret into a KEK/KEIV pair.
func (s *Stretcher) DeriveForSet(pin []byte, storageSalt, extSalt []byte, progress session.ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error) {
	stretched := s.stretchPin(pin, storageSalt, extSalt)
	defer cryptoprim.ClearBytes(stretched)
	if progress != nil {
		progress(session.PinStretchDurationMs)
	}
	secret, err := s.Element.PinSet(stretched)
	if err != nil {
		return kek, keiv, err
	}
	defer cryptoprim.ClearBytes(secret)
	kek, keiv = deriveFromSecret(secret)
	return kek, keiv, nil
}

// DeriveForUnlock stretches pin, verifies it against the secure element,
// and expands its returned secret into a KEK/KEIV pair. ErrCounterExceeded
// propagates distinctly because the caller (the unlock state machine) has
// already wiped in that case and should treat this as unreachable.
func (s *Stretcher) DeriveForUnlock(pin []byte, storageSalt, extSalt []byte, progress session.ProgressFunc) (kek, keiv [cryptoprim.SHA256Size]byte, err error) {
	stretched := s.stretchPin(pin, storageSalt, extSalt)
	defer cryptoprim.ClearBytes(stretched)
	if progress != nil {
		progress(session.PinStretchDurationMs)
	}
	secret, err := s.Element.PinVerify(stretched)
	if err != nil {
		return kek, keiv, err
	}
	defer cryptoprim.ClearBytes(secret)
	kek, keiv = deriveFromSecret(secret)
	return kek, keiv, nil
}

// McuCounter is the minimal surface SyncFails needs from the MCU-side PIN
// fail log.
type McuCounter interface {
	GetFails() (uint32, error)
	FailsIncrease() error
}

// SyncFails reconciles the MCU's and the secure element's PIN-fail
// counters, pulling the lagging side forward one increment at a time,
// mirroring storage_get_pin_rem's synchronization loop verbatim: if the
// element's counter is ahead (e.g. a write to the MCU log was interrupted
// by power loss after the element already recorded the failure), the MCU
// log is walked forward to match; if the MCU is ahead, the element is
// told to catch up in one call.
func SyncFails(mcu McuCounter, elem Element) (mcuFails uint32, err error) {
	mcuFails, err = mcu.GetFails()
	if err != nil {
		return 0, err
	}
	elemFails, err := elem.PinFailsGet()
	if err != nil {
		return 0, err
	}
	for mcuFails < elemFails {
		if err := mcu.FailsIncrease(); err != nil {
			return mcuFails, err
		}
		mcuFails++
	}
	if elemFails < mcuFails {
		if err := elem.PinFailsIncrease(mcuFails - elemFails); err != nil {
			return mcuFails, err
		}
	}
	return mcuFails, nil
}
