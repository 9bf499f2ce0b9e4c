package policy

import (
	"errors"

	"github.com/arimxyer/cerberus-storage/internal/cryptoprim"
)

const (
	// WipeCodeSaltSize is the size of the random salt stored alongside the
	// wipe code's HMAC tag.
	WipeCodeSaltSize = 8
	// WipeCodeTagSize is the size of the stored wipe-code integrity tag
	// (truncated HMAC-SHA256).
	WipeCodeTagSize = 8
	// MaxWipeCodeLen is the longest wipe code storage will accept.
	MaxWipeCodeLen = 50
)

// wipeCodeEmpty is the sentinel value representing "no wipe code set",
// matching storage.c's WIPE_CODE_EMPTY constant (four zero bytes, chosen
// so it can never collide with a user-entered digit string).
var wipeCodeEmpty = []byte{0, 0, 0, 0}

// ErrWipeCodeTooLong is returned by SetWipeCode when code exceeds
// MaxWipeCodeLen.
var ErrWipeCodeTooLong = errors.New("policy: wipe code too long")

// ErrWipeCodeEqualsPin is returned by ChangeWipeCode when the proposed
// wipe code equals the currently active PIN.
var ErrWipeCodeEqualsPin = errors.New("policy: wipe code must differ from the pin")

// recordSink is the minimal norcow surface wipe-code handling needs.
type recordSink interface {
	Get(key uint16) ([]byte, error)
	Set(key uint16, buf []byte, length int) error
}

// SetWipeCode writes code's salted HMAC tag to key in sink, matching
// set_wipe_code: data is stored as code‖salt(8)‖tag(8). An empty code is
// re-encoded to wipeCodeEmpty first so that "no wipe code" and "user
// explicitly cleared the wipe code" share a single representation.
func SetWipeCode(sink recordSink, key uint16, code []byte) error {
	if len(code) > MaxWipeCodeLen {
		return ErrWipeCodeTooLong
	}
	if len(code) == 0 {
		code = wipeCodeEmpty
	}
	var salt [WipeCodeSaltSize]byte
	if err := cryptoprim.RandomBuffer(salt[:]); err != nil {
		return err
	}
	tag := cryptoprim.HMACSHA256(salt[:], code)

	data := make([]byte, 0, len(code)+WipeCodeSaltSize+WipeCodeTagSize)
	data = append(data, code...)
	data = append(data, salt[:]...)
	data = append(data, tag[:WipeCodeTagSize]...)
	return sink.Set(key, data, len(data))
}

// IsNotWipeCode reports whether pin does NOT match the stored wipe code,
// following is_not_wipe_code's exact sequence: verify the stored tag's own
// integrity first (guards against flash tampering), then compute the
// entered PIN's tag twice with a jitter delay before each computation and
// cross-check the two computations against each other before finally
// comparing against the stored tag — so that a fault injected between the
// two recomputations is caught rather than silently accepted as a match.
func IsNotWipeCode(sink recordSink, key uint16, pin []byte, onFault func(string)) (bool, error) {
	raw, err := sink.Get(key)
	if err != nil {
		onFault("no wipe code")
		return true, err
	}
	if len(raw) <= WipeCodeSaltSize+WipeCodeTagSize {
		onFault("no wipe code")
		return true, errors.New("policy: malformed wipe code record")
	}
	codeLen := len(raw) - WipeCodeSaltSize - WipeCodeTagSize
	code := raw[:codeLen]
	salt := raw[codeLen : codeLen+WipeCodeSaltSize]
	storedTag := raw[codeLen+WipeCodeSaltSize:]

	checkTag := cryptoprim.HMACSHA256(salt, code)
	if !cryptoprim.SecEqual(storedTag, checkTag[:WipeCodeTagSize], onFault) {
		onFault("wipe code tag")
		return true, errors.New("policy: wipe code record tag mismatch")
	}

	cryptoprim.WaitRandom()
	tag1 := cryptoprim.HMACSHA256(salt, pin)

	cryptoprim.WaitRandom()
	tag2 := cryptoprim.HMACSHA256(salt, pin)
	if !cryptoprim.SecEqual(tag1[:], tag2[:], onFault) {
		onFault("wipe code fault")
		return true, errors.New("policy: wipe code comparison fault")
	}

	cryptoprim.WaitRandom()
	if cryptoprim.SecEqual(storedTag, tag1[:WipeCodeTagSize], onFault) {
		return false, nil
	}
	return true, nil
}

// HasWipeCode reports whether a wipe code other than the empty sentinel is
// currently set.
func HasWipeCode(sink recordSink, key uint16, onFault func(string)) (bool, error) {
	notWipe, err := IsNotWipeCode(sink, key, wipeCodeEmpty, onFault)
	if err != nil {
		return false, err
	}
	return notWipe, nil
}
