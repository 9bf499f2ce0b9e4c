package policy

// SetCounter stores a monotonic counter under key, which must be PUBLIC
// (counters never need encryption, only wear-friendly incrementing).
func (s *Store) SetCounter(key uint16, value uint32) error {
	if !isPublic(key) {
		return ErrNotPublic
	}
	if appByte(key) == appStorage {
		return ErrReservedKey
	}
	if !s.unlocked && !writableLocked(key) {
		return ErrLocked
	}
	return s.Log.SetCounter(key, value)
}

// NextCounter increments and returns the counter stored under key, which
// must be PUBLIC.
func (s *Store) NextCounter(key uint16) (uint32, error) {
	if !isPublic(key) {
		return 0, ErrNotPublic
	}
	if appByte(key) == appStorage {
		return 0, ErrReservedKey
	}
	if !s.unlocked && !writableLocked(key) {
		return 0, ErrLocked
	}
	return s.Log.NextCounter(key)
}
