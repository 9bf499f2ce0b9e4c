// Package norcow implements the append-only record log the storage engine
// is built on: a flat mapping from 16-bit key to byte sequence, with
// primitives to get, set (creating a new version), delete, append bytes
// into a preallocated slot, iterate, wipe, finish an upgrade, and a
// counter-specialized set/next pair. Real hardware backs this with a
// wear-leveled flash region; here it is backed by a single file rewritten
// atomically on every mutation, which is a faithful enough stand-in for
// the contract the storage engine actually depends on (the engine never
// assumes anything about flash wear beyond "writes succeed or fail").
package norcow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

const (
	magic         = "NRCW"
	formatVersion = uint16(1)
	headerSize    = 4 + 2 + 4 + 4 // magic + formatVersion + dataVersion + entry count

	tombstone  = uint8(0)
	entryLive  = uint8(1)
	entryCount = uint8(2) // counter-encoded entry, see SetCounter
)

var (
	// ErrNotFound is returned by Get when the key has no live entry.
	ErrNotFound = errors.New("norcow: key not found")
	// ErrCorrupt indicates the on-disk log failed to parse.
	ErrCorrupt = errors.New("norcow: corrupt log")
	// ErrSlotSizeMismatch is returned when UpdateBytes writes more than the
	// slot preallocated by Set(key, nil, expectedLen) expects.
	ErrSlotSizeMismatch = errors.New("norcow: slot size mismatch")
)

type entry struct {
	key   uint16
	kind  uint8
	data  []byte
	// want is the total length promised by a preallocating Set(key, nil, n);
	// filled tracks how many bytes UpdateBytes has appended so far.
	want   int
	filled int
}

// Log is an in-memory, file-backed append-only record log.
type Log struct {
	path    string
	version uint32
	order   []uint16       // insertion order, for stable iteration
	entries map[uint16]*entry
}

// Open loads the log from path, creating an empty one (data version 0) if
// the file does not exist, mirroring norcow_init's "open and return the
// stored version" contract.
func Open(path string) (*Log, error) {
	l := &Log{path: path, entries: make(map[uint16]*entry)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("norcow: open: %w", err)
	}
	if err := l.decode(raw); err != nil {
		return nil, err
	}
	return l, nil
}

// Version returns the current data version stored in the log.
func (l *Log) Version() uint32 { return l.version }

// setVersion overwrites the log's data version field without touching any
// entries, used by UpgradeFinish.
func (l *Log) setVersion(v uint32) { l.version = v }

func (l *Log) decode(raw []byte) error {
	if len(raw) < headerSize || string(raw[0:4]) != magic {
		return ErrCorrupt
	}
	ver := binary.LittleEndian.Uint16(raw[4:6])
	if ver != formatVersion {
		return fmt.Errorf("%w: format version %d", ErrCorrupt, ver)
	}
	l.version = binary.LittleEndian.Uint32(raw[6:10])
	count := binary.LittleEndian.Uint32(raw[10:14])
	off := headerSize
	for i := uint32(0); i < count; i++ {
		if off+2+1+1+4+4 > len(raw) {
			return ErrCorrupt
		}
		key := binary.LittleEndian.Uint16(raw[off : off+2])
		kind := raw[off+2]
		_ = raw[off+3] // reserved
		want := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		dataLen := int(binary.LittleEndian.Uint32(raw[off+8 : off+12]))
		off += 12
		if off+dataLen > len(raw) {
			return ErrCorrupt
		}
		data := append([]byte(nil), raw[off:off+dataLen]...)
		off += dataLen

		if kind == tombstone {
			delete(l.entries, key)
			removeOrder(&l.order, key)
			continue
		}
		if _, exists := l.entries[key]; !exists {
			l.order = append(l.order, key)
		}
		l.entries[key] = &entry{key: key, kind: kind, data: data, want: want, filled: dataLen}
	}
	return nil
}

func removeOrder(order *[]uint16, key uint16) {
	for i, k := range *order {
		if k == key {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return
		}
	}
}

func (l *Log) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], formatVersion)
	buf.Write(u16[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], l.version)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(l.order)))
	buf.Write(u32[:])

	for _, k := range l.order {
		e := l.entries[k]
		binary.LittleEndian.PutUint16(u16[:], e.key)
		buf.Write(u16[:])
		buf.WriteByte(e.kind)
		buf.WriteByte(0)
		binary.LittleEndian.PutUint32(u32[:], uint32(e.want))
		buf.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], uint32(len(e.data)))
		buf.Write(u32[:])
		buf.Write(e.data)
	}
	return buf.Bytes()
}

func (l *Log) persist() error {
	return atomic.WriteFile(l.path, bytes.NewReader(l.encode()))
}

// Get returns the bytes stored under key, or ErrNotFound.
func (l *Log) Get(key uint16) ([]byte, error) {
	e, ok := l.entries[key]
	if !ok || e.kind == entryCount {
		return nil, ErrNotFound
	}
	return e.data, nil
}

// Set stores buf under key, replacing any prior value and creating a new
// version of the record. If buf is nil, the key is preallocated with a
// slot of exactly len bytes to be filled incrementally by UpdateBytes
// (the rest of the slot reads as zero bytes until filled).
func (l *Log) Set(key uint16, buf []byte, length int) error {
	_, err := l.SetEx(key, buf, length)
	return err
}

// SetEx behaves like Set but additionally reports whether key already held
// a live value before this call.
func (l *Log) SetEx(key uint16, buf []byte, length int) (found bool, err error) {
	_, found = l.entries[key]
	if buf == nil {
		data := make([]byte, length)
		l.setEntry(key, &entry{key: key, kind: entryLive, data: data, want: length, filled: 0})
	} else {
		cp := append([]byte(nil), buf...)
		l.setEntry(key, &entry{key: key, kind: entryLive, data: cp, want: len(cp), filled: len(cp)})
	}
	if err := l.persist(); err != nil {
		return found, err
	}
	return found, nil
}

func (l *Log) setEntry(key uint16, e *entry) {
	if _, exists := l.entries[key]; !exists {
		l.order = append(l.order, key)
	}
	l.entries[key] = e
}

// UpdateBytes appends buf into the slot previously preallocated by
// Set(key, nil, expectedLen), writing at the current fill offset. The sum
// of all UpdateBytes calls since the preallocating Set must equal
// expectedLen exactly; overflowing it is an error.
func (l *Log) UpdateBytes(key uint16, buf []byte) error {
	e, ok := l.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.filled+len(buf) > e.want {
		return ErrSlotSizeMismatch
	}
	copy(e.data[e.filled:e.filled+len(buf)], buf)
	e.filled += len(buf)
	return l.persist()
}

// Delete removes key's live entry, if any.
func (l *Log) Delete(key uint16) error {
	if _, ok := l.entries[key]; !ok {
		return ErrNotFound
	}
	delete(l.entries, key)
	removeOrder(&l.order, key)
	return l.persist()
}

// Cursor is an opaque iteration position for GetNext.
type Cursor struct {
	idx int
}

// GetNext advances cur and returns the next live (key, value) pair in a
// stable insertion order; ok is false once every live record has been
// visited exactly once.
func (l *Log) GetNext(cur *Cursor) (key uint16, val []byte, ok bool) {
	for cur.idx < len(l.order) {
		k := l.order[cur.idx]
		cur.idx++
		e, exists := l.entries[k]
		if !exists || e.kind == entryCount {
			continue
		}
		return k, e.data, true
	}
	return 0, nil, false
}

// Wipe erases every entry and resets the data version to zero.
func (l *Log) Wipe() error {
	l.entries = make(map[uint16]*entry)
	l.order = nil
	l.version = 0
	return l.persist()
}

// UpgradeFinish marks the log as having completed migration to the given
// data version and persists it.
func (l *Log) UpgradeFinish(newVersion uint32) error {
	l.setVersion(newVersion)
	return l.persist()
}

// SetCounter stores a monotonic 32-bit counter under key using a
// wear-friendly tick encoding: the counter value is stored directly as a
// 4-byte little-endian word tagged with the entryCount kind, matching the
// wear-optimized "set" half of norcow's counter primitives closely enough
// for the engine's needs (the real norcow packs several tick bits per
// flash word to reduce erase cycles; that optimization is flash-specific
// and orthogonal to the contract the engine consumes).
func (l *Log) SetCounter(key uint16, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	l.setEntry(key, &entry{key: key, kind: entryCount, data: data, want: 4, filled: 4})
	return l.persist()
}

// NextCounter increments the counter stored under key by one, persists it,
// and returns the new value, creating the counter at 1 if absent.
func (l *Log) NextCounter(key uint16) (uint32, error) {
	e, ok := l.entries[key]
	var cur uint32
	if ok && e.kind == entryCount {
		cur = binary.LittleEndian.Uint32(e.data)
	}
	next := cur + 1
	if err := l.SetCounter(key, next); err != nil {
		return 0, err
	}
	return next, nil
}
