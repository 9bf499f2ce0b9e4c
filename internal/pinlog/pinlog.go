// Package pinlog implements the append-only PIN-failure counter the policy
// layer consults before every unlock attempt. Two encodings are supported,
// matching the two generations of PIN-fails records recovered from
// original_source: a bitwise log (one bit burned to zero per failed
// attempt, across a block of words) and a blockwise log (one word burned
// per failed attempt, holding the fails-so-far count directly). Both must
// tolerate power loss mid-increment: a crash between marking a failure and
// clearing it on success must still be readable as "one extra failure."
package pinlog

import "math/bits"

// Counter is the PIN-failure counter contract the policy layer depends on.
type Counter interface {
	// GetFails returns the number of consecutive failed unlock attempts
	// recorded since the last successful unlock or counter reset.
	GetFails() (uint32, error)
	// FailsIncrease records one additional failed attempt before the PIN
	// is even checked, so that a fault injected during PIN verification
	// cannot avoid the failure being counted.
	FailsIncrease() error
	// FailsReset clears the failure count after a successful unlock.
	FailsReset() error
}

// wordSink is the minimal persistence surface pinlog needs from the record
// log: read the current raw words, and append or replace them.
type wordSink interface {
	Get(key uint16) ([]byte, error)
	Set(key uint16, buf []byte, length int) error
}

// BitwiseCounter implements the legacy (storage version 0-2) encoding: a
// fixed-size block of 32-bit words, each bit starting at 1 and being
// cleared (never set) to record one failure, so that a failure is durable
// even if the write to clear the next bit is interrupted by power loss.
// Word capacity* 32 bits is the maximum representable fails count; beyond
// that GetFails saturates at the capacity.
type BitwiseCounter struct {
	sink wordSink
	key  uint16
}

// bitwiseCapacityWords is the word-block size a fresh BitwiseCounter is
// initialized with: 32 bits per word comfortably covers PinMaxTries (16)
// with headroom for the fault handler's shared use of the same counter.
const bitwiseCapacityWords = 1

// NewBitwiseCounter returns a BitwiseCounter backed by sink under key. The
// record under key is not required to exist yet; FailsReset establishes it.
func NewBitwiseCounter(sink wordSink, key uint16) *BitwiseCounter {
	return &BitwiseCounter{sink: sink, key: key}
}

// words reads the current word block, treating an absent record (storage
// not yet initialized) as an empty block rather than an error.
func (c *BitwiseCounter) words() ([]uint32, error) {
	raw, err := c.sink.Get(c.key)
	if err != nil {
		return nil, nil
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = leUint32(raw[i*4 : i*4+4])
	}
	return words, nil
}

// GetFails counts the cleared bits across every word: the first all-ones
// word from the end marks "no more failures recorded here", so the count
// is the total bits minus the population count of set bits remaining.
func (c *BitwiseCounter) GetFails() (uint32, error) {
	words, err := c.words()
	if err != nil {
		return 0, err
	}
	var fails uint32
	for _, w := range words {
		fails += uint32(32 - bits.OnesCount32(w))
	}
	return fails, nil
}

// FailsIncrease clears the lowest set bit across the word block, the
// bitwise analogue of burning one flash bit from 1 to 0. An absent record
// is first treated as a fresh all-ones block, so the failure is recorded.
func (c *BitwiseCounter) FailsIncrease() error {
	words, err := c.words()
	if err != nil {
		return err
	}
	if len(words) == 0 {
		words = make([]uint32, bitwiseCapacityWords)
		for i := range words {
			words[i] = 0xFFFFFFFF
		}
	}
	for i, w := range words {
		if w != 0 {
			lowest := w & (-w)
			words[i] = w &^ lowest
			return c.store(words)
		}
	}
	// Already saturated; nothing left to clear.
	return c.store(words)
}

// FailsReset rewrites the word block back to all-ones, establishing a fresh
// bitwiseCapacityWords-sized block on first use (storage initialization)
// rather than depending on a block already existing.
func (c *BitwiseCounter) FailsReset() error {
	n := bitwiseCapacityWords
	if existing, err := c.words(); err == nil && len(existing) > n {
		n = len(existing)
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = 0xFFFFFFFF
	}
	return c.store(words)
}

func (c *BitwiseCounter) store(words []uint32) error {
	raw := make([]byte, len(words)*4)
	for i, w := range words {
		putLeUint32(raw[i*4:i*4+4], w)
	}
	return c.sink.Set(c.key, raw, len(raw))
}

// BlockwiseCounter implements the newer encoding: a block of words, each
// either 0 (untouched) or holding fails-so-far+1 (a one-based count so
// that the all-zero erased state is distinguishable from "zero failures
// recorded"). Each failure appends a new word rather than mutating an
// existing one, so a power loss mid-write leaves at worst one missing
// increment rather than a torn value.
type BlockwiseCounter struct {
	sink wordSink
	key  uint16
	cap  int // maximum words in the block
}

// NewBlockwiseCounter returns a BlockwiseCounter backed by sink under key,
// with capacity words available before the block must be compacted.
func NewBlockwiseCounter(sink wordSink, key uint16, capacity int) *BlockwiseCounter {
	return &BlockwiseCounter{sink: sink, key: key, cap: capacity}
}

// words reads the current word block, treating an absent record (storage
// not yet initialized) as an empty block rather than an error.
func (c *BlockwiseCounter) words() ([]uint32, error) {
	raw, err := c.sink.Get(c.key)
	if err != nil {
		return nil, nil
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = leUint32(raw[i*4 : i*4+4])
	}
	return words, nil
}

// GetFails returns the value of the last non-zero word in the block, or 0
// if the block is empty or untouched.
func (c *BlockwiseCounter) GetFails() (uint32, error) {
	words, err := c.words()
	if err != nil {
		return 0, err
	}
	for i := len(words) - 1; i >= 0; i-- {
		if words[i] != 0 {
			return words[i] - 1, nil
		}
	}
	return 0, nil
}

// FailsIncrease appends a word holding the new count plus one to the block.
// If the block already holds cap words, it compacts to a single word
// holding the new count, mirroring the real implementation's periodic
// flash-erase cycle; a cap of zero or less never compacts.
func (c *BlockwiseCounter) FailsIncrease() error {
	words, err := c.words()
	if err != nil {
		return err
	}
	fails, err := c.GetFails()
	if err != nil {
		return err
	}
	next := fails + 1
	if c.cap <= 0 || len(words) < c.cap {
		return c.store(append(words, next+1))
	}
	// Block exhausted: compact.
	return c.store([]uint32{next + 1})
}

// FailsReset compacts the block to a single zero-fails entry.
func (c *BlockwiseCounter) FailsReset() error {
	return c.store([]uint32{1})
}

func (c *BlockwiseCounter) store(words []uint32) error {
	if c.cap > 0 && len(words) > c.cap {
		words = words[len(words)-c.cap:]
	}
	raw := make([]byte, len(words)*4)
	for i, w := range words {
		putLeUint32(raw[i*4:i*4+4], w)
	}
	return c.sink.Set(c.key, raw, len(raw))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
