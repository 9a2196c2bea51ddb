// Package bitfield tracks which pieces a peer (or the aggregate swarm)
// claims to have, and is what §9 of spec.md calls "an array of
// fixed-width integers supporting bitwise AND/XOR across peers".
package bitfield

import (
	"fmt"

	"github.com/willf/bitset"
)

// Bitfield is a bit-indexed set over piece indices, backed by
// github.com/willf/bitset's word array so aggregation (rarest-first
// filtering, availability recomputation) is cheap bitwise arithmetic
// instead of a byte-at-a-time scan.
type Bitfield struct {
	bits *bitset.BitSet
	n    int // number of pieces this bitfield is sized for
}

// New returns a Bitfield with all n bits clear.
func New(n int) *Bitfield {
	return &Bitfield{bits: bitset.New(uint(n)), n: n}
}

// Set marks piece i as present. Panics-free: out-of-range indices are a
// caller bug and are ignored rather than crashing a peer connection.
func (b *Bitfield) Set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits.Set(uint(i))
}

// Clear marks piece i as absent.
func (b *Bitfield) Clear(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits.Clear(uint(i))
}

// Has reports whether piece i is marked present.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits.Test(uint(i))
}

// Len returns the number of pieces this bitfield covers.
func (b *Bitfield) Len() int { return b.n }

// Count returns the number of set bits.
func (b *Bitfield) Count() int {
	return int(b.bits.Count())
}

// Bytes packs the bitfield into the wire format: ceil(n/8) bytes, piece 0
// is the MSB of byte 0.
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.bits.Test(uint(i)) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// FromBytes parses a wire-format bitfield payload for a torrent with n
// pieces. Trailing padding bits (beyond n, within the last byte) must be
// zero; a spurious set trailing bit is a protocol error per spec.md §8.
func FromBytes(payload []byte, n int) (*Bitfield, error) {
	expectedLen := (n + 7) / 8
	if len(payload) != expectedLen {
		return nil, fmt.Errorf("bitfield: payload length %d, expected %d for %d pieces", len(payload), expectedLen, n)
	}

	b := New(n)
	for i := 0; i < len(payload)*8; i++ {
		bit := payload[i/8]&(1<<(7-uint(i%8))) != 0
		if i < n {
			if bit {
				b.bits.Set(uint(i))
			}
		} else if bit {
			return nil, fmt.Errorf("bitfield: spurious set bit %d beyond piece count %d", i, n)
		}
	}
	return b, nil
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	return &Bitfield{bits: b.bits.Clone(), n: b.n}
}

// Missing reports the indices in `have` that are clear in b (i.e. pieces
// the peer has but we don't, the rarest-first candidate set) by running
// the candidate list against b, the local bitfield.
func (b *Bitfield) Missing(have *Bitfield) []int {
	var out []int
	for i := 0; i < b.n; i++ {
		if have.Has(i) && !b.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Availability is a per-piece count of peers advertising that piece,
// updated incrementally as peer bitfields/have messages arrive and as
// peers disconnect, rather than recomputed from scratch each time.
type Availability struct {
	counts []uint32
}

// NewAvailability returns an all-zero availability table for n pieces.
func NewAvailability(n int) *Availability {
	return &Availability{counts: make([]uint32, n)}
}

// Inc increments piece i's availability (a peer just claimed to have it).
func (a *Availability) Inc(i int) {
	if i >= 0 && i < len(a.counts) {
		a.counts[i]++
	}
}

// Dec decrements piece i's availability (a peer that had it disconnected,
// or a `have` was somehow retracted).
func (a *Availability) Dec(i int) {
	if i >= 0 && i < len(a.counts) && a.counts[i] > 0 {
		a.counts[i]--
	}
}

// Count returns the current availability of piece i.
func (a *Availability) Count(i int) uint32 {
	if i < 0 || i >= len(a.counts) {
		return 0
	}
	return a.counts[i]
}

// ApplyBitfield increments availability for every bit set in bf (used
// when a peer's initial bitfield message arrives).
func (a *Availability) ApplyBitfield(bf *Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			a.Inc(i)
		}
	}
}

// RemoveBitfield decrements availability for every bit set in bf (used
// when a peer with this bitfield disconnects).
func (a *Availability) RemoveBitfield(bf *Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			a.Dec(i)
		}
	}
}
