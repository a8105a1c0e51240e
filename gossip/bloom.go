package gossip

import (
	"encoding/binary"
	"errors"
	"math"

	"meshsync/protocol"
)

const (
	// DefaultBloomBits is the physical capacity of a reconciliation filter.
	DefaultBloomBits = 1024
	// DefaultHashCount is the number of hash functions applied per insert.
	DefaultHashCount = 3
)

var errBloomSize = errors.New("gossip: bloom filter size mismatch")

// BloomFilter is a compact probabilistic membership set used to tell a peer
// which content hashes we hold without shipping the full hash list. Lookups
// never yield false negatives; false positives grow with fill ratio.
//
// The filter is owned by a single goroutine; callers that share one must
// serialize access themselves.
type BloomFilter struct {
	words []uint64
	bits  uint64 // logical bit count, <= 64*len(words)
	k     int
	items int
}

// NewBloomFilter returns a filter with the default 1024-bit capacity.
func NewBloomFilter() *BloomFilter {
	bf, _ := NewBloomFilterWithParams(DefaultBloomBits, DefaultBloomBits, DefaultHashCount)
	return bf
}

// NewBloomFilterWithParams builds a filter with an explicit physical
// capacity, logical bit count and hash function count. The logical bit
// count may be smaller than the physical capacity to tune the modulus
// without changing the wire size.
func NewBloomFilterWithParams(physicalBits, logicalBits uint64, hashCount int) (*BloomFilter, error) {
	if physicalBits == 0 || physicalBits%64 != 0 {
		return nil, errors.New("gossip: physical bits must be a positive multiple of 64")
	}
	if logicalBits == 0 || logicalBits > physicalBits {
		return nil, errors.New("gossip: logical bits must be in (0, physical bits]")
	}
	if hashCount <= 0 {
		return nil, errors.New("gossip: hash count must be positive")
	}
	return &BloomFilter{
		words: make([]uint64, physicalBits/64),
		bits:  logicalBits,
		k:     hashCount,
	}, nil
}

// bitIndex derives the bit position for hash function i. The first eight
// bytes of the content hash seed a splitmix-style avalanche: golden-ratio
// multiply, xor-shift, second multiply, reduced modulo the logical bits.
func (bf *BloomFilter) bitIndex(hash protocol.ContentHash, i uint64) uint64 {
	x := binary.LittleEndian.Uint64(hash[:8]) + i*0x9e3779b97f4a7c15
	x *= 0x9e3779b97f4a7c15
	x ^= x >> 29
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 32
	return x % bf.bits
}

// Insert sets the k bit positions derived from the hash.
func (bf *BloomFilter) Insert(hash protocol.ContentHash) {
	for i := 0; i < bf.k; i++ {
		idx := bf.bitIndex(hash, uint64(i))
		bf.words[idx/64] |= 1 << (idx % 64)
	}
	bf.items++
}

// MayContain reports whether the hash is possibly in the set. A false
// return is definitive.
func (bf *BloomFilter) MayContain(hash protocol.ContentHash) bool {
	for i := 0; i < bf.k; i++ {
		idx := bf.bitIndex(hash, uint64(i))
		if bf.words[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Items returns the number of inserts since construction or Clear. The
// counter is not carried across serialization.
func (bf *BloomFilter) Items() int {
	return bf.items
}

// EstimatedFalsePositiveRate computes (1 - e^(-k*n/m))^k, zero when empty.
func (bf *BloomFilter) EstimatedFalsePositiveRate() float64 {
	if bf.items == 0 {
		return 0
	}
	exp := -float64(bf.k) * float64(bf.items) / float64(bf.bits)
	return math.Pow(1-math.Exp(exp), float64(bf.k))
}

// Clear resets all bits and the item counter.
func (bf *BloomFilter) Clear() {
	for i := range bf.words {
		bf.words[i] = 0
	}
	bf.items = 0
}

// ToBytes serializes the packed word array as little-endian 64-bit words.
// The default 1024-bit filter serializes to exactly 128 bytes. The wire
// form carries no geometry, so a filter with a reduced logical bit count
// does not round-trip; reconciliation only ever exchanges the default
// geometry.
func (bf *BloomFilter) ToBytes() []byte {
	out := make([]byte, len(bf.words)*8)
	for i, w := range bf.words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// BloomFilterFromBytes reconstructs a filter from its wire form, which is
// always the default 1024-bit geometry; other sizes are rejected.
// Membership answers are preserved; the insert counter is not and reads
// zero.
func BloomFilterFromBytes(raw []byte, hashCount int) (*BloomFilter, error) {
	if len(raw) != DefaultBloomBits/8 {
		return nil, errBloomSize
	}
	if hashCount <= 0 {
		hashCount = DefaultHashCount
	}
	words := make([]uint64, len(raw)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &BloomFilter{
		words: words,
		bits:  uint64(len(words) * 64),
		k:     hashCount,
	}, nil
}
