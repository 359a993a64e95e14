package persistence

import (
	"hash/fnv"
	"math"
)

type BloomFilter interface {
	Add(key []byte)
	MayContain(key []byte) bool
}

// BloomFilterImpl is a bit array probed with k positions derived from
// one 64-bit FNV-1a hash by double hashing.
type BloomFilterImpl struct {
	bits []byte
	k    uint8
}

// NewBloomFilter sizes a filter for expectedKeys at bitsPerKey.
func NewBloomFilter(expectedKeys, bitsPerKey int) *BloomFilterImpl {
	nbits := expectedKeys * bitsPerKey
	if nbits < 64 {
		nbits = 64
	}
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	k = min(max(k, 1), 30)

	return &BloomFilterImpl{
		bits: make([]byte, (nbits+7)/8),
		k:    uint8(k),
	}
}

func (bf *BloomFilterImpl) Add(key []byte) {
	bf.addHash(keyHash(key))
}

func (bf *BloomFilterImpl) addHash(h uint64) {
	h1, h2 := splitHash(h)
	n := uint32(len(bf.bits) * 8)
	for i := uint32(0); i < uint32(bf.k); i++ {
		pos := (h1 + i*h2) % n
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (bf *BloomFilterImpl) MayContain(key []byte) bool {
	if len(bf.bits) == 0 {
		return true
	}
	h1, h2 := splitHash(keyHash(key))
	n := uint32(len(bf.bits) * 8)
	for i := uint32(0); i < uint32(bf.k); i++ {
		pos := (h1 + i*h2) % n
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode appends the hash count after the bit array.
func (bf *BloomFilterImpl) Encode() []byte {
	out := make([]byte, len(bf.bits)+1)
	copy(out, bf.bits)
	out[len(bf.bits)] = bf.k
	return out
}

// decodeBloom returns nil when data is empty, which disables the filter.
func decodeBloom(data []byte) *BloomFilterImpl {
	if len(data) < 2 {
		return nil
	}
	return &BloomFilterImpl{
		bits: data[:len(data)-1],
		k:    data[len(data)-1],
	}
}

// buildBloom builds a filter from precomputed key hashes.
func buildBloom(hashes []uint64, bitsPerKey int) *BloomFilterImpl {
	bf := NewBloomFilter(len(hashes), bitsPerKey)
	for _, h := range hashes {
		bf.addHash(h)
	}
	return bf
}

func keyHash(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return h.Sum64()
}

func splitHash(h uint64) (uint32, uint32) {
	return uint32(h), uint32(h>>32) | 1
}
